// Package table renders aligned ASCII tables. Cell content may contain
// ANSI escape sequences; column widths are computed on the visible text.
package table

import (
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Alignment controls how cell content is padded within its column.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
	AlignCenter
)

var ansiPattern = regexp.MustCompile("\x1b\\[[0-9;]*m")

func stripAnsi(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func visibleWidth(s string) int {
	return len([]rune(stripAnsi(s)))
}

// Table accumulates rows and renders them with box-drawing separators.
type Table struct {
	writer          io.Writer
	header          []string
	rows            [][]string
	columnAlignment []Alignment
	headerAlignment []Alignment
}

// NewTable creates a table that renders to the given writer.
func NewTable(writer io.Writer) *Table {
	return &Table{writer: writer}
}

// WithHeader sets the header row.
func (t *Table) WithHeader(header []string) *Table {
	t.header = header
	return t
}

// WithColumnAlignment sets per-column alignment for body rows.
func (t *Table) WithColumnAlignment(alignment []Alignment) *Table {
	t.columnAlignment = alignment
	return t
}

// WithHeaderAlignment sets per-column alignment for the header row.
func (t *Table) WithHeaderAlignment(alignment []Alignment) *Table {
	t.headerAlignment = alignment
	return t
}

// WithRows replaces the body rows.
func (t *Table) WithRows(rows [][]string) *Table {
	t.rows = rows
	return t
}

// Append adds one body row.
func (t *Table) Append(row []string) *Table {
	t.rows = append(t.rows, row)
	return t
}

func (t *Table) columnCount() int {
	count := len(t.header)
	for _, row := range t.rows {
		if len(row) > count {
			count = len(row)
		}
	}
	return count
}

func (t *Table) columnWidths(count int) []int {
	widths := make([]int, count)
	measure := func(row []string) {
		for i, cell := range row {
			if w := visibleWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.header)
	for _, row := range t.rows {
		measure(row)
	}
	return widths
}

func pad(cell string, width int, alignment Alignment) string {
	gap := width - visibleWidth(cell)
	if gap <= 0 {
		return cell
	}
	switch alignment {
	case AlignRight:
		return strings.Repeat(" ", gap) + cell
	case AlignCenter:
		left := gap / 2
		return strings.Repeat(" ", left) + cell + strings.Repeat(" ", gap-left)
	default:
		return cell + strings.Repeat(" ", gap)
	}
}

func alignmentAt(alignments []Alignment, i int) Alignment {
	if i < len(alignments) {
		return alignments[i]
	}
	return AlignLeft
}

// Render writes the table.
func (t *Table) Render() {
	count := t.columnCount()
	if count == 0 {
		return
	}
	widths := t.columnWidths(count)

	var sep strings.Builder
	for _, w := range widths {
		sep.WriteString("+")
		sep.WriteString(strings.Repeat("-", w+2))
	}
	sep.WriteString("+")
	separator := sep.String()

	writeRow := func(row []string, alignments []Alignment) {
		var sb strings.Builder
		for i := 0; i < count; i++ {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			sb.WriteString("| ")
			sb.WriteString(pad(cell, widths[i], alignmentAt(alignments, i)))
			sb.WriteString(" ")
		}
		sb.WriteString("|")
		fmt.Fprintln(t.writer, sb.String())
	}

	fmt.Fprintln(t.writer, separator)
	if len(t.header) > 0 {
		writeRow(t.header, t.headerAlignment)
		fmt.Fprintln(t.writer, separator)
	}
	for _, row := range t.rows {
		writeRow(row, t.columnAlignment)
	}
	fmt.Fprintln(t.writer, separator)
}
