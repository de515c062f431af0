package table

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	var buf bytes.Buffer
	table := NewTable(&buf)
	table.WithHeader([]string{"HEADER1", "H2", "h3"})
	table.WithColumnAlignment([]Alignment{AlignLeft, AlignRight, AlignLeft})
	table.WithHeaderAlignment([]Alignment{AlignCenter, AlignCenter, AlignRight})
	table.Append([]string{"ROW1", "ROW2", "foo bar"})
	table.Append([]string{"a", "b", "c"})
	table.Render()

	expected := `
+---------+------+---------+
| HEADER1 |  H2  |      h3 |
+---------+------+---------+
| ROW1    | ROW2 | foo bar |
| a       |    b | c       |
+---------+------+---------+
`
	require.Equal(t, strings.TrimSpace(expected)+"\n", buf.String())
}

func TestTableWithRows(t *testing.T) {
	var buf bytes.Buffer
	NewTable(&buf).
		WithHeader([]string{"A", "B"}).
		WithRows([][]string{{"1", "2"}, {"3", "4"}}).
		Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 6)
	require.Equal(t, "| 1 | 2 |", lines[3])
}

func TestColoredCellsKeepAlignment(t *testing.T) {
	var buf bytes.Buffer
	table := NewTable(&buf)
	table.WithHeader([]string{"NAME", "VALUE"})
	table.Append([]string{"\x1b[1mbold\x1b[0m", "1"})
	table.Append([]string{"plain", "12345"})
	table.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	width := len(lines[0])
	for i, line := range lines {
		require.Equal(t, width, len(stripAnsi(line)), "line %d misaligned", i)
	}
}

func TestEmptyTable(t *testing.T) {
	var buf bytes.Buffer
	NewTable(&buf).Render()
	require.Empty(t, buf.String())
}
