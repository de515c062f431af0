// Package dis supports analysis of compiled programs by disassembling
// them. It works with the opcodes defined in the `op` package and uses the
// InstructionIter type from the `bytecode` package.
package dis

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/optree/bytecode"
	"github.com/deepnoodle-ai/optree/internal/table"
	"github.com/deepnoodle-ai/optree/op"
)

// Instruction represents a single bytecode instruction and its operands.
type Instruction struct {
	Offset     int
	Name       string
	Opcode     op.Code
	Operands   []op.Code
	Annotation string
	Constant   any
}

// Disassemble returns a parsed representation of the given program.
func Disassemble(prog *bytecode.Program) ([]Instruction, error) {
	var instructions []Instruction
	iter := bytecode.NewInstructionIter(prog)
	for {
		offset := iter.BCI()
		val, ok := iter.Next()
		if !ok {
			break
		}
		info := op.GetInfo(val[0])
		var constant any
		var annotation string
		switch val[0] {
		case op.LoadLocal, op.StoreLocal:
			annotation = fmt.Sprintf("local_%d", val[1])
		case op.LoadArg:
			annotation = fmt.Sprintf("arg_%d", val[1])
		case op.BinaryOp:
			annotation = op.BinaryOpType(val[1]).String()
		case op.CompareOp:
			annotation = op.CompareOpType(val[1]).String()
		case op.Branch, op.BranchIfTrue, op.BranchIfFalse:
			annotation = fmt.Sprintf("to %d", offset+op.Delta(val[1]))
		case op.ConvertBool:
			if val[1] != op.NoConverter {
				var err error
				constant, err = getConstantValue(prog, int(val[1]))
				if err != nil {
					return nil, err
				}
			}
		case op.LoadConst:
			var err error
			constant, err = getConstantValue(prog, int(val[1]))
			if err != nil {
				return nil, err
			}
			annotation = fmt.Sprintf("%v", constant)
		}
		instructions = append(instructions, Instruction{
			Offset:     offset,
			Name:       info.Name,
			Opcode:     val[0],
			Operands:   val[1:],
			Annotation: annotation,
			Constant:   constant,
		})
	}
	return instructions, nil
}

var (
	boldText    = color.New(color.Bold)
	yellowText  = color.New(color.FgYellow)
	greenText   = color.New(color.FgGreen)
	magentaText = color.New(color.FgMagenta)
	cyanText    = color.New(color.FgHiCyan)
	italicText  = color.New(color.Italic)
)

// Print writes a string representation of the given instructions to the
// given writer.
func Print(instructions []Instruction, writer io.Writer) {
	var lines [][]string
	for _, instr := range instructions {
		var values []string
		values = append(values, fmt.Sprintf("%d", instr.Offset))
		values = append(values, boldText.Sprint(instr.Name))
		values = append(values, formatOperands(instr.Operands))
		if instr.Constant != nil {
			switch c := instr.Constant.(type) {
			case int64:
				values = append(values, yellowText.Sprintf("%d", c))
			case float64:
				values = append(values, yellowText.Sprintf("%f", c))
			case string:
				if len(c) > 80 {
					c = c[:77] + "..."
				}
				values = append(values, greenText.Sprintf("%q", c))
			case *bytecode.Function:
				name := c.Name()
				if name == "" {
					name = italicText.Sprint("<anonymous>")
				}
				values = append(values, magentaText.Sprintf("func:%s", name))
			case *bytecode.Program:
				values = append(values, magentaText.Sprintf("program:%s", c.Name()))
			default:
				values = append(values, boldText.Sprintf("%v", c))
			}
		} else if instr.Annotation != "" {
			values = append(values, cyanText.Sprint(instr.Annotation))
		} else {
			values = append(values, "")
		}
		lines = append(lines, values)
	}

	table.NewTable(writer).
		WithHeader([]string{"OFFSET", "OPCODE", "OPERANDS", "INFO"}).
		WithColumnAlignment([]table.Alignment{
			table.AlignRight,
			table.AlignLeft,
			table.AlignRight,
			table.AlignLeft,
		}).
		WithHeaderAlignment([]table.Alignment{
			table.AlignCenter,
			table.AlignCenter,
			table.AlignCenter,
			table.AlignCenter,
		}).
		WithRows(lines).
		Render()
}

// PrintHandlers writes the program's exception handler table to the given
// writer.
func PrintHandlers(prog *bytecode.Program, writer io.Writer) {
	if prog.HandlerCount() == 0 {
		return
	}
	var lines [][]string
	for i := 0; i < prog.HandlerCount(); i++ {
		h := prog.HandlerAt(i)
		lines = append(lines, []string{
			fmt.Sprintf("%d", h.Start),
			fmt.Sprintf("%d", h.End),
			fmt.Sprintf("%d", h.Handler),
			fmt.Sprintf("local_%d", h.SlotIndex),
			fmt.Sprintf("%d", h.StackDepth),
		})
	}
	table.NewTable(writer).
		WithHeader([]string{"FROM", "TO", "HANDLER", "SLOT", "DEPTH"}).
		WithColumnAlignment([]table.Alignment{
			table.AlignRight,
			table.AlignRight,
			table.AlignRight,
			table.AlignLeft,
			table.AlignRight,
		}).
		WithHeaderAlignment([]table.Alignment{
			table.AlignCenter,
			table.AlignCenter,
			table.AlignCenter,
			table.AlignCenter,
			table.AlignCenter,
		}).
		WithRows(lines).
		Render()
}

func formatOperands(ops []op.Code) string {
	var sb strings.Builder
	for i, operand := range ops {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%d", operand))
	}
	return sb.String()
}

func getConstantValue(prog *bytecode.Program, index int) (any, error) {
	if prog.ConstantCount() <= index {
		return "", fmt.Errorf("constant index out of range: %d", index)
	}
	return prog.ConstantAt(index), nil
}
