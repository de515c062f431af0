package bytecode

import "github.com/deepnoodle-ai/optree/op"

// InstructionIter walks a program one instruction at a time, returning the
// opcode word together with its operand words.
type InstructionIter struct {
	program *Program
	bci     int
}

// NewInstructionIter returns an iterator positioned at the start of the
// given program.
func NewInstructionIter(p *Program) *InstructionIter {
	return &InstructionIter{program: p}
}

// Next returns the words of the next instruction (opcode first) and true,
// or nil and false once the end of the program is reached.
func (it *InstructionIter) Next() ([]op.Code, bool) {
	if it.bci >= it.program.InstructionCount() {
		return nil, false
	}
	opcode := it.program.InstructionAt(it.bci)
	width := 1 + op.GetInfo(opcode).OperandCount
	words := make([]op.Code, 0, width)
	for i := 0; i < width; i++ {
		words = append(words, it.program.InstructionAt(it.bci+i))
	}
	it.bci += width
	return words, true
}

// BCI returns the bci of the instruction that Next will return.
func (it *InstructionIter) BCI() int {
	return it.bci
}
