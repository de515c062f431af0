// Package bytecode defines the immutable compiled program format produced by
// the optree builder and consumed by the virtual machine.
package bytecode

import (
	"github.com/gofrs/uuid"

	"github.com/deepnoodle-ai/optree/errz"
	"github.com/deepnoodle-ai/optree/op"
)

// Version identifies the program format. Programs with an unknown version
// must be rejected by consumers.
const Version = 1

// ExceptionHandler describes a guarded instruction range and the handler the
// VM dispatches to when an exception is raised within it. The thrown value is
// stored into the local slot at SlotIndex before the handler runs.
type ExceptionHandler struct {
	Start      int // bci where the guarded range starts (inclusive)
	End        int // bci where the guarded range ends (exclusive)
	Handler    int // bci of the handler code
	SlotIndex  int // local slot receiving the thrown value
	StackDepth int // operand stack depth to restore before entering the handler
}

// Covers returns true if the handler's guarded range contains the given bci.
func (h ExceptionHandler) Covers(bci int) bool {
	return bci >= h.Start && bci < h.End
}

// Program is a compiled, immutable bytecode program. It is safe for
// concurrent execution by any number of frames.
type Program struct {
	id           string
	name         string
	instructions []op.Code
	constants    []any
	localCount   int
	argCount     int
	handlers     []ExceptionHandler
	locations    []errz.SourceLocation
	source       string
	filename     string
	version      int
}

// ProgramParams contains parameters for creating a new Program.
type ProgramParams struct {
	Name         string
	Instructions []op.Code
	Constants    []any
	LocalCount   int
	ArgCount     int
	Handlers     []ExceptionHandler
	Locations    []errz.SourceLocation
	Source       string
	Filename     string
}

// NewProgram creates a new immutable Program from the given parameters.
// Input slices are copied; the Program has no mutation methods.
func NewProgram(params ProgramParams) *Program {
	return &Program{
		id:           newProgramID(),
		name:         params.Name,
		instructions: copyInstructions(params.Instructions),
		constants:    copyAny(params.Constants),
		localCount:   params.LocalCount,
		argCount:     params.ArgCount,
		handlers:     copyHandlers(params.Handlers),
		locations:    copyLocations(params.Locations),
		source:       params.Source,
		filename:     params.Filename,
		version:      Version,
	}
}

func newProgramID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return ""
	}
	return id.String()
}

// ID returns the unique identifier for this program.
func (p *Program) ID() string {
	return p.id
}

// Name returns the name of this program.
func (p *Program) Name() string {
	return p.name
}

// Version returns the program format version.
func (p *Program) Version() int {
	return p.version
}

// InstructionCount returns the number of instruction words, i.e. the length
// of the program in bcis.
func (p *Program) InstructionCount() int {
	return len(p.instructions)
}

// InstructionAt returns the instruction word at the given bci.
func (p *Program) InstructionAt(bci int) op.Code {
	return p.instructions[bci]
}

// Instructions returns a copy of the instruction words.
func (p *Program) Instructions() []op.Code {
	return copyInstructions(p.instructions)
}

// ConstantCount returns the number of constants.
func (p *Program) ConstantCount() int {
	return len(p.constants)
}

// ConstantAt returns the constant at the given index.
func (p *Program) ConstantAt(index int) any {
	return p.constants[index]
}

// LocalCount returns the number of local slots a frame must provide,
// including hidden slots reserved by the compiler.
func (p *Program) LocalCount() int {
	return p.localCount
}

/// ArgCount returns the declared argument count. This is advisory: programs
// may read any argument index that the caller actually supplied.
func (p *Program) ArgCount() int {
	return p.argCount
}

// HandlerCount returns the number of exception handlers.
func (p *Program) HandlerCount() int {
	return len(p.handlers)
}

// HandlerAt returns the exception handler at the given index.
func (p *Program) HandlerAt(index int) ExceptionHandler {
	return p.handlers[index]
}

// FindHandler returns the innermost exception handler covering the given
// bci. Handlers are stored in emission order, so of all covering entries the
// one with the greatest start is the innermost.
func (p *Program) FindHandler(bci int) (ExceptionHandler, bool) {
	best := -1
	for i, h := range p.handlers {
		if !h.Covers(bci) {
			continue
		}
		if best == -1 ||
			h.Start > p.handlers[best].Start ||
			(h.Start == p.handlers[best].Start && h.End < p.handlers[best].End) {
			best = i
		}
	}
	if best == -1 {
		return ExceptionHandler{}, false
	}
	return p.handlers[best], true
}

// LocationAt returns the source location for the instruction at the given
// bci. If no location is recorded, a zero SourceLocation is returned.
func (p *Program) LocationAt(bci int) errz.SourceLocation {
	if bci < 0 || bci >= len(p.locations) {
		return errz.SourceLocation{}
	}
	return p.locations[bci]
}

// Source returns the original source text, if one was supplied at build time.
func (p *Program) Source() string {
	return p.source
}

// Filename returns the source filename, if one was supplied at build time.
func (p *Program) Filename() string {
	return p.filename
}
