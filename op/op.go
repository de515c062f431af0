// Package op defines opcodes used by the optree builder and virtual machine.
package op

// Code is an integer opcode that indicates an operation to execute.
// Instructions are encoded as an opcode word followed by a fixed number of
// operand words, all of this type.
type Code uint16

const (
	Invalid Code = 0

	// Execution
	Nop         Code = 1
	Halt        Code = 2
	Invoke      Code = 3 // Call the object below argc args on the stack
	ReturnValue Code = 4
	Throw       Code = 5 // Raise TOS as an exception
	Yield       Code = 6 // Suspend, capturing the frame; TOS is the yielded value

	// Branching. The first operand is a signed 16-bit delta relative to the
	// index of the branch opcode itself. Branch carries a second operand:
	// the operand-stack depth to truncate to when the branch is taken, or
	// KeepDepth for no adjustment. Cross-scope branches out of guarded
	// regions use the adjustment to discard in-flight values.
	Branch        Code = 10
	BranchIfTrue  Code = 11 // Pop TOS; branch when truthy
	BranchIfFalse Code = 12 // Pop TOS; branch when falsy
	ConvertBool   Code = 13 // Pop TOS; push its boolean conversion

	// Load
	LoadConst Code = 20
	LoadLocal Code = 21
	LoadArg   Code = 22

	// Store
	StoreLocal Code = 30

	// Operations
	BinaryOp      Code = 40
	CompareOp     Code = 41
	UnaryNegative Code = 42
	UnaryNot      Code = 43

	// Stack
	Swap   Code = 70
	Copy   Code = 71
	PopTop Code = 72

	// Push constants
	Nil   Code = 80
	False Code = 81
	True  Code = 82
)

// NoConverter is the ConvertBool operand indicating that the default
// truthiness rules apply rather than a registered converter constant.
const NoConverter Code = 0xFFFF

// KeepDepth is the Branch adjustment operand indicating that the operand
// stack is left untouched when the branch is taken.
const KeepDepth Code = 0xFFFF

// BinaryOpType describes a type of binary operation, as in an operation that
// takes two operands. For example, addition, subtraction, multiplication, etc.
type BinaryOpType uint16

const (
	Add      BinaryOpType = 1
	Subtract BinaryOpType = 2
	Multiply BinaryOpType = 3
	Divide   BinaryOpType = 4
	Modulo   BinaryOpType = 5
	Power    BinaryOpType = 6
	LShift   BinaryOpType = 7
	RShift   BinaryOpType = 8
)

// String returns a string representation of the binary operation.
// For example "+" for addition.
func (bop BinaryOpType) String() string {
	switch bop {
	case Add:
		return "+"
	case Subtract:
		return "-"
	case Multiply:
		return "*"
	case Divide:
		return "/"
	case Modulo:
		return "%"
	case Power:
		return "**"
	case LShift:
		return "<<"
	case RShift:
		return ">>"
	default:
		return ""
	}
}

// CompareOpType describes a type of comparison operation. For example, less
// than, greater than, equal, etc.
type CompareOpType uint16

const (
	LessThan           CompareOpType = 1
	LessThanOrEqual    CompareOpType = 2
	Equal              CompareOpType = 3
	NotEqual           CompareOpType = 4
	GreaterThan        CompareOpType = 5
	GreaterThanOrEqual CompareOpType = 6
)

// String returns a string representation of the comparison operation.
// For example "<" for less than.
func (cop CompareOpType) String() string {
	switch cop {
	case LessThan:
		return "<"
	case LessThanOrEqual:
		return "<="
	case Equal:
		return "=="
	case NotEqual:
		return "!="
	case GreaterThan:
		return ">"
	case GreaterThanOrEqual:
		return ">="
	default:
		return ""
	}
}

// Info contains information about an opcode.
type Info struct {
	Code         Code
	Name         string
	OperandCount int
	IsBranch     bool
}

var infos = make([]Info, 256)

func init() {
	type opInfo struct {
		op     Code
		name   string
		count  int
		branch bool
	}
	ops := []opInfo{
		{BinaryOp, "BINARY_OP", 1, false},
		{Branch, "BRANCH", 2, true},
		{BranchIfFalse, "BRANCH_IF_FALSE", 1, true},
		{BranchIfTrue, "BRANCH_IF_TRUE", 1, true},
		{CompareOp, "COMPARE_OP", 1, false},
		{ConvertBool, "CONVERT_BOOL", 1, false},
		{Copy, "COPY", 1, false},
		{False, "FALSE", 0, false},
		{Halt, "HALT", 0, false},
		{Invoke, "INVOKE", 1, false},
		{LoadArg, "LOAD_ARG", 1, false},
		{LoadConst, "LOAD_CONST", 1, false},
		{LoadLocal, "LOAD_LOCAL", 1, false},
		{Nil, "NIL", 0, false},
		{Nop, "NOP", 0, false},
		{PopTop, "POP_TOP", 0, false},
		{ReturnValue, "RETURN_VALUE", 0, false},
		{StoreLocal, "STORE_LOCAL", 1, false},
		{Swap, "SWAP", 1, false},
		{Throw, "THROW", 0, false},
		{True, "TRUE", 0, false},
		{UnaryNegative, "UNARY_NEGATIVE", 0, false},
		{UnaryNot, "UNARY_NOT", 0, false},
		{Yield, "YIELD", 0, false},
	}
	for _, o := range ops {
		infos[o.op] = Info{
			Name:         o.name,
			Code:         o.op,
			OperandCount: o.count,
			IsBranch:     o.branch,
		}
	}
}

// GetInfo returns information about the given opcode.
func GetInfo(op Code) Info {
	return infos[op]
}

// Delta decodes a branch operand word as a signed offset relative to the
// index of the branch opcode.
func Delta(operand Code) int {
	return int(int16(operand))
}

// EncodeDelta encodes a signed branch offset as an operand word. The caller
// is responsible for range checking.
func EncodeDelta(delta int) Code {
	return Code(uint16(int16(delta)))
}
