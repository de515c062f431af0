package builder

import "github.com/deepnoodle-ai/optree/op"

// opKind identifies one structured operation of the tree under construction.
type opKind int

const (
	kindRoot opKind = iota
	kindBlock
	kindIfThen
	kindIfThenElse
	kindConditional
	kindWhile
	kindStoreLocal
	kindTeeLocal
	kindReturn
	kindThrow
	kindTryCatch
	kindFinallyTry
	kindFinallyTryNoExcept
	kindAnd
	kindOr
	kindAndBool
	kindOrBool
	kindBinaryOp
	kindCompareOp
	kindNegate
	kindNot
	kindInvoke
	kindYield
)

var kindNames = map[opKind]string{
	kindRoot:               "Root",
	kindBlock:              "Block",
	kindIfThen:             "IfThen",
	kindIfThenElse:         "IfThenElse",
	kindConditional:        "Conditional",
	kindWhile:              "While",
	kindStoreLocal:         "StoreLocal",
	kindTeeLocal:           "TeeLocal",
	kindReturn:             "Return",
	kindThrow:              "Throw",
	kindTryCatch:           "TryCatch",
	kindFinallyTry:         "FinallyTry",
	kindFinallyTryNoExcept: "FinallyTryNoExcept",
	kindAnd:                "And",
	kindOr:                 "Or",
	kindAndBool:            "AndBool",
	kindOrBool:             "OrBool",
	kindBinaryOp:           "BinaryOp",
	kindCompareOp:          "CompareOp",
	kindNegate:             "Negate",
	kindNot:                "Not",
	kindInvoke:             "Invoke",
	kindYield:              "Yield",
}

func (k opKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// node is one open operation on the builder's nesting stack.
type node struct {
	kind       opKind
	childCount int
	startDepth int // stack depth when the operation began
	childStart int // stack depth when the current child began
	pendingPop bool

	endLabel  *Label
	elseLabel *Label
	condLabel *Label

	local *Local
	binop op.BinaryOpType
	cmpop op.CompareOpType

	// finally-try state
	handlerBuf *buffer
	inHandler  bool
	hiddenSlot *Local
	noExcept   bool
	bodyBuf    *buffer
	rangeOpen  int
	excRanges  []excRange
	closed     bool
}

func (n *node) isBlockLike() bool {
	switch n.kind {
	case kindRoot, kindBlock:
		return true
	case kindFinallyTry, kindFinallyTryNoExcept:
		return !n.inHandler
	}
	return false
}

func (n *node) isShortCircuit() bool {
	switch n.kind {
	case kindAnd, kindOr, kindAndBool, kindOrBool:
		return true
	}
	return false
}

func (n *node) isFinallyTry() bool {
	return n.kind == kindFinallyTry || n.kind == kindFinallyTryNoExcept
}
