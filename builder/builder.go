// Package builder compiles a tree of structured operations into linear
// bytecode. Callers describe the program imperatively with paired Begin*/End*
// calls for structured operations and Emit* calls for leaves, then call
// Finalize to obtain an immutable bytecode.Program.
//
// The builder is streaming: each call appends instructions immediately, and
// no operation tree is retained. Structured control flow (conditionals,
// loops, short-circuit operators, try and finally constructs) is lowered to
// relative branches as the tree is described.
package builder

import (
	"reflect"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/deepnoodle-ai/optree/bytecode"
	"github.com/deepnoodle-ai/optree/errz"
	"github.com/deepnoodle-ai/optree/op"
)

// placeholder fills branch operands until the target label is resolved.
const placeholder = op.Code(0xFFFF)

// maxOperand is the largest value encodable in one operand word. 0xFFFF is
// reserved as a sentinel.
const maxOperand = 0xFFFE

// Config customizes a Builder.
type Config struct {
	// Name identifies the compiled program.
	Name string

	// Filename and Source describe where the program came from, for
	// disassembly and error reporting.
	Filename string
	Source   string

	// BoolConverter, if set, is invoked by AndBool and OrBool operations
	// (and by conditional branches compiled from them) to coerce operand
	// values to booleans. When nil, standard truthiness rules apply.
	BoolConverter *bytecode.Function

	// Logger enables trace-level build logging when set.
	Logger *zerolog.Logger
}

// Builder accumulates operations and compiles them to bytecode.
//
// Builder methods do not return errors. Misuse (mismatched Begin/End pairs,
// stack imbalance, out-of-scope branches) is recorded and reported by
// Finalize, so call sites stay free of error plumbing while a program is
// described.
type Builder struct {
	name     string
	filename string
	source   string
	log      *zerolog.Logger

	main *buffer
	bufs []*buffer

	nodes  []*node
	labels []*Label

	localCount int
	argCount   int

	constants  []any
	constIndex map[any]int
	convIndex  int

	loc       errz.SourceLocation
	failures  []error
	finalized bool
}

// New creates a Builder with an open root operation.
func New(cfg Config) *Builder {
	main := &buffer{}
	b := &Builder{
		name:       cfg.Name,
		filename:   cfg.Filename,
		source:     cfg.Source,
		log:        cfg.Logger,
		main:       main,
		bufs:       []*buffer{main},
		nodes:      []*node{{kind: kindRoot}},
		constIndex: map[any]int{},
		convIndex:  -1,
	}
	if cfg.BoolConverter != nil {
		b.convIndex = b.constant(cfg.BoolConverter)
	}
	return b
}

func (b *Builder) cur() *buffer {
	return b.bufs[len(b.bufs)-1]
}

func (b *Builder) top() *node {
	if len(b.nodes) == 0 {
		return nil
	}
	return b.nodes[len(b.nodes)-1]
}

func (b *Builder) fail(err *errz.BuildError) {
	if !b.loc.IsZero() && err.Location.IsZero() {
		err = err.WithLocation(b.loc)
	}
	b.failures = append(b.failures, err)
}

// SetLocation records the source location attributed to subsequently
// emitted instructions.
func (b *Builder) SetLocation(line, column int) {
	b.loc = errz.SourceLocation{Line: line, Column: column}
}

// ClearLocation stops attributing a source location to emitted instructions.
func (b *Builder) ClearLocation() {
	b.loc = errz.SourceLocation{}
}

// emit appends one instruction to the current buffer and returns its
// position. Stack depth is tracked by the caller via adjust.
func (b *Builder) emit(opcode op.Code, operands ...op.Code) int {
	buf := b.cur()
	pos := buf.pos()
	buf.instructions = append(buf.instructions, opcode)
	buf.instructions = append(buf.instructions, operands...)
	for i := 0; i <= len(operands); i++ {
		buf.locations = append(buf.locations, b.loc)
	}
	if b.log != nil {
		b.log.Trace().Int("pos", pos).Str("op", op.GetInfo(opcode).Name).Msg("emit")
	}
	return pos
}

func (b *Builder) adjust(n int) {
	b.cur().depth += n
}

// operand validates that v fits in one operand word.
func (b *Builder) operand(v int, what string) op.Code {
	if v < 0 || v > maxOperand {
		b.fail(errz.NewBuildErrorf(errz.ErrUsage, "%s %d does not fit in an operand word", what, v))
		return 0
	}
	return op.Code(v)
}

// constant interns a value in the constant pool and returns its index.
// Values of comparable types are deduplicated.
func (b *Builder) constant(value any) int {
	if comparableValue(value) {
		if idx, ok := b.constIndex[value]; ok {
			return idx
		}
	}
	idx := len(b.constants)
	b.constants = append(b.constants, value)
	if comparableValue(value) {
		b.constIndex[value] = idx
	}
	return idx
}

func comparableValue(v any) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}

func (b *Builder) converterOperand() op.Code {
	if b.convIndex >= 0 {
		return op.Code(b.convIndex)
	}
	return op.NoConverter
}

// enterChild runs the glue a parent operation needs between children and
// records the stack depth at which the new child begins.
func (b *Builder) enterChild(p *node) {
	if p == nil {
		b.fail(errz.NewBuildError(errz.ErrNesting, "no open operation"))
		return
	}
	if p.isBlockLike() && p.pendingPop {
		b.emit(op.PopTop)
		b.adjust(-1)
		p.pendingPop = false
	}
	if p.isShortCircuit() && p.childCount >= 1 {
		b.shortCircuitGlue(p)
	}
	p.childStart = b.cur().depth
}

// finishChild validates the stack effect of a completed child and runs the
// parent's per-kind hook.
func (b *Builder) finishChild(p *node) {
	if p == nil {
		return
	}
	delta := b.cur().depth - p.childStart
	produced := false
	switch delta {
	case 0:
	case 1:
		produced = true
	default:
		b.fail(errz.NewBuildErrorf(errz.ErrStack,
			"child %d of %s changed the stack depth by %d",
			p.childCount+1, p.kind, delta).WithOperation(p.kind.String()))
	}
	p.childCount++
	b.childClosed(p, produced)
}

func (b *Builder) requireProduced(p *node, produced bool) {
	if !produced {
		b.fail(errz.NewBuildErrorf(errz.ErrStack,
			"%s requires a value from child %d", p.kind, p.childCount).
			WithOperation(p.kind.String()))
	}
}

// childClosed dispatches the parent's reaction to a completed child.
func (b *Builder) childClosed(p *node, produced bool) {
	switch p.kind {
	case kindRoot, kindBlock:
		if produced {
			p.pendingPop = true
		}
	case kindFinallyTry, kindFinallyTryNoExcept:
		if p.childCount == 1 {
			b.sealHandler(p)
		} else if produced {
			p.pendingPop = true
		}
	case kindIfThen:
		switch p.childCount {
		case 1:
			b.requireProduced(p, produced)
			b.emitCondBranch(op.BranchIfFalse, p.endLabel)
		case 2:
			if produced {
				b.emit(op.PopTop)
				b.adjust(-1)
			}
		}
	case kindIfThenElse:
		switch p.childCount {
		case 1:
			b.requireProduced(p, produced)
			b.emitCondBranch(op.BranchIfFalse, p.elseLabel)
		case 2:
			if produced {
				b.emit(op.PopTop)
				b.adjust(-1)
			}
			b.emitJump(p.endLabel)
			b.bind(p.elseLabel)
		case 3:
			if produced {
				b.emit(op.PopTop)
				b.adjust(-1)
			}
		}
	case kindConditional:
		switch p.childCount {
		case 1:
			b.requireProduced(p, produced)
			b.emitCondBranch(op.BranchIfFalse, p.elseLabel)
		case 2:
			b.requireProduced(p, produced)
			b.emitJump(p.endLabel)
			b.cur().depth = p.startDepth
			b.bind(p.elseLabel)
		case 3:
			b.requireProduced(p, produced)
		}
	case kindWhile:
		switch p.childCount {
		case 1:
			b.requireProduced(p, produced)
			b.emitCondBranch(op.BranchIfFalse, p.endLabel)
		case 2:
			if produced {
				b.emit(op.PopTop)
				b.adjust(-1)
			}
		}
	case kindTryCatch:
		switch p.childCount {
		case 1:
			if produced {
				b.emit(op.PopTop)
				b.adjust(-1)
			}
			tryEnd := b.cur().pos()
			b.emitJump(p.endLabel)
			b.cur().handlers = append(b.cur().handlers, bytecode.ExceptionHandler{
				Start:      p.rangeOpen,
				End:        tryEnd,
				Handler:    b.cur().pos(),
				SlotIndex:  p.local.index,
				StackDepth: p.startDepth,
			})
		case 2:
			if produced {
				b.emit(op.PopTop)
				b.adjust(-1)
			}
		}
	case kindAnd, kindOr, kindAndBool, kindOrBool,
		kindBinaryOp, kindCompareOp, kindNegate, kindNot,
		kindStoreLocal, kindTeeLocal, kindReturn, kindThrow, kindYield,
		kindInvoke:
		b.requireProduced(p, produced)
	}
}

// emitCondBranch emits a conditional branch that pops its operand and
// registers the site against the label.
func (b *Builder) emitCondBranch(opcode op.Code, l *Label) {
	pos := b.emit(opcode, placeholder)
	b.adjust(-1)
	l.referenced = true
	b.resolveOrDefer(patchSite{
		buf:        b.cur(),
		opcodePos:  pos,
		operandPos: pos + 1,
		depth:      b.cur().depth,
	}, l)
}

// emitJump emits an unconditional branch to an internal label in the
// current buffer.
func (b *Builder) emitJump(l *Label) {
	pos := b.emit(op.Branch, placeholder, op.KeepDepth)
	l.referenced = true
	b.resolveOrDefer(patchSite{
		buf:        b.cur(),
		opcodePos:  pos,
		operandPos: pos + 1,
		depth:      b.cur().depth,
	}, l)
}

// beginNode opens a structured operation as a child of the current one.
func (b *Builder) beginNode(kind opKind) *node {
	p := b.top()
	b.enterChild(p)
	n := &node{kind: kind, startDepth: b.cur().depth}
	b.nodes = append(b.nodes, n)
	if b.log != nil {
		b.log.Trace().Str("op", kind.String()).Int("depth", n.startDepth).Msg("begin")
	}
	return n
}

// pop closes the current operation, validating its kind and child count.
// It returns the closed node and its parent, or nil if the builder state
// does not match.
func (b *Builder) pop(kind opKind, minChildren, maxChildren int) (*node, *node) {
	if len(b.nodes) <= 1 {
		b.fail(errz.NewBuildErrorf(errz.ErrNesting, "End%s without a matching Begin%s", kind, kind))
		return nil, nil
	}
	n := b.nodes[len(b.nodes)-1]
	b.nodes = b.nodes[:len(b.nodes)-1]
	if n.kind != kind {
		b.fail(errz.NewBuildErrorf(errz.ErrNesting,
			"End%s closes an open %s operation", kind, n.kind).WithOperation(n.kind.String()))
		return nil, nil
	}
	if n.childCount < minChildren || (maxChildren >= 0 && n.childCount > maxChildren) {
		b.fail(errz.NewBuildErrorf(errz.ErrNesting,
			"%s has %d children", kind, n.childCount).WithOperation(kind.String()))
	}
	if b.log != nil {
		b.log.Trace().Str("op", kind.String()).Int("children", n.childCount).Msg("end")
	}
	return n, b.top()
}

// BeginBlock opens a sequence of operations. Intermediate child values are
// discarded; the final child's value, if any, becomes the block's value.
func (b *Builder) BeginBlock() {
	b.beginNode(kindBlock)
}

// EndBlock closes the current Block.
func (b *Builder) EndBlock() {
	_, p := b.pop(kindBlock, 0, -1)
	b.finishChild(p)
}

// BeginIfThen opens a conditional with children (condition, then).
func (b *Builder) BeginIfThen() {
	n := b.beginNode(kindIfThen)
	n.endLabel = b.newInternalLabel()
}

// EndIfThen closes the current IfThen.
func (b *Builder) EndIfThen() {
	n, p := b.pop(kindIfThen, 2, 2)
	if n == nil {
		return
	}
	b.bind(n.endLabel)
	b.finishChild(p)
}

// BeginIfThenElse opens a conditional with children (condition, then, else).
func (b *Builder) BeginIfThenElse() {
	n := b.beginNode(kindIfThenElse)
	n.endLabel = b.newInternalLabel()
	n.elseLabel = b.newInternalLabel()
}

// EndIfThenElse closes the current IfThenElse.
func (b *Builder) EndIfThenElse() {
	n, p := b.pop(kindIfThenElse, 3, 3)
	if n == nil {
		return
	}
	b.bind(n.endLabel)
	b.finishChild(p)
}

// BeginConditional opens a value-producing conditional with children
// (condition, consequent, alternate). Both branches must produce a value.
func (b *Builder) BeginConditional() {
	n := b.beginNode(kindConditional)
	n.endLabel = b.newInternalLabel()
	n.elseLabel = b.newInternalLabel()
}

// EndConditional closes the current Conditional.
func (b *Builder) EndConditional() {
	n, p := b.pop(kindConditional, 3, 3)
	if n == nil {
		return
	}
	b.bind(n.endLabel)
	b.finishChild(p)
}

// BeginWhile opens a loop with children (condition, body). The condition is
// evaluated before each iteration.
func (b *Builder) BeginWhile() {
	n := b.beginNode(kindWhile)
	n.condLabel = b.newInternalLabel()
	n.endLabel = b.newInternalLabel()
	b.bind(n.condLabel)
}

// EndWhile closes the current While.
func (b *Builder) EndWhile() {
	n, p := b.pop(kindWhile, 2, 2)
	if n == nil {
		return
	}
	b.emitJump(n.condLabel)
	b.bind(n.endLabel)
	b.finishChild(p)
}

// BeginStoreLocal opens a store of its single child value into the local.
func (b *Builder) BeginStoreLocal(l *Local) {
	n := b.beginNode(kindStoreLocal)
	n.local = b.checkLocal(l)
}

// EndStoreLocal closes the current StoreLocal.
func (b *Builder) EndStoreLocal() {
	n, p := b.pop(kindStoreLocal, 1, 1)
	if n == nil {
		return
	}
	if n.local != nil {
		b.emit(op.StoreLocal, b.operand(n.local.index, "local index"))
		b.adjust(-1)
	}
	b.finishChild(p)
}

// BeginTeeLocal opens a store that also leaves the stored value on the
// stack as the operation's result.
func (b *Builder) BeginTeeLocal(l *Local) {
	n := b.beginNode(kindTeeLocal)
	n.local = b.checkLocal(l)
}

// EndTeeLocal closes the current TeeLocal.
func (b *Builder) EndTeeLocal() {
	n, p := b.pop(kindTeeLocal, 1, 1)
	if n == nil {
		return
	}
	if n.local != nil {
		b.emit(op.Copy, 0)
		b.adjust(1)
		b.emit(op.StoreLocal, b.operand(n.local.index, "local index"))
		b.adjust(-1)
	}
	b.finishChild(p)
}

// BeginReturn opens a return of its single child value. Enclosing finally
// handlers run before control leaves the program.
func (b *Builder) BeginReturn() {
	b.beginNode(kindReturn)
}

// EndReturn closes the current Return.
func (b *Builder) EndReturn() {
	n, p := b.pop(kindReturn, 1, 1)
	if n == nil {
		return
	}
	b.spliceExitHandlers(nil)
	b.emit(op.ReturnValue)
	b.adjust(-1)
	b.finishChild(p)
}

// BeginThrow opens a throw of its single child value.
func (b *Builder) BeginThrow() {
	b.beginNode(kindThrow)
}

// EndThrow closes the current Throw.
func (b *Builder) EndThrow() {
	n, p := b.pop(kindThrow, 1, 1)
	if n == nil {
		return
	}
	b.emit(op.Throw)
	b.adjust(-1)
	b.finishChild(p)
}

// BeginTryCatch opens a guarded operation with children (body, catch).
// When the body throws, the thrown value is stored into the given local
// and the catch child runs.
func (b *Builder) BeginTryCatch(l *Local) {
	n := b.beginNode(kindTryCatch)
	n.local = b.checkLocal(l)
	n.endLabel = b.newInternalLabel()
	n.rangeOpen = b.cur().pos()
	if n.local == nil {
		n.local = b.newHiddenLocal()
	}
}

// EndTryCatch closes the current TryCatch.
func (b *Builder) EndTryCatch() {
	n, p := b.pop(kindTryCatch, 2, 2)
	if n == nil {
		return
	}
	b.bind(n.endLabel)
	b.finishChild(p)
}

// BeginBinaryOp opens an arithmetic operation with two value children.
func (b *Builder) BeginBinaryOp(t op.BinaryOpType) {
	n := b.beginNode(kindBinaryOp)
	n.binop = t
}

// EndBinaryOp closes the current BinaryOp.
func (b *Builder) EndBinaryOp() {
	n, p := b.pop(kindBinaryOp, 2, 2)
	if n == nil {
		return
	}
	b.emit(op.BinaryOp, op.Code(n.binop))
	b.adjust(-1)
	b.finishChild(p)
}

// BeginCompareOp opens a comparison with two value children.
func (b *Builder) BeginCompareOp(t op.CompareOpType) {
	n := b.beginNode(kindCompareOp)
	n.cmpop = t
}

// EndCompareOp closes the current CompareOp.
func (b *Builder) EndCompareOp() {
	n, p := b.pop(kindCompareOp, 2, 2)
	if n == nil {
		return
	}
	b.emit(op.CompareOp, op.Code(n.cmpop))
	b.adjust(-1)
	b.finishChild(p)
}

// BeginNegate opens an arithmetic negation of one value child.
func (b *Builder) BeginNegate() {
	b.beginNode(kindNegate)
}

// EndNegate closes the current Negate.
func (b *Builder) EndNegate() {
	n, p := b.pop(kindNegate, 1, 1)
	if n == nil {
		return
	}
	b.emit(op.UnaryNegative)
	b.finishChild(p)
}

// BeginNot opens a logical negation of one value child.
func (b *Builder) BeginNot() {
	b.beginNode(kindNot)
}

// EndNot closes the current Not.
func (b *Builder) EndNot() {
	n, p := b.pop(kindNot, 1, 1)
	if n == nil {
		return
	}
	b.emit(op.UnaryNot)
	b.finishChild(p)
}

// BeginInvoke opens a call. The first child produces the callee (a
// *bytecode.Function or *bytecode.Program) and the remaining children
// produce the arguments.
func (b *Builder) BeginInvoke() {
	b.beginNode(kindInvoke)
}

// EndInvoke closes the current Invoke.
func (b *Builder) EndInvoke() {
	n, p := b.pop(kindInvoke, 1, -1)
	if n == nil {
		return
	}
	argc := n.childCount - 1
	b.emit(op.Invoke, b.operand(argc, "argument count"))
	b.adjust(-argc)
	b.finishChild(p)
}

// BeginYield opens a yield of its single child value. At runtime the
// program is suspended and a continuation is returned to the caller;
// resuming the continuation supplies the yield operation's result.
func (b *Builder) BeginYield() {
	b.beginNode(kindYield)
}

// EndYield closes the current Yield.
func (b *Builder) EndYield() {
	n, p := b.pop(kindYield, 1, 1)
	if n == nil {
		return
	}
	b.emit(op.Yield)
	b.finishChild(p)
}

// EmitLoadConstant emits a leaf that pushes a constant value.
func (b *Builder) EmitLoadConstant(value any) {
	p := b.top()
	b.enterChild(p)
	idx := b.constant(value)
	b.emit(op.LoadConst, b.operand(idx, "constant index"))
	b.adjust(1)
	b.finishChild(p)
}

// EmitLoadLocal emits a leaf that pushes the value of a local.
func (b *Builder) EmitLoadLocal(l *Local) {
	p := b.top()
	b.enterChild(p)
	if l = b.checkLocal(l); l != nil {
		b.emit(op.LoadLocal, b.operand(l.index, "local index"))
	}
	b.adjust(1)
	b.finishChild(p)
}

// EmitLoadArgument emits a leaf that pushes the caller-supplied argument at
// the given index.
func (b *Builder) EmitLoadArgument(index int) {
	p := b.top()
	b.enterChild(p)
	if index < 0 {
		b.fail(errz.NewBuildErrorf(errz.ErrUsage, "argument index %d is negative", index))
	} else {
		if index+1 > b.argCount {
			b.argCount = index + 1
		}
		b.emit(op.LoadArg, b.operand(index, "argument index"))
	}
	b.adjust(1)
	b.finishChild(p)
}

// EmitNop emits a leaf with no effect.
func (b *Builder) EmitNop() {
	p := b.top()
	b.enterChild(p)
	b.emit(op.Nop)
	b.finishChild(p)
}

// EmitLabel binds a label to the current position. A label may be bound
// once, while the operation it was created in is still open.
func (b *Builder) EmitLabel(l *Label) {
	p := b.top()
	b.enterChild(p)
	if l == nil || l.builder != b {
		b.fail(errz.NewBuildError(errz.ErrLabel, "label belongs to a different builder"))
		return
	}
	if !b.nodeOpen(l.declNode) {
		b.fail(errz.NewBuildErrorf(errz.ErrLabel, "%s is bound outside the operation it was created in", l))
		return
	}
	b.bind(l)
	b.finishChild(p)
}

// EmitBranch emits an unconditional branch to a label. The label's
// operation must still be open. Branching out of finally-try bodies splices
// the crossed handlers ahead of the branch, innermost first.
func (b *Builder) EmitBranch(l *Label) {
	p := b.top()
	b.enterChild(p)
	if l == nil || l.builder != b {
		b.fail(errz.NewBuildError(errz.ErrLabel, "label belongs to a different builder"))
		return
	}
	if !b.spliceExitHandlers(l.declNode) {
		b.fail(errz.NewBuildErrorf(errz.ErrLabel, "branch target %s is out of scope", l))
		return
	}
	pos := b.emit(op.Branch, placeholder, op.KeepDepth)
	l.referenced = true
	b.resolveOrDefer(patchSite{
		buf:        b.cur(),
		opcodePos:  pos,
		operandPos: pos + 1,
		depth:      b.cur().depth,
		external:   l.declBuf != b.cur(),
	}, l)
	b.finishChild(p)
}

func (b *Builder) checkLocal(l *Local) *Local {
	if l == nil || l.builder != b {
		b.fail(errz.NewBuildError(errz.ErrLocal, "local belongs to a different builder"))
		return nil
	}
	if l.hidden {
		b.fail(errz.NewBuildError(errz.ErrLocal, "local is reserved for builder use"))
		return nil
	}
	return l
}

func (b *Builder) nodeOpen(n *node) bool {
	for i := len(b.nodes) - 1; i >= 0; i-- {
		if b.nodes[i] == n {
			return true
		}
	}
	return false
}

// Finalize validates the accumulated program and returns it as immutable
// bytecode. All recorded build failures are reported together. A builder
// can be finalized once.
func (b *Builder) Finalize() (*bytecode.Program, error) {
	if b.finalized {
		return nil, errz.NewBuildError(errz.ErrFinalize, "builder already finalized")
	}
	b.finalized = true

	var errs *multierror.Error
	for i := len(b.nodes) - 1; i >= 1; i-- {
		errs = multierror.Append(errs, errz.NewBuildErrorf(errz.ErrNesting,
			"%s was never closed", b.nodes[i].kind).WithOperation(b.nodes[i].kind.String()))
	}
	for _, l := range b.labels {
		if l.referenced && !l.bound {
			errs = multierror.Append(errs, errz.NewBuildErrorf(errz.ErrLabel,
				"%s is branched to but never bound", l))
		}
	}
	for _, err := range b.failures {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	// Implicit return for programs that fall off the end.
	root := b.nodes[0]
	if root.pendingPop {
		b.emit(op.ReturnValue)
		b.adjust(-1)
	} else {
		b.emit(op.Nil)
		b.emit(op.ReturnValue)
	}
	if b.main.depth != 0 {
		return nil, errz.NewBuildErrorf(errz.ErrStack,
			"program left the stack at depth %d", b.main.depth)
	}
	return bytecode.NewProgram(bytecode.ProgramParams{
		Name:         b.name,
		Filename:     b.filename,
		Source:       b.source,
		Instructions: b.main.instructions,
		Constants:    b.constants,
		LocalCount:   b.localCount,
		ArgCount:     b.argCount,
		Handlers:     b.main.handlers,
		Locations:    b.main.locations,
	}), nil
}
