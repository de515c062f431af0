package builder

import "github.com/deepnoodle-ai/optree/op"

// BeginAnd opens a short-circuit conjunction over one or more value
// children. Children evaluate left to right; evaluation stops at the first
// falsy value. The result is the last value evaluated, unconverted.
func (b *Builder) BeginAnd() {
	n := b.beginNode(kindAnd)
	n.endLabel = b.newInternalLabel()
}

// EndAnd closes the current And.
func (b *Builder) EndAnd() {
	b.endShortCircuit(kindAnd)
}

// BeginOr opens a short-circuit disjunction over one or more value
// children. Evaluation stops at the first truthy value. The result is the
// last value evaluated, unconverted.
func (b *Builder) BeginOr() {
	n := b.beginNode(kindOr)
	n.endLabel = b.newInternalLabel()
}

// EndOr closes the current Or.
func (b *Builder) EndOr() {
	b.endShortCircuit(kindOr)
}

// BeginAndBool opens a short-circuit conjunction whose result is always a
// boolean: every evaluated child is passed through the configured boolean
// converter (or standard truthiness when none is configured).
func (b *Builder) BeginAndBool() {
	n := b.beginNode(kindAndBool)
	n.endLabel = b.newInternalLabel()
}

// EndAndBool closes the current AndBool.
func (b *Builder) EndAndBool() {
	b.endShortCircuit(kindAndBool)
}

// BeginOrBool opens a short-circuit disjunction whose result is always a
// boolean.
func (b *Builder) BeginOrBool() {
	n := b.beginNode(kindOrBool)
	n.endLabel = b.newInternalLabel()
}

// EndOrBool closes the current OrBool.
func (b *Builder) EndOrBool() {
	b.endShortCircuit(kindOrBool)
}

// shortCircuitGlue runs between the children of a short-circuit operation:
// it decides on the previous child's value whether to stop with that value
// or discard it and evaluate the next child.
func (b *Builder) shortCircuitGlue(p *node) {
	branchOp := op.BranchIfFalse
	if p.kind == kindOr || p.kind == kindOrBool {
		branchOp = op.BranchIfTrue
	}
	if p.kind == kindAndBool || p.kind == kindOrBool {
		// Boolean mode: the value itself is converted, then duplicated
		// for the branch test.
		b.emit(op.ConvertBool, b.converterOperand())
		b.emit(op.Copy, 0)
		b.adjust(1)
	} else {
		// Value mode: only a copy is tested so the original survives a
		// short-circuit exit.
		b.emit(op.Copy, 0)
		b.adjust(1)
		if b.convIndex >= 0 {
			b.emit(op.ConvertBool, op.Code(b.convIndex))
		}
	}
	b.emitCondBranch(branchOp, p.endLabel)
	b.emit(op.PopTop)
	b.adjust(-1)
}

func (b *Builder) endShortCircuit(kind opKind) {
	n, p := b.pop(kind, 1, -1)
	if n == nil {
		return
	}
	if kind == kindAndBool || kind == kindOrBool {
		// The final child's value is converted too.
		b.emit(op.ConvertBool, b.converterOperand())
	}
	b.bind(n.endLabel)
	b.finishChild(p)
}
