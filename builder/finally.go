package builder

import (
	"github.com/deepnoodle-ai/optree/bytecode"
	"github.com/deepnoodle-ai/optree/errz"
	"github.com/deepnoodle-ai/optree/op"
)

// BeginFinallyTry opens a guarded operation whose FIRST child is the
// handler and whose remaining children form the body. The handler runs
// exactly once on every way out of the body: normal completion, return,
// branch to an outer label, or exception. After an exceptional run the
// exception is rethrown.
//
// The handler is compiled first, into a detached buffer, so the operation
// streams like every other: a copy of the handler is spliced into the
// instruction stream at each exit edge.
func (b *Builder) BeginFinallyTry() {
	n := b.beginNode(kindFinallyTry)
	n.inHandler = true
	b.bufs = append(b.bufs, &buffer{})
}

// EndFinallyTry closes the current FinallyTry.
func (b *Builder) EndFinallyTry() {
	b.endFinallyTry(kindFinallyTry)
}

// BeginFinallyTryNoExcept opens a FinallyTry variant whose handler runs on
// normal completion, return, and branch exits, but not when the body
// throws: exceptions propagate without running the handler.
func (b *Builder) BeginFinallyTryNoExcept() {
	n := b.beginNode(kindFinallyTryNoExcept)
	n.inHandler = true
	n.noExcept = true
	b.bufs = append(b.bufs, &buffer{})
}

// EndFinallyTryNoExcept closes the current FinallyTryNoExcept.
func (b *Builder) EndFinallyTryNoExcept() {
	b.endFinallyTry(kindFinallyTryNoExcept)
}

func (b *Builder) endFinallyTry(kind opKind) {
	n, p := b.pop(kind, 2, -1)
	if n == nil {
		return
	}
	if n.inHandler {
		// The handler child never completed; the buffer stack would
		// otherwise stay misaligned.
		b.bufs = b.bufs[:len(b.bufs)-1]
		n.closed = true
		b.fail(errz.NewBuildErrorf(errz.ErrNesting,
			"%s closed before its body", kind).WithOperation(kind.String()))
		return
	}
	cur := b.cur()
	if n.pendingPop {
		b.emit(op.PopTop)
		b.adjust(-1)
		n.pendingPop = false
	}
	bodyEnd := cur.pos()
	b.splice(cur, n.handlerBuf) // normal completion
	if !n.noExcept {
		n.excRanges = append(n.excRanges, excRange{n.rangeOpen, bodyEnd})
		after := b.newInternalLabel()
		b.emitJump(after)
		handlerPos := cur.pos()
		for _, r := range n.excRanges {
			if r.start >= r.end {
				continue
			}
			cur.handlers = append(cur.handlers, bytecode.ExceptionHandler{
				Start:      r.start,
				End:        r.end,
				Handler:    handlerPos,
				SlotIndex:  n.hiddenSlot.index,
				StackDepth: n.startDepth,
			})
		}
		b.splice(cur, n.handlerBuf) // exceptional completion
		b.emit(op.LoadLocal, b.operand(n.hiddenSlot.index, "local index"))
		b.adjust(1)
		b.emit(op.Throw)
		b.adjust(-1)
		b.bind(after)
	}
	n.closed = true
	b.finishChild(p)
}

// sealHandler finishes the detached handler buffer once the first child of
// a finally-try operation completes, and switches compilation to the body.
func (b *Builder) sealHandler(n *node) {
	buf := b.cur()
	b.bufs = b.bufs[:len(b.bufs)-1]
	if buf.depth == 1 {
		// A value-producing handler's result is discarded.
		buf.instructions = append(buf.instructions, op.PopTop)
		buf.locations = append(buf.locations, b.loc)
		buf.depth--
	}
	if buf.depth != 0 {
		b.fail(errz.NewBuildErrorf(errz.ErrStack,
			"%s handler left the stack at depth %d", n.kind, buf.depth).
			WithOperation(n.kind.String()))
		buf.depth = 0
	}
	// Sites in the sealed buffer that still wait on outside labels become
	// relocation records, re-resolved each time the buffer is spliced.
	for _, l := range b.labels {
		kept := l.pending[:0]
		for _, site := range l.pending {
			if site.buf == buf {
				buf.relocs = append(buf.relocs, reloc{l, site.opcodePos, site.operandPos})
			} else {
				kept = append(kept, site)
			}
		}
		l.pending = kept
	}
	n.handlerBuf = buf
	n.inHandler = false
	n.bodyBuf = b.cur()
	n.rangeOpen = b.cur().pos()
	n.startDepth = b.cur().depth
	if !n.noExcept {
		n.hiddenSlot = b.newHiddenLocal()
	}
}

// spliceExitHandlers splices the handler of every finally-try operation an
// exit crosses, innermost first. For a return, stop is nil and every open
// context is crossed. For a branch, stop is the operation the target label
// was created in; it reports whether that operation is open.
func (b *Builder) spliceExitHandlers(stop *node) bool {
	for i := len(b.nodes) - 1; i >= 0; i-- {
		n := b.nodes[i]
		if n == stop {
			return true
		}
		if n.isFinallyTry() && !n.inHandler {
			b.spliceHandlerOf(n)
		}
	}
	return stop == nil
}

// spliceHandlerOf copies one finally handler at the current position. The
// copy is carved out of the operation's own guarded range so the handler
// cannot intercept exceptions thrown by its own code.
func (b *Builder) spliceHandlerOf(n *node) {
	cur := b.cur()
	start := cur.pos()
	b.splice(cur, n.handlerBuf)
	if n.bodyBuf == cur {
		n.excRanges = append(n.excRanges, excRange{n.rangeOpen, start})
		n.rangeOpen = cur.pos()
	} else {
		cur.exclusions = append(cur.exclusions, exclusion{n, start, cur.pos()})
	}
}
