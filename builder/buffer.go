package builder

import (
	"github.com/deepnoodle-ai/optree/bytecode"
	"github.com/deepnoodle-ai/optree/errz"
	"github.com/deepnoodle-ai/optree/op"
)

// buffer is an append-only instruction stream under construction. The main
// program is compiled into one buffer; each finally handler is compiled into
// a detached buffer of its own so that it can be spliced (copied) onto every
// exit edge of its guarded region.
//
// All branch operands are relative deltas, which makes buffer contents
// position independent: a sealed buffer can be appended anywhere. Only sites
// that target labels outside the buffer need relocation records.
type buffer struct {
	instructions []op.Code
	locations    []errz.SourceLocation

	// depth is the operand stack depth at the current emission point,
	// measured from the buffer's entry (0 for the main buffer's frame base).
	depth int

	// relocs are branch sites within this buffer that target labels bound
	// (or to be bound) outside it. They are re-registered against the label
	// table each time the buffer is spliced.
	relocs []reloc

	// handlers are exception handler entries with positions and stack
	// depths relative to the buffer start.
	handlers []bytecode.ExceptionHandler

	// adjSites are operand positions holding stack-depth adjustments that
	// are relative to the buffer start and must be rebased on splice.
	adjSites []int

	// exclusions mark regions of this buffer that hold a spliced copy of
	// some enclosing finally handler. When this buffer is spliced into
	// that handler's own body, the copy must be carved out of the body's
	// guarded range so the handler cannot catch its own exceptions.
	exclusions []exclusion
}

// exclusion marks a buffer-relative region to carve out of the guarded
// range of one finally-try operation.
type exclusion struct {
	node  *node
	start int
	end   int
}

// excRange is one piece of a guarded region, in body-buffer coordinates.
type excRange struct {
	start int
	end   int
}

// reloc records a branch site awaiting cross-buffer resolution.
type reloc struct {
	label      *Label
	opcodePos  int
	operandPos int
}

// patchSite is a branch operand awaiting a label's final position.
type patchSite struct {
	buf        *buffer
	opcodePos  int // index of the branch opcode word
	operandPos int // index of the delta operand word
	depth      int // stack depth carried to the target (buffer coordinates)
	external   bool
}

func (buf *buffer) pos() int {
	return len(buf.instructions)
}

// splice appends a sealed handler buffer to dst, rebasing its exception
// handler entries and depth adjustments and re-registering its relocations
// against the label table.
func (b *Builder) splice(dst *buffer, src *buffer) {
	base := dst.pos()
	depthBase := dst.depth
	dst.instructions = append(dst.instructions, src.instructions...)
	dst.locations = append(dst.locations, src.locations...)
	for _, pos := range src.adjSites {
		at := base + pos
		dst.instructions[at] = op.Code(int(dst.instructions[at]) + depthBase)
		dst.adjSites = append(dst.adjSites, at)
	}
	for _, h := range src.handlers {
		dst.handlers = append(dst.handlers, bytecode.ExceptionHandler{
			Start:      base + h.Start,
			End:        base + h.End,
			Handler:    base + h.Handler,
			SlotIndex:  h.SlotIndex,
			StackDepth: depthBase + h.StackDepth,
		})
	}
	for _, r := range src.relocs {
		site := patchSite{
			buf:        dst,
			opcodePos:  base + r.opcodePos,
			operandPos: base + r.operandPos,
			external:   true,
		}
		r.label.referenced = true
		b.resolveOrDefer(site, r.label)
	}
	for _, e := range src.exclusions {
		if e.node.closed {
			continue
		}
		start, end := base+e.start, base+e.end
		if e.node.bodyBuf == dst {
			e.node.excRanges = append(e.node.excRanges, excRange{e.node.rangeOpen, start})
			e.node.rangeOpen = end
		} else {
			dst.exclusions = append(dst.exclusions, exclusion{e.node, start, end})
		}
	}
}
