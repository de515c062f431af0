package builder

import (
	"fmt"

	"github.com/deepnoodle-ai/optree/errz"
	"github.com/deepnoodle-ai/optree/op"
)

// Label is a branch target. A label is created inside some open operation
// and may be referenced by EmitBranch only while that operation is still
// open; it is bound to a position with EmitLabel (once).
type Label struct {
	builder  *Builder
	id       int
	declNode *node
	declBuf  *buffer
	internal bool

	bound      bool
	referenced bool
	buf        *buffer
	pos        int
	depth      int

	pending []patchSite
}

func (l *Label) String() string {
	return fmt.Sprintf("label(%d)", l.id)
}

// CreateLabel creates a label scoped to the currently open operation.
func (b *Builder) CreateLabel() *Label {
	l := &Label{
		builder:  b,
		id:       len(b.labels),
		declNode: b.top(),
		declBuf:  b.cur(),
	}
	b.labels = append(b.labels, l)
	return l
}

// newInternalLabel creates a label for the builder's own control flow glue.
// Internal labels are always created and bound within a single buffer.
func (b *Builder) newInternalLabel() *Label {
	l := &Label{
		builder:  b,
		id:       len(b.labels),
		declBuf:  b.cur(),
		internal: true,
	}
	b.labels = append(b.labels, l)
	return l
}

// bind fixes the label to the current position of the current buffer and
// resolves every same-buffer site that was waiting for it.
func (b *Builder) bind(l *Label) {
	if l.bound {
		b.fail(errz.NewBuildErrorf(errz.ErrLabel, "%s bound twice", l))
		return
	}
	buf := b.cur()
	l.bound = true
	l.buf = buf
	l.pos = buf.pos()
	l.depth = buf.depth
	kept := l.pending[:0]
	for _, site := range l.pending {
		if site.buf == buf {
			b.patch(site, l)
		} else {
			kept = append(kept, site)
		}
	}
	l.pending = kept
}

// resolveOrDefer patches the site immediately if the label is bound in the
// same buffer, and otherwise queues it on the label.
func (b *Builder) resolveOrDefer(site patchSite, l *Label) {
	if l.bound && l.buf == site.buf {
		b.patch(site, l)
		return
	}
	l.pending = append(l.pending, site)
}

// patch writes the relative delta for a resolved branch site. Sites within
// a single buffer must carry the same stack depth as their target; sites
// that crossed a buffer boundary instead receive an absolute depth operand
// that the interpreter truncates the stack to.
func (b *Builder) patch(site patchSite, l *Label) {
	delta := l.pos - site.opcodePos
	if delta < minBranchDelta || delta > maxBranchDelta {
		b.fail(errz.NewBuildErrorf(errz.ErrUsage, "branch to %s exceeds the encodable range", l))
		return
	}
	site.buf.instructions[site.operandPos] = op.EncodeDelta(delta)
	if site.external {
		site.buf.instructions[site.operandPos+1] = op.Code(l.depth)
		if site.buf != b.main {
			site.buf.adjSites = append(site.buf.adjSites, site.operandPos+1)
		}
		return
	}
	if site.depth != l.depth {
		b.fail(errz.NewBuildErrorf(errz.ErrStack,
			"branch to %s carries stack depth %d but the label was bound at depth %d",
			l, site.depth, l.depth))
	}
}

const (
	minBranchDelta = -32768
	maxBranchDelta = 32767
)
