package builder

import (
	"fmt"

	"github.com/deepnoodle-ai/optree/bytecode"
	"github.com/deepnoodle-ai/optree/errz"
)

// Local is a handle to one frame slot.
type Local struct {
	builder *Builder
	index   int
	hidden  bool
}

// Index returns the slot index within the frame.
func (l *Local) Index() int {
	return l.index
}

// Accessor returns an interned accessor for reading and writing this slot
// on a live frame.
func (l *Local) Accessor() bytecode.LocalAccessor {
	return bytecode.NewLocalAccessor(l.index)
}

func (l *Local) String() string {
	return fmt.Sprintf("local(%d)", l.index)
}

// CreateLocal allocates one frame slot.
func (b *Builder) CreateLocal() *Local {
	l := &Local{builder: b, index: b.localCount}
	b.localCount++
	return l
}

// CreateLocalRange allocates n contiguous frame slots.
func (b *Builder) CreateLocalRange(n int) []*Local {
	if n <= 0 {
		b.fail(errz.NewBuildErrorf(errz.ErrLocal, "local range size must be positive, got %d", n))
		return nil
	}
	locals := make([]*Local, n)
	for i := range locals {
		locals[i] = b.CreateLocal()
	}
	return locals
}

// AccessorForRange returns an interned range accessor covering the given
// locals, which must occupy contiguous slots.
func (b *Builder) AccessorForRange(locals []*Local) (bytecode.LocalRangeAccessor, error) {
	indices := make([]int, len(locals))
	for i, l := range locals {
		if l.builder != b {
			return bytecode.LocalRangeAccessor{}, errz.NewBuildError(errz.ErrLocal,
				"local belongs to a different builder")
		}
		indices[i] = l.index
	}
	return bytecode.NewLocalRangeAccessor(indices)
}

// newHiddenLocal allocates a slot that is not exposed to callers. Finally
// handlers use one to stash an in-flight exception across their own code.
func (b *Builder) newHiddenLocal() *Local {
	l := b.CreateLocal()
	l.hidden = true
	return l
}
