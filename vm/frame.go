package vm

import "github.com/deepnoodle-ai/optree/errz"

// slotTag tracks the storage currently backing one local slot.
type slotTag uint8

const (
	tagGeneric slotTag = iota
	tagBool
	tagInt
	tagFloat
)

// slot is one local variable. Boolean, integer, and float values are held
// unboxed; everything else lands in ref.
type slot struct {
	tag slotTag
	b   bool
	i   int64
	f   float64
	ref any
}

// frame is the per-activation storage of one program run: local slots and
// the caller-supplied arguments. It implements bytecode.Frame.
type frame struct {
	locals []slot
	args   []any
}

func newFrame(localCount int, args []any) *frame {
	return &frame{locals: make([]slot, localCount), args: args}
}

func (f *frame) arg(index int) any {
	if index < 0 || index >= len(f.args) {
		return nil
	}
	return f.args[index]
}

// GetLocal reads a slot regardless of its tag.
func (f *frame) GetLocal(index int) any {
	s := &f.locals[index]
	switch s.tag {
	case tagBool:
		return s.b
	case tagInt:
		return s.i
	case tagFloat:
		return s.f
	default:
		return s.ref
	}
}

// SetLocal writes a slot, narrowing the storage when the value has an
// unboxed representation. Int values are stored as int64.
func (f *frame) SetLocal(index int, value any) {
	s := &f.locals[index]
	switch v := value.(type) {
	case bool:
		s.tag, s.b, s.ref = tagBool, v, nil
	case int64:
		s.tag, s.i, s.ref = tagInt, v, nil
	case int:
		s.tag, s.i, s.ref = tagInt, int64(v), nil
	case float64:
		s.tag, s.f, s.ref = tagFloat, v, nil
	default:
		s.tag, s.ref = tagGeneric, v
	}
}

func (f *frame) GetLocalBool(index int) (bool, error) {
	s := &f.locals[index]
	if s.tag != tagBool {
		return false, errz.ErrUnexpectedResult
	}
	return s.b, nil
}

func (f *frame) GetLocalInt(index int) (int64, error) {
	s := &f.locals[index]
	if s.tag != tagInt {
		return 0, errz.ErrUnexpectedResult
	}
	return s.i, nil
}

func (f *frame) GetLocalFloat(index int) (float64, error) {
	s := &f.locals[index]
	if s.tag != tagFloat {
		return 0, errz.ErrUnexpectedResult
	}
	return s.f, nil
}

func (f *frame) SetLocalBool(index int, value bool) {
	s := &f.locals[index]
	s.tag, s.b, s.ref = tagBool, value, nil
}

func (f *frame) SetLocalInt(index int, value int64) {
	s := &f.locals[index]
	s.tag, s.i, s.ref = tagInt, value, nil
}

func (f *frame) SetLocalFloat(index int, value float64) {
	s := &f.locals[index]
	s.tag, s.f, s.ref = tagFloat, value, nil
}
