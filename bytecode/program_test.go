package bytecode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/optree/errz"
	"github.com/deepnoodle-ai/optree/op"
)

func TestProgramIsImmutableCopy(t *testing.T) {
	instructions := []op.Code{op.Nil, op.ReturnValue}
	constants := []any{int64(1), "two"}
	prog := NewProgram(ProgramParams{
		Name:         "test",
		Instructions: instructions,
		Constants:    constants,
		LocalCount:   3,
	})

	// Mutating the inputs after construction has no effect.
	instructions[0] = op.Halt
	constants[0] = int64(99)

	require.Equal(t, op.Nil, prog.InstructionAt(0))
	require.Equal(t, int64(1), prog.ConstantAt(0))
	require.Equal(t, 2, prog.InstructionCount())
	require.Equal(t, 2, prog.ConstantCount())
	require.Equal(t, 3, prog.LocalCount())
	require.Equal(t, "test", prog.Name())
	require.NotEmpty(t, prog.ID())
}

func TestProgramIDsAreUnique(t *testing.T) {
	a := NewProgram(ProgramParams{})
	b := NewProgram(ProgramParams{})
	require.NotEqual(t, a.ID(), b.ID())
}

func TestExceptionHandlerCovers(t *testing.T) {
	h := ExceptionHandler{Start: 10, End: 20, Handler: 30}
	require.False(t, h.Covers(9))
	require.True(t, h.Covers(10))
	require.True(t, h.Covers(19))
	require.False(t, h.Covers(20))
}

func TestFindHandlerPicksInnermost(t *testing.T) {
	prog := NewProgram(ProgramParams{
		Handlers: []ExceptionHandler{
			{Start: 0, End: 100, Handler: 100},
			{Start: 10, End: 50, Handler: 200},
			{Start: 20, End: 30, Handler: 300},
		},
	})

	h, ok := prog.FindHandler(25)
	require.True(t, ok)
	require.Equal(t, 300, h.Handler)

	h, ok = prog.FindHandler(40)
	require.True(t, ok)
	require.Equal(t, 200, h.Handler)

	h, ok = prog.FindHandler(60)
	require.True(t, ok)
	require.Equal(t, 100, h.Handler)

	_, ok = prog.FindHandler(100)
	require.False(t, ok)
}

func TestFindHandlerTiebreaksOnTighterRange(t *testing.T) {
	// Ranges sharing a start: the shorter one is innermost.
	prog := NewProgram(ProgramParams{
		Handlers: []ExceptionHandler{
			{Start: 0, End: 100, Handler: 100},
			{Start: 0, End: 10, Handler: 200},
		},
	})
	h, ok := prog.FindHandler(5)
	require.True(t, ok)
	require.Equal(t, 200, h.Handler)
}

func TestInstructionIter(t *testing.T) {
	prog := NewProgram(ProgramParams{
		Instructions: []op.Code{
			op.LoadConst, 0,
			op.Nop,
			op.Branch, 5, op.KeepDepth,
			op.ReturnValue,
		},
	})
	iter := NewInstructionIter(prog)

	require.Equal(t, 0, iter.BCI())
	words, ok := iter.Next()
	require.True(t, ok)
	require.Equal(t, []op.Code{op.LoadConst, 0}, words)

	require.Equal(t, 2, iter.BCI())
	words, ok = iter.Next()
	require.True(t, ok)
	require.Equal(t, []op.Code{op.Nop}, words)

	words, ok = iter.Next()
	require.True(t, ok)
	require.Equal(t, []op.Code{op.Branch, 5, op.KeepDepth}, words)

	words, ok = iter.Next()
	require.True(t, ok)
	require.Equal(t, []op.Code{op.ReturnValue}, words)

	_, ok = iter.Next()
	require.False(t, ok)
}

// fakeFrame is a map-backed Frame for accessor tests.
type fakeFrame struct {
	values map[int]any
}

func newFakeFrame() *fakeFrame {
	return &fakeFrame{values: map[int]any{}}
}

func (f *fakeFrame) GetLocal(index int) any         { return f.values[index] }
func (f *fakeFrame) SetLocal(index int, value any)  { f.values[index] = value }
func (f *fakeFrame) SetLocalBool(index int, v bool) { f.values[index] = v }
func (f *fakeFrame) SetLocalInt(index int, v int64) { f.values[index] = v }
func (f *fakeFrame) SetLocalFloat(index int, v float64) {
	f.values[index] = v
}

func (f *fakeFrame) GetLocalBool(index int) (bool, error) {
	if v, ok := f.values[index].(bool); ok {
		return v, nil
	}
	return false, errz.ErrUnexpectedResult
}

func (f *fakeFrame) GetLocalInt(index int) (int64, error) {
	if v, ok := f.values[index].(int64); ok {
		return v, nil
	}
	return 0, errz.ErrUnexpectedResult
}

func (f *fakeFrame) GetLocalFloat(index int) (float64, error) {
	if v, ok := f.values[index].(float64); ok {
		return v, nil
	}
	return 0, errz.ErrUnexpectedResult
}

func TestLocalAccessorInterning(t *testing.T) {
	a := NewLocalAccessor(3)
	b := NewLocalAccessor(3)
	require.Equal(t, a, b)
	require.Equal(t, 3, a.Index())

	big := NewLocalAccessor(accessorCacheSize + 10)
	require.Equal(t, accessorCacheSize+10, big.Index())
}

func TestLocalAccessorTypedAccess(t *testing.T) {
	f := newFakeFrame()
	acc := NewLocalAccessor(0)

	acc.SetInt(f, 11)
	v, err := acc.GetInt(f)
	require.Nil(t, err)
	require.Equal(t, int64(11), v)

	_, err = acc.GetBool(f)
	require.Equal(t, errz.ErrUnexpectedResult, err)

	acc.Set(f, "text")
	require.Equal(t, "text", acc.Get(f))
}

func TestLocalRangeAccessorRequiresContiguous(t *testing.T) {
	_, err := NewLocalRangeAccessor([]int{1, 2, 4})
	require.NotNil(t, err)

	r, err := NewLocalRangeAccessor([]int{2, 3, 4})
	require.Nil(t, err)
	require.Equal(t, 2, r.Start())
	require.Equal(t, 3, r.Length())
}

func TestLocalRangeAccessorOffsets(t *testing.T) {
	f := newFakeFrame()
	r, err := NewLocalRangeAccessor([]int{5, 6, 7})
	require.Nil(t, err)

	r.SetInt(f, 0, 1)
	r.SetInt(f, 2, 3)
	require.Equal(t, int64(1), f.values[5])
	require.Equal(t, int64(3), f.values[7])

	v, err := r.GetInt(f, 2)
	require.Nil(t, err)
	require.Equal(t, int64(3), v)

	require.Panics(t, func() { r.Get(f, 3) })
	require.Panics(t, func() { r.Get(f, -1) })
}

func TestFunctionCall(t *testing.T) {
	fn := NewFunction("add", nil)
	require.Equal(t, "add", fn.Name())
	_, err := fn.Call(nil, nil)
	require.NotNil(t, err)
}
