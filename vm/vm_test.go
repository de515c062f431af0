package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/optree/builder"
	"github.com/deepnoodle-ai/optree/bytecode"
	"github.com/deepnoodle-ai/optree/errz"
	"github.com/deepnoodle-ai/optree/op"
)

// buildLoopSum compiles a program summing the integers below n into a
// local, exercising the unboxed integer slot path on every iteration.
func buildLoopSum(t *testing.T, n int64) *bytecode.Program {
	t.Helper()
	b := builder.New(builder.Config{Name: "loop-sum"})
	total := b.CreateLocal()
	i := b.CreateLocal()
	b.BeginStoreLocal(total)
	b.EmitLoadConstant(int64(0))
	b.EndStoreLocal()
	b.BeginStoreLocal(i)
	b.EmitLoadConstant(int64(0))
	b.EndStoreLocal()
	b.BeginWhile()
	b.BeginCompareOp(op.LessThan)
	b.EmitLoadLocal(i)
	b.EmitLoadConstant(n)
	b.EndCompareOp()
	b.BeginBlock()
	b.BeginStoreLocal(total)
	b.BeginBinaryOp(op.Add)
	b.EmitLoadLocal(total)
	b.EmitLoadLocal(i)
	b.EndBinaryOp()
	b.EndStoreLocal()
	b.BeginStoreLocal(i)
	b.BeginBinaryOp(op.Add)
	b.EmitLoadLocal(i)
	b.EmitLoadConstant(int64(1))
	b.EndBinaryOp()
	b.EndStoreLocal()
	b.EndBlock()
	b.EndWhile()
	b.BeginReturn()
	b.EmitLoadLocal(total)
	b.EndReturn()
	prog, err := b.Finalize()
	require.Nil(t, err)
	return prog
}

func TestLoopSum(t *testing.T) {
	prog := buildLoopSum(t, 100)
	result, err := New().Run(context.Background(), prog)
	require.Nil(t, err)
	require.Equal(t, int64(4950), result)
}

func TestFrameSlotNarrowing(t *testing.T) {
	f := newFrame(3, nil)

	f.SetLocal(0, int64(42))
	v, err := f.GetLocalInt(0)
	require.Nil(t, err)
	require.Equal(t, int64(42), v)

	// A typed read against the wrong tag is a recoverable mismatch.
	_, err = f.GetLocalBool(0)
	require.Equal(t, errz.ErrUnexpectedResult, err)
	require.Equal(t, int64(42), f.GetLocal(0))

	// Rebinding the slot to another type widens and re-narrows it.
	f.SetLocal(0, true)
	bv, err := f.GetLocalBool(0)
	require.Nil(t, err)
	require.True(t, bv)
	_, err = f.GetLocalInt(0)
	require.Equal(t, errz.ErrUnexpectedResult, err)

	f.SetLocal(1, 3.5)
	fv, err := f.GetLocalFloat(1)
	require.Nil(t, err)
	require.Equal(t, 3.5, fv)

	f.SetLocal(2, "hello")
	require.Equal(t, "hello", f.GetLocal(2))
	_, err = f.GetLocalInt(2)
	require.Equal(t, errz.ErrUnexpectedResult, err)
}

func TestAccessorAgainstFrame(t *testing.T) {
	f := newFrame(8, nil)
	acc := bytecode.NewLocalAccessor(5)
	acc.SetInt(f, 7)
	v, err := acc.GetInt(f)
	require.Nil(t, err)
	require.Equal(t, int64(7), v)

	indices := []int{2, 3, 4}
	r, err := bytecode.NewLocalRangeAccessor(indices)
	require.Nil(t, err)
	r.SetFloat(f, 1, 2.5)
	fv, err := r.GetFloat(f, 1)
	require.Nil(t, err)
	require.Equal(t, 2.5, fv)
	require.Equal(t, 2.5, f.GetLocal(3))
}

func TestTruthiness(t *testing.T) {
	tests := []struct {
		value any
		want  bool
	}{
		{nil, false},
		{false, false},
		{true, true},
		{int64(0), false},
		{int64(1), true},
		{0.0, false},
		{0.5, true},
		{"", false},
		{"x", true},
		{struct{}{}, true},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, truthy(tt.value), "truthy(%v)", tt.value)
	}
}

func TestTryCatch(t *testing.T) {
	b := builder.New(builder.Config{})
	caught := b.CreateLocal()
	b.BeginTryCatch(caught)
	b.BeginThrow()
	b.EmitLoadConstant(int64(42))
	b.EndThrow()
	b.BeginReturn()
	b.EmitLoadLocal(caught)
	b.EndReturn()
	b.EndTryCatch()
	prog, err := b.Finalize()
	require.Nil(t, err)

	result, err := New().Run(context.Background(), prog)
	require.Nil(t, err)
	require.Equal(t, int64(42), result)
}

func TestUncaughtThrow(t *testing.T) {
	b := builder.New(builder.Config{})
	b.BeginThrow()
	b.EmitLoadConstant("boom")
	b.EndThrow()
	prog, err := b.Finalize()
	require.Nil(t, err)

	_, err = New().Run(context.Background(), prog)
	require.NotNil(t, err)
	exc, ok := err.(*Exception)
	require.True(t, ok)
	require.Equal(t, "boom", exc.Value)
}

func TestNestedTryCatchInnermostWins(t *testing.T) {
	b := builder.New(builder.Config{})
	outer := b.CreateLocal()
	inner := b.CreateLocal()
	b.BeginReturn()
	b.BeginConditional()
	{
		// condition: run the nested try, true if the inner catch fired
		b.BeginBlock()
		b.BeginTryCatch(outer)
		{
			b.BeginTryCatch(inner)
			b.BeginThrow()
			b.EmitLoadConstant("inner-error")
			b.EndThrow()
			b.EmitNop()
			b.EndTryCatch()
		}
		b.EmitNop()
		b.EndTryCatch()
		b.BeginCompareOp(op.Equal)
		b.EmitLoadLocal(inner)
		b.EmitLoadConstant("inner-error")
		b.EndCompareOp()
		b.EndBlock()
	}
	b.EmitLoadConstant("inner")
	b.EmitLoadConstant("outer")
	b.EndConditional()
	b.EndReturn()
	prog, err := b.Finalize()
	require.Nil(t, err)

	result, err := New().Run(context.Background(), prog)
	require.Nil(t, err)
	require.Equal(t, "inner", result)
}

func TestHostFunctionError(t *testing.T) {
	failing := bytecode.NewFunction("fail", func(ctx context.Context, args []any) (any, error) {
		return nil, NewException("host-error")
	})
	b := builder.New(builder.Config{})
	caught := b.CreateLocal()
	b.BeginTryCatch(caught)
	{
		b.BeginInvoke()
		b.EmitLoadConstant(failing)
		b.EndInvoke()
	}
	b.BeginReturn()
	b.EmitLoadLocal(caught)
	b.EndReturn()
	b.EndTryCatch()
	prog, err := b.Finalize()
	require.Nil(t, err)

	result, err := New().Run(context.Background(), prog)
	require.Nil(t, err)
	require.Equal(t, "host-error", result)
}

func TestContextCancellation(t *testing.T) {
	prog := buildLoopSum(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Run(ctx, prog)
	require.Equal(t, context.Canceled, err)
}

func TestShortCircuitAnd(t *testing.T) {
	calls := 0
	probe := bytecode.NewFunction("probe", func(ctx context.Context, args []any) (any, error) {
		calls++
		return args[0], nil
	})
	b := builder.New(builder.Config{})
	b.BeginReturn()
	b.BeginAnd()
	{
		b.BeginInvoke()
		b.EmitLoadConstant(probe)
		b.EmitLoadConstant(false)
		b.EndInvoke()
		b.BeginInvoke()
		b.EmitLoadConstant(probe)
		b.EmitLoadConstant(true)
		b.EndInvoke()
	}
	b.EndAnd()
	b.EndReturn()
	prog, err := b.Finalize()
	require.Nil(t, err)

	result, err := New().Run(context.Background(), prog)
	require.Nil(t, err)
	require.Equal(t, false, result)
	require.Equal(t, 1, calls, "second operand must not evaluate")
}

func TestShortCircuitOrReturnsRawValue(t *testing.T) {
	b := builder.New(builder.Config{})
	b.BeginReturn()
	b.BeginOr()
	b.EmitLoadConstant(int64(0))
	b.EmitLoadConstant("fallback")
	b.EndOr()
	b.EndReturn()
	prog, err := b.Finalize()
	require.Nil(t, err)

	result, err := New().Run(context.Background(), prog)
	require.Nil(t, err)
	require.Equal(t, "fallback", result)
}

func TestShortCircuitOrBoolConverts(t *testing.T) {
	b := builder.New(builder.Config{})
	b.BeginReturn()
	b.BeginOrBool()
	b.EmitLoadConstant(int64(0))
	b.EmitLoadConstant(int64(5))
	b.EndOrBool()
	b.EndReturn()
	prog, err := b.Finalize()
	require.Nil(t, err)

	result, err := New().Run(context.Background(), prog)
	require.Nil(t, err)
	require.Equal(t, true, result)
}

func TestBoolConverterIsInvoked(t *testing.T) {
	// Only the string "yes" converts to true.
	calls := 0
	conv := bytecode.NewFunction("to-bool", func(ctx context.Context, args []any) (any, error) {
		calls++
		return args[0] == "yes", nil
	})
	b := builder.New(builder.Config{BoolConverter: conv})
	b.BeginReturn()
	b.BeginAnd()
	b.EmitLoadConstant("yes")
	b.EmitLoadConstant("no")
	b.EmitLoadConstant("unreached")
	b.EndAnd()
	b.EndReturn()
	prog, err := b.Finalize()
	require.Nil(t, err)

	// "yes" converts true so evaluation continues; "no" converts false
	// and short-circuits with the raw value "no".
	result, err := New().Run(context.Background(), prog)
	require.Nil(t, err)
	require.Equal(t, "no", result)
	require.Equal(t, 2, calls)
}

func TestInvokeNotCallable(t *testing.T) {
	b := builder.New(builder.Config{})
	b.BeginReturn()
	b.BeginInvoke()
	b.EmitLoadConstant(int64(3))
	b.EndInvoke()
	b.EndReturn()
	prog, err := b.Finalize()
	require.Nil(t, err)

	_, err = New().Run(context.Background(), prog)
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "not callable")
}
