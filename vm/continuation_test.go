package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/optree/builder"
	"github.com/deepnoodle-ai/optree/bytecode"
	"github.com/deepnoodle-ai/optree/op"
)

// buildTwoYields compiles: return (yield 1) + (yield 2)
func buildTwoYields(t *testing.T) *bytecode.Program {
	t.Helper()
	b := builder.New(builder.Config{Name: "two-yields"})
	b.BeginReturn()
	b.BeginBinaryOp(op.Add)
	b.BeginYield()
	b.EmitLoadConstant(int64(1))
	b.EndYield()
	b.BeginYield()
	b.EmitLoadConstant(int64(2))
	b.EndYield()
	b.EndBinaryOp()
	b.EndReturn()
	prog, err := b.Finalize()
	require.Nil(t, err)
	return prog
}

func TestYieldAndResume(t *testing.T) {
	prog := buildTwoYields(t)
	m := New()
	ctx := context.Background()

	result, err := m.Run(ctx, prog)
	require.Nil(t, err)
	c1, ok := result.(*Continuation)
	require.True(t, ok)
	require.Equal(t, int64(1), c1.Value())

	result, err = m.Resume(ctx, c1, int64(3))
	require.Nil(t, err)
	c2, ok := result.(*Continuation)
	require.True(t, ok)
	require.Equal(t, int64(2), c2.Value())

	result, err = m.Resume(ctx, c2, int64(4))
	require.Nil(t, err)
	require.Equal(t, int64(7), result)
}

func TestContinuationSingleUse(t *testing.T) {
	prog := buildTwoYields(t)
	m := New()
	ctx := context.Background()

	result, err := m.Run(ctx, prog)
	require.Nil(t, err)
	c1 := result.(*Continuation)

	_, err = m.Resume(ctx, c1, int64(3))
	require.Nil(t, err)

	_, err = m.Resume(ctx, c1, int64(3))
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "already resumed")
}

func TestYieldPreservesLocals(t *testing.T) {
	// x = 10; x + yield 1
	b := builder.New(builder.Config{})
	x := b.CreateLocal()
	b.BeginStoreLocal(x)
	b.EmitLoadConstant(int64(10))
	b.EndStoreLocal()
	b.BeginReturn()
	b.BeginBinaryOp(op.Add)
	b.EmitLoadLocal(x)
	b.BeginYield()
	b.EmitLoadConstant(int64(1))
	b.EndYield()
	b.EndBinaryOp()
	b.EndReturn()
	prog, err := b.Finalize()
	require.Nil(t, err)

	m := New()
	ctx := context.Background()
	result, err := m.Run(ctx, prog)
	require.Nil(t, err)
	c := result.(*Continuation)
	require.Equal(t, int64(1), c.Value())

	result, err = m.Resume(ctx, c, int64(5))
	require.Nil(t, err)
	require.Equal(t, int64(15), result)
}

func TestContinuationRecordRoundTrip(t *testing.T) {
	prog := buildTwoYields(t)
	m := New()
	ctx := context.Background()

	result, err := m.Run(ctx, prog)
	require.Nil(t, err)
	c1 := result.(*Continuation)

	rec, err := c1.Record()
	require.Nil(t, err)
	require.Equal(t, prog.ID(), rec.ProgramID)

	data, err := rec.MarshalBinary()
	require.Nil(t, err)

	decoded, err := UnmarshalContinuationRecord(data)
	require.Nil(t, err)

	rebuilt, err := Reconstruct(decoded, prog)
	require.Nil(t, err)
	require.Equal(t, c1.ID(), rebuilt.ID())

	result, err = m.Resume(ctx, rebuilt, int64(3))
	require.Nil(t, err)
	c2 := result.(*Continuation)
	result, err = m.Resume(ctx, c2, int64(4))
	require.Nil(t, err)
	require.Equal(t, int64(7), result)
}

func TestReconstructRejectsWrongProgram(t *testing.T) {
	prog := buildTwoYields(t)
	m := New()
	ctx := context.Background()

	result, err := m.Run(ctx, prog)
	require.Nil(t, err)
	rec, err := result.(*Continuation).Record()
	require.Nil(t, err)

	other := buildLoopSum(t, 10)
	_, err = Reconstruct(rec, other)
	require.NotNil(t, err)
}

func TestRecordRejectsUnserializableState(t *testing.T) {
	// A continuation whose frame holds a host function cannot be recorded.
	fn := bytecode.NewFunction("f", func(ctx context.Context, args []any) (any, error) {
		return nil, nil
	})
	b := builder.New(builder.Config{})
	x := b.CreateLocal()
	b.BeginStoreLocal(x)
	b.EmitLoadConstant(fn)
	b.EndStoreLocal()
	b.BeginReturn()
	b.BeginYield()
	b.EmitLoadConstant(int64(1))
	b.EndYield()
	b.EndReturn()
	prog, err := b.Finalize()
	require.Nil(t, err)

	m := New()
	result, err := m.Run(context.Background(), prog)
	require.Nil(t, err)
	c := result.(*Continuation)

	_, err = c.Record()
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "not serializable")
}

func TestYieldInsideInvokedProgramFails(t *testing.T) {
	inner := builder.New(builder.Config{Name: "inner"})
	inner.BeginReturn()
	inner.BeginYield()
	inner.EmitLoadConstant(int64(1))
	inner.EndYield()
	inner.EndReturn()
	innerProg, err := inner.Finalize()
	require.Nil(t, err)

	b := builder.New(builder.Config{})
	b.BeginReturn()
	b.BeginInvoke()
	b.EmitLoadConstant(innerProg)
	b.EndInvoke()
	b.EndReturn()
	prog, err := b.Finalize()
	require.Nil(t, err)

	_, err = New().Run(context.Background(), prog)
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "top-level")
}
