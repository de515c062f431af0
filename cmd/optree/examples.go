package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/deepnoodle-ai/optree/builder"
	"github.com/deepnoodle-ai/optree/bytecode"
	"github.com/deepnoodle-ai/optree/op"
)

// examples are small programs built with the builder API, used to exercise
// the disassembler and interpreter from the command line.
var examples = map[string]func(logger *zerolog.Logger) (*bytecode.Program, error){
	"sum":     buildSum,
	"finally": buildFinally,
	"greet":   buildGreet,
}

func exampleNames() []string {
	names := make([]string, 0, len(examples))
	for name := range examples {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func buildExample(name string, logger *zerolog.Logger) (*bytecode.Program, error) {
	build, ok := examples[name]
	if !ok {
		return nil, fmt.Errorf("unknown example %q (available: %v)", name, exampleNames())
	}
	return build(logger)
}

// buildSum sums the integers below 10 with a while loop.
func buildSum(logger *zerolog.Logger) (*bytecode.Program, error) {
	b := builder.New(builder.Config{Name: "sum", Logger: logger})
	total := b.CreateLocal()
	i := b.CreateLocal()
	b.BeginBlock()
	{
		b.BeginStoreLocal(total)
		b.EmitLoadConstant(int64(0))
		b.EndStoreLocal()
		b.BeginStoreLocal(i)
		b.EmitLoadConstant(int64(0))
		b.EndStoreLocal()
		b.BeginWhile()
		{
			b.BeginCompareOp(op.LessThan)
			b.EmitLoadLocal(i)
			b.EmitLoadConstant(int64(10))
			b.EndCompareOp()
			b.BeginBlock()
			{
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
			}
			b.EndBlock()
		}
		b.EndWhile()
		b.BeginReturn()
		b.EmitLoadLocal(total)
		b.EndReturn()
	}
	b.EndBlock()
	return b.Finalize()
}

// buildFinally appends to a string local from both the guarded body and
// the finally handler, making the execution order visible in the result.
func buildFinally(logger *zerolog.Logger) (*bytecode.Program, error) {
	b := builder.New(builder.Config{Name: "finally", Logger: logger})
	out := b.CreateLocal()
	appendTo := func(text string) {
		b.BeginStoreLocal(out)
		b.BeginBinaryOp(op.Add)
		b.EmitLoadLocal(out)
		b.EmitLoadConstant(text)
		b.EndBinaryOp()
		b.EndStoreLocal()
	}
	b.BeginStoreLocal(out)
	b.EmitLoadConstant("enter")
	b.EndStoreLocal()
	b.BeginFinallyTry()
	appendTo(",finally") // handler comes first
	appendTo(",body")
	b.EndFinallyTry()
	b.BeginReturn()
	b.EmitLoadLocal(out)
	b.EndReturn()
	return b.Finalize()
}

// buildGreet calls a host function with a program argument.
func buildGreet(logger *zerolog.Logger) (*bytecode.Program, error) {
	greet := bytecode.NewFunction("greet", func(ctx context.Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("greet expects one argument, got %d", len(args))
		}
		return fmt.Sprintf("hello, %v", args[0]), nil
	})
	b := builder.New(builder.Config{Name: "greet", Logger: logger})
	b.BeginReturn()
	b.BeginInvoke()
	b.EmitLoadConstant(greet)
	b.EmitLoadArgument(0)
	b.EndInvoke()
	b.EndReturn()
	return b.Finalize()
}
