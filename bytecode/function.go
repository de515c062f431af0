package bytecode

import (
	"context"
	"fmt"
)

// CallFunc is the signature of a host function that can be loaded as a
// program constant and invoked by the VM.
type CallFunc func(ctx context.Context, args []any) (any, error)

// Function wraps a host Go function so it can appear in a constant pool and
// be the callee of an Invoke operation. Functions are also usable as boolean
// converters for short-circuit operations, in which case the truthiness of
// the returned value decides the branch.
type Function struct {
	name string
	call CallFunc
}

// NewFunction creates a named host function.
func NewFunction(name string, call CallFunc) *Function {
	return &Function{name: name, call: call}
}

// Name returns the function's name, used in disassembly and errors.
func (f *Function) Name() string {
	return f.name
}

// Call invokes the function.
func (f *Function) Call(ctx context.Context, args []any) (any, error) {
	if f.call == nil {
		return nil, fmt.Errorf("function %q has no implementation", f.name)
	}
	return f.call(ctx, args)
}

// String returns a string representation of the function.
func (f *Function) String() string {
	return fmt.Sprintf("function(%s)", f.name)
}
