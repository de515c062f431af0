// Package vm executes compiled bytecode programs. The machine is a classic
// stack interpreter with tagged local slots: booleans, integers, and floats
// live unboxed in their slots, and typed reads surface a recoverable
// mismatch error instead of silently reboxing.
package vm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/deepnoodle-ai/optree/bytecode"
	"github.com/deepnoodle-ai/optree/op"
)

const (
	defaultStackSize = 1024
	maxFrameDepth    = 1024
)

// VM executes bytecode programs. A VM holds no per-run state, so one
// instance may run any number of programs, though not concurrently from
// multiple goroutines.
type VM struct {
	log       *zerolog.Logger
	stackSize int
}

// Option configures a VM.
type Option func(*VM)

// WithLogger enables trace-level execution logging.
func WithLogger(l *zerolog.Logger) Option {
	return func(m *VM) { m.log = l }
}

// WithStackSize sets the initial operand stack capacity.
func WithStackSize(n int) Option {
	return func(m *VM) {
		if n > 0 {
			m.stackSize = n
		}
	}
}

// New creates a VM.
func New(opts ...Option) *VM {
	m := &VM{stackSize: defaultStackSize}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes a program from the beginning. The result is the returned
// value, or a *Continuation when execution suspended at a yield. An
// uncaught throw is returned as a *Exception error.
func (m *VM) Run(ctx context.Context, prog *bytecode.Program, args ...any) (any, error) {
	f := newFrame(prog.LocalCount(), args)
	stack := make([]any, 0, m.stackSize)
	return m.eval(ctx, prog, f, stack, 0, 0)
}

// Resume continues a suspended program. The given value becomes the result
// of the yield operation that suspended it. A continuation resumes at most
// once.
func (m *VM) Resume(ctx context.Context, c *Continuation, value any) (any, error) {
	f, stack, ip, err := c.take()
	if err != nil {
		return nil, err
	}
	stack = append(stack, value)
	return m.eval(ctx, c.program, f, stack, ip, 0)
}

// eval is the dispatch loop for one activation. Invoked programs run in a
// nested eval call with their own frame and stack.
func (m *VM) eval(ctx context.Context, prog *bytecode.Program, f *frame, stack []any, ip, depth int) (any, error) {
	instrs := prog.Instructions()
	push := func(v any) { stack = append(stack, v) }
	pop := func() any {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	for ip < len(instrs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		opBCI := ip
		code := instrs[ip]
		ip++
		if m.log != nil {
			m.log.Trace().Int("bci", opBCI).Str("op", op.GetInfo(code).Name).
				Int("stack", len(stack)).Msg("exec")
		}
		var raised error
		switch code {
		case op.Nop:
		case op.Halt:
			return nil, nil
		case op.Nil:
			push(nil)
		case op.True:
			push(true)
		case op.False:
			push(false)
		case op.LoadConst:
			idx := int(instrs[ip])
			ip++
			push(prog.ConstantAt(idx))
		case op.LoadLocal:
			idx := int(instrs[ip])
			ip++
			push(f.GetLocal(idx))
		case op.LoadArg:
			idx := int(instrs[ip])
			ip++
			push(f.arg(idx))
		case op.StoreLocal:
			idx := int(instrs[ip])
			ip++
			f.SetLocal(idx, pop())
		case op.Copy:
			n := int(instrs[ip])
			ip++
			push(stack[len(stack)-1-n])
		case op.Swap:
			n := int(instrs[ip])
			ip++
			a, b := len(stack)-1, len(stack)-1-n
			stack[a], stack[b] = stack[b], stack[a]
		case op.PopTop:
			pop()
		case op.Branch:
			delta := op.Delta(instrs[ip])
			adj := instrs[ip+1]
			if adj != op.KeepDepth {
				stack = stack[:int(adj)]
			}
			ip = opBCI + delta
		case op.BranchIfTrue, op.BranchIfFalse:
			delta := op.Delta(instrs[ip])
			ip++
			if truthy(pop()) == (code == op.BranchIfTrue) {
				ip = opBCI + delta
			}
		case op.ConvertBool:
			operand := instrs[ip]
			ip++
			value := pop()
			if operand == op.NoConverter {
				push(truthy(value))
				break
			}
			conv, ok := prog.ConstantAt(int(operand)).(*bytecode.Function)
			if !ok {
				return nil, fmt.Errorf("boolean converter constant %d is not a function", operand)
			}
			result, err := conv.Call(ctx, []any{value})
			if err != nil {
				raised = err
				break
			}
			push(truthy(result))
		case op.BinaryOp:
			t := op.BinaryOpType(instrs[ip])
			ip++
			right, left := pop(), pop()
			result, err := binaryOp(t, left, right)
			if err != nil {
				return nil, err
			}
			push(result)
		case op.CompareOp:
			t := op.CompareOpType(instrs[ip])
			ip++
			right, left := pop(), pop()
			result, err := compareOp(t, left, right)
			if err != nil {
				return nil, err
			}
			push(result)
		case op.UnaryNegative:
			result, err := negate(pop())
			if err != nil {
				return nil, err
			}
			push(result)
		case op.UnaryNot:
			push(!truthy(pop()))
		case op.Invoke:
			argc := int(instrs[ip])
			ip++
			args := make([]any, argc)
			copy(args, stack[len(stack)-argc:])
			stack = stack[:len(stack)-argc]
			callee := pop()
			result, err := m.invoke(ctx, callee, args, depth)
			if err != nil {
				raised = err
				break
			}
			push(result)
		case op.ReturnValue:
			return pop(), nil
		case op.Throw:
			raised = asException(pop())
		case op.Yield:
			if depth != 0 {
				return nil, fmt.Errorf("yield is only supported in the top-level program")
			}
			value := pop()
			return newContinuation(prog, f, stack, ip, value), nil
		default:
			return nil, fmt.Errorf("invalid opcode %d at bci %d", code, opBCI)
		}
		if raised != nil {
			exc, ok := raised.(*Exception)
			if !ok {
				return nil, raised
			}
			h, found := prog.FindHandler(opBCI)
			if !found {
				if exc.Location.IsZero() {
					exc.Location = prog.LocationAt(opBCI)
				}
				return nil, exc
			}
			if m.log != nil {
				m.log.Trace().Int("bci", opBCI).Int("handler", h.Handler).Msg("dispatch")
			}
			stack = stack[:h.StackDepth]
			f.SetLocal(h.SlotIndex, exc.Value)
			ip = h.Handler
		}
	}
	return nil, fmt.Errorf("execution ran off the end of %q", prog.Name())
}

// invoke calls a callee popped by op.Invoke. Host functions and compiled
// programs are callable.
func (m *VM) invoke(ctx context.Context, callee any, args []any, depth int) (any, error) {
	switch c := callee.(type) {
	case *bytecode.Function:
		return c.Call(ctx, args)
	case *bytecode.Program:
		if depth+1 >= maxFrameDepth {
			return nil, fmt.Errorf("exceeded max frame depth of %d", maxFrameDepth)
		}
		f := newFrame(c.LocalCount(), args)
		stack := make([]any, 0, m.stackSize)
		return m.eval(ctx, c, f, stack, 0, depth+1)
	default:
		return nil, fmt.Errorf("value of type %T is not callable", callee)
	}
}
