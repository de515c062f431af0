package vm

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"

	"github.com/deepnoodle-ai/optree/bytecode"
)

// Continuation is a suspended program run, produced when execution reaches
// a yield operation. It snapshots the operand stack, the local slots, and
// the resume position. A continuation may be resumed at most once.
type Continuation struct {
	id       string
	program  *bytecode.Program
	frame    *frame
	stack    []any
	resumeIP int
	value    any

	mu   sync.Mutex
	used bool
}

func newContinuation(prog *bytecode.Program, f *frame, stack []any, ip int, value any) *Continuation {
	snap := &frame{
		locals: append([]slot(nil), f.locals...),
		args:   append([]any(nil), f.args...),
	}
	return &Continuation{
		id:       uuid.Must(uuid.NewV4()).String(),
		program:  prog,
		frame:    snap,
		stack:    append([]any(nil), stack...),
		resumeIP: ip,
		value:    value,
	}
}

// ID returns a unique identifier for this suspension.
func (c *Continuation) ID() string {
	return c.id
}

// Value returns the value the program yielded.
func (c *Continuation) Value() any {
	return c.value
}

// Program returns the suspended program.
func (c *Continuation) Program() *bytecode.Program {
	return c.program
}

func (c *Continuation) String() string {
	return fmt.Sprintf("continuation(%s at %d)", c.id, c.resumeIP)
}

// take hands over the captured state, enforcing single use.
func (c *Continuation) take() (*frame, []any, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used {
		return nil, nil, 0, fmt.Errorf("continuation %s already resumed", c.id)
	}
	c.used = true
	return c.frame, c.stack, c.resumeIP, nil
}

// recordedSlot is the wire form of one local slot.
type recordedSlot struct {
	Tag   uint8   `cbor:"t"`
	Bool  bool    `cbor:"b,omitempty"`
	Int   int64   `cbor:"i,omitempty"`
	Float float64 `cbor:"f,omitempty"`
	Ref   any     `cbor:"r,omitempty"`
}

// ContinuationRecord is the durable form of a Continuation. Together with
// the original program it is enough to rebuild and resume the suspension
// in another process.
type ContinuationRecord struct {
	ID        string         `cbor:"id"`
	ProgramID string         `cbor:"program_id"`
	Version   int            `cbor:"version"`
	ResumeIP  int            `cbor:"resume_ip"`
	Stack     []any          `cbor:"stack"`
	Locals    []recordedSlot `cbor:"locals"`
	Args      []any          `cbor:"args"`
}

// Record captures the continuation in a serializable form. Every stack
// value, argument, and generically stored local must be a nil, boolean,
// integer, float, or string.
func (c *Continuation) Record() (*ContinuationRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used {
		return nil, fmt.Errorf("continuation %s already resumed", c.id)
	}
	rec := &ContinuationRecord{
		ID:        c.id,
		ProgramID: c.program.ID(),
		Version:   c.program.Version(),
		ResumeIP:  c.resumeIP,
		Stack:     make([]any, len(c.stack)),
		Locals:    make([]recordedSlot, len(c.frame.locals)),
		Args:      make([]any, len(c.frame.args)),
	}
	for i, v := range c.stack {
		if !serializable(v) {
			return nil, fmt.Errorf("stack value of type %T is not serializable", v)
		}
		rec.Stack[i] = v
	}
	for i, v := range c.frame.args {
		if !serializable(v) {
			return nil, fmt.Errorf("argument of type %T is not serializable", v)
		}
		rec.Args[i] = v
	}
	for i, s := range c.frame.locals {
		if s.tag == tagGeneric && !serializable(s.ref) {
			return nil, fmt.Errorf("local %d of type %T is not serializable", i, s.ref)
		}
		rec.Locals[i] = recordedSlot{
			Tag:   uint8(s.tag),
			Bool:  s.b,
			Int:   s.i,
			Float: s.f,
			Ref:   s.ref,
		}
	}
	return rec, nil
}

func serializable(v any) bool {
	switch v.(type) {
	case nil, bool, int, int64, float64, string:
		return true
	}
	return false
}

// MarshalBinary encodes the record as CBOR.
func (r *ContinuationRecord) MarshalBinary() ([]byte, error) {
	// Encode through an alias type so cbor does not dispatch back to
	// this method.
	type record ContinuationRecord
	return cbor.Marshal((*record)(r))
}

// UnmarshalContinuationRecord decodes a CBOR-encoded record.
func UnmarshalContinuationRecord(data []byte) (*ContinuationRecord, error) {
	var rec ContinuationRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("malformed continuation record: %w", err)
	}
	return &rec, nil
}

// Reconstruct rebuilds a resumable Continuation from a record and the
// program it was captured from.
func Reconstruct(rec *ContinuationRecord, prog *bytecode.Program) (*Continuation, error) {
	if rec.ProgramID != prog.ID() {
		return nil, fmt.Errorf("continuation was captured from program %s, not %s",
			rec.ProgramID, prog.ID())
	}
	if rec.Version != prog.Version() {
		return nil, fmt.Errorf("continuation format version %d does not match program version %d",
			rec.Version, prog.Version())
	}
	if rec.ResumeIP < 0 || rec.ResumeIP > prog.InstructionCount() {
		return nil, fmt.Errorf("continuation resume position %d is out of range", rec.ResumeIP)
	}
	f := newFrame(len(rec.Locals), normalizeValues(rec.Args))
	for i, s := range rec.Locals {
		f.locals[i] = slot{
			tag: slotTag(s.Tag),
			b:   s.Bool,
			i:   s.Int,
			f:   s.Float,
			ref: normalizeValue(s.Ref),
		}
	}
	return &Continuation{
		id:       rec.ID,
		program:  prog,
		frame:    f,
		stack:    normalizeValues(rec.Stack),
		resumeIP: rec.ResumeIP,
	}, nil
}

// normalizeValue maps CBOR-decoded numbers back to the interpreter's
// int64 representation.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	}
	return v
}

func normalizeValues(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = normalizeValue(v)
	}
	return out
}
