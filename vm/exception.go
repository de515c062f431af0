package vm

import (
	"fmt"

	"github.com/deepnoodle-ai/optree/errz"
)

// Exception carries a thrown guest value. It satisfies error so that it can
// propagate through host function boundaries; reaching the caller of Run
// means no handler covered the throwing instruction. Location is filled in,
// when the program carries a source map, as the exception leaves the VM.
type Exception struct {
	Value    any
	Location errz.SourceLocation
}

// NewException wraps a value for throwing.
func NewException(value any) *Exception {
	return &Exception{Value: value}
}

func (e *Exception) Error() string {
	if !e.Location.IsZero() {
		return fmt.Sprintf("uncaught exception: %v (at %s)", e.Value, e.Location)
	}
	return fmt.Sprintf("uncaught exception: %v", e.Value)
}

// asException converts a thrown value to an Exception, passing through
// values that already are one.
func asException(value any) *Exception {
	if exc, ok := value.(*Exception); ok {
		return exc
	}
	return &Exception{Value: value}
}
