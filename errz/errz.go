// Package errz defines the structured error types shared by the optree
// builder and virtual machine.
package errz

import (
	"errors"
	"fmt"
)

// ErrUnexpectedResult signals that a typed local read observed a value whose
// slot tag does not match the requested primitive type. Callers recover by
// retrying with a generic read.
var ErrUnexpectedResult = errors.New("unexpected result: local slot tag mismatch")

// SourceLocation represents a position in source code. Filename and source
// text, when known, are stored once on the program rather than per location.
type SourceLocation struct {
	Line   int // 1-based line number
	Column int // 1-based column number
}

// String returns a formatted string representation of the source location.
func (s SourceLocation) String() string {
	return fmt.Sprintf("%d:%d", s.Line, s.Column)
}

// IsZero returns true if the location has not been set.
func (s SourceLocation) IsZero() bool {
	return s.Line == 0 && s.Column == 0
}

// ErrorKind represents the category of a build-time error.
type ErrorKind int

const (
	// ErrNesting indicates mismatched or malformed begin/end pairing.
	ErrNesting ErrorKind = iota
	// ErrLabel indicates invalid label usage: double binding, an unbound
	// label at finalize time, or a branch target out of scope.
	ErrLabel
	// ErrLocal indicates invalid local slot usage, such as a foreign local
	// handle or a non-contiguous local range.
	ErrLocal
	// ErrStack indicates an operand stack depth violation.
	ErrStack
	// ErrUsage indicates an operation used outside its valid context, for
	// example a child count violation or an invalid assignment target.
	ErrUsage
	// ErrFinalize indicates the build could not produce a program.
	ErrFinalize
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrNesting:
		return "nesting error"
	case ErrLabel:
		return "label error"
	case ErrLocal:
		return "local error"
	case ErrStack:
		return "stack error"
	case ErrUsage:
		return "usage error"
	case ErrFinalize:
		return "finalize error"
	default:
		return "error"
	}
}

// BuildError is a structured build-time error. It records enough context
// (the operation being compiled and the source location, when one was
// supplied) to locate the authoring mistake.
type BuildError struct {
	Message   string
	Kind      ErrorKind
	Operation string // name of the operation being compiled, if any
	Location  SourceLocation
	Cause     error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	msg := fmt.Sprintf("build error: %s: %s", e.Kind.String(), e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("%s (in %s)", msg, e.Operation)
	}
	if !e.Location.IsZero() {
		msg = fmt.Sprintf("%s at %s", msg, e.Location)
	}
	return msg
}

// Unwrap returns the underlying cause of the error.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// NewBuildError creates a new BuildError with the given kind and message.
func NewBuildError(kind ErrorKind, message string) *BuildError {
	return &BuildError{Kind: kind, Message: message}
}

// NewBuildErrorf creates a new BuildError with a formatted message.
func NewBuildErrorf(kind ErrorKind, format string, args ...any) *BuildError {
	return &BuildError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithOperation records the operation being compiled when the error occurred.
func (e *BuildError) WithOperation(name string) *BuildError {
	e.Operation = name
	return e
}

// WithLocation records the source location active when the error occurred.
func (e *BuildError) WithLocation(loc SourceLocation) *BuildError {
	e.Location = loc
	return e
}

// WithCause wraps the error with a cause.
func (e *BuildError) WithCause(cause error) *BuildError {
	e.Cause = cause
	return e
}
