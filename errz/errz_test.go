package errz

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildErrorMessage(t *testing.T) {
	err := NewBuildError(ErrLabel, "label bound twice")
	require.Equal(t, "build error: label error: label bound twice", err.Error())

	err = err.WithOperation("Block")
	require.Contains(t, err.Error(), "(in Block)")

	err = err.WithLocation(SourceLocation{Line: 4, Column: 2})
	require.Contains(t, err.Error(), "at 4:2")
}

func TestBuildErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewBuildErrorf(ErrFinalize, "wrapped").WithCause(cause)
	require.True(t, errors.Is(err, cause))
}

func TestSourceLocation(t *testing.T) {
	require.True(t, SourceLocation{}.IsZero())
	loc := SourceLocation{Line: 10, Column: 3}
	require.False(t, loc.IsZero())
	require.Equal(t, "10:3", loc.String())
}

func TestErrorKindStrings(t *testing.T) {
	kinds := map[ErrorKind]string{
		ErrNesting:  "nesting error",
		ErrLabel:    "label error",
		ErrLocal:    "local error",
		ErrStack:    "stack error",
		ErrUsage:    "usage error",
		ErrFinalize: "finalize error",
	}
	for kind, want := range kinds {
		require.Equal(t, want, kind.String())
	}
}
