package core

import (
	"errors"
	"fmt"
)

// Predefined errors for common failure scenarios.
var (
	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrClosed indicates that the client has been closed.
	ErrClosed = errors.New("client closed")
)

// ContextError wraps errors with operation context.
//
// It provides additional context about which operation failed,
// making error messages more informative for debugging.
//
// Example:
//
//	err := &ContextError{
//	    Op:  "Ingest",
//	    Err: ErrInvalidInput,
//	}
//	// Error() returns: "powerctx: Ingest: invalid input"
type ContextError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
//
// The format is: "powerctx: <Op>: <Err>"
func (e *ContextError) Error() string {
	return fmt.Sprintf("powerctx: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
//
// This allows using errors.Is() and errors.As() with ContextError.
func (e *ContextError) Unwrap() error {
	return e.Err
}

// NewContextError creates a new ContextError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewContextError("Ingest", err)
//	}
//
// Parameters:
//   - op: Name of the operation (e.g., "Ingest", "Search", "Turn")
//   - err: The underlying error to wrap
//
// Returns a ContextError, or nil if err is nil.
func NewContextError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ContextError{
		Op:  op,
		Err: err,
	}
}
