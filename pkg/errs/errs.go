package errs

import (
	"errors"
	"fmt"
)

// Type classifies a runtime error for programmatic handling.
type Type string

const (
	// TypeConfig indicates bad static configuration.
	TypeConfig Type = "config_error"
	// TypePrompt indicates a prompt template render failure.
	TypePrompt Type = "prompt_error"
	// TypeSchema indicates an invalid output schema definition.
	TypeSchema Type = "schema_error"
	// TypeLLM indicates a provider or network failure, including wrapped
	// unexpected panics and retry exhaustion.
	TypeLLM Type = "llm_error"
	// TypeParse indicates a response that could not be coerced to the
	// expected shape.
	TypeParse Type = "parse_error"
	// TypeHook indicates a control-flow hook that failed or returned a
	// malformed result.
	TypeHook Type = "hook_error"
	// TypeValidation indicates input that failed pre-call checks.
	TypeValidation Type = "validation_error"
	// TypeBudget indicates an exhausted iteration or token budget.
	TypeBudget Type = "budget_error"
)

// Error is a classified runtime error carrying structured details.
type Error struct {
	Type    Type
	Message string
	Details map[string]interface{}
	cause   error
}

// New creates an Error of the given type.
func New(t Type, message string) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Details: map[string]interface{}{},
	}
}

// Newf creates an Error with a formatted message.
func Newf(t Type, format string, args ...interface{}) *Error {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(t Type, message string, cause error) *Error {
	e := New(t, message)
	e.cause = cause
	if cause != nil {
		e.Details["cause"] = cause.Error()
	}
	return e
}

// WithDetail attaches a detail entry and returns the same Error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsType reports whether err carries the given error type anywhere in
// its chain.
func IsType(err error, t Type) bool {
	e, ok := As(err)
	return ok && e.Type == t
}

// FromPanic rewraps a recovered panic value as an llm_error. Component
// boundaries use it to keep unexpected panics inside the ok/error model.
func FromPanic(recovered interface{}) *Error {
	return Newf(TypeLLM, "unexpected panic: %v", recovered).
		WithDetail("panic", fmt.Sprintf("%v", recovered))
}
