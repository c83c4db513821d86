package instrument

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the instrumenter.
var (
	// ErrDisposed is returned when attaching through a closed instrumenter.
	ErrDisposed = errors.New("instrumenter is closed")

	// ErrNilListener is returned when a nil listener or factory is attached.
	ErrNilListener = errors.New("listener cannot be nil")

	// ErrNilFilter is returned when a binding is attached without a filter.
	ErrNilFilter = errors.New("filter cannot be nil")

	// ErrInvalidReturnValue is returned when an unwind forces a value the guest cannot see.
	ErrInvalidReturnValue = errors.New("forced return value is not a guest value")
)

// ControlFlow is implemented by errors that carry a non-local control decision
// (unwind, cancel, exit, interrupt). They are never wrapped and never caught
// by guest exception handlers.
type ControlFlow interface {
	error
	ControlFlow()
}

// IsControlFlow reports whether err, or an error it wraps, is a control-flow signal.
func IsControlFlow(err error) bool {
	var cf ControlFlow
	return errors.As(err, &cf)
}

// InstrumentError wraps a failure raised by a listener callback.
type InstrumentError struct {
	// Event is the callback that failed ("onEnter", "onReturnValue", ...).
	Event string

	// Binding is the binding whose listener failed.
	Binding *EventBinding

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *InstrumentError) Error() string {
	return fmt.Sprintf("event %s failed for %s: %v", e.Event, e.Binding, e.Err)
}

// Unwrap returns the underlying error.
func (e *InstrumentError) Unwrap() error {
	return e.Err
}

// SuppressedError keeps the original error of a node and carries listener
// failures raised while reporting it.
type SuppressedError struct {
	Err        error
	Suppressed []error
}

// Error implements the error interface.
func (e *SuppressedError) Error() string {
	parts := make([]string, len(e.Suppressed))
	for i, s := range e.Suppressed {
		parts[i] = s.Error()
	}
	return e.Err.Error() + " (suppressed: " + strings.Join(parts, "; ") + ")"
}

// Unwrap returns the original error.
func (e *SuppressedError) Unwrap() error {
	return e.Err
}

// PanicError wraps a panic raised by a listener callback.
type PanicError struct {
	// Value is the value passed to panic().
	Value any

	// Stack is the stack trace at the time of the panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("listener panic: %v", e.Value)
}

// Violation is panicked on protocol misuse that must fail loudly. It is never
// converted into a PanicError.
type Violation struct {
	Msg string
}

func (v *Violation) Error() string { return "instrument: " + v.Msg }

func violate(format string, args ...any) {
	panic(&Violation{Msg: fmt.Sprintf(format, args...)})
}
