package engine

import (
	"errors"
	"fmt"

	"tapline/internal/safepoint"
)

var (
	ErrCancelled   = errors.New("context cancelled")
	ErrExited      = errors.New("context exited")
	ErrInterrupted = errors.New("context interrupted")

	// ErrClosed is returned when entering a closed context or engine.
	ErrClosed = errors.New("context closed")
	// ErrBusy is returned by Close when threads are still entered.
	ErrBusy = errors.New("context is still executing")
	// ErrCloseFromInside is returned by Close called from one of the context's own threads.
	ErrCloseFromInside = errors.New("cannot close a context from one of its entered threads")
	// ErrNotPaused is returned when resuming a pause that was already released.
	ErrNotPaused = errors.New("pause already resumed")
	// ErrInterruptTimeout is returned when entered threads did not stop in time.
	ErrInterruptTimeout = errors.New("interrupt timed out")
	// ErrSafepointTimeout matches every *TimeoutError.
	ErrSafepointTimeout = errors.New("safepoint timeout")
	// ErrNoLanguage is returned by Eval on an engine without a language.
	ErrNoLanguage = errors.New("engine has no language")

	// ErrNegativeLimit rejects negative resource limits at context creation.
	ErrNegativeLimit = errors.New("resource limit must not be negative")
	// ErrPredicateMismatch rejects a statement limit whose source predicate
	// differs from the one already bound to the engine.
	ErrPredicateMismatch = errors.New("statement limit source predicate differs from the one used by other contexts of this engine")
)

// Kind tags how a context ended execution.
type Kind uint8

const (
	KindCancelled Kind = iota + 1
	KindExited
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindExited:
		return "exited"
	case KindInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// ContextError is raised at the nearest evaluation boundary when a context
// is cancelled, exits or is interrupted. Cancelled and exited contexts return
// the same value from every later Enter or Eval.
type ContextError struct {
	Kind     Kind
	ExitCode int
	Message  string
	// ResourceLimit is set when a resource limit triggered the cancellation.
	ResourceLimit bool
}

func (e *ContextError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case KindExited:
		return fmt.Sprintf("context exited with code %d", e.ExitCode)
	case KindInterrupted:
		return ErrInterrupted.Error()
	default:
		return ErrCancelled.Error()
	}
}

// ControlFlow marks the error as non-catchable by guest code.
func (e *ContextError) ControlFlow() {}

// Is matches ErrCancelled, ErrExited or ErrInterrupted by kind.
func (e *ContextError) Is(target error) bool {
	switch target {
	case ErrCancelled:
		return e.Kind == KindCancelled
	case ErrExited:
		return e.Kind == KindExited
	case ErrInterrupted:
		return e.Kind == KindInterrupted
	}
	return false
}

// IsContextError reports whether err ends a context evaluation.
func IsContextError(err error) bool {
	var ce *ContextError
	return errors.As(err, &ce)
}

// TimeoutError reports a pause, cancel, exit or close that did not reach
// every entered thread within the engine's safepoint timeout. The threads
// that responded keep the effect; the context stays in State.
type TimeoutError struct {
	Action  string
	Pending int
	State   State
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %d thread(s) did not reach a safepoint in time, context left %s", e.Action, e.Pending, e.State)
}

// Is matches ErrSafepointTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrSafepointTimeout }

// Outcome is always PartiallyCompletedCancelled.
func (e *TimeoutError) Outcome() safepoint.Outcome { return safepoint.PartiallyCompletedCancelled }
