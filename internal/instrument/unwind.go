package instrument

import "fmt"

// TargetCurrent makes an unwind stop at the probe that raised it.
const TargetCurrent = -1

// UnwindSignal is a request from a listener to leave the current node
// non-locally. It is confined to the thread that created it.
type UnwindSignal struct {
	info    any
	depth   int
	binding *EventBinding
	thread  uint64
	next    *UnwindSignal
}

// Error implements the error interface.
func (s *UnwindSignal) Error() string {
	if s.depth == TargetCurrent {
		return fmt.Sprintf("unwind requested by %s", s.binding)
	}
	return fmt.Sprintf("unwind to depth %d requested by %s", s.depth, s.binding)
}

// ControlFlow marks the signal as a control-flow error.
func (s *UnwindSignal) ControlFlow() {}

// Info returns the payload given to CreateUnwind.
func (s *UnwindSignal) Info() any { return s.info }

// TargetDepth returns the frame depth the unwind stops at, or TargetCurrent.
func (s *UnwindSignal) TargetDepth() int { return s.depth }

// Binding returns the binding whose listener requested the unwind.
func (s *UnwindSignal) Binding() *EventBinding { return s.binding }

func (s *UnwindSignal) checkThread(thread uint64) {
	for u := s; u != nil; u = u.next {
		if u.thread != thread {
			violate("unwind signal created on thread %d used on thread %d", u.thread, thread)
		}
	}
}

// chainUnwind links other behind s. Signals are merged when several listeners
// of one probe request an unwind during the same notification.
func chainUnwind(s, other *UnwindSignal) *UnwindSignal {
	if s == nil {
		return other
	}
	if other == nil {
		return s
	}
	last := s
	for u := s; u != nil; u = u.next {
		if u == other {
			return s
		}
		last = u
	}
	last.next = other
	return s
}

// find returns the first signal in the chain raised for b.
func (s *UnwindSignal) find(b *EventBinding) *UnwindSignal {
	for u := s; u != nil; u = u.next {
		if u.binding == b {
			return u
		}
	}
	return nil
}

type unwindKind uint8

const (
	unwindContinue unwindKind = iota
	unwindReenter
	unwindReturn
	unwindIgnored
)

// UnwindAction is a listener's answer to an unwind reaching its probe.
type UnwindAction struct {
	kind  unwindKind
	value any
}

var (
	// Continue lets the unwind propagate further out.
	Continue = UnwindAction{kind: unwindContinue}
	// Reenter executes the node again from scratch.
	Reenter = UnwindAction{kind: unwindReenter}

	ignored = UnwindAction{kind: unwindIgnored}
)

// Return makes the node return v instead of propagating the unwind.
func Return(v any) UnwindAction {
	return UnwindAction{kind: unwindReturn, value: v}
}

// IsReenter reports whether a is Reenter.
func (a UnwindAction) IsReenter() bool { return a.kind == unwindReenter }

// ReturnValue returns the forced value and whether a forces a return.
func (a UnwindAction) ReturnValue() (any, bool) { return a.value, a.kind == unwindReturn }

func (a UnwindAction) String() string {
	switch a.kind {
	case unwindReenter:
		return "reenter"
	case unwindReturn:
		return fmt.Sprintf("return(%v)", a.value)
	case unwindIgnored:
		return "ignored"
	default:
		return "continue"
	}
}

// mergeUnwindActions combines answers from the listeners of one probe:
// propagation beats everything, reenter beats return, the first return wins.
func mergeUnwindActions(a, b UnwindAction) UnwindAction {
	switch {
	case a.kind == unwindContinue || b.kind == unwindContinue:
		return Continue
	case a.kind == unwindIgnored:
		return b
	case b.kind == unwindIgnored:
		return a
	case a.kind == unwindReenter || b.kind == unwindReenter:
		return Reenter
	default:
		return a
	}
}
