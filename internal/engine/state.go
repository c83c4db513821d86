package engine

// State is the lifecycle state of a Context.
type State uint8

const (
	StateCreated State = iota
	StateActive
	StatePausing
	StatePaused
	StateInterrupting
	StateCancelling
	StateCancelled
	StateExiting
	StateExited
	StateClosing
	StateClosed
	StateClosedCancelled
	StateClosedExited
	StateClosedInterrupted
)

var stateNames = [...]string{
	StateCreated:           "CREATED",
	StateActive:            "ACTIVE",
	StatePausing:           "PAUSING",
	StatePaused:            "PAUSED",
	StateInterrupting:      "INTERRUPTING",
	StateCancelling:        "CANCELLING",
	StateCancelled:         "CANCELLED",
	StateExiting:           "EXITING",
	StateExited:            "EXITED",
	StateClosing:           "CLOSING",
	StateClosed:            "CLOSED",
	StateClosedCancelled:   "CLOSED_CANCELLED",
	StateClosedExited:      "CLOSED_EXITED",
	StateClosedInterrupted: "CLOSED_INTERRUPTED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// IsClosed reports whether s is one of the closed states.
func (s State) IsClosed() bool {
	return s >= StateClosed
}

// terminal states reject new evaluations with the stored ContextError.
func (s State) terminal() bool {
	switch s {
	case StateCancelling, StateCancelled, StateExiting, StateExited:
		return true
	}
	return false
}
