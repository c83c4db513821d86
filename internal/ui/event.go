package ui

// Status is the evaluation state of one source shown by the progress view.
type Status uint8

const (
	StatusQueued Status = iota
	StatusRunning
	StatusPaused
	StatusDone
	StatusError
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	default:
		return ""
	}
}

func (s Status) finished() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// Event reports progress of one source. An event without File updates the
// header only.
type Event struct {
	File       string
	Status     Status
	Statements int64
	Threads    int
	// State is the context state shown in the header.
	State string
}
