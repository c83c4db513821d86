package trace

import (
	"strconv"
	"time"
)

// Kind represents the type of trace event.
type Kind uint8

const (
	// KindSpanBegin marks the start of a logical operation.
	KindSpanBegin Kind = iota + 1 // span start
	// KindSpanEnd marks the end of a logical operation.
	KindSpanEnd // span end
	// KindPoint represents an instant event.
	KindPoint     // instant event
	KindHeartbeat // periodic liveness signal
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindSpanBegin:
		return "begin"
	case KindSpanEnd:
		return "end"
	case KindPoint:
		return "point"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Scope indicates the granularity level of the event.
// Lower numeric values represent higher-level/coarser events.
type Scope uint8

const (
	// ScopeEngine covers engine and context creation and close.
	ScopeEngine Scope = iota + 1
	// ScopeContext covers context state transitions and safepoint submissions.
	ScopeContext
	// ScopeThread covers thread enter/leave and polls that ran actions.
	ScopeThread
	ScopeProbe // probe insertion and binding attach/dispose (most detailed)
)

// String returns the string representation of Scope.
func (s Scope) String() string {
	switch s {
	case ScopeEngine:
		return "engine"
	case ScopeContext:
		return "context"
	case ScopeThread:
		return "thread"
	case ScopeProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// Owner names the context and thread an event belongs to. Zero fields mean
// the event is not bound to one.
type Owner struct {
	Context uint64 `msgpack:"ctx,omitempty"`
	Thread  uint64 `msgpack:"thread,omitempty"`
}

func (o Owner) String() string {
	switch {
	case o.Context == 0 && o.Thread == 0:
		return ""
	case o.Thread == 0:
		return "c" + strconv.FormatUint(o.Context, 10)
	case o.Context == 0:
		return "t" + strconv.FormatUint(o.Thread, 10)
	default:
		return "c" + strconv.FormatUint(o.Context, 10) + "/t" + strconv.FormatUint(o.Thread, 10)
	}
}

// Event represents a single trace event.
type Event struct {
	Time     time.Time `msgpack:"time"`      // wall-clock timestamp
	Seq      uint64    `msgpack:"seq"`       // global sequence number (monotonic)
	Kind     Kind      `msgpack:"kind"`      // event kind
	Scope    Scope     `msgpack:"scope"`     // granularity level
	SpanID   uint64    `msgpack:"span_id"`   // unique span identifier
	ParentID uint64    `msgpack:"parent_id"` // parent span (0 if root)
	Owner    `msgpack:",inline"`
	Name     string            `msgpack:"name"` // e.g., "pause", "enter", "attach"
	Detail   string            `msgpack:"detail,omitempty"`
	Extra    map[string]string `msgpack:"extra,omitempty"`
}
