package trace

import (
	"io"
	"sync"
)

// RingTracer keeps the last events in memory for dumps after a failure.
type RingTracer struct {
	mu     sync.RWMutex
	events []Event
	head   int // next write position
	full   bool
	level  Level
}

// NewRingTracer creates a RingTracer holding up to capacity events.
func NewRingTracer(capacity int, level Level) *RingTracer {
	if capacity <= 0 {
		capacity = 4096
	}
	return &RingTracer{events: make([]Event, capacity), level: level}
}

// Emit stores a copy of ev, overwriting the oldest event when full.
func (t *RingTracer) Emit(ev *Event) {
	if !t.level.ShouldEmit(ev.Scope) && ev.Kind != KindHeartbeat {
		return
	}
	stored := *ev
	stored.Seq = NextSeq()

	t.mu.Lock()
	t.events[t.head] = stored
	t.head++
	if t.head == len(t.events) {
		t.head = 0
		t.full = true
	}
	t.mu.Unlock()
}

// Snapshot returns the stored events, oldest first.
func (t *RingTracer) Snapshot() []Event {
	return t.Select(nil)
}

// Select returns the stored events accepted by match, oldest first. A nil
// match accepts everything.
func (t *RingTracer) Select(match func(*Event) bool) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ordered [2][]Event
	if t.full {
		ordered = [2][]Event{t.events[t.head:], t.events[:t.head]}
	} else {
		ordered[0] = t.events[:t.head]
	}
	out := make([]Event, 0, len(ordered[0])+len(ordered[1]))
	for _, part := range ordered {
		for i := range part {
			if match == nil || match(&part[i]) {
				out = append(out, part[i])
			}
		}
	}
	return out
}

// Dump writes the events accepted by match to w.
func (t *RingTracer) Dump(w io.Writer, format Format, match func(*Event) bool) error {
	for _, ev := range t.Select(match) {
		if _, err := w.Write(FormatEvent(&ev, format)); err != nil {
			return err
		}
	}
	return nil
}

// OwnedBy matches events of the given context, plus events bound to no context.
func OwnedBy(ctxID uint64) func(*Event) bool {
	return func(ev *Event) bool { return ev.Context == 0 || ev.Context == ctxID }
}

func (t *RingTracer) Flush() error { return nil }
func (t *RingTracer) Close() error { return nil }
func (t *RingTracer) Level() Level { return t.level }

func (t *RingTracer) Enabled() bool { return t.level > LevelOff }
