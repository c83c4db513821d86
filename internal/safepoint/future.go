package safepoint

import (
	"context"
	"sync"
	"time"
)

// Outcome is the delivery result of an action.
type Outcome uint8

const (
	// Pending: some target threads have not run the action yet.
	Pending Outcome = iota
	// Completed: every target thread ran the action or left the context.
	Completed
	// PartiallyCompletedCancelled: at least one target thread was not reached.
	PartiallyCompletedCancelled
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case PartiallyCompletedCancelled:
		return "partially-completed-cancelled"
	default:
		return "pending"
	}
}

type threadState uint8

const (
	statePending threadState = iota
	stateRan
	stateDropped
	stateCancelled
)

// Future tracks the delivery of one submitted action.
type Future struct {
	name      string
	recurring bool

	mu        sync.Mutex
	states    map[*Thread]threadState
	remaining int
	cancelled bool
	outcome   Outcome
	timer     *time.Timer
	d         *delivery

	done  chan struct{}
	abort chan struct{} // closed on cancel or timeout
}

func newFuture(name string, targets []*Thread, recurring bool) *Future {
	f := &Future{
		name:      name,
		recurring: recurring,
		states:    make(map[*Thread]threadState, len(targets)),
		remaining: len(targets),
		done:      make(chan struct{}),
		abort:     make(chan struct{}),
	}
	for _, t := range targets {
		f.states[t] = statePending
	}
	return f
}

// Name returns the action name given at submission.
func (f *Future) Name() string { return f.name }

// Done is closed once the outcome is final.
func (f *Future) Done() <-chan struct{} { return f.done }

// Outcome returns the current outcome.
func (f *Future) Outcome() Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome
}

// IsCancelled reports whether Cancel was called or the timeout expired.
func (f *Future) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Wait blocks until the outcome is final or ctx is done.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.Outcome(), nil
	case <-ctx.Done():
		return Pending, ctx.Err()
	}
}

// Cancel stops delivery to threads that have not run the action yet and
// stops a recurring action. Effects already applied stand.
func (f *Future) Cancel() {
	f.stop()
}

// finish records the final state of t. Only the first call per thread counts.
func (f *Future) finish(t *Thread, st threadState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.states[t]; !ok || cur != statePending {
		return
	}
	f.states[t] = st
	f.remaining--
	f.maybeCompleteLocked()
}

// ranOnce reports whether t already ran a recurring action.
func (f *Future) ranOnce(t *Thread) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[t] == stateRan
}

func (f *Future) maybeCompleteLocked() {
	if f.outcome != Pending || f.remaining > 0 {
		return
	}
	if f.recurring && !f.cancelled {
		return
	}
	f.outcome = Completed
	for _, st := range f.states {
		if st == stateCancelled {
			f.outcome = PartiallyCompletedCancelled
			break
		}
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	close(f.done)
}

// stop cancels every pending thread and detaches the delivery from all threads.
func (f *Future) stop() {
	f.mu.Lock()
	if f.cancelled || f.outcome != Pending {
		f.mu.Unlock()
		return
	}
	f.cancelled = true
	close(f.abort)
	threads := make([]*Thread, 0, len(f.states))
	for t, st := range f.states {
		if st == statePending {
			f.states[t] = stateCancelled
			f.remaining--
		}
		threads = append(threads, t)
	}
	d := f.d
	f.maybeCompleteLocked()
	f.mu.Unlock()

	for _, t := range threads {
		t.remove(d)
	}
}
