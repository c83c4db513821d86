package safepoint

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tapline/internal/trace"
)

// Status describes what an entered thread is doing.
type Status uint8

const (
	StatusRunning Status = iota
	StatusBlocked
	StatusParked
	StatusLeft
)

func (s Status) String() string {
	switch s {
	case StatusBlocked:
		return "blocked"
	case StatusParked:
		return "parked"
	case StatusLeft:
		return "left"
	default:
		return "running"
	}
}

// Thread is one entered thread of a context. Poll, Block, Sleep, Park and
// Leave must be called from the goroutine that owns the thread.
type Thread struct {
	id    uint64
	name  string
	sched *Scheduler
	wake  chan struct{}
	left  chan struct{}

	runnable atomic.Bool
	status   atomic.Uint32

	mu          sync.Mutex
	pending     []*delivery
	sideEffects bool
	gone        bool

	// delivery currently running on this thread, innermost last
	current []*delivery
	// errors of actions run while waiting at a barrier, reported by the
	// enclosing poll
	held []heldError
}

type heldError struct {
	err error
	pri Priority
}

// ID returns the thread id, unique per scheduler.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the label given at Register.
func (t *Thread) Name() string { return t.name }

func (t *Thread) String() string {
	if t.name != "" {
		return "thread#" + strconv.FormatUint(t.id, 10) + "(" + t.name + ")"
	}
	return "thread#" + strconv.FormatUint(t.id, 10)
}

// Status returns the current status.
func (t *Thread) Status() Status { return Status(t.status.Load()) }

// Left is closed after Leave.
func (t *Thread) Left() <-chan struct{} { return t.left }

// Pending returns the number of queued actions.
func (t *Thread) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// SetAllowSideEffects enables or disables side-effecting actions on this
// thread and returns the previous setting. Deferred actions run at the next
// poll once enabled.
func (t *Thread) SetAllowSideEffects(allow bool) bool {
	t.mu.Lock()
	prev := t.sideEffects
	t.sideEffects = allow
	t.updateRunnableLocked()
	t.mu.Unlock()
	if allow && !prev {
		t.signal()
	}
	return prev
}

// Poll runs every due action. It returns the error of the highest-priority
// failing action; lower-priority actions stay queued after a failure.
func (t *Thread) Poll() error {
	if !t.runnable.Load() {
		return nil
	}
	return t.runDue()
}

// Block waits for until to close or ctx to end while running actions that
// arrive in the meantime. An action error interrupts the wait.
func (t *Thread) Block(ctx context.Context, until <-chan struct{}) error {
	return t.block(ctx, until, StatusBlocked)
}

// Sleep blocks for d. Actions interrupt it like Block.
func (t *Thread) Sleep(ctx context.Context, d time.Duration) error {
	elapsed := make(chan struct{})
	timer := time.AfterFunc(d, func() { close(elapsed) })
	defer timer.Stop()
	return t.block(ctx, elapsed, StatusBlocked)
}

// Park acknowledges the running action and waits until release closes.
// Actions submitted while parked still run; the first error ends the park.
func (t *Thread) Park(release <-chan struct{}) error {
	prev := t.status.Swap(uint32(StatusParked))
	defer t.status.Store(prev)
	if n := len(t.current); n > 0 {
		d := t.current[n-1]
		d.fut.finish(t, stateRan)
	}
	return t.wait(context.Background(), release)
}

// Leave exits the thread. Queued actions are dropped; synchronous actions no
// longer wait for it.
func (t *Thread) Leave() {
	t.mu.Lock()
	if t.gone {
		t.mu.Unlock()
		return
	}
	t.gone = true
	dropped := t.pending
	t.pending = nil
	t.runnable.Store(false)
	t.mu.Unlock()

	t.status.Store(uint32(StatusLeft))
	close(t.left)
	for _, d := range dropped {
		t.drop(d)
	}
	t.sched.forget(t)
}

func (t *Thread) block(ctx context.Context, until <-chan struct{}, st Status) error {
	prev := t.status.Swap(uint32(st))
	defer t.status.Store(prev)
	return t.wait(ctx, until)
}

func (t *Thread) wait(ctx context.Context, until <-chan struct{}) error {
	for {
		if err := t.Poll(); err != nil {
			return err
		}
		select {
		case <-until:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-t.wake:
		}
	}
}

func (t *Thread) enqueue(d *delivery) {
	t.mu.Lock()
	if t.gone {
		t.mu.Unlock()
		t.drop(d)
		return
	}
	t.pending = insertBySeq(t.pending, d)
	t.updateRunnableLocked()
	t.mu.Unlock()
	t.signal()
}

// insertBySeq keeps pending in submission order, so every thread sees
// concurrently submitted actions in the same order.
func insertBySeq(pending []*delivery, d *delivery) []*delivery {
	i := len(pending)
	for i > 0 && pending[i-1].seq > d.seq {
		i--
	}
	pending = append(pending, nil)
	copy(pending[i+1:], pending[i:])
	pending[i] = d
	return pending
}

func (t *Thread) remove(d *delivery) {
	if d == nil {
		return
	}
	t.mu.Lock()
	for i, p := range t.pending {
		if p == d {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			break
		}
	}
	t.updateRunnableLocked()
	t.mu.Unlock()
}

func (t *Thread) drop(d *delivery) {
	d.fut.finish(t, stateDropped)
	if d.barrier != nil {
		d.barrier.leave(t)
	}
}

func (t *Thread) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Thread) updateRunnableLocked() {
	for _, d := range t.pending {
		if t.sideEffects || !d.opts.SideEffecting {
			t.runnable.Store(true)
			return
		}
	}
	t.runnable.Store(false)
}

// next removes and returns the due action with the highest priority, oldest
// first among equals. Actions below floor are skipped when bounded is set.
func (t *Thread) next(bounded bool, floor Priority) *delivery {
	return t.take(func(d *delivery) bool {
		return !bounded || d.opts.Priority >= floor
	})
}

// nextArrival returns a synchronous action t has not arrived at yet.
func (t *Thread) nextArrival() *delivery {
	return t.take(func(d *delivery) bool {
		return d.barrier != nil && !d.fut.ranOnce(t)
	})
}

func (t *Thread) take(accept func(d *delivery) bool) *delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	best := -1
	for i, d := range t.pending {
		if d.opts.SideEffecting && !t.sideEffects {
			continue
		}
		if !accept(d) {
			continue
		}
		if best < 0 || d.opts.Priority > t.pending[best].opts.Priority {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	d := t.pending[best]
	t.pending = append(t.pending[:best], t.pending[best+1:]...)
	t.updateRunnableLocked()
	return d
}

func (t *Thread) requeue(ds []*delivery) {
	if len(ds) == 0 {
		return
	}
	t.mu.Lock()
	if t.gone {
		t.mu.Unlock()
		for _, d := range ds {
			t.drop(d)
		}
		return
	}
	t.pending = append(t.pending, ds...)
	sort.SliceStable(t.pending, func(i, j int) bool {
		return t.pending[i].seq < t.pending[j].seq
	})
	t.updateRunnableLocked()
	t.mu.Unlock()
}

func (t *Thread) runDue() error {
	var (
		first    error
		firstPri Priority
		again    []*delivery
	)
	for {
		d := t.next(first != nil, firstPri)
		if d == nil {
			break
		}
		if d.fut.IsCancelled() {
			continue
		}
		err := t.run(d)
		if d.opts.Recurring && !d.fut.IsCancelled() {
			again = append(again, d)
		}
		if err != nil && (first == nil || d.opts.Priority > firstPri) {
			first, firstPri = err, d.opts.Priority
		}
		for _, h := range t.held {
			if first == nil || h.pri > firstPri {
				first, firstPri = h.err, h.pri
			}
		}
		t.held = t.held[:0]
	}
	t.requeue(again)
	return first
}

// runArrivals runs the synchronous actions queued behind the one t waits
// at. Two overlapping synchronous actions may reach the threads in different
// orders; arriving at both keeps them from waiting on each other.
func (t *Thread) runArrivals() {
	for {
		d := t.nextArrival()
		if d == nil {
			return
		}
		if d.fut.IsCancelled() {
			continue
		}
		err := t.run(d)
		if d.opts.Recurring && !d.fut.IsCancelled() {
			t.requeue([]*delivery{d})
		}
		if err != nil {
			t.held = append(t.held, heldError{err: err, pri: d.opts.Priority})
		}
	}
}

func (t *Thread) run(d *delivery) error {
	if d.barrier != nil && !d.fut.ranOnce(t) {
		if !d.barrier.arrive(t, d.fut.abort, t.wake, t.runArrivals) {
			return nil
		}
	}
	trace.PointAt(t.sched.tracer, t.sched.traceOwner(t), trace.ScopeThread, "action", d.opts.Name)
	t.current = append(t.current, d)
	defer func() {
		t.current = t.current[:len(t.current)-1]
		d.fut.finish(t, stateRan)
	}()
	return d.action(t)
}
