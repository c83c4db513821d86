package safepoint

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tapline/internal/trace"
)

var (
	// ErrSchedulerClosed is returned when registering or submitting after Close.
	ErrSchedulerClosed = errors.New("safepoint: scheduler closed")
	// ErrThreadLeft is returned when a thread is used after Leave.
	ErrThreadLeft = errors.New("safepoint: thread left")
	// ErrDuplicateThread is returned by RegisterID for an id already entered.
	ErrDuplicateThread = errors.New("safepoint: thread id already registered")
)

// DefaultSyncTimeout bounds the wait of synchronous actions without a timeout.
const DefaultSyncTimeout = 10 * time.Second

// Priority orders the errors returned by actions run at the same poll.
// Higher wins.
type Priority uint8

// Action runs on a target thread at a poll point. A non-nil error is
// returned from the poll that ran it.
type Action func(t *Thread) error

// Options controls delivery of one action.
type Options struct {
	Name string
	// Synchronous actions run only after every target arrived; Submit blocks
	// until the outcome is final.
	Synchronous bool
	// Timeout cancels the action for threads that did not run it in time.
	// Zero means DefaultSyncTimeout for synchronous actions and no timeout
	// otherwise.
	Timeout time.Duration
	// SideEffecting actions are deferred while a thread disallows side effects.
	SideEffecting bool
	// Recurring actions run at every poll until the future is cancelled.
	Recurring bool
	Priority  Priority
	// Current is the submitting thread. It is never targeted and keeps
	// processing its own actions while Submit waits.
	Current *Thread
}

type delivery struct {
	action  Action
	opts    Options
	fut     *Future
	barrier *barrier
	seq     uint64
}

// Scheduler tracks the entered threads of one context.
type Scheduler struct {
	tracer trace.Tracer
	owner  uint64 // context id stamped on trace events
	seq    atomic.Uint64

	mu      sync.Mutex
	threads map[uint64]*Thread
	nextID  uint64
	closed  bool
	futures map[*Future]struct{}
}

// NewScheduler creates a scheduler. A nil tracer disables tracing.
func NewScheduler(tracer trace.Tracer) *Scheduler {
	if tracer == nil {
		tracer = trace.Nop
	}
	return &Scheduler{
		tracer:  tracer,
		threads: make(map[uint64]*Thread),
		futures: make(map[*Future]struct{}),
	}
}

// WithOwner sets the context id reported in trace events. Call it before
// registering threads.
func (s *Scheduler) WithOwner(ctxID uint64) *Scheduler {
	s.owner = ctxID
	return s
}

func (s *Scheduler) traceOwner(t *Thread) trace.Owner {
	o := trace.Owner{Context: s.owner}
	if t != nil {
		o.Thread = t.id
	}
	return o
}

// Register enters a new thread with a scheduler-assigned id.
func (s *Scheduler) Register(name string) (*Thread, error) {
	return s.register(0, name)
}

// RegisterID enters a new thread under an id chosen by the caller, e.g. one
// unique across schedulers.
func (s *Scheduler) RegisterID(id uint64, name string) (*Thread, error) {
	if id == 0 {
		return nil, errors.New("safepoint: thread id must not be zero")
	}
	return s.register(id, name)
}

func (s *Scheduler) register(id uint64, name string) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	if id == 0 {
		for {
			s.nextID++
			if _, taken := s.threads[s.nextID]; !taken {
				break
			}
		}
		id = s.nextID
	} else if _, taken := s.threads[id]; taken {
		return nil, ErrDuplicateThread
	}
	t := &Thread{
		id:          id,
		name:        name,
		sched:       s,
		wake:        make(chan struct{}, 1),
		left:        make(chan struct{}),
		sideEffects: true,
	}
	s.threads[t.id] = t
	trace.PointAt(s.tracer, s.traceOwner(t), trace.ScopeThread, "enter", t.String())
	return t, nil
}

// Threads returns the entered threads ordered by id.
func (s *Scheduler) Threads() []*Thread {
	s.mu.Lock()
	out := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of entered threads.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// Submit delivers action to targets, or to every entered thread when targets
// is nil. Synchronous submissions return after the outcome is final; the
// error is non-nil only when ctx ended the wait or the current thread's own
// actions failed while waiting.
func (s *Scheduler) Submit(ctx context.Context, targets []*Thread, action Action, opts Options) (*Future, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	if targets == nil {
		targets = make([]*Thread, 0, len(s.threads))
		for _, t := range s.threads {
			targets = append(targets, t)
		}
	}
	s.mu.Unlock()

	filtered := targets[:0:0]
	for _, t := range targets {
		if t != nil && t != opts.Current {
			filtered = append(filtered, t)
		}
	}
	targets = filtered

	f := newFuture(opts.Name, targets, opts.Recurring)
	d := &delivery{action: action, opts: opts, fut: f, seq: s.seq.Add(1)}
	f.d = d
	if opts.Synchronous {
		d.barrier = newBarrier(targets)
	}

	s.mu.Lock()
	s.futures[f] = struct{}{}
	s.mu.Unlock()
	go func() {
		<-f.done
		s.mu.Lock()
		delete(s.futures, f)
		s.mu.Unlock()
	}()

	timeout := opts.Timeout
	if timeout == 0 && opts.Synchronous {
		timeout = DefaultSyncTimeout
	}
	if timeout > 0 {
		f.mu.Lock()
		f.timer = time.AfterFunc(timeout, f.stop)
		f.mu.Unlock()
	}

	trace.PointAt(s.tracer, s.traceOwner(nil), trace.ScopeContext, "submit", opts.Name,
		"targets", strconv.Itoa(len(targets)),
		"sync", strconv.FormatBool(opts.Synchronous))

	for _, t := range targets {
		t.enqueue(d)
	}
	f.mu.Lock()
	f.maybeCompleteLocked()
	f.mu.Unlock()

	if !opts.Synchronous {
		return f, nil
	}
	if opts.Current != nil {
		if err := opts.Current.Block(ctx, f.done); err != nil {
			return f, err
		}
		return f, nil
	}
	select {
	case <-f.done:
		return f, nil
	case <-ctx.Done():
		return f, ctx.Err()
	}
}

// Close cancels all pending actions and rejects further registrations.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	futures := make([]*Future, 0, len(s.futures))
	for f := range s.futures {
		futures = append(futures, f)
	}
	s.mu.Unlock()
	for _, f := range futures {
		f.Cancel()
	}
}

func (s *Scheduler) forget(t *Thread) {
	s.mu.Lock()
	delete(s.threads, t.id)
	s.mu.Unlock()
	trace.PointAt(s.tracer, s.traceOwner(t), trace.ScopeThread, "leave", t.String())
}
