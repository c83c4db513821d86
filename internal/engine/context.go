package engine

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"tapline/internal/safepoint"
	"tapline/internal/source"
	"tapline/internal/trace"
)

// Context is an isolated execution environment of an engine. Any number of
// goroutines may be entered in it at once.
type Context struct {
	id     uint64
	name   string
	engine *Engine
	tracer trace.Tracer
	sched  *safepoint.Scheduler
	limits *ResourceLimits

	statements atomic.Int64
	limitHit   atomic.Bool

	mu      sync.Mutex
	state   State
	err     *ContextError
	threads map[*Thread]struct{}
	changed chan struct{} // closed and replaced on every thread or state change

	pauses  []*PauseFuture
	resumed chan struct{} // closed while no pause is held

	entered         bool // left CREATED
	closing         bool // a Close is waiting for threads
	interrupting    int
	exitNotified    bool
	exitCancel      context.CancelFunc
	exitInterrupted bool

	localsMu sync.Mutex
	locals   map[any]any
}

// ID is unique per engine.
func (c *Context) ID() uint64 { return c.id }

// Name returns the name given at creation.
func (c *Context) Name() string { return c.name }

// Engine returns the owning engine.
func (c *Context) Engine() *Engine { return c.engine }

func (c *Context) String() string {
	s := "context#" + strconv.FormatUint(c.id, 10)
	if c.name != "" {
		s += "(" + c.name + ")"
	}
	return s
}

// State returns the lifecycle state. While a Close waits for entered
// threads the state is CLOSING whatever cancel or exit is in progress.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing && !c.state.IsClosed() {
		return StateClosing
	}
	return c.state
}

// Err returns the error that ended the context, or nil.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return nil
	}
	return c.err
}

// Threads returns the entered threads ordered by id.
func (c *Context) Threads() []*Thread {
	c.mu.Lock()
	out := make([]*Thread, 0, len(c.threads))
	for t := range c.threads {
		out = append(out, t)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Local returns the per-context value stored under key, creating it with
// init on first use. Languages keep their global state here.
func (c *Context) Local(key any, init func() any) any {
	c.localsMu.Lock()
	defer c.localsMu.Unlock()
	if v, ok := c.locals[key]; ok {
		return v
	}
	if c.locals == nil {
		c.locals = make(map[any]any)
	}
	v := init()
	c.locals[key] = v
	return v
}

// Enter enters the calling goroutine. It waits while the context is paused
// and fails with the stored ContextError once the context was cancelled or
// exited.
func (c *Context) Enter(ctx context.Context) (*Thread, error) {
	for {
		c.mu.Lock()
		if c.state.IsClosed() || (c.closing && !c.state.terminal()) {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if c.state.terminal() {
			err := c.err
			c.mu.Unlock()
			return nil, err
		}
		if len(c.pauses) > 0 {
			ch := c.resumed
			c.mu.Unlock()
			if err := wait(ctx, ch); err != nil {
				return nil, err
			}
			continue
		}
		id := c.engine.threadSeq.Add(1)
		sp, err := c.sched.RegisterID(id, c.name)
		if err != nil {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		t := &Thread{id: id, ctx: c, sp: sp, gone: make(chan struct{})}
		t.goctx = WithThread(ctx, t)
		c.threads[t] = struct{}{}
		if !c.entered {
			c.entered = true
			if c.state == StateCreated {
				c.setStateLocked(StateActive)
			}
		}
		c.notifyLocked()
		c.mu.Unlock()
		return t, nil
	}
}

// Eval enters a thread, runs f and leaves.
func (c *Context) Eval(ctx context.Context, f *source.File) (any, error) {
	t, err := c.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer t.Leave()
	return t.Eval(f)
}

// Parallel evaluates every file on its own thread. The first error cancels
// the others' Go context.
func (c *Context) Parallel(ctx context.Context, files []*source.File) ([]any, error) {
	results := make([]any, len(files))
	g, gctx := errgroup.WithContext(WithThread(ctx, nil))
	for i, f := range files {
		g.Go(func() error {
			v, err := c.Eval(gctx, f)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	return results, g.Wait()
}

// Close closes the context. With threads still entered it fails with
// ErrBusy unless cancelIfExecuting is set, in which case running code is
// cancelled first. The context is CLOSING until every thread left; when that
// takes longer than the safepoint timeout Close returns a *TimeoutError and
// may be called again. Closing twice is a no-op.
func (c *Context) Close(ctx context.Context, cancelIfExecuting bool) error {
	if t := ThreadFrom(ctx); t != nil && t.ctx == c && !t.left.Load() {
		return ErrCloseFromInside
	}

	c.mu.Lock()
	if c.state.IsClosed() {
		c.mu.Unlock()
		return nil
	}
	if len(c.threads) > 0 {
		switch {
		case c.state == StateCancelling || c.state == StateExiting:
		case !cancelIfExecuting:
			c.mu.Unlock()
			return ErrBusy
		default:
			c.cancelLocked(&ContextError{Kind: KindCancelled}, nil)
		}
	}
	if !c.closing {
		trace.PointAt(c.tracer, trace.Owner{Context: c.id}, trace.ScopeContext, "state", c.String(), "from", c.state.String(), "to", StateClosing.String())
		c.closing = true
		c.notifyLocked()
	}
	wctx, cancel := context.WithTimeout(ctx, c.engine.cfg.SafepointTimeout)
	defer cancel()
	for len(c.threads) > 0 || (c.state == StateExiting && !c.exitNotified) {
		ch := c.changed
		c.mu.Unlock()
		if err := wait(wctx, ch); err != nil {
			return c.timeoutError("close", err, ctx, nil)
		}
		c.mu.Lock()
	}

	final := StateClosed
	switch c.state {
	case StateCancelling, StateCancelled:
		final = StateClosedCancelled
	case StateExiting, StateExited:
		final = StateClosedExited
		if c.exitInterrupted {
			final = StateClosedInterrupted
		}
	case StateInterrupting:
		final = StateClosedInterrupted
	}
	c.releasePausesLocked()
	c.setStateLocked(final)
	c.mu.Unlock()

	c.sched.Close()
	c.engine.forget(c)
	return nil
}

func (c *Context) setStateLocked(s State) {
	if c.state == s {
		return
	}
	trace.PointAt(c.tracer, trace.Owner{Context: c.id}, trace.ScopeContext, "state", c.String(), "from", c.state.String(), "to", s.String())
	c.state = s
	c.notifyLocked()
}

func (c *Context) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// settleLocked finishes a cancel or exit once no thread is entered. A
// waiting Close settles the context itself.
func (c *Context) settleLocked() {
	if len(c.threads) > 0 || c.closing {
		return
	}
	switch c.state {
	case StateCancelling:
		c.setStateLocked(StateCancelled)
	case StateExiting:
		if c.exitNotified {
			c.setStateLocked(StateExited)
		}
	}
}

// idleStateLocked is the state to return to once no pause or interrupt is
// in progress.
func (c *Context) idleStateLocked() State {
	if c.entered {
		return StateActive
	}
	return StateCreated
}

// waitLeft waits at most the safepoint timeout for threads to leave.
func (c *Context) waitLeft(ctx context.Context, action string, threads []*Thread) error {
	wctx, cancel := context.WithTimeout(ctx, c.engine.cfg.SafepointTimeout)
	defer cancel()
	if err := waitLeft(wctx, threads); err != nil {
		return c.timeoutError(action, err, ctx, threads)
	}
	return nil
}

// timeoutError turns a wait that hit the safepoint deadline into a
// *TimeoutError counting the threads that are still entered, all of them
// when threads is nil. Other errors, including the caller's own deadline,
// pass through.
func (c *Context) timeoutError(action string, err error, caller context.Context, threads []*Thread) error {
	if !errors.Is(err, context.DeadlineExceeded) || caller.Err() != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := len(c.threads)
	if threads != nil {
		pending = 0
		for _, t := range threads {
			if !t.left.Load() {
				pending++
			}
		}
	}
	te := &TimeoutError{Action: action, Pending: pending, State: c.state}
	if c.closing && !c.state.IsClosed() {
		te.State = StateClosing
	}
	trace.PointAt(c.tracer, trace.Owner{Context: c.id}, trace.ScopeContext, "timeout", action,
		"pending", strconv.Itoa(te.Pending), "state", te.State.String())
	return te
}

// current returns the thread of c carried by ctx, if any.
func (c *Context) current(ctx context.Context) *Thread {
	if t := ThreadFrom(ctx); t != nil && t.ctx == c && !t.left.Load() {
		return t
	}
	return nil
}

func (c *Context) threadsExceptLocked(skip *Thread) []*Thread {
	out := make([]*Thread, 0, len(c.threads))
	for t := range c.threads {
		if t != skip {
			out = append(out, t)
		}
	}
	return out
}
