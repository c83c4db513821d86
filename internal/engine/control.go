package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"tapline/internal/safepoint"
	"tapline/internal/trace"
)

// PauseFuture is returned by Pause and released by Resume.
type PauseFuture struct {
	ctx     *Context
	fut     *safepoint.Future
	release chan struct{}
}

// Done is closed once every thread entered at pause time is parked or left.
func (p *PauseFuture) Done() <-chan struct{} { return p.fut.Done() }

// Outcome reports whether every thread was reached.
func (p *PauseFuture) Outcome() safepoint.Outcome { return p.fut.Outcome() }

// Pause parks every entered thread at its next poll and returns once all of
// them are parked. Pauses nest: a thread resumes only after every pause that
// reached it was resumed. Called from an entered thread, that thread is not
// paused. Threads that do not poll within the safepoint timeout are skipped:
// Pause then returns the future with a PartiallyCompletedCancelled outcome
// and a *TimeoutError, and the context stays PAUSING until Resume.
func (c *Context) Pause(ctx context.Context) (*PauseFuture, error) {
	cur := c.current(ctx)

	c.mu.Lock()
	if c.state.IsClosed() {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state.terminal() {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	p := &PauseFuture{ctx: c, release: make(chan struct{})}
	if len(c.pauses) == 0 {
		c.resumed = make(chan struct{})
	}
	c.pauses = append(c.pauses, p)
	fut, err := c.sched.Submit(context.Background(), nil, func(t *safepoint.Thread) error {
		return t.Park(p.release)
	}, safepoint.Options{Name: "pause", Priority: PriorityPause, Timeout: c.engine.cfg.SafepointTimeout, Current: spOf(cur)})
	if err != nil {
		c.dropPauseLocked(p)
		c.mu.Unlock()
		return nil, ErrClosed
	}
	p.fut = fut
	switch c.state {
	case StateCreated, StateActive, StatePaused:
		c.setStateLocked(StatePausing)
	}
	c.mu.Unlock()

	if err := wait(ctx, fut.Done()); err != nil {
		return p, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if fut.Outcome() != safepoint.Completed {
		pending := 0
		for t := range c.threads {
			if t != cur && t.sp.Status() != safepoint.StatusParked {
				pending++
			}
		}
		te := &TimeoutError{Action: "pause", Pending: pending, State: c.state}
		trace.PointAt(c.tracer, trace.Owner{Context: c.id}, trace.ScopeContext, "timeout", "pause",
			"pending", strconv.Itoa(pending), "state", c.state.String())
		return p, te
	}
	if c.state == StatePausing && c.pausesDeliveredLocked() {
		c.setStateLocked(StatePaused)
	}
	return p, nil
}

// Resume releases the threads parked by p.
func (c *Context) Resume(p *PauseFuture) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dropPauseLocked(p) {
		return ErrNotPaused
	}
	close(p.release)
	switch {
	case len(c.pauses) == 0:
		close(c.resumed)
		if c.state == StatePausing || c.state == StatePaused {
			c.setStateLocked(c.idleStateLocked())
		}
	case c.state == StatePausing && c.pausesDeliveredLocked():
		c.setStateLocked(StatePaused)
	}
	c.notifyLocked()
	return nil
}

func (c *Context) dropPauseLocked(p *PauseFuture) bool {
	for i, q := range c.pauses {
		if q == p {
			c.pauses = append(c.pauses[:i], c.pauses[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Context) pausesDeliveredLocked() bool {
	for _, p := range c.pauses {
		if p.fut == nil {
			return false
		}
		select {
		case <-p.fut.Done():
		default:
			return false
		}
		if p.fut.Outcome() != safepoint.Completed {
			return false
		}
	}
	return true
}

func (c *Context) releasePausesLocked() {
	if len(c.pauses) == 0 {
		return
	}
	for _, p := range c.pauses {
		close(p.release)
	}
	c.pauses = nil
	close(c.resumed)
}

// Cancel stops all guest code of the context and waits until every other
// entered thread left. The context cannot be entered again. Called from an
// entered thread, Cancel returns the error that thread must unwind with.
// When a thread does not leave within the safepoint timeout Cancel returns a
// *TimeoutError; the context stays CANCELLING and the straggler is cancelled
// at its next poll.
func (c *Context) Cancel(ctx context.Context) error {
	cur := c.current(ctx)
	c.mu.Lock()
	if c.state.IsClosed() {
		c.mu.Unlock()
		return nil
	}
	c.cancelLocked(&ContextError{Kind: KindCancelled}, cur)
	targets := c.threadsExceptLocked(cur)
	err := c.err
	c.mu.Unlock()

	if werr := c.waitLeft(ctx, "cancel", targets); werr != nil {
		return werr
	}
	if cur != nil {
		return err
	}
	return nil
}

// cancelFrom cancels from an entered thread without waiting and returns the
// error t must unwind with.
func (c *Context) cancelFrom(t *Thread, ce *ContextError) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(ce, t)
	if c.err == nil {
		return ce
	}
	return c.err
}

func (c *Context) cancelLocked(ce *ContextError, cur *Thread) {
	switch c.state {
	case StateCancelling, StateCancelled, StateExited:
		return
	}
	if c.state.IsClosed() {
		return
	}
	if c.exitCancel != nil {
		c.exitCancel()
	}
	c.err = ce
	c.setStateLocked(StateCancelling)
	c.releasePausesLocked()
	_, _ = c.sched.Submit(context.Background(), nil, func(*safepoint.Thread) error {
		return ce
	}, safepoint.Options{Name: "cancel", Priority: PriorityCancel, Current: spOf(cur)})
	c.settleLocked()
}

// RequestExit exits the context with code. The exit notifier runs first on
// the calling goroutine, then every other entered thread unwinds. Called
// from an entered thread, RequestExit returns the error that thread must
// unwind with.
// Threads still entered after the safepoint timeout leave the context
// EXITING and RequestExit returns a *TimeoutError.
func (c *Context) RequestExit(ctx context.Context, code int) error {
	cur := c.current(ctx)

	c.mu.Lock()
	if c.state.IsClosed() {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.terminal() {
		// another exit or cancel is in charge; follow it
		targets := c.threadsExceptLocked(cur)
		err := c.err
		c.mu.Unlock()
		if werr := c.waitLeft(ctx, "exit", targets); werr != nil {
			return werr
		}
		if cur != nil {
			return err
		}
		return nil
	}
	ce := &ContextError{Kind: KindExited, ExitCode: code}
	c.err = ce
	c.setStateLocked(StateExiting)
	c.releasePausesLocked()
	exitCtx, cancel := context.WithCancel(ctx)
	c.exitCancel = cancel
	c.mu.Unlock()

	if n := c.engine.cfg.ExitNotifier; n != nil {
		if err := n.OnExit(exitCtx, c, code); err != nil {
			trace.PointAt(c.tracer, trace.Owner{Context: c.id}, trace.ScopeContext, "exit-notifier", c.String(), "error", err.Error())
		}
	}
	cancel()

	c.mu.Lock()
	c.exitCancel = nil
	c.exitNotified = true
	if c.state == StateExiting {
		_, _ = c.sched.Submit(context.Background(), nil, func(*safepoint.Thread) error {
			return ce
		}, safepoint.Options{Name: "exit", Priority: PriorityExit, Current: spOf(cur)})
	}
	c.notifyLocked()
	c.settleLocked()
	targets := c.threadsExceptLocked(cur)
	err := c.err
	c.mu.Unlock()

	if werr := c.waitLeft(ctx, "exit", targets); werr != nil {
		return werr
	}
	if cur != nil {
		return err
	}
	return nil
}

// Interrupt stops the guest code running on every other entered thread
// without closing the context; later evaluations work normally. It fails
// with ErrInterruptTimeout when a thread did not stop within timeout, the
// engine's safepoint timeout when timeout is not positive.
// While an exit notification runs, Interrupt cancels that notification.
func (c *Context) Interrupt(ctx context.Context, timeout time.Duration) error {
	cur := c.current(ctx)

	c.mu.Lock()
	switch {
	case c.state.IsClosed():
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateExiting:
		if c.exitCancel != nil {
			c.exitInterrupted = true
			c.exitCancel()
		}
		c.mu.Unlock()
		return nil
	case c.state.terminal():
		c.mu.Unlock()
		return nil
	}
	c.interrupting++
	c.setStateLocked(StateInterrupting)
	targets := c.threadsExceptLocked(cur)
	sps := make([]*safepoint.Thread, 0, len(targets))
	for _, t := range targets {
		sps = append(sps, t.sp)
	}
	span := trace.Begin(c.tracer, trace.ScopeContext, "interrupt", trace.Owner{Context: c.id}, nil).
		WithExtra("targets", strconv.Itoa(len(targets)))
	ce := &ContextError{Kind: KindInterrupted}
	fut, _ := c.sched.Submit(context.Background(), sps, func(*safepoint.Thread) error {
		return ce
	}, safepoint.Options{Name: "interrupt", Priority: PriorityInterrupt, Current: spOf(cur)})
	c.mu.Unlock()

	if timeout <= 0 {
		timeout = c.engine.cfg.SafepointTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	werr := waitLeft(wctx, targets)
	if fut != nil {
		fut.Cancel()
	}
	if werr != nil {
		span.End(werr.Error())
	} else {
		span.End("stopped")
	}

	c.mu.Lock()
	c.interrupting--
	if c.interrupting == 0 && c.state == StateInterrupting {
		switch {
		case len(c.pauses) == 0:
			c.setStateLocked(c.idleStateLocked())
		case c.pausesDeliveredLocked():
			c.setStateLocked(StatePaused)
		default:
			c.setStateLocked(StatePausing)
		}
	}
	c.mu.Unlock()

	if werr != nil {
		if errors.Is(werr, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrInterruptTimeout
		}
		return werr
	}
	return nil
}

// Submit delivers a custom safepoint action to threads, or to every entered
// thread when threads is nil. Synchronous actions without a timeout use the
// engine's safepoint timeout. A thread carried by ctx is never targeted and
// keeps running its own actions while a synchronous Submit waits.
func (c *Context) Submit(ctx context.Context, threads []*Thread, action safepoint.Action, opts safepoint.Options) (*safepoint.Future, error) {
	if t := ThreadFrom(ctx); t != nil && !t.left.Load() && opts.Current == nil {
		opts.Current = t.sp
	}
	if opts.Synchronous && opts.Timeout == 0 {
		opts.Timeout = c.engine.cfg.SafepointTimeout
	}
	var targets []*safepoint.Thread
	if threads != nil {
		targets = make([]*safepoint.Thread, 0, len(threads))
		for _, t := range threads {
			targets = append(targets, t.sp)
		}
	}
	if c.State().IsClosed() {
		return nil, ErrClosed
	}
	return c.sched.Submit(ctx, targets, action, opts)
}
