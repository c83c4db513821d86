package engine

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"tapline/internal/instrument"
	"tapline/internal/safepoint"
	"tapline/internal/source"
	"tapline/internal/trace"
)

type threadKey struct{}

// WithThread returns a context carrying t. Blocking engine calls made with
// it keep running t's safepoint actions while they wait.
func WithThread(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, threadKey{}, t)
}

// ThreadFrom returns the thread stored in ctx, or nil.
func ThreadFrom(ctx context.Context) *Thread {
	t, _ := ctx.Value(threadKey{}).(*Thread)
	return t
}

// Thread is a goroutine entered in a Context. Its methods must be called
// from that goroutine.
type Thread struct {
	id    uint64
	ctx   *Context
	sp    *safepoint.Thread
	goctx context.Context
	left  atomic.Bool
	gone  chan struct{} // closed once Leave finished
}

// ID is unique per engine.
func (t *Thread) ID() uint64 { return t.id }

// Context returns the context the thread is entered in.
func (t *Thread) Context() *Context { return t.ctx }

// Instrumenter returns the engine's binding registry.
func (t *Thread) Instrumenter() *instrument.Instrumenter { return t.ctx.engine.inst }

// GoContext returns a context carrying the thread.
func (t *Thread) GoContext() context.Context { return t.goctx }

// Status reports whether the thread runs, blocks or is parked.
func (t *Thread) Status() safepoint.Status { return t.sp.Status() }

func (t *Thread) String() string {
	return t.ctx.String() + "/thread#" + strconv.FormatUint(t.id, 10)
}

func (t *Thread) traceOwner() trace.Owner {
	return trace.Owner{Context: t.ctx.id, Thread: t.id}
}

// Poll runs pending safepoint actions. Guest code calls it at every node
// enter and loop back-edge.
func (t *Thread) Poll() error {
	if err := t.sp.Poll(); err != nil {
		return err
	}
	if done := t.goctx.Done(); done != nil {
		select {
		case <-done:
			return t.goctx.Err()
		default:
		}
	}
	return nil
}

// Sleep blocks for d; safepoint actions still run.
func (t *Thread) Sleep(d time.Duration) error {
	return t.sp.Sleep(t.goctx, d)
}

// Wait blocks until ch closes; safepoint actions still run.
func (t *Thread) Wait(ch <-chan struct{}) error {
	return t.sp.Block(t.goctx, ch)
}

// SetAllowSideEffects defers side-effecting actions while false.
func (t *Thread) SetAllowSideEffects(allow bool) bool {
	return t.sp.SetAllowSideEffects(allow)
}

// Exit requests a natural exit of the context and returns the error the
// thread must unwind with.
func (t *Thread) Exit(code int) error {
	return t.ctx.RequestExit(t.goctx, code)
}

// Eval runs f on this thread. An unwind that escapes the outermost root
// ends the evaluation with a nil result.
func (t *Thread) Eval(f *source.File) (any, error) {
	p, err := t.ctx.engine.program(f)
	if err != nil {
		return nil, err
	}
	if err := t.Poll(); err != nil {
		return nil, err
	}
	span := trace.Begin(t.ctx.tracer, trace.ScopeThread, "eval", t.traceOwner(), nil).WithExtra("source", f.Path)
	res, err := p.Execute(t)
	if _, ok := err.(*instrument.UnwindSignal); ok {
		trace.PointAt(t.ctx.tracer, t.traceOwner(), trace.ScopeThread, "unwind-escaped", f.Path)
		span.End("unwound")
		return nil, nil
	}
	if err != nil {
		span.End(err.Error())
	} else {
		span.End("ok")
	}
	return res, err
}

// Task is a guest computation running on its own entered thread.
type Task struct {
	done   chan struct{}
	result any
	err    error
}

// Done is closed when the task finished.
func (k *Task) Done() <-chan struct{} { return k.done }

// Join waits on t for the task and returns its result.
func (k *Task) Join(t *Thread) (any, error) {
	if err := t.Wait(k.done); err != nil {
		return nil, err
	}
	return k.result, k.err
}

// Spawn enters a new thread in the same context and runs fn on it.
func (t *Thread) Spawn(fn func(*Thread) (any, error)) (*Task, error) {
	nt, err := t.ctx.Enter(t.goctx)
	if err != nil {
		return nil, err
	}
	k := &Task{done: make(chan struct{})}
	go func() {
		defer close(k.done)
		defer nt.Leave()
		k.result, k.err = fn(nt)
	}()
	return k, nil
}

// Leave exits the thread from its context. Pending actions are dropped.
func (t *Thread) Leave() {
	if t.left.Swap(true) {
		return
	}
	t.sp.Leave()
	c := t.ctx
	c.mu.Lock()
	delete(c.threads, t)
	c.settleLocked()
	c.notifyLocked()
	c.mu.Unlock()
	close(t.gone)
}

func spOf(t *Thread) *safepoint.Thread {
	if t == nil {
		return nil
	}
	return t.sp
}

// wait blocks until ch closes. When ctx carries an entered thread, that
// thread keeps running its own safepoint actions, so two threads waiting on
// each other's contexts cannot deadlock.
func wait(ctx context.Context, ch <-chan struct{}) error {
	if t := ThreadFrom(ctx); t != nil && !t.left.Load() {
		return t.sp.Block(ctx, ch)
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitLeft(ctx context.Context, threads []*Thread) error {
	for _, t := range threads {
		if err := wait(ctx, t.gone); err != nil {
			return err
		}
	}
	return nil
}
