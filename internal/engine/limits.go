package engine

import (
	"fmt"

	"tapline/internal/filter"
	"tapline/internal/instrument"
)

// ResourceLimits bounds what guest code of one context may do.
type ResourceLimits struct {
	// StatementLimit cancels the context once more statements ran.
	StatementLimit int64
	// StatementSources restricts counting to matching sources; nil counts
	// all. Contexts of one engine must share the same predicate value.
	StatementSources filter.SourcePredicate
	// OnLimit runs on the thread that exceeded the limit, before the cancel.
	OnLimit func(LimitEvent)
}

// LimitEvent describes an exceeded limit.
type LimitEvent struct {
	Context *Context
	Count   int64
	Limit   int64
}

// ThreadFrame is implemented by frames that know their engine thread. The
// statement limit needs it to find the context being counted.
type ThreadFrame interface {
	instrument.Frame
	EngineThread() *Thread
}

// bindLimits attaches the statement counter on first use.
func (e *Engine) bindLimits(l *ResourceLimits) error {
	if l.StatementLimit < 0 {
		return fmt.Errorf("%w: statement limit %d", ErrNegativeLimit, l.StatementLimit)
	}
	var pred any
	if l.StatementSources != nil {
		pred = l.StatementSources
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.limits != nil {
		if e.limitPred != pred {
			return ErrPredicateMismatch
		}
		return nil
	}

	b := filter.NewBuilder().TagIs(instrument.TagStatement)
	if l.StatementSources != nil {
		b = b.SourceFilter(l.StatementSources)
	}
	f, err := b.Build()
	if err != nil {
		return err
	}
	binding, err := e.inst.Attach(f, statementCounter{})
	if err != nil {
		return err
	}
	e.limits = binding
	e.limitPred = pred
	return nil
}

// statementCounter counts statements per context for every context with limits.
type statementCounter struct{}

func (statementCounter) OnEnter(_ *instrument.EventContext, frame instrument.Frame) error {
	tf, ok := frame.(ThreadFrame)
	if !ok {
		return nil
	}
	t := tf.EngineThread()
	if t == nil {
		return nil
	}
	c := t.ctx
	if c.limits == nil {
		return nil
	}
	n := c.statements.Add(1)
	if n <= c.limits.StatementLimit {
		return nil
	}
	return c.limitExceeded(t, n)
}

func (statementCounter) OnReturnValue(*instrument.EventContext, instrument.Frame, any) error {
	return nil
}

func (statementCounter) OnReturnExceptional(*instrument.EventContext, instrument.Frame, error) error {
	return nil
}

func (c *Context) limitExceeded(t *Thread, count int64) error {
	limit := c.limits.StatementLimit
	if c.limitHit.CompareAndSwap(false, true) && c.limits.OnLimit != nil {
		c.limits.OnLimit(LimitEvent{Context: c, Count: count, Limit: limit})
	}
	msg := fmt.Sprintf("statement count limit of %d exceeded, statements executed %d", limit, count)
	return c.cancelFrom(t, &ContextError{Kind: KindCancelled, Message: msg, ResourceLimit: true})
}

// ResetLimits clears the statement counter.
func (c *Context) ResetLimits() {
	c.statements.Store(0)
	c.limitHit.Store(false)
}

// Statements returns the number of statements counted against the limit.
func (c *Context) Statements() int64 {
	return c.statements.Load()
}
