package instrument

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"tapline/internal/trace"
)

// errReenter asks Execute to run the node again.
var errReenter = errors.New("reenter")

// Probe is the interception point of one instrumentable position. It is
// created with the node and stays uninserted (no chain) until a binding
// matches the node.
type Probe struct {
	node  Node
	mu    sync.Mutex
	state atomic.Pointer[chain]
}

type chain struct {
	inst    *Instrumenter
	epoch   uint64
	entries []*chainEntry // attach order
}

type chainEntry struct {
	binding *EventBinding
	node    EventNode
	ec      *EventContext
}

// NewProbe creates the probe of n.
func NewProbe(n Node) *Probe {
	return &Probe{node: n}
}

// Node returns the instrumented node.
func (p *Probe) Node() Node { return p.node }

// Inserted reports whether the probe currently has bound listeners.
func (p *Probe) Inserted() bool {
	c := p.state.Load()
	return c != nil && len(c.entries) > 0
}

// lookup returns the chain for the current epoch of inst, or nil when no
// binding matches the node.
func (p *Probe) lookup(inst *Instrumenter) *chain {
	if inst == nil {
		return nil
	}
	epoch := inst.epoch.Load()
	if c := p.state.Load(); c != nil && c.inst == inst && c.epoch == epoch {
		if len(c.entries) == 0 {
			return nil
		}
		return c
	}
	return p.refresh(inst, epoch)
}

func (p *Probe) refresh(inst *Instrumenter, epoch uint64) *chain {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.state.Load()
	if old != nil && old.inst == inst && old.epoch == epoch {
		if len(old.entries) == 0 {
			return nil
		}
		return old
	}

	reuse := make(map[*EventBinding]*chainEntry)
	if old != nil && old.inst == inst {
		for _, e := range old.entries {
			reuse[e.binding] = e
		}
	}

	next := &chain{inst: inst, epoch: epoch}
	for _, b := range *inst.exec.Load() {
		if b.IsDisposed() {
			continue
		}
		if e, ok := reuse[b]; ok {
			next.entries = append(next.entries, e)
			continue
		}
		if !b.filter.Matches(p.node) {
			continue
		}
		ec := &EventContext{probe: p, binding: b}
		node := b.createNode(ec)
		if node == nil {
			continue
		}
		next.entries = append(next.entries, &chainEntry{binding: b, node: node, ec: ec})
	}
	p.state.Store(next)

	wasInserted := old != nil && len(old.entries) > 0
	switch {
	case len(next.entries) > 0 && !wasInserted:
		trace.Point(inst.opts.Tracer, trace.ScopeProbe, "insert", p.node.Section().String())
	case len(next.entries) == 0 && wasInserted:
		trace.Point(inst.opts.Tracer, trace.ScopeProbe, "remove", p.node.Section().String())
	}

	if len(next.entries) == 0 {
		return nil
	}
	return next
}

// Execute runs body under the probe protocol: enter notifications, the body,
// then return or exceptional notifications, and unwind handling. An unwind
// answered with Reenter runs the whole sequence again.
func (p *Probe) Execute(inst *Instrumenter, frame Frame, body func() (any, error)) (any, error) {
	for {
		c := p.lookup(inst)
		if c == nil {
			return body()
		}

		var (
			result any
			err    error
		)
		entered, enterErr := p.onEnter(c, frame)
		switch {
		case enterErr != nil:
			result, err = p.onReturnExceptionalOrUnwind(c, frame, enterErr, entered, false)
		default:
			result, err = body()
			if err != nil {
				result, err = p.onReturnExceptionalOrUnwind(c, frame, err, entered, false)
				break
			}
			if err = p.onReturnValue(c, frame, result); err != nil {
				result, err = p.onReturnExceptionalOrUnwind(c, frame, err, entered, true)
			}
		}

		if err == errReenter {
			trace.Point(inst.opts.Tracer, trace.ScopeProbe, "reenter", p.node.Section().String())
			continue
		}
		return result, err
	}
}

// onEnter notifies listeners in attach order and returns how many were
// notified. An unwind or control-flow error stops the fan-out.
func (p *Probe) onEnter(c *chain, frame Frame) (int, error) {
	for i, e := range c.entries {
		err := guard(func() error { return e.node.OnEnter(e.ec, frame) })
		if err == nil {
			continue
		}
		if sig, ok := err.(*UnwindSignal); ok {
			sig.checkThread(frame.Thread())
			return i + 1, sig
		}
		if IsControlFlow(err) {
			return i + 1, err
		}
		ierr := &InstrumentError{Event: "onEnter", Binding: e.binding, Err: err}
		if c.inst.report(ierr) {
			return i + 1, ierr
		}
	}
	return len(c.entries), nil
}

func (p *Probe) onReturnValue(c *chain, frame Frame, result any) error {
	var unwind *UnwindSignal
	for _, e := range c.entries {
		err := guard(func() error { return e.node.OnReturnValue(e.ec, frame, result) })
		if err == nil {
			continue
		}
		if sig, ok := err.(*UnwindSignal); ok {
			sig.checkThread(frame.Thread())
			unwind = chainUnwind(unwind, sig)
			continue
		}
		if IsControlFlow(err) {
			return err
		}
		ierr := &InstrumentError{Event: "onReturnValue", Binding: e.binding, Err: err}
		if c.inst.report(ierr) {
			return ierr
		}
	}
	if unwind != nil {
		return unwind
	}
	return nil
}

// onReturnExceptional notifies the first n listeners of cause. Listener
// failures are returned for suppression; a control-flow error from a
// listener replaces cause.
func (p *Probe) onReturnExceptional(c *chain, frame Frame, n int, cause error) (*UnwindSignal, []error, error) {
	var (
		unwind     *UnwindSignal
		suppressed []error
	)
	for _, e := range c.entries[:n] {
		err := guard(func() error { return e.node.OnReturnExceptional(e.ec, frame, cause) })
		if err == nil {
			continue
		}
		if sig, ok := err.(*UnwindSignal); ok {
			sig.checkThread(frame.Thread())
			unwind = chainUnwind(unwind, sig)
			continue
		}
		if IsControlFlow(err) {
			return nil, nil, err
		}
		ierr := &InstrumentError{Event: "onReturnExceptional", Binding: e.binding, Err: err}
		if c.inst.report(ierr) {
			suppressed = append(suppressed, ierr)
		}
	}
	return unwind, suppressed, nil
}

// onReturnExceptionalOrUnwind handles a failed execution. It returns
// errReenter to run the node again, a forced return value, or the error to
// propagate.
func (p *Probe) onReturnExceptionalOrUnwind(c *chain, frame Frame, cause error, n int, returnCalled bool) (any, error) {
	sig, isUnwind := cause.(*UnwindSignal)
	if !isUnwind && IsControlFlow(cause) {
		// cancel, exit and interrupt leave without notifications
		return nil, cause
	}
	if isUnwind {
		sig.checkThread(frame.Thread())
	}

	if !returnCalled {
		more, suppressed, cf := p.onReturnExceptional(c, frame, n, cause)
		if cf != nil {
			return nil, cf
		}
		sig = chainUnwind(sig, more)
		if len(suppressed) > 0 {
			cause = suppress(cause, suppressed)
		}
	}
	if sig == nil {
		return nil, cause
	}

	action, err := p.onUnwind(c, frame, sig)
	if err != nil {
		return nil, err
	}
	switch action.kind {
	case unwindReenter:
		return nil, errReenter
	case unwindReturn:
		trace.Point(c.inst.opts.Tracer, trace.ScopeProbe, "forced-return", p.node.Section().String())
		return action.value, nil
	}
	return nil, sig
}

// onUnwind offers sig to the listeners whose binding raised it and merges
// their answers.
func (p *Probe) onUnwind(c *chain, frame Frame, sig *UnwindSignal) (UnwindAction, error) {
	merged := ignored
	for _, e := range c.entries {
		s := sig.find(e.binding)
		if s == nil || (s.depth != TargetCurrent && frame.Depth() > s.depth) {
			continue
		}
		action := Continue
		if ul, ok := e.node.(UnwindListener); ok {
			err := guard(func() error {
				action = ul.OnUnwind(e.ec, frame, s.info)
				return nil
			})
			if err != nil {
				ierr := &InstrumentError{Event: "onUnwind", Binding: e.binding, Err: err}
				if c.inst.report(ierr) {
					return Continue, ierr
				}
				action = Continue
			}
		}
		if v, ok := action.ReturnValue(); ok && !c.inst.isGuestValue(v) {
			ierr := &InstrumentError{
				Event:   "onUnwind",
				Binding: e.binding,
				Err:     fmt.Errorf("%w: %T", ErrInvalidReturnValue, v),
			}
			if c.inst.report(ierr) {
				return Continue, ierr
			}
			action = Continue
		}
		merged = mergeUnwindActions(merged, action)
	}
	return merged, nil
}

func suppress(cause error, more []error) error {
	if se, ok := cause.(*SuppressedError); ok {
		se.Suppressed = append(se.Suppressed, more...)
		return se
	}
	return &SuppressedError{Err: cause, Suppressed: more}
}

// guard runs a listener callback and converts its panics into errors.
// Protocol violations keep panicking.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if v, ok := r.(*Violation); ok {
				panic(v)
			}
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}
