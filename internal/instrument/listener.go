package instrument

import "tapline/internal/source"

// ExecutionListener observes executions of the nodes matched by its binding.
//
// Returning an *UnwindSignal created through EventContext.CreateUnwind
// requests an unwind. Any other non-nil error is an instrument failure.
type ExecutionListener interface {
	OnEnter(ec *EventContext, frame Frame) error
	OnReturnValue(ec *EventContext, frame Frame, result any) error
	OnReturnExceptional(ec *EventContext, frame Frame, err error) error
}

// UnwindListener is implemented by listeners that handle their own unwinds.
type UnwindListener interface {
	OnUnwind(ec *EventContext, frame Frame, info any) UnwindAction
}

// EventNode is an execution listener created for one probe position.
type EventNode = ExecutionListener

// Disposer is implemented by event nodes that release state when their binding is disposed.
type Disposer interface {
	OnDispose(ec *EventContext)
}

// Factory creates the event node of one probe position. Returning nil leaves
// the position unobserved by this binding.
type Factory interface {
	Create(ec *EventContext) EventNode
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ec *EventContext) EventNode

// Create calls f.
func (f FactoryFunc) Create(ec *EventContext) EventNode { return f(ec) }

// LoadSourceListener is notified of sources loaded into the engine.
type LoadSourceListener interface {
	OnLoad(f *source.File)
}

// LoadSourceFunc adapts a function to LoadSourceListener.
type LoadSourceFunc func(f *source.File)

// OnLoad calls fn.
func (fn LoadSourceFunc) OnLoad(f *source.File) { fn(f) }

// Listener builds an ExecutionListener from optional callbacks.
type Listener struct {
	Enter       func(ec *EventContext, frame Frame) error
	ReturnValue func(ec *EventContext, frame Frame, result any) error
	Exceptional func(ec *EventContext, frame Frame, err error) error
	Unwind      func(ec *EventContext, frame Frame, info any) UnwindAction
}

// OnEnter implements ExecutionListener.
func (l *Listener) OnEnter(ec *EventContext, frame Frame) error {
	if l.Enter == nil {
		return nil
	}
	return l.Enter(ec, frame)
}

// OnReturnValue implements ExecutionListener.
func (l *Listener) OnReturnValue(ec *EventContext, frame Frame, result any) error {
	if l.ReturnValue == nil {
		return nil
	}
	return l.ReturnValue(ec, frame, result)
}

// OnReturnExceptional implements ExecutionListener.
func (l *Listener) OnReturnExceptional(ec *EventContext, frame Frame, err error) error {
	if l.Exceptional == nil {
		return nil
	}
	return l.Exceptional(ec, frame, err)
}

// OnUnwind implements UnwindListener.
func (l *Listener) OnUnwind(ec *EventContext, frame Frame, info any) UnwindAction {
	if l.Unwind == nil {
		return Continue
	}
	return l.Unwind(ec, frame, info)
}

// EventContext describes the position an event node is attached to.
// One EventContext exists per (probe, binding) pair.
type EventContext struct {
	probe   *Probe
	binding *EventBinding
}

// Node returns the instrumented node.
func (ec *EventContext) Node() Node { return ec.probe.node }

// Section returns the source section of the instrumented node.
func (ec *EventContext) Section() source.Section { return ec.probe.node.Section() }

// Tags returns the tags of the instrumented node.
func (ec *EventContext) Tags() TagSet { return ec.probe.node.Tags() }

// HasTag reports whether the instrumented node carries t.
func (ec *EventContext) HasTag(t Tag) bool { return ec.probe.node.Tags().Has(t) }

// Binding returns the binding this context belongs to.
func (ec *EventContext) Binding() *EventBinding { return ec.binding }

// CreateUnwind creates an unwind signal to be returned from a listener
// callback. The signal stops at the first probe of this binding whose frame
// depth is at most targetDepth; TargetCurrent stops at the raising probe.
// A signal must only be returned on the thread of frame.
func (ec *EventContext) CreateUnwind(frame Frame, info any, targetDepth int) *UnwindSignal {
	if targetDepth < TargetCurrent {
		targetDepth = TargetCurrent
	}
	return &UnwindSignal{
		info:    info,
		depth:   targetDepth,
		binding: ec.binding,
		thread:  frame.Thread(),
	}
}

func (ec *EventContext) String() string {
	return ec.probe.node.Section().String() + " " + ec.probe.node.Tags().String()
}
