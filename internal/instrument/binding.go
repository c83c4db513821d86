package instrument

import (
	"fmt"
	"sync"
	"sync/atomic"

	"tapline/internal/trace"
)

type bindingKind uint8

const (
	bindingListener bindingKind = iota
	bindingFactory
	bindingLoadSource
	bindingAllocation
)

// EventBinding is the registration of a listener. Dispose stops future
// notifications; notifications already in flight complete.
type EventBinding struct {
	inst     *Instrumenter
	id       uint64
	kind     bindingKind
	filter   Filter
	listener ExecutionListener
	factory  Factory
	onLoad   LoadSourceListener
	alloc    AllocationListener

	disposed atomic.Bool

	mu    sync.Mutex
	nodes []createdNode
}

type createdNode struct {
	ec   *EventContext
	node EventNode
}

// ID returns the attach sequence number of the binding.
func (b *EventBinding) ID() uint64 { return b.id }

// Filter returns the filter of the binding, nil for allocation bindings.
func (b *EventBinding) Filter() Filter { return b.filter }

// Listener returns the listener given to Attach, or nil for other bindings.
func (b *EventBinding) Listener() ExecutionListener { return b.listener }

// IsDisposed reports whether Dispose was called.
func (b *EventBinding) IsDisposed() bool { return b.disposed.Load() }

// Dispose detaches the binding. Calling it more than once has no effect.
// It is safe to call from inside the binding's own callbacks.
func (b *EventBinding) Dispose() {
	if b == nil || !b.disposed.CompareAndSwap(false, true) {
		return
	}
	b.inst.remove(b)
	trace.Point(b.inst.opts.Tracer, trace.ScopeProbe, "dispose", b.String())

	b.mu.Lock()
	nodes := b.nodes
	b.nodes = nil
	b.mu.Unlock()
	for _, cn := range nodes {
		if d, ok := cn.node.(Disposer); ok {
			d.OnDispose(cn.ec)
		}
	}
}

func (b *EventBinding) String() string {
	if b == nil {
		return "<nil binding>"
	}
	switch b.kind {
	case bindingAllocation:
		return fmt.Sprintf("binding#%d(allocation)", b.id)
	case bindingLoadSource:
		return fmt.Sprintf("binding#%d(load-source %s)", b.id, b.filter)
	default:
		return fmt.Sprintf("binding#%d(%s)", b.id, b.filter)
	}
}

// createNode returns the event node of the binding for ec, or nil.
func (b *EventBinding) createNode(ec *EventContext) EventNode {
	if b.kind == bindingListener {
		return b.listener
	}
	node := b.factory.Create(ec)
	if node == nil {
		return nil
	}
	b.mu.Lock()
	if b.disposed.Load() {
		b.mu.Unlock()
		if d, ok := node.(Disposer); ok {
			d.OnDispose(ec)
		}
		return nil
	}
	b.nodes = append(b.nodes, createdNode{ec: ec, node: node})
	b.mu.Unlock()
	return node
}
