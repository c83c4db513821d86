package instrument

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"tapline/internal/source"
	"tapline/internal/trace"
)

// ErrorPolicy decides what happens to listener failures.
type ErrorPolicy uint8

const (
	// ErrorsThrow surfaces listener failures at the call site as *InstrumentError.
	ErrorsThrow ErrorPolicy = iota
	// ErrorsLog reports listener failures through Options.OnError and continues.
	ErrorsLog
)

// ParseErrorPolicy converts a string to an ErrorPolicy.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ToLower(s) {
	case "", "throw":
		return ErrorsThrow, nil
	case "log":
		return ErrorsLog, nil
	default:
		return ErrorsThrow, fmt.Errorf("invalid instrument error policy: %q (expected: throw|log)", s)
	}
}

// Options configures an Instrumenter.
type Options struct {
	Tracer trace.Tracer
	Errors ErrorPolicy
	// OnError receives listener failures that are not thrown.
	OnError func(err *InstrumentError)
	// GuestValue reports whether v may be handed to guest code.
	// Nil accepts nil, bool, int64, float64 and string.
	GuestValue func(v any) bool
}

// Instrumenter is the binding registry of one engine.
type Instrumenter struct {
	opts Options

	mu      sync.Mutex
	closed  bool
	seq     uint64
	sources []*source.File
	onLoad  []*EventBinding
	alloc   []*EventBinding

	exec  atomic.Pointer[[]*EventBinding] // copy-on-write, attach order
	epoch atomic.Uint64
}

// NewInstrumenter creates an empty registry.
func NewInstrumenter(opts Options) *Instrumenter {
	if opts.Tracer == nil {
		opts.Tracer = trace.Nop
	}
	if opts.GuestValue == nil {
		opts.GuestValue = IsPrimitive
	}
	inst := &Instrumenter{opts: opts}
	inst.exec.Store(&[]*EventBinding{})
	inst.epoch.Store(1)
	return inst
}

// IsPrimitive accepts the primitive values every guest understands.
func IsPrimitive(v any) bool {
	switch v.(type) {
	case nil, bool, int64, float64, string:
		return true
	}
	return false
}

// Epoch changes every time the set of execution bindings changes.
func (inst *Instrumenter) Epoch() uint64 {
	return inst.epoch.Load()
}

// Attach binds listener to every node matched by f.
func (inst *Instrumenter) Attach(f Filter, listener ExecutionListener) (*EventBinding, error) {
	if listener == nil {
		return nil, ErrNilListener
	}
	return inst.attachExecution(f, &EventBinding{kind: bindingListener, listener: listener})
}

// AttachFactory binds a factory creating one event node per matched probe position.
func (inst *Instrumenter) AttachFactory(f Filter, factory Factory) (*EventBinding, error) {
	if factory == nil {
		return nil, ErrNilListener
	}
	return inst.attachExecution(f, &EventBinding{kind: bindingFactory, factory: factory})
}

func (inst *Instrumenter) attachExecution(f Filter, b *EventBinding) (*EventBinding, error) {
	if f == nil {
		return nil, ErrNilFilter
	}
	b.filter = f

	inst.mu.Lock()
	if inst.closed {
		inst.mu.Unlock()
		return nil, ErrDisposed
	}
	inst.register(b)
	old := *inst.exec.Load()
	next := make([]*EventBinding, len(old), len(old)+1)
	copy(next, old)
	next = append(next, b)
	inst.exec.Store(&next)
	inst.epoch.Add(1)
	inst.mu.Unlock()

	trace.Point(inst.opts.Tracer, trace.ScopeProbe, "attach", b.String())
	return b, nil
}

// AttachLoadSourceListener notifies listener of every loaded source matched by f.
// With includeExisting the sources loaded so far are reported before returning.
func (inst *Instrumenter) AttachLoadSourceListener(f Filter, listener LoadSourceListener, includeExisting bool) (*EventBinding, error) {
	if f == nil {
		return nil, ErrNilFilter
	}
	if listener == nil {
		return nil, ErrNilListener
	}
	b := &EventBinding{kind: bindingLoadSource, filter: f, onLoad: listener}

	inst.mu.Lock()
	if inst.closed {
		inst.mu.Unlock()
		return nil, ErrDisposed
	}
	inst.register(b)
	inst.onLoad = append(inst.onLoad, b)
	var existing []*source.File
	if includeExisting {
		existing = append(existing, inst.sources...)
	}
	inst.mu.Unlock()

	trace.Point(inst.opts.Tracer, trace.ScopeProbe, "attach", b.String())
	for _, src := range existing {
		if b.IsDisposed() {
			break
		}
		if f.MatchesSource(src) {
			listener.OnLoad(src)
		}
	}
	return b, nil
}

// AttachAllocationListener binds listener to every allocation reporter of this registry.
func (inst *Instrumenter) AttachAllocationListener(listener AllocationListener) (*EventBinding, error) {
	if listener == nil {
		return nil, ErrNilListener
	}
	b := &EventBinding{kind: bindingAllocation, alloc: listener}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.closed {
		return nil, ErrDisposed
	}
	inst.register(b)
	inst.alloc = append(inst.alloc, b)
	return b, nil
}

// register must be called with inst.mu held.
func (inst *Instrumenter) register(b *EventBinding) {
	inst.seq++
	b.id = inst.seq
	b.inst = inst
}

// MatchesRoot reports whether an execution binding may match nodes below
// root. Interpreters may skip probe lookups for roots it rejects until the
// epoch changes.
func (inst *Instrumenter) MatchesRoot(root Root) bool {
	for _, b := range *inst.exec.Load() {
		if !b.IsDisposed() && b.filter.MatchesRoot(root) {
			return true
		}
	}
	return false
}

// OnSourceLoaded records src and notifies load-source listeners.
func (inst *Instrumenter) OnSourceLoaded(src *source.File) {
	inst.mu.Lock()
	inst.sources = append(inst.sources, src)
	listeners := append([]*EventBinding(nil), inst.onLoad...)
	inst.mu.Unlock()

	for _, b := range listeners {
		if !b.IsDisposed() && b.filter.MatchesSource(src) {
			b.onLoad.OnLoad(src)
		}
	}
}

// Bindings returns the live execution bindings in attach order.
func (inst *Instrumenter) Bindings() []*EventBinding {
	return append([]*EventBinding(nil), (*inst.exec.Load())...)
}

// Close disposes every binding and rejects further attaches.
func (inst *Instrumenter) Close() {
	inst.mu.Lock()
	if inst.closed {
		inst.mu.Unlock()
		return
	}
	inst.closed = true
	all := append([]*EventBinding(nil), *inst.exec.Load()...)
	all = append(all, inst.onLoad...)
	all = append(all, inst.alloc...)
	inst.mu.Unlock()

	for _, b := range all {
		b.Dispose()
	}
}

func (inst *Instrumenter) remove(b *EventBinding) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	switch b.kind {
	case bindingLoadSource:
		inst.onLoad = without(inst.onLoad, b)
	case bindingAllocation:
		inst.alloc = without(inst.alloc, b)
	default:
		next := without(*inst.exec.Load(), b)
		inst.exec.Store(&next)
		inst.epoch.Add(1)
	}
}

func (inst *Instrumenter) allocationListeners() []*EventBinding {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return append([]*EventBinding(nil), inst.alloc...)
}

// report hands a listener failure to the error policy and reports whether it
// must be thrown.
func (inst *Instrumenter) report(err *InstrumentError) bool {
	if inst.opts.Errors == ErrorsThrow {
		return true
	}
	trace.Point(inst.opts.Tracer, trace.ScopeProbe, "listener-error", err.Error())
	if inst.opts.OnError != nil {
		inst.opts.OnError(err)
	}
	return false
}

func (inst *Instrumenter) isGuestValue(v any) bool {
	return inst.opts.GuestValue(v)
}

func without(list []*EventBinding, b *EventBinding) []*EventBinding {
	out := make([]*EventBinding, 0, len(list))
	for _, x := range list {
		if x != b {
			out = append(out, x)
		}
	}
	return out
}
