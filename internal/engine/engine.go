package engine

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tapline/internal/instrument"
	"tapline/internal/safepoint"
	"tapline/internal/source"
	"tapline/internal/trace"
)

// Safepoint priorities of the context control actions.
const (
	PriorityPause safepoint.Priority = iota + 1
	PriorityInterrupt
	PriorityExit
	PriorityCancel
)

// Language parses sources into executable programs.
type Language interface {
	// MimeType is the mime type of the sources the language accepts.
	MimeType() string
	Parse(f *source.File) (Program, error)
}

// GuestValuer is implemented by languages whose values are not all
// primitives. Unless Config.Instrument sets GuestValue, the engine checks
// values handed to guest code with IsGuestValue.
type GuestValuer interface {
	IsGuestValue(v any) bool
}

// Program is a parsed source ready to run on an entered thread.
type Program interface {
	Execute(t *Thread) (any, error)
}

// ExitNotifier runs when a context starts exiting. ctx is cancelled when the
// exit is interrupted.
type ExitNotifier interface {
	OnExit(ctx context.Context, c *Context, code int) error
}

// ExitFunc adapts a function to ExitNotifier.
type ExitFunc func(ctx context.Context, c *Context, code int) error

func (f ExitFunc) OnExit(ctx context.Context, c *Context, code int) error { return f(ctx, c, code) }

// Config configures an Engine.
type Config struct {
	Language Language
	Tracer   trace.Tracer
	// Instrument configures the binding registry. Its tracer defaults to Tracer.
	Instrument instrument.Options
	// SafepointTimeout bounds synchronous safepoint waits.
	SafepointTimeout time.Duration
	ExitNotifier     ExitNotifier
}

// Engine shares one binding registry and one source set between contexts.
type Engine struct {
	cfg     Config
	tracer  trace.Tracer
	inst    *instrument.Instrumenter
	sources *source.FileSet

	threadSeq atomic.Uint64

	mu        sync.Mutex
	closed    bool
	nextID    uint64
	contexts  map[uint64]*Context
	programs  map[*source.File]Program
	limits    *instrument.EventBinding
	limitPred any
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.Tracer == nil {
		cfg.Tracer = trace.Nop
	}
	if cfg.Instrument.Tracer == nil {
		cfg.Instrument.Tracer = cfg.Tracer
	}
	if gv, ok := cfg.Language.(GuestValuer); ok && cfg.Instrument.GuestValue == nil {
		cfg.Instrument.GuestValue = gv.IsGuestValue
	}
	if cfg.SafepointTimeout <= 0 {
		cfg.SafepointTimeout = safepoint.DefaultSyncTimeout
	}
	e := &Engine{
		cfg:      cfg,
		tracer:   cfg.Tracer,
		inst:     instrument.NewInstrumenter(cfg.Instrument),
		sources:  source.NewFileSet(),
		contexts: make(map[uint64]*Context),
		programs: make(map[*source.File]Program),
	}
	trace.Point(e.tracer, trace.ScopeEngine, "engine", "created")
	return e
}

// Instrumenter returns the binding registry shared by all contexts.
func (e *Engine) Instrumenter() *instrument.Instrumenter { return e.inst }

// Sources returns the source set of the engine.
func (e *Engine) Sources() *source.FileSet { return e.sources }

// Tracer returns the engine tracer.
func (e *Engine) Tracer() trace.Tracer { return e.tracer }

// LoadFile reads a source file from disk.
func (e *Engine) LoadFile(path string) (*source.File, error) {
	return e.sources.Load(path)
}

// AddSource registers an in-memory source.
func (e *Engine) AddSource(name, text string) *source.File {
	return e.sources.AddVirtual(name, []byte(text))
}

// AddInternalSource registers an in-memory source hidden from filters that
// ignore internal code.
func (e *Engine) AddInternalSource(name, text string) *source.File {
	return e.sources.AddInternal(name, []byte(text))
}

// Contexts returns the open contexts ordered by id.
func (e *Engine) Contexts() []*Context {
	e.mu.Lock()
	out := make([]*Context, 0, len(e.contexts))
	for _, c := range e.contexts {
		out = append(out, c)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ContextOptions configures a Context.
type ContextOptions struct {
	Name   string
	Limits *ResourceLimits
}

// NewContext creates a context in state CREATED. It becomes ACTIVE when the
// first thread enters.
func (e *Engine) NewContext(opts ContextOptions) (*Context, error) {
	var limits *ResourceLimits
	if opts.Limits != nil {
		l := *opts.Limits
		limits = &l
		if err := e.bindLimits(limits); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	e.nextID++
	c := &Context{
		id:      e.nextID,
		name:    opts.Name,
		engine:  e,
		tracer:  e.tracer,
		sched:   safepoint.NewScheduler(e.tracer).WithOwner(e.nextID),
		limits:  limits,
		threads: make(map[*Thread]struct{}),
		changed: make(chan struct{}),
		resumed: closedChan(),
	}
	e.contexts[c.id] = c
	trace.PointAt(e.tracer, trace.Owner{Context: c.id}, trace.ScopeEngine, "context", c.String(), "state", c.state.String())
	return c, nil
}

// Close closes every context, cancelling running code, then disposes all
// bindings.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var first error
	for _, c := range e.Contexts() {
		if err := c.Close(ctx, true); err != nil && first == nil {
			first = err
		}
	}
	e.inst.Close()
	trace.Point(e.tracer, trace.ScopeEngine, "engine", "closed")
	return first
}

func (e *Engine) forget(c *Context) {
	e.mu.Lock()
	delete(e.contexts, c.id)
	e.mu.Unlock()
}

// program parses f once per engine and announces it to source listeners.
func (e *Engine) program(f *source.File) (Program, error) {
	if e.cfg.Language == nil {
		return nil, ErrNoLanguage
	}
	e.mu.Lock()
	p, ok := e.programs[f]
	e.mu.Unlock()
	if ok {
		return p, nil
	}
	p, err := e.cfg.Language.Parse(f)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if prev, ok := e.programs[f]; ok {
		e.mu.Unlock()
		return prev, nil
	}
	e.programs[f] = p
	e.mu.Unlock()
	trace.Point(e.tracer, trace.ScopeEngine, "parsed", f.Path, "size", strconv.Itoa(len(f.Content)))
	e.inst.OnSourceLoaded(f)
	return p, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
