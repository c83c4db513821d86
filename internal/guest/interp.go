package guest

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"fortio.org/safecast"

	"tapline/internal/engine"
	"tapline/internal/instrument"
	"tapline/internal/source"
)

// DefaultMaxDepth bounds the CALL depth before a StackOverflow exception.
const DefaultMaxDepth = 512

// Options configures the language.
type Options struct {
	Stdout   io.Writer
	Stderr   io.Writer
	MaxDepth int
}

// Language is the engine.Language of the tag-tree language.
type Language struct {
	opts Options
}

// New creates the language.
func New(opts Options) *Language {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Language{opts: opts}
}

// MimeType is the mime type of tag-tree sources.
func (l *Language) MimeType() string { return source.DefaultMimeType }

// IsGuestValue lets the engine check values listeners hand to guest code.
func (l *Language) IsGuestValue(v any) bool { return IsValue(v) }

// Parse parses f and binds the program to l's output streams and limits.
func (l *Language) Parse(f *source.File) (engine.Program, error) {
	p, err := Parse(f)
	if err != nil {
		return nil, err
	}
	p.lang = l
	return p, nil
}

// Execute runs the program on an entered thread.
func (p *Program) Execute(t *engine.Thread) (any, error) {
	lang := p.lang
	if lang == nil {
		lang = New(Options{})
	}
	in := &interp{lang: lang, inst: t.Instrumenter(), g: globalsOf(t.Context())}
	return in.exec(p.Top.Body, newFrame(t, 0))
}

type globalsKey struct{}

// globals is the state one context shares between its threads.
type globals struct {
	mu    sync.Mutex
	funcs map[string]*Root
	tasks []*engine.Task
	alloc *instrument.AllocationReporter
	out   sync.Mutex
}

func globalsOf(c *engine.Context) *globals {
	return c.Local(globalsKey{}, func() any {
		return &globals{
			funcs: make(map[string]*Root),
			alloc: c.Engine().Instrumenter().NewAllocationReporter(source.DefaultMimeType),
		}
	}).(*globals)
}

func (g *globals) define(name string, fn *Root) {
	g.mu.Lock()
	g.funcs[name] = fn
	g.mu.Unlock()
}

func (g *globals) lookup(name string) (*Root, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn, ok := g.funcs[name]
	return fn, ok
}

func (g *globals) spawned(k *engine.Task) {
	g.mu.Lock()
	g.tasks = append(g.tasks, k)
	g.mu.Unlock()
}

func (g *globals) takeTasks() []*engine.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	tasks := g.tasks
	g.tasks = nil
	return tasks
}

// frame is one root activation.
type frame struct {
	t     *engine.Thread
	depth int
	vars  map[string]any
}

func newFrame(t *engine.Thread, depth int) *frame {
	return &frame{t: t, depth: depth, vars: make(map[string]any)}
}

func (f *frame) Depth() int                   { return f.depth }
func (f *frame) Thread() uint64               { return f.t.ID() }
func (f *frame) EngineThread() *engine.Thread { return f.t }

type interp struct {
	lang *Language
	inst *instrument.Instrumenter
	g    *globals
}

// exec polls, then evaluates n under its probe.
func (in *interp) exec(n *Node, fr *frame) (any, error) {
	if err := fr.t.Poll(); err != nil {
		return nil, err
	}
	return n.run(in.inst, n.root, fr, func() (any, error) {
		return in.eval(n, fr)
	})
}

func (in *interp) block(nodes []*Node, fr *frame) (any, error) {
	var last any
	for _, c := range nodes {
		v, err := in.exec(c, fr)
		if err != nil {
			return nil, err
		}
		last = v
	}
	return last, nil
}

func (in *interp) eval(n *Node, fr *frame) (any, error) {
	switch n.Kind {
	case KindRoot, KindBody, KindBlock, KindStatement, KindExpression,
		KindMultiple, KindInternal, KindCatch:
		return in.block(n.Children, fr)

	case KindConstant:
		return n.Value, nil

	case KindVariable:
		v, err := in.block(n.Children, fr)
		if err != nil {
			return nil, err
		}
		fr.vars[n.Name] = v
		return v, nil

	case KindRead:
		v, ok := fr.vars[n.Name]
		if !ok {
			return nil, throwf(n, "UndefinedVariable", "%s is not defined", n.Name)
		}
		return v, nil

	case KindDefine:
		in.g.define(n.Name, n.Value.(*Root))
		return nil, nil

	case KindCall:
		return in.call(n, fr)

	case KindLoop:
		return in.loop(n, fr)

	case KindPrint:
		w := in.lang.opts.Stdout
		if n.Name == "ERR" {
			w = in.lang.opts.Stderr
		}
		in.g.out.Lock()
		_, err := fmt.Fprintln(w, n.Text)
		in.g.out.Unlock()
		if err != nil {
			return nil, throwf(n, "IOError", "%v", err)
		}
		return nil, nil

	case KindThrow:
		return nil, &Exception{Kind: n.Name, Message: n.Text, Section: n.section}

	case KindTry:
		return in.try(n, fr)

	case KindSleep:
		ms := n.Value.(int64)
		if err := fr.t.Sleep(time.Duration(ms) * time.Millisecond); err != nil {
			return nil, err
		}
		return nil, nil

	case KindSpawn:
		return in.spawn(n, fr)

	case KindJoin:
		var first error
		for _, k := range in.g.takeTasks() {
			if _, err := k.Join(fr.t); err != nil && first == nil {
				first = err
			}
		}
		return nil, first

	case KindAllocation:
		size := n.Value.(int64)
		obj := &Object{Size: size}
		r := in.g.alloc
		if !r.Active() {
			return obj, nil
		}
		if err := r.OnEnter(fr.t.ID(), nil, 0, size); err != nil {
			return nil, err
		}
		if err := r.OnReturnValue(fr.t.ID(), obj, size); err != nil {
			return nil, err
		}
		return obj, nil

	case KindExit:
		code, err := safecast.Conv[int](n.Value.(int64))
		if err != nil {
			return nil, throwf(n, "InvalidExitCode", "%v", err)
		}
		return nil, fr.t.Exit(code)
	}
	return nil, throwf(n, "Unsupported", "cannot evaluate %s", n.Kind)
}

func (in *interp) call(n *Node, fr *frame) (any, error) {
	fn, ok := in.g.lookup(n.Name)
	if !ok {
		return nil, throwf(n, "UndefinedFunction", "%s is not defined", n.Name)
	}
	if _, err := in.block(n.Children, fr); err != nil {
		return nil, err
	}
	if fr.depth+1 > in.lang.opts.MaxDepth {
		return nil, throwf(n, "StackOverflow", "call depth %d exceeded", in.lang.opts.MaxDepth)
	}
	return in.exec(fn.Body, newFrame(fr.t, fr.depth+1))
}

func (in *interp) loop(n *Node, fr *frame) (any, error) {
	count := n.Value.(int64)
	var last any
	for i := int64(0); count < 0 || i < count; i++ {
		if i > 0 {
			if err := fr.t.Poll(); err != nil {
				return nil, err
			}
		}
		v, err := in.block(n.Children, fr)
		if err != nil {
			return nil, err
		}
		last = v
	}
	return last, nil
}

// try catches guest exceptions by kind. Control flow and listener failures
// pass through.
func (in *interp) try(n *Node, fr *frame) (any, error) {
	v, err := in.block(n.Children, fr)
	if err == nil {
		return v, nil
	}
	exc := asException(err)
	if exc == nil {
		return nil, err
	}
	for _, c := range n.Catches {
		if c.Name == exc.Kind {
			return in.exec(c, fr)
		}
	}
	return nil, err
}

func (in *interp) spawn(n *Node, fr *frame) (any, error) {
	fn, ok := in.g.lookup(n.Name)
	if !ok {
		return nil, throwf(n, "UndefinedFunction", "%s is not defined", n.Name)
	}
	if _, err := in.block(n.Children, fr); err != nil {
		return nil, err
	}
	k, err := fr.t.Spawn(func(nt *engine.Thread) (any, error) {
		res, err := in.exec(fn.Body, newFrame(nt, 0))
		if _, ok := err.(*instrument.UnwindSignal); ok {
			return nil, nil
		}
		return res, err
	})
	if err != nil {
		return nil, err
	}
	in.g.spawned(k)
	return nil, nil
}
