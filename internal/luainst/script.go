package luainst

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"tapline/internal/filter"
	"tapline/internal/instrument"
)

// DefaultTimeout bounds a single callback.
const DefaultTimeout = time.Second

// ErrScriptClosed is returned by callbacks of a closed script.
var ErrScriptClosed = errors.New("lua script is closed")

// Options configures a Script.
type Options struct {
	// Output receives tapline.log lines. Defaults to stderr.
	Output  io.Writer
	Timeout time.Duration
}

// Script is a loaded Lua instrumentation script.
type Script struct {
	name string
	opts Options

	mu       sync.Mutex
	L        *lua.LState
	closed   bool
	onEnter  *lua.LFunction
	onReturn *lua.LFunction
	onError  *lua.LFunction
	// pending is the unwind requested by the running callback.
	pending *unwindRequest
}

type unwindRequest struct {
	reenter bool
	value   any
}

// LoadFile loads the script at path.
func LoadFile(path string, opts Options) (*Script, error) {
	code, err := os.ReadFile(path) // #nosec G304 -- path is provided by the caller
	if err != nil {
		return nil, err
	}
	return Load(path, string(code), opts)
}

// Load compiles and runs code, then picks up its callbacks.
func Load(name, code string, opts Options) (*Script, error) {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	s := &Script{name: name, opts: opts}
	s.L = lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(s.L)
	s.installAPI()

	if err := s.protect(func() error { return s.L.DoString(code) }); err != nil {
		s.L.Close()
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	s.onEnter = s.function("on_enter")
	s.onReturn = s.function("on_return")
	s.onError = s.function("on_error")
	if s.onEnter == nil && s.onReturn == nil && s.onError == nil {
		s.L.Close()
		return nil, fmt.Errorf("load %s: no on_enter, on_return or on_error callback", name)
	}
	return s, nil
}

// openSafeLibraries opens the libraries that cannot reach the host.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func (s *Script) installAPI() {
	s.L.SetGlobal("tapline", s.L.SetFuncs(s.L.NewTable(), map[string]lua.LGFunction{
		"log": func(L *lua.LState) int {
			parts := make([]string, L.GetTop())
			for i := range parts {
				parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
			}
			_, _ = fmt.Fprintln(s.opts.Output, strings.Join(parts, " "))
			return 0
		},
		"reenter": func(L *lua.LState) int {
			s.pending = &unwindRequest{reenter: true}
			return 0
		},
		"force": func(L *lua.LState) int {
			v, err := toGuest(L.Get(1))
			if err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			s.pending = &unwindRequest{value: v}
			return 0
		},
	}))
}

func (s *Script) function(name string) *lua.LFunction {
	fn, _ := s.L.GetGlobal(name).(*lua.LFunction)
	return fn
}

// Name returns the name the script was loaded under.
func (s *Script) Name() string { return s.name }

// Filter builds the filter the script declares.
func (s *Script) Filter() (*filter.Filter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrScriptClosed
	}
	b := filter.NewBuilder().IncludeInternal(false)
	tbl, ok := s.L.GetGlobal("filter").(*lua.LTable)
	if !ok {
		return b.TagIs(instrument.TagStatement).Build()
	}

	tags := []instrument.Tag{}
	var tagErr error
	forEachString(tbl.RawGetString("tags"), func(name string) {
		tag, err := instrument.ParseTag(name)
		if err != nil && tagErr == nil {
			tagErr = err
		}
		tags = append(tags, tag)
	})
	if tagErr != nil {
		return nil, fmt.Errorf("%s: filter.tags: %w", s.name, tagErr)
	}
	if len(tags) == 0 {
		tags = append(tags, instrument.TagStatement)
	}
	b = b.TagIs(tags...)

	var patterns []string
	forEachString(tbl.RawGetString("sources"), func(p string) { patterns = append(patterns, p) })
	if len(patterns) > 0 {
		pred, err := filter.Glob(patterns...)
		if err != nil {
			return nil, fmt.Errorf("%s: filter.sources: %w", s.name, err)
		}
		b = b.SourceFilter(pred)
	}

	if lines, ok := tbl.RawGetString("lines").(*lua.LTable); ok {
		first, ok1 := lines.RawGetInt(1).(lua.LNumber)
		last, ok2 := lines.RawGetInt(2).(lua.LNumber)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%s: filter.lines must be {first, last}", s.name)
		}
		b = b.LineIn(int(first), int(last)-int(first)+1)
	}
	return b.Build()
}

func forEachString(v lua.LValue, fn func(string)) {
	switch t := v.(type) {
	case lua.LString:
		fn(string(t))
	case *lua.LTable:
		t.ForEach(func(_, v lua.LValue) {
			if s, ok := v.(lua.LString); ok {
				fn(string(s))
			}
		})
	}
}

// Attach binds the script to inst with its declared filter.
func (s *Script) Attach(inst *instrument.Instrumenter) (*instrument.EventBinding, error) {
	f, err := s.Filter()
	if err != nil {
		return nil, err
	}
	return inst.Attach(f, &listener{s: s})
}

// Close releases the Lua state. Later callbacks fail with ErrScriptClosed.
func (s *Script) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.L.Close()
}

// call runs fn under the callback timeout and returns the requested
// unwind, if any. args builds the arguments once the state is locked.
func (s *Script) call(fn *lua.LFunction, args func(L *lua.LState) []lua.LValue) (*unwindRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrScriptClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	s.pending = nil
	err := s.protect(func() error {
		return s.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args(s.L)...)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	req := s.pending
	s.pending = nil
	return req, nil
}

func (s *Script) protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}
