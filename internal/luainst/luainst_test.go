package luainst

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"tapline/internal/engine"
	"tapline/internal/guest"
	"tapline/internal/instrument"
)

type fixture struct {
	e   *engine.Engine
	c   *engine.Context
	out *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	e := engine.New(engine.Config{Language: guest.New(guest.Options{Stdout: io.Discard})})
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	c, err := e.NewContext(engine.ContextOptions{})
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	return &fixture{e: e, c: c, out: &bytes.Buffer{}}
}

func (fx *fixture) load(t *testing.T, code string) *Script {
	t.Helper()
	s, err := Load("test.lua", code, Options{Output: fx.out})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(s.Close)
	if _, err := s.Attach(fx.e.Instrumenter()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return s
}

func (fx *fixture) eval(t *testing.T, name, text string) (any, error) {
	t.Helper()
	return fx.c.Eval(context.Background(), fx.e.AddSource(name, text))
}

func TestScriptObservesStatements(t *testing.T) {
	fx := newFixture(t)
	fx.load(t, `
		local n = 0
		function on_enter(ev)
			n = n + 1
			tapline.log("enter", ev.source, ev.line, ev.tags[1], n)
		end
	`)
	if _, err := fx.eval(t, "main.tl", "STATEMENT\nEXPRESSION\nSTATEMENT\n"); err != nil {
		t.Fatalf("eval: %v", err)
	}
	want := "enter main.tl 1 STATEMENT 1\nenter main.tl 3 STATEMENT 2\n"
	if fx.out.String() != want {
		t.Fatalf("output = %q, want %q", fx.out.String(), want)
	}
}

func TestScriptFilter(t *testing.T) {
	fx := newFixture(t)
	fx.load(t, `
		filter = { tags = {"CONSTANT"}, sources = {"*.tl"}, lines = {2, 2} }
		function on_return(ev, value)
			tapline.log(ev.line, value)
		end
	`)
	if _, err := fx.eval(t, "a.tl", "CONSTANT(1)\nCONSTANT(\"two\")\n"); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if _, err := fx.eval(t, "b.other", "CONSTANT(1)\nCONSTANT(3)\n"); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if fx.out.String() != "2 two\n" {
		t.Fatalf("output = %q", fx.out.String())
	}
}

func TestScriptForcesReturnValue(t *testing.T) {
	fx := newFixture(t)
	fx.load(t, `
		filter = { tags = "CALL" }
		function on_enter(ev)
			tapline.force(42)
		end
	`)
	v, err := fx.eval(t, "main.tl", `DEFINE(f, THROW(Never, "x")), CALL(f)`)
	if err != nil || v != int64(42) {
		t.Fatalf("v = %v, err = %v", v, err)
	}
}

func TestScriptReenter(t *testing.T) {
	fx := newFixture(t)
	fx.load(t, `
		local entered = 0
		function on_enter(ev) entered = entered + 1 end
		function on_error(ev, message)
			if entered < 3 then tapline.reenter() end
			tapline.log(message)
		end
	`)
	_, err := fx.eval(t, "main.tl", `STATEMENT(THROW(Boom, "fail"))`)
	var exc *guest.Exception
	if !errors.As(err, &exc) || exc.Kind != "Boom" {
		t.Fatalf("err = %v, want Boom", err)
	}
	if n := strings.Count(fx.out.String(), "Boom: fail"); n != 3 {
		t.Fatalf("on_error ran %d times, output %q", n, fx.out.String())
	}
}

func TestScriptErrorsBecomeListenerFailures(t *testing.T) {
	fx := newFixture(t)
	fx.load(t, `function on_enter(ev) error("broken") end`)
	_, err := fx.eval(t, "main.tl", "STATEMENT")
	var ie *instrument.InstrumentError
	if !errors.As(err, &ie) || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("err = %v, want InstrumentError", err)
	}
}

func TestScriptTimeout(t *testing.T) {
	fx := newFixture(t)
	s, err := Load("spin.lua", `function on_enter(ev) while true do end end`, Options{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer s.Close()
	if _, err := s.Attach(fx.e.Instrumenter()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := fx.eval(t, "main.tl", "STATEMENT"); err == nil {
		t.Fatalf("expected a timeout error")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"syntax", "function on_enter("},
		{"no callbacks", "x = 1"},
		{"sandboxed", `dofile("/etc/passwd")`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.name, tt.code, Options{}); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}

	s, err := Load("bad-filter", `filter = { tags = {"NOPE"} } function on_enter() end`, Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer s.Close()
	if _, err := s.Filter(); err == nil || !strings.Contains(err.Error(), "NOPE") {
		t.Fatalf("filter err = %v", err)
	}
}
