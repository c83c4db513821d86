package instrument

import (
	"errors"
	"strings"
	"testing"

	"tapline/internal/source"
)

type testNode struct {
	tags TagSet
	sec  source.Section
}

func (n *testNode) Tags() TagSet                { return n.tags }
func (n *testNode) Section() source.Section     { return n.sec }
func (n *testNode) RootName() string            { return "main" }
func (n *testNode) RootSection() source.Section { return n.sec }

type testFrame struct {
	depth  int
	thread uint64
}

func (f testFrame) Depth() int     { return f.depth }
func (f testFrame) Thread() uint64 { return f.thread }

type tagFilter TagSet

func (f tagFilter) Matches(n Node) bool             { return n.Tags().Intersects(TagSet(f)) }
func (f tagFilter) MatchesRoot(Node) bool           { return true }
func (f tagFilter) MatchesSource(*source.File) bool { return true }
func (f tagFilter) IsSourceOnly() bool              { return false }
func (f tagFilter) String() string                  { return "tags " + TagSet(f).String() }

var statements = tagFilter(Tags(TagStatement))

func newStatement() *Probe {
	src := source.NewFileSet().AddVirtual("t.tl", []byte("STATEMENT"))
	return NewProbe(&testNode{tags: Tags(TagStatement), sec: src.Section(0, 9)})
}

// recorder logs every notification it receives.
type recorder struct {
	name string
	log  *[]string
}

func (r *recorder) OnEnter(*EventContext, Frame) error {
	*r.log = append(*r.log, r.name+".enter")
	return nil
}

func (r *recorder) OnReturnValue(_ *EventContext, _ Frame, v any) error {
	*r.log = append(*r.log, r.name+".return")
	return nil
}

func (r *recorder) OnReturnExceptional(_ *EventContext, _ Frame, err error) error {
	*r.log = append(*r.log, r.name+".exceptional")
	return nil
}

func mustAttach(t *testing.T, inst *Instrumenter, f Filter, l ExecutionListener) *EventBinding {
	t.Helper()
	b, err := inst.Attach(f, l)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return b
}

func TestProbeNotifiesInAttachOrder(t *testing.T) {
	inst := NewInstrumenter(Options{})
	var log []string
	mustAttach(t, inst, statements, &recorder{name: "a", log: &log})
	mustAttach(t, inst, statements, &recorder{name: "b", log: &log})

	p := newStatement()
	got, err := p.Execute(inst, testFrame{}, func() (any, error) {
		log = append(log, "body")
		return int64(7), nil
	})
	if err != nil || got != int64(7) {
		t.Fatalf("Execute = %v, %v", got, err)
	}
	want := "a.enter b.enter body a.return b.return"
	if strings.Join(log, " ") != want {
		t.Fatalf("log = %q, want %q", strings.Join(log, " "), want)
	}
	if !p.Inserted() {
		t.Fatalf("probe must be inserted")
	}
}

func TestProbeWithoutBindingsRunsBody(t *testing.T) {
	inst := NewInstrumenter(Options{})
	mustAttach(t, inst, tagFilter(Tags(TagCall)), &Listener{})
	p := newStatement()
	got, err := p.Execute(inst, testFrame{}, func() (any, error) { return "x", nil })
	if err != nil || got != "x" || p.Inserted() {
		t.Fatalf("unexpected: %v %v inserted=%v", got, err, p.Inserted())
	}
}

func TestReenterRunsBodyOncePerReenter(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		inst := NewInstrumenter(Options{})
		remaining := n
		mustAttach(t, inst, statements, &Listener{
			ReturnValue: func(ec *EventContext, f Frame, _ any) error {
				if remaining > 0 {
					remaining--
					return ec.CreateUnwind(f, "again", TargetCurrent)
				}
				return nil
			},
			Unwind: func(_ *EventContext, _ Frame, info any) UnwindAction {
				if info != "again" {
					t.Errorf("info = %v", info)
				}
				return Reenter
			},
		})
		runs := 0
		_, err := newStatement().Execute(inst, testFrame{}, func() (any, error) {
			runs++
			return nil, nil
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if runs != n+1 {
			t.Fatalf("reenter %d times: body ran %d times", n, runs)
		}
	}
}

func TestUnwindFromEnterSkipsBodyAndLaterListeners(t *testing.T) {
	inst := NewInstrumenter(Options{})
	var log []string
	mustAttach(t, inst, statements, &Listener{
		Enter: func(ec *EventContext, f Frame) error {
			log = append(log, "a.enter")
			return ec.CreateUnwind(f, nil, TargetCurrent)
		},
		Exceptional: func(*EventContext, Frame, error) error {
			log = append(log, "a.exceptional")
			return nil
		},
		Unwind: func(*EventContext, Frame, any) UnwindAction { return Return(int64(42)) },
	})
	mustAttach(t, inst, statements, &recorder{name: "b", log: &log})

	got, err := newStatement().Execute(inst, testFrame{}, func() (any, error) {
		log = append(log, "body")
		return int64(1), nil
	})
	if err != nil || got != int64(42) {
		t.Fatalf("Execute = %v, %v", got, err)
	}
	if strings.Join(log, " ") != "a.enter a.exceptional" {
		t.Fatalf("log = %v", log)
	}
}

func TestInvalidForcedReturnIsInstrumentError(t *testing.T) {
	inst := NewInstrumenter(Options{})
	mustAttach(t, inst, statements, &Listener{
		Enter:  func(ec *EventContext, f Frame) error { return ec.CreateUnwind(f, nil, TargetCurrent) },
		Unwind: func(*EventContext, Frame, any) UnwindAction { return Return([]int{1}) },
	})
	_, err := newStatement().Execute(inst, testFrame{}, func() (any, error) { return nil, nil })
	var ierr *InstrumentError
	if !errors.As(err, &ierr) || !errors.Is(err, ErrInvalidReturnValue) {
		t.Fatalf("expected invalid return instrument error, got %v", err)
	}
}

func TestUnwindMergeRules(t *testing.T) {
	tests := []struct {
		name string
		a, b UnwindAction
		want string
	}{
		{"continue wins", Reenter, Continue, "continue"},
		{"ignored yields", ignored, Return(int64(1)), "return(1)"},
		{"reenter beats return", Return(int64(1)), Reenter, "reenter"},
		{"first return wins", Return(int64(1)), Return(int64(2)), "return(1)"},
		{"both ignored", ignored, ignored, "ignored"},
	}
	for _, tt := range tests {
		if got := mergeUnwindActions(tt.a, tt.b).String(); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestChainedUnwindsReachEachBinding(t *testing.T) {
	inst := NewInstrumenter(Options{})
	var handled []string
	for _, name := range []string{"a", "b"} {
		name := name
		mustAttach(t, inst, statements, &Listener{
			ReturnValue: func(ec *EventContext, f Frame, _ any) error {
				return ec.CreateUnwind(f, name, TargetCurrent)
			},
			Unwind: func(_ *EventContext, _ Frame, info any) UnwindAction {
				handled = append(handled, info.(string))
				return Return(info)
			},
		})
	}
	got, err := newStatement().Execute(inst, testFrame{}, func() (any, error) { return nil, nil })
	if err != nil || got != "a" {
		t.Fatalf("Execute = %v, %v", got, err)
	}
	if strings.Join(handled, ",") != "a,b" {
		t.Fatalf("handled = %v", handled)
	}
}

func TestUnwindTargetDepthPassesInnerProbes(t *testing.T) {
	inst := NewInstrumenter(Options{})
	var seen []int
	mustAttach(t, inst, statements, &Listener{
		Enter: func(ec *EventContext, f Frame) error {
			if f.Depth() == 2 {
				return ec.CreateUnwind(f, nil, 0)
			}
			return nil
		},
		Unwind: func(_ *EventContext, f Frame, _ any) UnwindAction {
			seen = append(seen, f.Depth())
			return Return("outer")
		},
	})
	outer, mid, inner := newStatement(), newStatement(), newStatement()
	got, err := outer.Execute(inst, testFrame{depth: 0}, func() (any, error) {
		return mid.Execute(inst, testFrame{depth: 1}, func() (any, error) {
			return inner.Execute(inst, testFrame{depth: 2}, func() (any, error) {
				t.Fatalf("inner body must not run")
				return nil, nil
			})
		})
	})
	if err != nil || got != "outer" {
		t.Fatalf("Execute = %v, %v", got, err)
	}
	if len(seen) != 1 || seen[0] != 0 {
		t.Fatalf("OnUnwind depths = %v, want [0]", seen)
	}
}

func TestListenerFailureIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	inst := NewInstrumenter(Options{})
	b := mustAttach(t, inst, statements, &Listener{
		Enter: func(*EventContext, Frame) error { return boom },
	})
	ran := false
	_, err := newStatement().Execute(inst, testFrame{}, func() (any, error) {
		ran = true
		return nil, nil
	})
	var ierr *InstrumentError
	if !errors.As(err, &ierr) || ierr.Binding != b || ierr.Event != "onEnter" || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped onEnter failure, got %v", err)
	}
	if ran {
		t.Fatalf("body must not run after a failed enter")
	}
}

func TestListenerPanicBecomesPanicError(t *testing.T) {
	inst := NewInstrumenter(Options{})
	mustAttach(t, inst, statements, &Listener{
		ReturnValue: func(*EventContext, Frame, any) error { panic("kaboom") },
	})
	_, err := newStatement().Execute(inst, testFrame{}, func() (any, error) { return nil, nil })
	var perr *PanicError
	if !errors.As(err, &perr) || perr.Value != "kaboom" {
		t.Fatalf("expected PanicError, got %v", err)
	}
}

func TestExceptionalFailureIsSuppressed(t *testing.T) {
	guestErr := errors.New("guest failure")
	inst := NewInstrumenter(Options{})
	mustAttach(t, inst, statements, &Listener{
		Exceptional: func(*EventContext, Frame, error) error { return errors.New("listener failure") },
	})
	_, err := newStatement().Execute(inst, testFrame{}, func() (any, error) { return nil, guestErr })
	if !errors.Is(err, guestErr) {
		t.Fatalf("original error must stay visible, got %v", err)
	}
	var se *SuppressedError
	if !errors.As(err, &se) || len(se.Suppressed) != 1 {
		t.Fatalf("expected one suppressed failure, got %v", err)
	}
}

func TestLogPolicyContinues(t *testing.T) {
	var reported []*InstrumentError
	inst := NewInstrumenter(Options{Errors: ErrorsLog, OnError: func(e *InstrumentError) { reported = append(reported, e) }})
	mustAttach(t, inst, statements, &Listener{
		Enter: func(*EventContext, Frame) error { return errors.New("ignored") },
	})
	got, err := newStatement().Execute(inst, testFrame{}, func() (any, error) { return int64(5), nil })
	if err != nil || got != int64(5) || len(reported) != 1 {
		t.Fatalf("got %v %v reported=%d", got, err, len(reported))
	}
}

type stopSignal struct{}

func (stopSignal) Error() string { return "stop" }
func (stopSignal) ControlFlow()  {}

func TestControlFlowFromListenerPropagatesUnwrapped(t *testing.T) {
	inst := NewInstrumenter(Options{})
	var log []string
	mustAttach(t, inst, statements, &recorder{name: "a", log: &log})
	mustAttach(t, inst, statements, &Listener{
		Enter: func(*EventContext, Frame) error { return stopSignal{} },
	})
	_, err := newStatement().Execute(inst, testFrame{}, func() (any, error) { return nil, nil })
	if _, ok := err.(stopSignal); !ok {
		t.Fatalf("expected bare control-flow error, got %T %v", err, err)
	}
	if strings.Join(log, " ") != "a.enter" {
		t.Fatalf("control flow must skip notifications, log = %v", log)
	}
}

func TestDisposeInsideCallback(t *testing.T) {
	inst := NewInstrumenter(Options{})
	calls := 0
	var b *EventBinding
	b = mustAttach(t, inst, statements, &Listener{
		Enter: func(*EventContext, Frame) error {
			calls++
			b.Dispose()
			b.Dispose()
			return nil
		},
		ReturnValue: func(*EventContext, Frame, any) error {
			calls++
			return nil
		},
	})
	p := newStatement()
	for i := 0; i < 3; i++ {
		if _, err := p.Execute(inst, testFrame{}, func() (any, error) { return nil, nil }); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 2 {
		t.Fatalf("in-flight execution completes, later ones are not observed: calls = %d", calls)
	}
	if !b.IsDisposed() || p.Inserted() || len(inst.Bindings()) != 0 {
		t.Fatalf("binding not fully removed")
	}
}

type countingNode struct {
	Listener
	disposed *int
}

func (n *countingNode) OnDispose(*EventContext) { *n.disposed++ }

func TestFactoryNodesPerPositionAndDisposed(t *testing.T) {
	inst := NewInstrumenter(Options{})
	created, disposed := 0, 0
	b, err := inst.AttachFactory(statements, FactoryFunc(func(ec *EventContext) EventNode {
		created++
		return &countingNode{disposed: &disposed}
	}))
	if err != nil {
		t.Fatal(err)
	}
	p1, p2 := newStatement(), newStatement()
	for i := 0; i < 2; i++ {
		p1.Execute(inst, testFrame{}, func() (any, error) { return nil, nil })
		p2.Execute(inst, testFrame{}, func() (any, error) { return nil, nil })
	}
	// a second binding bumps the epoch; existing nodes must be reused
	mustAttach(t, inst, statements, &Listener{})
	p1.Execute(inst, testFrame{}, func() (any, error) { return nil, nil })
	if created != 2 {
		t.Fatalf("created = %d, want one node per position", created)
	}
	b.Dispose()
	if disposed != 2 {
		t.Fatalf("disposed = %d", disposed)
	}
}

func TestUnwindOnOtherThreadPanics(t *testing.T) {
	inst := NewInstrumenter(Options{})
	var shared *UnwindSignal
	mustAttach(t, inst, statements, &Listener{
		Enter: func(ec *EventContext, f Frame) error {
			if shared == nil {
				shared = ec.CreateUnwind(f, nil, TargetCurrent)
			}
			return shared
		},
		Unwind: func(*EventContext, Frame, any) UnwindAction { return Return(nil) },
	})
	p := newStatement()
	if _, err := p.Execute(inst, testFrame{thread: 1}, func() (any, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if _, ok := recover().(*Violation); !ok {
			t.Fatalf("expected violation panic")
		}
	}()
	p.Execute(inst, testFrame{thread: 2}, func() (any, error) { return nil, nil })
}

func TestLoadSourceListener(t *testing.T) {
	inst := NewInstrumenter(Options{})
	fs := source.NewFileSet()
	first := fs.AddVirtual("a.tl", nil)
	inst.OnSourceLoaded(first)

	var loaded []string
	b, err := inst.AttachLoadSourceListener(statements, LoadSourceFunc(func(f *source.File) {
		loaded = append(loaded, f.Path)
	}), true)
	if err != nil {
		t.Fatal(err)
	}
	inst.OnSourceLoaded(fs.AddVirtual("b.tl", nil))
	b.Dispose()
	inst.OnSourceLoaded(fs.AddVirtual("c.tl", nil))
	if strings.Join(loaded, ",") != "a.tl,b.tl" {
		t.Fatalf("loaded = %v", loaded)
	}
}

func TestAttachValidation(t *testing.T) {
	inst := NewInstrumenter(Options{})
	if _, err := inst.Attach(nil, &Listener{}); !errors.Is(err, ErrNilFilter) {
		t.Errorf("nil filter: %v", err)
	}
	if _, err := inst.Attach(statements, nil); !errors.Is(err, ErrNilListener) {
		t.Errorf("nil listener: %v", err)
	}
	inst.Close()
	if _, err := inst.Attach(statements, &Listener{}); !errors.Is(err, ErrDisposed) {
		t.Errorf("closed: %v", err)
	}
}

func TestTagSet(t *testing.T) {
	s := Tags(TagStatement, TagCall)
	if !s.Has(TagCall) || s.Has(TagRoot) || s.Len() != 2 {
		t.Fatalf("bad set %s", s)
	}
	if s.String() != "[STATEMENT, CALL]" {
		t.Fatalf("String = %s", s)
	}
	tag, err := ParseTag("expression")
	if err != nil || tag != TagExpression {
		t.Fatalf("ParseTag = %v %v", tag, err)
	}
	if _, err := ParseTag("NOPE"); err == nil {
		t.Fatalf("expected error")
	}
}
