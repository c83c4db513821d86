package trace

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestLevelShouldEmit(t *testing.T) {
	tests := []struct {
		level Level
		scope Scope
		want  bool
	}{
		{LevelOff, ScopeEngine, false},
		{LevelError, ScopeEngine, false},
		{LevelLifecycle, ScopeContext, true},
		{LevelLifecycle, ScopeThread, false},
		{LevelDetail, ScopeThread, true},
		{LevelDetail, ScopeProbe, false},
		{LevelDebug, ScopeProbe, true},
	}
	for _, tt := range tests {
		if got := tt.level.ShouldEmit(tt.scope); got != tt.want {
			t.Errorf("%s.ShouldEmit(%s) = %v, want %v", tt.level, tt.scope, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"off", "error", "lifecycle", "detail", "debug", "DEBUG"} {
		if _, err := ParseLevel(s); err != nil {
			t.Errorf("ParseLevel(%q): %v", s, err)
		}
	}
	if _, err := ParseLevel("phase"); err == nil {
		t.Errorf("expected error for unknown level")
	}
}

func TestStreamTracerText(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelDetail, FormatText)
	span := Begin(tr, ScopeContext, "pause", Owner{Context: 1}, nil)
	PointAt(tr, Owner{Context: 1, Thread: 3}, ScopeThread, "poll", "ran 1 action", "actions", "1")
	Point(tr, ScopeProbe, "insert", "") // filtered out by level
	span.WithExtra("outcome", "completed").End("")

	out := buf.String()
	for _, want := range []string{"[c1] context:pause", "[c1/t3] thread:poll (ran 1 action) {actions=1}", "{outcome=completed}"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "insert") {
		t.Fatalf("probe scope must be filtered at detail level:\n%s", out)
	}
}

func TestRingTracerWrapsAndDumpsMsgpack(t *testing.T) {
	ring := NewRingTracer(3, LevelDebug)
	for _, name := range []string{"a", "b", "c", "d"} {
		Point(ring, ScopeProbe, name, "")
	}
	snap := ring.Snapshot()
	if len(snap) != 3 || snap[0].Name != "b" || snap[2].Name != "d" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	var buf bytes.Buffer
	if err := ring.Dump(&buf, FormatMsgpack, nil); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	events, err := DecodeMsgpack(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeMsgpack: %v", err)
	}
	if len(events) != 3 || events[1].Name != "c" || events[1].Scope != ScopeProbe {
		t.Fatalf("decoded %+v", events)
	}
	if _, err := DecodeMsgpack(buf.Bytes()[:buf.Len()-2]); err == nil {
		t.Fatalf("expected truncation error")
	}
}

func TestNewRingWithHeartbeatIsReachable(t *testing.T) {
	tr, err := New(Config{Level: LevelLifecycle, Mode: ModeRing, RingSize: 8, Heartbeat: 1 << 30})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if Ring(tr) == nil {
		t.Fatalf("ring tracer not reachable through heartbeat wrapper")
	}
}

func TestContextPropagation(t *testing.T) {
	if FromContext(context.Background()) != Nop {
		t.Fatalf("expected Nop by default")
	}
	ring := NewRingTracer(4, LevelDebug)
	ctx := WithTracer(context.Background(), ring)
	if FromContext(ctx) != Tracer(ring) {
		t.Fatalf("tracer not propagated")
	}
}

func TestNewOffIsNop(t *testing.T) {
	tr, err := New(Config{Level: LevelOff})
	if err != nil || tr.Enabled() {
		t.Fatalf("expected disabled tracer, got %v %v", tr, err)
	}
}

func TestRingSelectOwnedBy(t *testing.T) {
	ring := NewRingTracer(8, LevelDebug)
	PointAt(ring, Owner{Context: 1}, ScopeContext, "state", "")
	PointAt(ring, Owner{Context: 2, Thread: 5}, ScopeThread, "enter", "")
	Point(ring, ScopeEngine, "parsed", "a.tl")
	got := ring.Select(OwnedBy(2))
	if len(got) != 2 || got[0].Name != "enter" || got[0].Thread != 5 || got[1].Name != "parsed" {
		t.Fatalf("unexpected selection: %+v", got)
	}
}

func TestSpanEndOnceAndOpenSpans(t *testing.T) {
	ring := NewRingTracer(8, LevelDebug)
	before := OpenSpans()
	parent := Begin(ring, ScopeThread, "eval", Owner{Context: 1, Thread: 2}, nil)
	child := Begin(ring, ScopeContext, "pause", Owner{Context: 1}, parent)
	if OpenSpans() != before+2 {
		t.Fatalf("open spans = %d, want %d", OpenSpans(), before+2)
	}
	child.End("")
	child.End("again")
	parent.End("")
	if OpenSpans() != before {
		t.Fatalf("open spans = %d after end, want %d", OpenSpans(), before)
	}
	snap := ring.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("expected 4 events, got %d", len(snap))
	}
	if snap[1].ParentID != parent.ID() || snap[2].Kind != KindSpanEnd || snap[2].Detail != "" {
		t.Fatalf("unexpected events: %+v", snap)
	}

	inert := Begin(Nop, ScopeEngine, "x", Owner{}, nil)
	if inert.ID() != 0 || inert.End("") != 0 {
		t.Fatalf("disabled tracer must return an inert span")
	}
}

func TestMultiTracerCopiesEvents(t *testing.T) {
	a := NewRingTracer(4, LevelDebug)
	b := NewRingTracer(4, LevelDebug)
	m := NewMultiTracer(LevelDebug, a, b)
	Point(m, ScopeProbe, "attach", "")
	sa, sb := a.Snapshot(), b.Snapshot()
	if len(sa) != 1 || len(sb) != 1 || sa[0].Seq == sb[0].Seq {
		t.Fatalf("each tracer must stamp its own copy: %+v %+v", sa, sb)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
