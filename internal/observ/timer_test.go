package observ

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestTimerOverlappingPhases(t *testing.T) {
	tm := NewTimer()
	var wg sync.WaitGroup
	for _, name := range []string{"eval a.tl", "eval b.tl"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx := tm.Begin(name)
			time.Sleep(10 * time.Millisecond)
			tm.End(idx, "ok")
		}()
	}
	wg.Wait()
	tm.End(42, "ignored")

	r := tm.Report()
	if len(r.Phases) != 2 {
		t.Fatalf("phases = %+v", r.Phases)
	}
	longest := max(r.Phases[0].DurationMS, r.Phases[1].DurationMS)
	if r.TotalMS < longest {
		t.Fatalf("total %.2f ms is shorter than the longest phase %.2f ms", r.TotalMS, longest)
	}
	if s := tm.Summary(); !strings.Contains(s, "eval a.tl") || !strings.Contains(s, "// ok") {
		t.Fatalf("summary = %q", s)
	}
}

func TestEmptyTimer(t *testing.T) {
	if r := NewTimer().Report(); r.TotalMS != 0 || r.Phases != nil {
		t.Fatalf("report = %+v", r)
	}
}
