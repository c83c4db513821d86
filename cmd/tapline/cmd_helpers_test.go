package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"tapline/internal/config"
	"tapline/internal/coverage"
	"tapline/internal/engine"
	"tapline/internal/filter"
	"tapline/internal/guest"
	"tapline/internal/instrument"
	"tapline/internal/source"
	"tapline/internal/ui"
)

func TestParseLineRange(t *testing.T) {
	cases := []struct {
		spec       string
		start, end int
		wantErr    bool
	}{
		{"3", 3, 4, false},
		{"2-5", 2, 6, false},
		{" 7 ", 7, 8, false},
		{"0", 0, 0, true},
		{"x", 0, 0, true},
		{"4-2", 0, 0, true},
	}
	for _, tc := range cases {
		r, err := parseLineRange(tc.spec)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseLineRange(%q) = %v, want error", tc.spec, r)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseLineRange(%q) error: %v", tc.spec, err)
		}
		if r.Start != tc.start || r.End != tc.end {
			t.Fatalf("parseLineRange(%q) = [%d,%d), want [%d,%d)", tc.spec, r.Start, r.End, tc.start, tc.end)
		}
	}
}

func TestFormatLines(t *testing.T) {
	cases := []struct {
		lines []uint32
		want  string
	}{
		{nil, ""},
		{[]uint32{4}, "4"},
		{[]uint32{1, 2, 3, 7}, "1-3,7"},
		{[]uint32{1, 3, 5, 6}, "1,3,5-6"},
	}
	for _, tc := range cases {
		if got := formatLines(tc.lines); got != tc.want {
			t.Fatalf("formatLines(%v) = %q, want %q", tc.lines, got, tc.want)
		}
	}
}

func TestReadUIMode(t *testing.T) {
	for in, want := range map[string]uiMode{"": uiModeAuto, "AUTO": uiModeAuto, "on": uiModeOn, " off ": uiModeOff} {
		got, err := readUIMode(in)
		if err != nil || got != want {
			t.Fatalf("readUIMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := readUIMode("sometimes"); err == nil {
		t.Fatalf("expected error for invalid mode")
	}
	if !shouldUseTUI(uiModeOn, true) || shouldUseTUI(uiModeOff, false) || shouldUseTUI(uiModeAuto, true) {
		t.Fatalf("unexpected shouldUseTUI decisions")
	}
}

func TestExitStatus(t *testing.T) {
	plain := errors.New("boom")
	cases := []struct {
		name string
		err  error
		code int // -1: err returned unchanged
	}{
		{"nil", nil, -1},
		{"plain", plain, -1},
		{"exit zero", &engine.ContextError{Kind: engine.KindExited}, 0},
		{"exit code", fmt.Errorf("wrapped: %w", &engine.ContextError{Kind: engine.KindExited, ExitCode: 3}), 3},
		{"interrupted", &engine.ContextError{Kind: engine.KindInterrupted}, 130},
		{"cancelled", &engine.ContextError{Kind: engine.KindCancelled}, -1},
	}
	for _, tc := range cases {
		got := exitStatus(tc.err)
		var exit *exitError
		switch {
		case tc.code == -1:
			if got != tc.err {
				t.Fatalf("%s: exitStatus = %v, want %v", tc.name, got, tc.err)
			}
		case tc.code == 0:
			if got != nil {
				t.Fatalf("%s: exitStatus = %v, want nil", tc.name, got)
			}
		case !errors.As(got, &exit) || exit.code != tc.code:
			t.Fatalf("%s: exitStatus = %v, want exit %d", tc.name, got, tc.code)
		}
	}
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want ui.Status
	}{
		{nil, ui.StatusDone},
		{&engine.ContextError{Kind: engine.KindExited}, ui.StatusDone},
		{&engine.ContextError{Kind: engine.KindCancelled}, ui.StatusCancelled},
		{errors.New("boom"), ui.StatusError},
	}
	for _, tc := range cases {
		if got := statusOf(tc.err); got != tc.want {
			t.Fatalf("statusOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestMatchingNodes(t *testing.T) {
	text := "STATEMENT\nDEFINE(f, STATEMENT(CONSTANT(1)))\nINTERNAL(STATEMENT)\n"
	f := source.NewFileSet().AddVirtual("match.tl", []byte(text))
	prog, err := guest.Parse(f)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r, err := parseLineRange("2")
	if err != nil {
		t.Fatalf("parseLineRange: %v", err)
	}
	flt := filter.NewBuilder().IncludeInternal(false).TagIs(instrument.TagStatement).LineInRanges(r).MustBuild()
	nodes := matchingNodes(prog, flt)
	if len(nodes) != 1 || nodes[0].Section().Text() != "STATEMENT(CONSTANT(1))" {
		t.Fatalf("unexpected matches: %v", nodes)
	}
	all := matchingNodes(prog, filter.NewBuilder().IncludeInternal(false).TagIs(instrument.TagStatement).MustBuild())
	if len(all) != 2 {
		t.Fatalf("expected 2 statements outside INTERNAL, got %d", len(all))
	}
}

func TestEvalFilesSequential(t *testing.T) {
	var out bytes.Buffer
	eng := engine.New(engine.Config{Language: guest.New(guest.Options{Stdout: &out})})
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	tracker, err := coverage.Start(eng.Instrumenter(), coverage.Options{Discover: discoverSections(nil)})
	if err != nil {
		t.Fatalf("coverage: %v", err)
	}
	files := []*source.File{
		eng.AddSource("a.tl", `STATEMENT(PRINT(OUT, "a"))`),
		eng.AddSource("b.tl", `STATEMENT(PRINT(OUT, "b")), TRY(STATEMENT, CATCH(Never, STATEMENT))`),
	}
	c, err := eng.NewContext(engine.ContextOptions{Name: "test"})
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	events := make(chan ui.Event, 16)
	if err := evalFiles(context.Background(), c, files, false, events); err != nil {
		t.Fatalf("evalFiles: %v", err)
	}
	close(events)
	if out.String() != "a\nb\n" {
		t.Fatalf("stdout = %q, want %q", out.String(), "a\nb\n")
	}
	done := 0
	for ev := range events {
		if ev.File != "" && ev.Status == ui.StatusDone {
			done++
		}
	}
	if done != 2 {
		t.Fatalf("expected 2 done events, got %d", done)
	}

	tracker.Stop()
	report := tracker.Snapshot()
	if len(report.Files) != 2 {
		t.Fatalf("expected 2 files in coverage, got %d", len(report.Files))
	}
	// CATCH body never runs
	if pct := report.Percent(); pct <= 50 || pct >= 100 {
		t.Fatalf("coverage = %.1f%%, want partial", pct)
	}
}

func TestEvalFilesExit(t *testing.T) {
	eng := engine.New(engine.Config{Language: guest.New(guest.Options{Stdout: &bytes.Buffer{}})})
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	c, err := eng.NewContext(engine.ContextOptions{})
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	err = evalFiles(context.Background(), c, []*source.File{eng.AddSource("exit.tl", "EXIT(4)")}, true, nil)
	var exit *exitError
	if !errors.As(exitStatus(err), &exit) || exit.code != 4 {
		t.Fatalf("expected exit 4, got %v", err)
	}
}

func TestBuildLimits(t *testing.T) {
	var stderr bytes.Buffer
	limits, err := buildLimits(&runOptions{}, &stderr)
	if err != nil || limits != nil {
		t.Fatalf("no limit: got %v, %v", limits, err)
	}
	limits, err = buildLimits(&runOptions{statementLimit: 5, limitSources: []string{"*.tl"}}, &stderr)
	if err != nil {
		t.Fatalf("buildLimits: %v", err)
	}
	if limits.StatementLimit != 5 || limits.StatementSources == nil {
		t.Fatalf("unexpected limits: %+v", limits)
	}
	if _, err := buildLimits(&runOptions{statementLimit: 5, limitSources: []string{"["}}, &stderr); err == nil {
		t.Fatalf("expected glob error")
	}
}

func TestPrintCoverage(t *testing.T) {
	r := &coverage.Report{Files: []coverage.File{{
		Path: filepath.Join("src", "a.tl"),
		Positions: []coverage.Position{
			{StartLine: 1, StartCol: 1, EndLine: 1, EndCol: 9, Hits: 2},
			{StartLine: 2, StartCol: 1, EndLine: 2, EndCol: 9},
			{StartLine: 3, StartCol: 1, EndLine: 3, EndCol: 9},
		},
	}}}
	var out bytes.Buffer
	printCoverage(&out, r, true)
	got := out.String()
	for _, want := range []string{"33.3%", "(1/3)", "uncovered lines: 2-3", "total"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output %q does not contain %q", got, want)
		}
	}
}

func TestConfigFromDefaults(t *testing.T) {
	cfg := configFrom(versionCmd)
	if cfg.Trace.Level != config.Default().Trace.Level {
		t.Fatalf("expected default config, got %+v", cfg)
	}
}
