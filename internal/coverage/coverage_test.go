package coverage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"tapline/internal/engine"
	"tapline/internal/guest"
	"tapline/internal/instrument"
	"tapline/internal/source"
)

func discoverStatements(f *source.File) []source.Section {
	p, err := guest.Parse(f)
	if err != nil {
		return nil
	}
	return p.Sections(instrument.TagStatement)
}

func runCovered(t *testing.T, text string) *Report {
	t.Helper()
	e := engine.New(engine.Config{Language: guest.New(guest.Options{Stdout: io.Discard})})
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	tr, err := Start(e.Instrumenter(), Options{Discover: discoverStatements})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Stop()

	c, err := e.NewContext(engine.ContextOptions{})
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	if _, err := c.Eval(context.Background(), e.AddSource("main.tl", text)); err != nil {
		t.Fatalf("eval: %v", err)
	}
	return tr.Snapshot()
}

func TestCoverageCountsStatements(t *testing.T) {
	text := "LOOP(3, STATEMENT)\nDEFINE(unused, STATEMENT)\nSTATEMENT\n"
	r := runCovered(t, text)
	if len(r.Files) != 1 || r.Files[0].Path != "main.tl" {
		t.Fatalf("files = %+v", r.Files)
	}
	f := r.Files[0]
	if len(f.Positions) != 3 {
		t.Fatalf("positions = %+v", f.Positions)
	}
	want := []struct {
		line uint32
		hits int64
	}{{1, 3}, {2, 0}, {3, 1}}
	for i, w := range want {
		p := f.Positions[i]
		if p.StartLine != w.line || p.Hits != w.hits {
			t.Fatalf("position %d = %+v, want line %d hits %d", i, p, w.line, w.hits)
		}
	}
	covered, uncovered := f.Lines()
	if len(covered) != 2 || len(uncovered) != 1 || uncovered[0] != 2 {
		t.Fatalf("covered %v, uncovered %v", covered, uncovered)
	}
	if got := r.Percent(); got < 66 || got > 67 {
		t.Fatalf("percent = %.2f", got)
	}
}

func TestStopKeepsCounts(t *testing.T) {
	e := engine.New(engine.Config{Language: guest.New(guest.Options{Stdout: io.Discard})})
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	tr, err := Start(e.Instrumenter(), Options{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	c, err := e.NewContext(engine.ContextOptions{})
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	f := e.AddSource("main.tl", "STATEMENT")
	if _, err := c.Eval(context.Background(), f); err != nil {
		t.Fatalf("eval: %v", err)
	}
	tr.Stop()
	if _, err := c.Eval(context.Background(), f); err != nil {
		t.Fatalf("eval: %v", err)
	}
	r := tr.Snapshot()
	if len(r.Files) != 1 || r.Files[0].Positions[0].Hits != 1 {
		t.Fatalf("report = %+v", r)
	}
}

func TestSaveLoadMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "cover.mp")
	a := &Report{Files: []File{{Path: "a.tl", Positions: []Position{{StartLine: 1, StartCol: 1, EndLine: 1, EndCol: 10, Hits: 2}}}}}
	if err := Save(path, a); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got.Merge(&Report{Files: []File{
		{Path: "a.tl", Positions: []Position{
			{StartLine: 1, StartCol: 1, EndLine: 1, EndCol: 10, Hits: 1},
			{StartLine: 2, StartCol: 1, EndLine: 2, EndCol: 4},
		}},
		{Path: "b.tl"},
	}})
	if len(got.Files) != 2 || got.Files[0].Positions[0].Hits != 3 || len(got.Files[0].Positions) != 2 {
		t.Fatalf("merged = %+v", got)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil || len(entries) != 1 {
		t.Fatalf("leftover files: %v %v", entries, err)
	}
}

func TestLoadRejectsOtherSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.mp")
	data, err := msgpack.Marshal(&Report{Schema: schemaVersion + 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrSchema) {
		t.Fatalf("err = %v, want ErrSchema", err)
	}
}
