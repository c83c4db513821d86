// Package coverage records which instrumented positions ran.
package coverage

import (
	"sort"
	"sync"
	"sync/atomic"

	"tapline/internal/filter"
	"tapline/internal/instrument"
	"tapline/internal/source"
)

// DiscoverFunc lists the positions of a source that could be covered.
type DiscoverFunc func(f *source.File) []source.Section

// Options configures a Tracker.
type Options struct {
	// Tags selects the observed positions. Empty means STATEMENT.
	Tags []instrument.Tag
	// Sources limits tracking to matching sources. Nil tracks every non-internal source.
	Sources filter.SourcePredicate
	// Discover, when set, lists the positions of every loaded source so
	// positions that never ran are reported with zero hits.
	Discover DiscoverFunc
}

type posKey struct {
	file  *source.File
	start uint32
	end   uint32
}

// Tracker counts executions per position while attached.
type Tracker struct {
	exec *instrument.EventBinding
	load *instrument.EventBinding

	mu    sync.Mutex
	files map[*source.File]struct{}
	hits  map[posKey]*atomic.Int64
}

// Start attaches a tracker to inst.
func Start(inst *instrument.Instrumenter, opts Options) (*Tracker, error) {
	tags := opts.Tags
	if len(tags) == 0 {
		tags = []instrument.Tag{instrument.TagStatement}
	}
	b := filter.NewBuilder().IncludeInternal(false).TagIs(tags...)
	lb := filter.NewBuilder().IncludeInternal(false)
	if opts.Sources != nil {
		b = b.SourceFilter(opts.Sources)
		lb = lb.SourceFilter(opts.Sources)
	}
	execFilter, err := b.Build()
	if err != nil {
		return nil, err
	}
	loadFilter, err := lb.Build()
	if err != nil {
		return nil, err
	}

	tr := &Tracker{
		files: make(map[*source.File]struct{}),
		hits:  make(map[posKey]*atomic.Int64),
	}
	tr.load, err = inst.AttachLoadSourceListener(loadFilter, instrument.LoadSourceFunc(func(f *source.File) {
		tr.mu.Lock()
		tr.files[f] = struct{}{}
		tr.mu.Unlock()
		if opts.Discover == nil {
			return
		}
		for _, sec := range opts.Discover(f) {
			tr.counter(sec)
		}
	}), true)
	if err != nil {
		return nil, err
	}
	tr.exec, err = inst.AttachFactory(execFilter, instrument.FactoryFunc(func(ec *instrument.EventContext) instrument.EventNode {
		return &hitNode{n: tr.counter(ec.Section())}
	}))
	if err != nil {
		tr.load.Dispose()
		return nil, err
	}
	return tr, nil
}

func (tr *Tracker) counter(sec source.Section) *atomic.Int64 {
	k := posKey{file: sec.Source, start: sec.Start, end: sec.End()}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	c, ok := tr.hits[k]
	if !ok {
		c = new(atomic.Int64)
		tr.hits[k] = c
	}
	return c
}

// Stop detaches the tracker. Counts taken so far stay readable.
func (tr *Tracker) Stop() {
	tr.exec.Dispose()
	tr.load.Dispose()
}

// Snapshot returns the current counts grouped by source path.
func (tr *Tracker) Snapshot() *Report {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	byFile := make(map[string]*File)
	for f := range tr.files {
		byFile[f.Path] = &File{Path: f.Path}
	}
	for k, c := range tr.hits {
		sec := source.Section{Source: k.file, Start: k.start, Length: k.end - k.start}
		fe, ok := byFile[k.file.Path]
		if !ok {
			fe = &File{Path: k.file.Path}
			byFile[k.file.Path] = fe
		}
		start, end := sec.StartPos(), sec.EndPos()
		fe.Positions = append(fe.Positions, Position{
			StartLine: start.Line,
			StartCol:  start.Col,
			EndLine:   end.Line,
			EndCol:    end.Col,
			Hits:      c.Load(),
		})
	}

	r := &Report{Schema: schemaVersion}
	for _, fe := range byFile {
		fe.sort()
		r.Files = append(r.Files, *fe)
	}
	r.sort()
	return r
}

// hitNode counts one position.
type hitNode struct {
	n *atomic.Int64
}

func (h *hitNode) OnEnter(*instrument.EventContext, instrument.Frame) error {
	h.n.Add(1)
	return nil
}

func (h *hitNode) OnReturnValue(*instrument.EventContext, instrument.Frame, any) error { return nil }

func (h *hitNode) OnReturnExceptional(*instrument.EventContext, instrument.Frame, error) error {
	return nil
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.StartLine != b.StartLine {
			return a.StartLine < b.StartLine
		}
		if a.StartCol != b.StartCol {
			return a.StartCol < b.StartCol
		}
		if a.EndLine != b.EndLine {
			return a.EndLine < b.EndLine
		}
		return a.EndCol < b.EndCol
	})
}
