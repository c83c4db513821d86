package filter

import (
	"errors"
	"strings"
	"testing"

	"tapline/internal/instrument"
	"tapline/internal/source"
)

type node struct {
	tags     instrument.TagSet
	sec      source.Section
	rootName string
	rootSec  source.Section
	bits     instrument.RootBits
}

func (n *node) Tags() instrument.TagSet       { return n.tags }
func (n *node) Section() source.Section       { return n.sec }
func (n *node) RootName() string              { return n.rootName }
func (n *node) RootSection() source.Section   { return n.rootSec }
func (n *node) RootBits() instrument.RootBits { return n.bits }

// fixture: three lines, one statement per line
//
//	ROOT(
//	  STATEMENT,
//	  CALL(foo))
type fixture struct {
	src        *source.File
	root, stmt *node
	call       *node
}

func newFixture(internal bool) fixture {
	fs := source.NewFileSet()
	text := []byte("ROOT(\n  STATEMENT,\n  CALL(foo))")
	var src *source.File
	if internal {
		src = fs.AddInternal("lib.tl", text)
	} else {
		src = fs.AddVirtual("main.tl", text)
	}
	rootSec := src.Section(0, len(text))
	return fixture{
		src:  src,
		root: &node{tags: instrument.Tags(instrument.TagRoot), sec: rootSec, rootName: "main", rootSec: rootSec, bits: instrument.RootSameSource | instrument.RootHierarchical},
		stmt: &node{tags: instrument.Tags(instrument.TagStatement), sec: src.Section(8, 9), rootName: "main", rootSec: rootSec},
		call: &node{tags: instrument.Tags(instrument.TagCall, instrument.TagExpression), sec: src.Section(21, 9), rootName: "main", rootSec: rootSec},
	}
}

func mustBuild(t *testing.T, b *Builder) *Filter {
	t.Helper()
	f, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return f
}

func TestMatches(t *testing.T) {
	fx := newFixture(false)
	other := source.NewFileSet().AddVirtual("main.tl", fx.src.Content)

	tests := []struct {
		name       string
		build      *Builder
		stmt, call bool
	}{
		{"any", NewBuilder(), true, true},
		{"tag is", NewBuilder().TagIs(instrument.TagStatement), true, false},
		{"tag is one of", NewBuilder().TagIs(instrument.TagStatement, instrument.TagCall), true, true},
		{"tag is not", NewBuilder().TagIsNot(instrument.TagExpression), true, false},
		{"line is", NewBuilder().LineIs(3), false, true},
		{"line in", NewBuilder().LineIn(1, 2), true, false},
		{"line not in", NewBuilder().LineNotIn(IndexRange{Start: 2, End: 3}), false, true},
		{"line starts in", NewBuilder().LineStartsIn(IndexRange{Start: 3, End: 4}), false, true},
		{"line ends in", NewBuilder().LineEndsIn(IndexRange{Start: 2, End: 3}), true, false},
		{"column in", NewBuilder().ColumnIn(3, 1), true, true},
		{"column in misses", NewBuilder().ColumnIn(20, 2), false, false},
		{"index in", NewBuilder().IndexIn(IndexRange{Start: 0, End: 10}), true, false},
		{"index not in", NewBuilder().IndexNotIn(IndexRange{Start: 0, End: 10}), false, true},
		{"source is", NewBuilder().SourceIs(fx.src), true, true},
		{"source identity", NewBuilder().SourceIs(other), false, false},
		{"mime type", NewBuilder().MimeTypeIs(source.DefaultMimeType), true, true},
		{"mime type misses", NewBuilder().MimeTypeIs("text/x-other"), false, false},
		{"section equals", NewBuilder().SourceSectionEquals(fx.src.Section(8, 9)), true, false},
		{"root section equals", NewBuilder().RootSourceSectionEquals(fx.root.sec), true, true},
		{"root name", NewBuilder().RootNameIs("main", func(n string) bool { return n == "main" }), true, true},
		{"root name misses", NewBuilder().RootNameIs("foo", func(n string) bool { return n == "foo" }), false, false},
		{"conjunction", NewBuilder().TagIs(instrument.TagStatement).LineIs(3), false, false},
		{"source filter", NewBuilder().SourceFilter(NonInternal), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustBuild(t, tt.build)
			for i := 0; i < 2; i++ { // deterministic across calls
				if got := f.Matches(fx.stmt); got != tt.stmt {
					t.Fatalf("%s statement: got %v want %v", f, got, tt.stmt)
				}
				if got := f.Matches(fx.call); got != tt.call {
					t.Fatalf("%s call: got %v want %v", f, got, tt.call)
				}
			}
		})
	}
}

func TestIncludeInternal(t *testing.T) {
	internal := newFixture(true)
	user := newFixture(false)
	f := mustBuild(t, NewBuilder().IncludeInternal(false))
	if f.Matches(internal.stmt) || !f.Matches(user.stmt) {
		t.Fatalf("internal filtering broken")
	}
	if f.MatchesRoot(internal.root) {
		t.Fatalf("internal root must not match")
	}
	if !mustBuild(t, NewBuilder()).Matches(internal.stmt) {
		t.Fatalf("internal sources are included by default")
	}
}

func TestMatchesRoot(t *testing.T) {
	fx := newFixture(false)
	other := source.NewFileSet().AddVirtual("x.tl", []byte("STATEMENT"))

	if mustBuild(t, NewBuilder().SourceIs(other)).MatchesRoot(fx.root) {
		t.Errorf("same-source root of another source must be skipped")
	}
	if mustBuild(t, NewBuilder().LineIs(10)).MatchesRoot(fx.root) {
		t.Errorf("hierarchical root outside the lines must be skipped")
	}
	if !mustBuild(t, NewBuilder().LineIs(2)).MatchesRoot(fx.root) {
		t.Errorf("hierarchical root covering the line must match")
	}

	// unknown bits are optimistic
	unknown := *fx.root
	unknown.bits = 0
	if !mustBuild(t, NewBuilder().LineIs(10)).MatchesRoot(&unknown) {
		t.Errorf("uninitialized root must match optimistically")
	}

	noSection := *fx.root
	noSection.bits = instrument.RootNoSourceSection
	if mustBuild(t, NewBuilder().MimeTypeIs(source.DefaultMimeType)).MatchesRoot(&noSection) {
		t.Errorf("root without sections cannot match source criteria")
	}
	if !mustBuild(t, NewBuilder().TagIs(instrument.TagStatement)).MatchesRoot(&noSection) {
		t.Errorf("tag criteria do not depend on root sections")
	}
	if mustBuild(t, NewBuilder().SourceSectionEquals(other.Section(0, 9))).MatchesRoot(fx.root) {
		t.Errorf("section of another source must not match root")
	}
}

func TestMatchesSourceAndSourceOnly(t *testing.T) {
	fx := newFixture(false)
	f := mustBuild(t, NewBuilder().MimeTypeIs(source.DefaultMimeType).TagIs(instrument.TagStatement))
	if !f.MatchesSource(fx.src) {
		t.Fatalf("tag criteria are ignored for sources")
	}
	if f.IsSourceOnly() {
		t.Fatalf("tag filter is not source-only")
	}
	glob, err := Glob("*.tl")
	if err != nil {
		t.Fatal(err)
	}
	g := mustBuild(t, NewBuilder().SourceFilter(glob))
	if !g.IsSourceOnly() || !g.MatchesSource(fx.src) {
		t.Fatalf("glob filter must be source-only and match")
	}
	if g.MatchesSource(source.NewFileSet().AddVirtual("a.lua", nil)) {
		t.Fatalf("glob must not match other extensions")
	}
}

func TestString(t *testing.T) {
	f := mustBuild(t, NewBuilder().
		LineIn(1, 2).
		TagIs(instrument.TagStatement).
		IncludeInternal(false).
		MimeTypeIs("application/x-tapline"))
	want := "SourceSectionFilter[ignore internal and mime-type is one-of [application/x-tapline] and tag is one of [STATEMENT] and (line-between [1-3])]"
	if f.String() != want {
		t.Fatalf("String =\n%s\nwant\n%s", f, want)
	}
	if !strings.Contains(mustBuild(t, NewBuilder().TagIsNot(instrument.TagCall)).String(), "not(tag is one of [CALL])") {
		t.Fatalf("negation not rendered")
	}
}

func TestReferencedTags(t *testing.T) {
	f := mustBuild(t, NewBuilder().TagIs(instrument.TagStatement).TagIsNot(instrument.TagCall))
	if f.ReferencedTags() != instrument.Tags(instrument.TagStatement, instrument.TagCall) {
		t.Fatalf("ReferencedTags = %s", f.ReferencedTags())
	}
}

func TestEqual(t *testing.T) {
	fx := newFixture(false)
	a := mustBuild(t, NewBuilder().TagIs(instrument.TagStatement).SourceIs(fx.src))
	b := mustBuild(t, NewBuilder().SourceIs(fx.src).TagIs(instrument.TagStatement))
	if !a.Equal(b) {
		t.Fatalf("identical criteria must be equal")
	}
	c := mustBuild(t, NewBuilder().TagIs(instrument.TagStatement).SourceIs(source.NewFileSet().AddVirtual("main.tl", fx.src.Content)))
	if a.Equal(c) {
		t.Fatalf("sources compare by identity")
	}
	p1 := SourceFunc("p", func(*source.File) bool { return true })
	p2 := SourceFunc("p", func(*source.File) bool { return true })
	if mustBuild(t, NewBuilder().SourceFilter(p1)).Equal(mustBuild(t, NewBuilder().SourceFilter(p2))) {
		t.Fatalf("predicates compare by identity")
	}
}

func TestAnd(t *testing.T) {
	fx := newFixture(false)
	base := mustBuild(t, NewBuilder().TagIs(instrument.TagStatement, instrument.TagCall))
	f := mustBuild(t, NewBuilder().LineIs(3).And(base))
	if f.Matches(fx.stmt) || !f.Matches(fx.call) {
		t.Fatalf("And must combine criteria")
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name  string
		build *Builder
	}{
		{"empty tags", NewBuilder().TagIs()},
		{"empty tag is not", NewBuilder().TagIsNot()},
		{"no sources", NewBuilder().SourceIs()},
		{"nil source", NewBuilder().SourceIs(nil)},
		{"no mime types", NewBuilder().MimeTypeIs()},
		{"line zero", NewBuilder().LineIs(0)},
		{"negative length", NewBuilder().LineIn(1, -1)},
		{"column zero", NewBuilder().ColumnIn(0, 1)},
		{"inverted range", NewBuilder().IndexIn(IndexRange{Start: 5, End: 2})},
		{"no ranges", NewBuilder().IndexIn()},
		{"unavailable section", NewBuilder().SourceSectionEquals(source.Section{})},
		{"nil predicate", NewBuilder().SourceFilter(nil)},
		{"nil root predicate", NewBuilder().RootNameIs("x", nil)},
		{"nil and", NewBuilder().And(nil)},
	}
	for _, tt := range tests {
		_, err := tt.build.Build()
		var be *BuildError
		if !errors.As(err, &be) {
			t.Errorf("%s: expected BuildError, got %v", tt.name, err)
		}
	}
}

func TestIndexRange(t *testing.T) {
	if _, err := Between(-1, 2); err == nil {
		t.Errorf("negative start must fail")
	}
	if _, err := Between(3, 2); err == nil {
		t.Errorf("end before start must fail")
	}
	if _, err := ByLength(0, -1); err == nil {
		t.Errorf("negative length must fail")
	}
	r, err := ByLength(2, 3)
	if err != nil || r != (IndexRange{Start: 2, End: 5}) {
		t.Fatalf("ByLength = %v %v", r, err)
	}
	if !r.Contains(4, 4) || !r.Contains(0, 2) || r.Contains(5, 6) {
		t.Fatalf("Contains broken for %s", r)
	}
}

func TestMustBuildPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewBuilder().TagIs().MustBuild()
}
