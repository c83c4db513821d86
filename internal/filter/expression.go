package filter

import (
	"fmt"
	"strings"

	"tapline/internal/instrument"
	"tapline/internal/source"
)

// expression is one conjunct of a Filter.
type expression interface {
	order() int
	matches(n instrument.Node, sec source.Section) bool
	matchesRoot(root instrument.Node, bits instrument.RootBits) bool
	sourceOnly() bool
	matchesSource(f *source.File) bool
	collectTags(into *instrument.TagSet)
	String() string
}

// base supplies the permissive defaults.
type base struct{}

func (base) matchesRoot(instrument.Node, instrument.RootBits) bool { return true }
func (base) sourceOnly() bool                                      { return false }
func (base) matchesSource(*source.File) bool                       { return true }
func (base) collectTags(*instrument.TagSet)                        {}

// sourceCheck is shared by the expressions that only look at a node's source.
type sourceCheck struct {
	base
	test func(f *source.File) bool
}

func (e sourceCheck) sourceOnly() bool { return true }

func (e sourceCheck) matchesSource(f *source.File) bool {
	return f != nil && e.test(f)
}

func (e sourceCheck) matches(_ instrument.Node, sec source.Section) bool {
	return sec.Available() && e.test(sec.Source)
}

func (e sourceCheck) matchesRoot(root instrument.Node, bits instrument.RootBits) bool {
	if bits&instrument.RootNoSourceSection != 0 {
		return false
	}
	if sec := root.Section(); bits&instrument.RootSameSource != 0 && sec.Available() {
		return e.test(sec.Source)
	}
	return true
}

type sourceIs struct {
	sourceCheck
	sources []*source.File
}

func newSourceIs(sources []*source.File) *sourceIs {
	e := &sourceIs{sources: sources}
	e.test = func(f *source.File) bool {
		for _, s := range e.sources {
			if s == f {
				return true
			}
		}
		return false
	}
	return e
}

func (e *sourceIs) order() int { return 1 }
func (e *sourceIs) String() string {
	names := make([]string, len(e.sources))
	for i, s := range e.sources {
		names[i] = s.Path
	}
	return fmt.Sprintf("source is [%s]", strings.Join(names, ", "))
}

type sourceFilterIs struct {
	sourceCheck
	pred SourcePredicate
}

func newSourceFilterIs(pred SourcePredicate) *sourceFilterIs {
	return &sourceFilterIs{sourceCheck: sourceCheck{test: pred.Test}, pred: pred}
}

func (e *sourceFilterIs) order() int { return 1 }
func (e *sourceFilterIs) String() string {
	return fmt.Sprintf("source is included by custom filter %s", e.pred)
}

type mimeTypeIs struct {
	sourceCheck
	mimeTypes []string
}

func newMimeTypeIs(mimeTypes []string) *mimeTypeIs {
	e := &mimeTypeIs{mimeTypes: mimeTypes}
	e.test = func(f *source.File) bool {
		for _, m := range e.mimeTypes {
			if m == f.MimeType {
				return true
			}
		}
		return false
	}
	return e
}

func (e *mimeTypeIs) order() int { return 2 }
func (e *mimeTypeIs) String() string {
	return fmt.Sprintf("mime-type is one-of [%s]", strings.Join(e.mimeTypes, ", "))
}

type ignoreInternal struct{ base }

func (ignoreInternal) order() int { return 1 }
func (ignoreInternal) matches(_ instrument.Node, sec source.Section) bool {
	return !sec.Available() || !sec.Source.Internal()
}
func (ignoreInternal) matchesRoot(root instrument.Node, _ instrument.RootBits) bool {
	sec := root.Section()
	return !sec.Available() || !sec.Source.Internal()
}
func (ignoreInternal) String() string { return "ignore internal" }

type rootNameIs struct {
	base
	pred func(string) bool
	desc string
}

func (e *rootNameIs) order() int { return 3 }
func (e *rootNameIs) matches(n instrument.Node, _ source.Section) bool {
	return e.pred(n.RootName())
}
func (e *rootNameIs) matchesRoot(root instrument.Node, _ instrument.RootBits) bool {
	return e.pred(root.RootName())
}
func (e *rootNameIs) String() string {
	return fmt.Sprintf("root name is included by custom filter %s", e.desc)
}

type tagIs struct {
	base
	tags instrument.TagSet
}

func (e *tagIs) order() int { return 4 }
func (e *tagIs) matches(n instrument.Node, _ source.Section) bool {
	return n.Tags().Intersects(e.tags)
}
func (e *tagIs) collectTags(into *instrument.TagSet) { *into |= e.tags }
func (e *tagIs) String() string                      { return fmt.Sprintf("tag is one of %s", e.tags) }

type sectionEquals struct {
	base
	sections []source.Section
	root     bool
}

func (e *sectionEquals) order() int { return 5 }

func (e *sectionEquals) matches(n instrument.Node, sec source.Section) bool {
	if e.root {
		sec = n.RootSection()
	}
	if !sec.Available() {
		return false
	}
	for _, s := range e.sections {
		if s == sec {
			return true
		}
	}
	return false
}

func (e *sectionEquals) matchesRoot(root instrument.Node, bits instrument.RootBits) bool {
	if bits&instrument.RootNoSourceSection != 0 {
		return false
	}
	rootSec := root.Section()
	if !rootSec.Available() {
		return true
	}
	if e.root {
		for _, s := range e.sections {
			if s == rootSec {
				return true
			}
		}
		return false
	}
	if bits&instrument.RootSameSource != 0 && !e.anySource(rootSec.Source) {
		return false
	}
	if bits&instrument.RootHierarchical != 0 {
		for _, s := range e.sections {
			if rootSec.Contains(s) {
				return true
			}
		}
		return false
	}
	return true
}

func (e *sectionEquals) anySource(f *source.File) bool {
	for _, s := range e.sections {
		if s.Source == f {
			return true
		}
	}
	return false
}

func (e *sectionEquals) String() string {
	parts := make([]string, len(e.sections))
	for i, s := range e.sections {
		parts[i] = fmt.Sprintf("%s+%d", s, s.Length)
	}
	name := "source-section"
	if e.root {
		name = "root-source-section"
	}
	return fmt.Sprintf("%s equals one-of [%s]", name, strings.Join(parts, ", "))
}

type rangeKind uint8

const (
	rangeIndex rangeKind = iota
	rangeLine
	rangeLineStart
	rangeLineEnd
	rangeColumn
)

type rangeIn struct {
	base
	kind   rangeKind
	ranges []IndexRange
}

func (e *rangeIn) order() int {
	switch e.kind {
	case rangeIndex:
		return 8
	case rangeColumn:
		return 12
	default:
		return 10
	}
}

// span extracts the compared interval of sec.
func (e *rangeIn) span(sec source.Section) (int, int) {
	switch e.kind {
	case rangeIndex:
		return int(sec.Start), int(sec.End())
	case rangeLineStart:
		return sec.StartLine(), sec.StartLine()
	case rangeLineEnd:
		return sec.EndLine(), sec.EndLine()
	case rangeColumn:
		return sec.StartColumn(), sec.EndColumn()
	default:
		return sec.StartLine(), sec.EndLine()
	}
}

func (e *rangeIn) matches(_ instrument.Node, sec source.Section) bool {
	if !sec.Available() {
		return false
	}
	start, end := e.span(sec)
	for _, r := range e.ranges {
		if r.Contains(start, end) {
			return true
		}
	}
	return false
}

func (e *rangeIn) matchesRoot(root instrument.Node, bits instrument.RootBits) bool {
	if bits&instrument.RootNoSourceSection != 0 {
		return false
	}
	sec := root.Section()
	if bits&instrument.RootHierarchical == 0 || !sec.Available() {
		return true
	}
	switch e.kind {
	case rangeIndex:
		return e.matches(root, sec)
	case rangeColumn:
		if sec.StartLine() != sec.EndLine() {
			return true
		}
		return e.matches(root, sec)
	default:
		// any line of the root may start or end a child
		return (&rangeIn{kind: rangeLine, ranges: e.ranges}).matches(root, sec)
	}
}

func (e *rangeIn) String() string {
	var name string
	switch e.kind {
	case rangeIndex:
		name = "index-between"
	case rangeLineStart:
		name = "line-starts-between"
	case rangeLineEnd:
		name = "line-ends-between"
	case rangeColumn:
		name = "column-between"
	default:
		name = "line-between"
	}
	parts := make([]string, len(e.ranges))
	for i, r := range e.ranges {
		parts[i] = r.String()
	}
	return "(" + name + " " + strings.Join(parts, " or ") + ")"
}

type not struct {
	delegate expression
}

func (e *not) order() int       { return e.delegate.order() }
func (e *not) sourceOnly() bool { return e.delegate.sourceOnly() }
func (e *not) matchesSource(f *source.File) bool {
	return !e.delegate.matchesSource(f)
}
func (e *not) matches(n instrument.Node, sec source.Section) bool {
	return !e.delegate.matches(n, sec)
}
func (e *not) matchesRoot(instrument.Node, instrument.RootBits) bool { return true }
func (e *not) collectTags(into *instrument.TagSet)                   { e.delegate.collectTags(into) }
func (e *not) String() string                                        { return "not(" + e.delegate.String() + ")" }
