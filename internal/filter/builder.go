package filter

import (
	"fmt"
	"reflect"
	"sort"

	"tapline/internal/instrument"
	"tapline/internal/source"
)

// Builder collects filter criteria. The first invalid criterion is reported by Build.
type Builder struct {
	exprs           []expression
	includeInternal bool
	err             *BuildError
}

// NewBuilder starts a filter that includes internal sources.
func NewBuilder() *Builder {
	return &Builder{includeInternal: true}
}

func (b *Builder) fail(err *BuildError) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

func (b *Builder) add(e expression) *Builder {
	b.exprs = append(b.exprs, e)
	return b
}

// TagIs matches nodes carrying at least one of tags.
func (b *Builder) TagIs(tags ...instrument.Tag) *Builder {
	if len(tags) == 0 {
		return b.fail(buildErrorf("tag is requires at least one tag"))
	}
	return b.add(&tagIs{tags: instrument.Tags(tags...)})
}

// TagIsNot matches nodes carrying none of tags.
func (b *Builder) TagIsNot(tags ...instrument.Tag) *Builder {
	if len(tags) == 0 {
		return b.fail(buildErrorf("tag is not requires at least one tag"))
	}
	return b.add(&not{delegate: &tagIs{tags: instrument.Tags(tags...)}})
}

// SourceIs matches nodes of the given sources, compared by identity.
func (b *Builder) SourceIs(sources ...*source.File) *Builder {
	if len(sources) == 0 {
		return b.fail(buildErrorf("source is requires at least one source"))
	}
	for _, s := range sources {
		if s == nil {
			return b.fail(buildErrorf("none of the given sources must be nil"))
		}
	}
	return b.add(newSourceIs(append([]*source.File(nil), sources...)))
}

// SourceFilter matches nodes whose source passes pred.
func (b *Builder) SourceFilter(pred SourcePredicate) *Builder {
	if pred == nil {
		return b.fail(buildErrorf("source predicate must not be nil"))
	}
	return b.add(newSourceFilterIs(pred))
}

// MimeTypeIs matches nodes whose source has one of mimeTypes.
func (b *Builder) MimeTypeIs(mimeTypes ...string) *Builder {
	if len(mimeTypes) == 0 {
		return b.fail(buildErrorf("mime-type is requires at least one mime type"))
	}
	return b.add(newMimeTypeIs(append([]string(nil), mimeTypes...)))
}

// RootNameIs matches nodes whose enclosing root name passes pred.
func (b *Builder) RootNameIs(desc string, pred func(name string) bool) *Builder {
	if pred == nil {
		return b.fail(buildErrorf("root name predicate must not be nil"))
	}
	return b.add(&rootNameIs{pred: pred, desc: desc})
}

// SourceSectionEquals matches nodes whose section equals one of sections.
func (b *Builder) SourceSectionEquals(sections ...source.Section) *Builder {
	return b.sections(sections, false)
}

// RootSourceSectionEquals matches nodes whose root section equals one of sections.
func (b *Builder) RootSourceSectionEquals(sections ...source.Section) *Builder {
	return b.sections(sections, true)
}

func (b *Builder) sections(sections []source.Section, root bool) *Builder {
	if len(sections) == 0 {
		return b.fail(buildErrorf("source-section equals requires at least one section"))
	}
	for _, s := range sections {
		if !s.Available() {
			return b.fail(buildErrorf("source-section equals requires available sections"))
		}
	}
	return b.add(&sectionEquals{sections: append([]source.Section(nil), sections...), root: root})
}

// IndexIn matches nodes whose character range overlaps one of ranges.
func (b *Builder) IndexIn(ranges ...IndexRange) *Builder {
	return b.ranges(rangeIndex, ranges, false, 0)
}

// IndexNotIn matches nodes whose character range overlaps none of ranges.
func (b *Builder) IndexNotIn(ranges ...IndexRange) *Builder {
	return b.ranges(rangeIndex, ranges, true, 0)
}

// LineIn matches nodes overlapping lines [startLine, startLine+length).
func (b *Builder) LineIn(startLine, length int) *Builder {
	if startLine < 1 {
		return b.fail(buildErrorf("start line indices must be >= 1 but were %d", startLine))
	}
	r, err := ByLength(startLine, length)
	if err != nil {
		return b.fail(err.(*BuildError))
	}
	return b.LineInRanges(r)
}

// LineInRanges matches nodes whose lines overlap one of ranges.
func (b *Builder) LineInRanges(ranges ...IndexRange) *Builder {
	return b.ranges(rangeLine, ranges, false, 1)
}

// LineNotIn matches nodes whose lines overlap none of ranges.
func (b *Builder) LineNotIn(ranges ...IndexRange) *Builder {
	return b.ranges(rangeLine, ranges, true, 1)
}

// LineIs matches nodes spanning line.
func (b *Builder) LineIs(line int) *Builder {
	return b.LineIn(line, 1)
}

// LineStartsIn matches nodes whose first line lies in one of ranges.
func (b *Builder) LineStartsIn(ranges ...IndexRange) *Builder {
	return b.ranges(rangeLineStart, ranges, false, 1)
}

// LineEndsIn matches nodes whose last line lies in one of ranges.
func (b *Builder) LineEndsIn(ranges ...IndexRange) *Builder {
	return b.ranges(rangeLineEnd, ranges, false, 1)
}

// ColumnIn matches nodes overlapping columns [startColumn, startColumn+length).
func (b *Builder) ColumnIn(startColumn, length int) *Builder {
	if startColumn < 1 {
		return b.fail(buildErrorf("start column indices must be >= 1 but were %d", startColumn))
	}
	r, err := ByLength(startColumn, length)
	if err != nil {
		return b.fail(err.(*BuildError))
	}
	return b.ranges(rangeColumn, []IndexRange{r}, false, 1)
}

func (b *Builder) ranges(kind rangeKind, ranges []IndexRange, negate bool, minStart int) *Builder {
	if len(ranges) == 0 {
		return b.fail(buildErrorf("at least one range is required"))
	}
	for _, r := range ranges {
		if r.Start < minStart || r.End < r.Start {
			return b.fail(buildErrorf("invalid range %s: start must be >= %d", r, minStart))
		}
	}
	var e expression = &rangeIn{kind: kind, ranges: append([]IndexRange(nil), ranges...)}
	if negate {
		e = &not{delegate: e}
	}
	return b.add(e)
}

// IncludeInternal decides whether internal sources are observed. Defaults to true.
func (b *Builder) IncludeInternal(include bool) *Builder {
	b.includeInternal = include
	return b
}

// And adds every criterion of f.
func (b *Builder) And(f *Filter) *Builder {
	if f == nil {
		return b.fail(buildErrorf("and requires a filter"))
	}
	b.exprs = append(b.exprs, f.exprs...)
	return b
}

// Build validates the criteria and returns the filter.
func (b *Builder) Build() (*Filter, error) {
	if b.err != nil {
		return nil, b.err
	}
	exprs := append([]expression(nil), b.exprs...)
	if !b.includeInternal {
		exprs = append(exprs, ignoreInternal{})
	}
	sort.SliceStable(exprs, func(i, j int) bool { return exprs[i].order() < exprs[j].order() })
	return &Filter{exprs: exprs}, nil
}

// MustBuild is Build for statically known criteria; it panics on error.
func (b *Builder) MustBuild() *Filter {
	f, err := b.Build()
	if err != nil {
		panic(err)
	}
	return f
}

func exprKey(e expression) string {
	switch v := e.(type) {
	case *sourceFilterIs:
		return fmt.Sprintf("source-filter %p", v.pred)
	case *rootNameIs:
		return fmt.Sprintf("root-name %v", reflect.ValueOf(v.pred).Pointer())
	case *sourceIs:
		key := "source"
		for _, f := range v.sources {
			key += fmt.Sprintf(" %p", f)
		}
		return key
	case *sectionEquals:
		key := fmt.Sprintf("section root=%v", v.root)
		for _, s := range v.sections {
			key += fmt.Sprintf(" %p:%d+%d", s.Source, s.Start, s.Length)
		}
		return key
	case *not:
		return "not " + exprKey(v.delegate)
	}
	return e.String()
}
