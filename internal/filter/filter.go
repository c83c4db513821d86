package filter

import (
	"sort"
	"strings"

	"tapline/internal/instrument"
	"tapline/internal/source"
)

// Filter is an immutable conjunction of expressions. It implements
// instrument.Filter.
type Filter struct {
	exprs []expression
}

var _ instrument.Filter = (*Filter)(nil)

// Any matches every node and source, internal ones included.
var Any = &Filter{}

// Matches reports whether n passes every expression.
func (f *Filter) Matches(n instrument.Node) bool {
	sec := n.Section()
	for _, e := range f.exprs {
		if !e.matches(n, sec) {
			return false
		}
	}
	return true
}

// MatchesRoot reports whether any node below root can match. The answer is
// optimistic while the root bits are unknown.
func (f *Filter) MatchesRoot(root instrument.Node) bool {
	var bits instrument.RootBits
	if r, ok := root.(instrument.Root); ok {
		bits = r.RootBits()
	}
	for _, e := range f.exprs {
		if !e.matchesRoot(root, bits) {
			return false
		}
	}
	return true
}

// MatchesSource reports whether src passes the source-only expressions.
func (f *Filter) MatchesSource(src *source.File) bool {
	for _, e := range f.exprs {
		if e.sourceOnly() && !e.matchesSource(src) {
			return false
		}
	}
	return true
}

// IsSourceOnly reports whether every expression looks at sources only.
func (f *Filter) IsSourceOnly() bool {
	for _, e := range f.exprs {
		if !e.sourceOnly() {
			return false
		}
	}
	return true
}

// ReferencedTags returns every tag mentioned by the filter.
func (f *Filter) ReferencedTags() instrument.TagSet {
	var tags instrument.TagSet
	for _, e := range f.exprs {
		e.collectTags(&tags)
	}
	return tags
}

// Equal reports whether f and other consist of the same criteria.
func (f *Filter) Equal(other *Filter) bool {
	if f == other {
		return true
	}
	if f == nil || other == nil || len(f.exprs) != len(other.exprs) {
		return false
	}
	a, b := f.keys(), other.keys()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// keys returns a sorted canonical form; predicate expressions compare by identity.
func (f *Filter) keys() []string {
	out := make([]string, len(f.exprs))
	for i, e := range f.exprs {
		out[i] = exprKey(e)
	}
	sort.Strings(out)
	return out
}

func (f *Filter) String() string {
	var b strings.Builder
	b.WriteString("SourceSectionFilter[")
	for i, e := range f.exprs {
		if i > 0 {
			b.WriteString(" and ")
		}
		b.WriteString(e.String())
	}
	b.WriteString("]")
	return b.String()
}
