package filter

import (
	"path"
	"strings"

	"tapline/internal/source"
)

// SourcePredicate selects sources. Predicates are compared by identity, so a
// predicate shared between contexts must be the same value.
type SourcePredicate interface {
	Test(f *source.File) bool
	String() string
}

type sourceFunc struct {
	name string
	fn   func(*source.File) bool
}

func (p *sourceFunc) Test(f *source.File) bool { return f != nil && p.fn(f) }
func (p *sourceFunc) String() string           { return p.name }

// SourceFunc wraps fn as a named predicate.
func SourceFunc(name string, fn func(*source.File) bool) SourcePredicate {
	return &sourceFunc{name: name, fn: fn}
}

type globPredicate struct {
	patterns []string
}

// Glob selects sources whose path or base name matches one of patterns.
func Glob(patterns ...string) (SourcePredicate, error) {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, buildErrorf("bad source pattern %q: %v", p, err)
		}
	}
	return &globPredicate{patterns: append([]string(nil), patterns...)}, nil
}

func (g *globPredicate) Test(f *source.File) bool {
	if f == nil {
		return false
	}
	for _, p := range g.patterns {
		if ok, _ := path.Match(p, f.Path); ok {
			return true
		}
		if ok, _ := path.Match(p, path.Base(f.Path)); ok {
			return true
		}
	}
	return false
}

func (g *globPredicate) String() string {
	return "glob(" + strings.Join(g.patterns, ", ") + ")"
}

// NonInternal selects sources not marked internal.
var NonInternal = SourceFunc("non-internal", func(f *source.File) bool { return !f.Internal() })
