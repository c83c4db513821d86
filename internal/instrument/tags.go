package instrument

import (
	"fmt"
	"math/bits"
	"strings"
)

// Tag marks the semantic role of a node.
type Tag uint8

const (
	TagRoot Tag = iota
	TagRootBody
	TagStatement
	TagExpression
	TagCall
	TagBlock
	TagDefine
	TagLoop
	TagConstant
	TagTryCatch

	tagCount
)

var tagNames = [tagCount]string{
	TagRoot:       "ROOT",
	TagRootBody:   "ROOT_BODY",
	TagStatement:  "STATEMENT",
	TagExpression: "EXPRESSION",
	TagCall:       "CALL",
	TagBlock:      "BLOCK",
	TagDefine:     "DEFINE",
	TagLoop:       "LOOP",
	TagConstant:   "CONSTANT",
	TagTryCatch:   "TRY_CATCH",
}

func (t Tag) String() string {
	if t < tagCount {
		return tagNames[t]
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// ParseTag resolves a tag name from the declared vocabulary.
func ParseTag(name string) (Tag, error) {
	upper := strings.ToUpper(name)
	for i, n := range tagNames {
		if n == upper {
			return Tag(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tag %q", name)
}

// AllTags returns the declared tag vocabulary in declaration order.
func AllTags() []Tag {
	out := make([]Tag, tagCount)
	for i := range out {
		out[i] = Tag(i)
	}
	return out
}

// TagSet is a set of tags. The zero value is the empty set.
type TagSet uint32

// Tags builds a set from individual tags.
func Tags(tags ...Tag) TagSet {
	var s TagSet
	for _, t := range tags {
		s = s.With(t)
	}
	return s
}

// With returns s plus t.
func (s TagSet) With(t Tag) TagSet { return s | 1<<t }

// Has reports whether t is in s.
func (s TagSet) Has(t Tag) bool { return s&(1<<t) != 0 }

// Intersects reports whether s and o share at least one tag.
func (s TagSet) Intersects(o TagSet) bool { return s&o != 0 }

// Empty reports whether s has no tags.
func (s TagSet) Empty() bool { return s == 0 }

// Len returns the number of tags in s.
func (s TagSet) Len() int { return bits.OnesCount32(uint32(s)) }

// Slice lists the tags of s in declaration order.
func (s TagSet) Slice() []Tag {
	out := make([]Tag, 0, s.Len())
	for t := Tag(0); t < tagCount; t++ {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s TagSet) String() string {
	names := make([]string, 0, s.Len())
	for _, t := range s.Slice() {
		names = append(names, t.String())
	}
	return "[" + strings.Join(names, ", ") + "]"
}
