package source

import "fmt"

// Section is a contiguous region of one source.
//
// The zero Section is "unavailable". Equality with == compares source identity,
// never content.
type Section struct {
	Source *File
	Start  uint32 // byte offset, inclusive
	Length uint32
}

// Available reports whether the section refers to a source.
func (s Section) Available() bool {
	return s.Source != nil
}

// End returns the exclusive end offset.
func (s Section) End() uint32 {
	return s.Start + s.Length
}

// StartPos resolves the first byte of the section to a line and column.
func (s Section) StartPos() LineCol {
	if s.Source == nil {
		return LineCol{}
	}
	return s.Source.Position(s.Start)
}

// EndPos resolves the last byte of the section (or Start for empty sections).
func (s Section) EndPos() LineCol {
	if s.Source == nil {
		return LineCol{}
	}
	last := s.Start
	if s.Length > 0 {
		last = s.End() - 1
	}
	return s.Source.Position(last)
}

// StartLine returns the 1-based line the section starts on.
func (s Section) StartLine() int { return int(s.StartPos().Line) }

// EndLine returns the 1-based line the section ends on.
func (s Section) EndLine() int { return int(s.EndPos().Line) }

// StartColumn returns the 1-based start column.
func (s Section) StartColumn() int { return int(s.StartPos().Col) }

// EndColumn returns the 1-based column of the last byte.
func (s Section) EndColumn() int { return int(s.EndPos().Col) }

// Text returns the characters covered by the section.
func (s Section) Text() string {
	if s.Source == nil {
		return ""
	}
	return string(s.Source.Content[s.Start:s.End()])
}

// Contains reports whether other lies within s (same source).
func (s Section) Contains(other Section) bool {
	return s.Source != nil && s.Source == other.Source &&
		other.Start >= s.Start && other.End() <= s.End()
}

// Cover returns the smallest section spanning both s and other.
func (s Section) Cover(other Section) Section {
	if s.Source != other.Source {
		return s
	}
	start, end := s.Start, s.End()
	if other.Start < start {
		start = other.Start
	}
	if other.End() > end {
		end = other.End()
	}
	return Section{Source: s.Source, Start: start, Length: end - start}
}

// String formats the section as "path:line:col".
func (s Section) String() string {
	if s.Source == nil {
		return "<no-section>"
	}
	pos := s.StartPos()
	return fmt.Sprintf("%s:%d:%d", s.Source.Path, pos.Line, pos.Col)
}
