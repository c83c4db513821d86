package filter

import "fmt"

// IndexRange is a half-open range [Start, End) of character indices, lines or columns.
type IndexRange struct {
	Start int
	End   int
}

// Between creates the range [start, end).
func Between(start, end int) (IndexRange, error) {
	if start < 0 {
		return IndexRange{}, buildErrorf("the argument start must be positive but is %d", start)
	}
	if end < start {
		return IndexRange{}, buildErrorf("invalid range %d:%d", start, end)
	}
	return IndexRange{Start: start, End: end}, nil
}

// ByLength creates the range [start, start+length).
func ByLength(start, length int) (IndexRange, error) {
	if length < 0 {
		return IndexRange{}, buildErrorf("the argument length must be positive but is %d", length)
	}
	if start < 0 {
		return IndexRange{}, buildErrorf("the argument start must be positive but is %d", start)
	}
	return IndexRange{Start: start, End: start + length}, nil
}

// Contains reports whether [start, end] overlaps the range.
func (r IndexRange) Contains(start, end int) bool {
	return r.Start <= end && start < r.End
}

func (r IndexRange) String() string {
	return fmt.Sprintf("[%d-%d]", r.Start, r.End)
}
