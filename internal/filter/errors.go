package filter

import "fmt"

// BuildError reports invalid filter criteria.
type BuildError struct {
	Msg string
}

func (e *BuildError) Error() string {
	return "invalid filter: " + e.Msg
}

func buildErrorf(format string, args ...any) *BuildError {
	return &BuildError{Msg: fmt.Sprintf(format, args...)}
}
