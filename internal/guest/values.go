package guest

import (
	"fmt"

	"tapline/internal/instrument"
	"tapline/internal/source"
)

// Object is the value produced by ALLOCATION.
type Object struct {
	Size int64
}

func (o *Object) String() string {
	if o.Size == instrument.SizeUnknown {
		return "object(?)"
	}
	return fmt.Sprintf("object(%d)", o.Size)
}

// IsValue reports whether v is a value guest code can hold.
func IsValue(v any) bool {
	if _, ok := v.(*Object); ok {
		return true
	}
	return instrument.IsPrimitive(v)
}

// Exception is a guest-level error raised by THROW or by a failing construct.
// Only exceptions are caught by TRY.
type Exception struct {
	Kind    string
	Message string
	Section source.Section
}

func (e *Exception) Error() string {
	where := ""
	if e.Section.Available() {
		where = e.Section.String() + ": "
	}
	if e.Message == "" {
		return where + e.Kind
	}
	return where + e.Kind + ": " + e.Message
}

// asException returns the guest exception err carries. Listener failures
// reported alongside an exception keep it catchable; anything else is not.
func asException(err error) *Exception {
	switch e := err.(type) {
	case *Exception:
		return e
	case *instrument.SuppressedError:
		if exc, ok := e.Err.(*Exception); ok {
			return exc
		}
	}
	return nil
}

func throwf(n *Node, kind, format string, args ...any) *Exception {
	return &Exception{Kind: kind, Message: fmt.Sprintf(format, args...), Section: n.section}
}
