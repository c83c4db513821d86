package luainst

import (
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// toLua converts a guest value. Values without a Lua counterpart are passed
// as their string form.
func toLua(v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case fmt.Stringer:
		return lua.LString(x.String())
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

// toGuest converts a Lua value into a primitive guest value. Integral
// numbers become int64.
func toGuest(v lua.LValue) (any, error) {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(x), nil
	case lua.LNumber:
		f := float64(x)
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f), nil
		}
		return f, nil
	case lua.LString:
		return string(x), nil
	}
	return nil, fmt.Errorf("cannot return a %s to guest code", v.Type())
}
