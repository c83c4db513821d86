package luainst

import (
	lua "github.com/yuin/gopher-lua"

	"tapline/internal/instrument"
)

type listener struct {
	s *Script
}

func (l *listener) OnEnter(ec *instrument.EventContext, frame instrument.Frame) error {
	if l.s.onEnter == nil {
		return nil
	}
	req, err := l.s.call(l.s.onEnter, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{eventTable(L, ec, frame)}
	})
	return l.unwind(ec, frame, req, err)
}

func (l *listener) OnReturnValue(ec *instrument.EventContext, frame instrument.Frame, result any) error {
	if l.s.onReturn == nil {
		return nil
	}
	req, err := l.s.call(l.s.onReturn, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{eventTable(L, ec, frame), toLua(result)}
	})
	return l.unwind(ec, frame, req, err)
}

func (l *listener) OnReturnExceptional(ec *instrument.EventContext, frame instrument.Frame, cause error) error {
	if l.s.onError == nil {
		return nil
	}
	req, err := l.s.call(l.s.onError, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{eventTable(L, ec, frame), lua.LString(cause.Error())}
	})
	return l.unwind(ec, frame, req, err)
}

func (l *listener) OnUnwind(_ *instrument.EventContext, _ instrument.Frame, info any) instrument.UnwindAction {
	req, ok := info.(*unwindRequest)
	if !ok {
		return instrument.Continue
	}
	if req.reenter {
		return instrument.Reenter
	}
	return instrument.Return(req.value)
}

func (l *listener) unwind(ec *instrument.EventContext, frame instrument.Frame, req *unwindRequest, err error) error {
	if err != nil || req == nil {
		return err
	}
	return ec.CreateUnwind(frame, req, instrument.TargetCurrent)
}

func eventTable(L *lua.LState, ec *instrument.EventContext, frame instrument.Frame) *lua.LTable {
	sec := ec.Section()
	ev := L.NewTable()
	src := ""
	if sec.Source != nil {
		src = sec.Source.Path
	}
	ev.RawSetString("source", lua.LString(src))
	ev.RawSetString("line", lua.LNumber(sec.StartLine()))
	ev.RawSetString("column", lua.LNumber(sec.StartColumn()))
	ev.RawSetString("root", lua.LString(ec.Node().RootName()))
	ev.RawSetString("depth", lua.LNumber(frame.Depth()))
	ev.RawSetString("thread", lua.LNumber(frame.Thread()))
	tags := L.NewTable()
	for _, t := range ec.Tags().Slice() {
		tags.Append(lua.LString(t.String()))
	}
	ev.RawSetString("tags", tags)
	return ev
}
