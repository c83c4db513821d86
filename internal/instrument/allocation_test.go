package instrument

import (
	"errors"
	"testing"
)

type allocLog struct {
	enters, returns []AllocationEvent
}

func (l *allocLog) OnEnter(ev AllocationEvent)       { l.enters = append(l.enters, ev) }
func (l *allocLog) OnReturnValue(ev AllocationEvent) { l.returns = append(l.returns, ev) }

type panicAlloc struct{}

func (panicAlloc) OnEnter(AllocationEvent)       { panic("enter exploded") }
func (panicAlloc) OnReturnValue(AllocationEvent) {}

type guestObj struct{ size int }

func guestValues(v any) bool {
	if _, ok := v.(*guestObj); ok {
		return true
	}
	return IsPrimitive(v)
}

func expectViolation(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if _, ok := recover().(*Violation); !ok {
			t.Fatalf("expected violation")
		}
	}()
	fn()
}

func TestAllocationPairing(t *testing.T) {
	inst := NewInstrumenter(Options{GuestValue: guestValues})
	log := &allocLog{}
	if _, err := inst.AttachAllocationListener(log); err != nil {
		t.Fatal(err)
	}
	r := inst.NewAllocationReporter("tl")
	if !r.Active() {
		t.Fatalf("reporter must be active")
	}

	obj := &guestObj{}
	r.OnEnter(1, nil, 0, 16)
	r.OnReturnValue(1, obj, 16)

	r.OnEnter(1, obj, 16, SizeUnknown)
	r.OnReturnValue(1, obj, 32)

	if len(log.enters) != 2 || len(log.returns) != 2 {
		t.Fatalf("events = %d/%d", len(log.enters), len(log.returns))
	}
	if d, ok := log.returns[0].Delta(); !ok || d != 16 {
		t.Fatalf("fresh delta = %d %v", d, ok)
	}
	if d, ok := log.returns[1].Delta(); !ok || d != 16 {
		t.Fatalf("realloc delta = %d %v", d, ok)
	}
	if _, ok := (AllocationEvent{OldSize: SizeUnknown, NewSize: 3}).Delta(); ok {
		t.Fatalf("unknown size must not yield a delta")
	}
}

func TestAllocationViolations(t *testing.T) {
	inst := NewInstrumenter(Options{GuestValue: guestValues})
	r := inst.NewAllocationReporter("tl")

	expectViolation(t, func() { r.OnReturnValue(1, &guestObj{}, 8) })

	old := &guestObj{}
	r.OnEnter(2, old, 8, 16)
	expectViolation(t, func() { r.OnReturnValue(2, &guestObj{}, 16) })

	r.OnEnter(3, nil, 0, 8)
	expectViolation(t, func() { r.OnReturnValue(3, struct{}{}, 8) })

	expectViolation(t, func() { r.OnEnter(4, nil, 5, 8) })

	// enter on one thread does not pair with a return on another
	r.OnEnter(5, nil, 0, 8)
	expectViolation(t, func() { r.OnReturnValue(6, &guestObj{}, 8) })
}

func TestAllocationListenerPanics(t *testing.T) {
	tests := []struct {
		name      string
		policy    ErrorPolicy
		wantThrow bool
	}{
		{"throw", ErrorsThrow, true},
		{"log", ErrorsLog, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var reported []*InstrumentError
			inst := NewInstrumenter(Options{
				GuestValue: guestValues,
				Errors:     tc.policy,
				OnError:    func(e *InstrumentError) { reported = append(reported, e) },
			})
			if _, err := inst.AttachAllocationListener(panicAlloc{}); err != nil {
				t.Fatal(err)
			}
			log := &allocLog{}
			if _, err := inst.AttachAllocationListener(log); err != nil {
				t.Fatal(err)
			}
			r := inst.NewAllocationReporter("tl")

			err := r.OnEnter(1, nil, 0, 8)
			var pe *PanicError
			if tc.wantThrow {
				var ie *InstrumentError
				if !errors.As(err, &ie) || ie.Event != "onAllocationEnter" || !errors.As(err, &pe) {
					t.Fatalf("enter err = %v, want wrapped listener panic", err)
				}
			} else {
				if err != nil {
					t.Fatalf("enter err = %v, want nil", err)
				}
				if len(reported) != 1 || !errors.As(reported[0], &pe) {
					t.Fatalf("reported = %v", reported)
				}
			}
			// the panic neither skips later listeners nor breaks pairing
			if len(log.enters) != 1 {
				t.Fatalf("second listener saw %d enters", len(log.enters))
			}
			if err := r.OnReturnValue(1, &guestObj{}, 8); err != nil {
				t.Fatalf("return: %v", err)
			}
			if len(log.returns) != 1 {
				t.Fatalf("second listener saw %d returns", len(log.returns))
			}
		})
	}
}
