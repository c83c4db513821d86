package instrument

import (
	"reflect"
	"sync"
)

// SizeUnknown marks an allocation size that cannot be estimated.
const SizeUnknown int64 = -1

// AllocationEvent describes one allocation or reallocation.
type AllocationEvent struct {
	Language string
	Thread   uint64
	// OldValue is nil for fresh allocations and the reallocated value otherwise.
	OldValue any
	// NewValue is set on return notifications.
	NewValue any
	OldSize  int64
	NewSize  int64
}

// Delta returns the change in size, or false when either side is unknown.
func (e AllocationEvent) Delta() (int64, bool) {
	if e.OldSize == SizeUnknown || e.NewSize == SizeUnknown {
		return 0, false
	}
	return e.NewSize - e.OldSize, true
}

// AllocationListener observes allocations reported by guest languages.
type AllocationListener interface {
	OnEnter(ev AllocationEvent)
	OnReturnValue(ev AllocationEvent)
}

// AllocationReporter is used by a language to report its allocations.
// Every OnReturnValue must follow a matching OnEnter on the same thread.
type AllocationReporter struct {
	inst     *Instrumenter
	language string

	mu      sync.Mutex
	pending map[uint64][]AllocationEvent
}

// NewAllocationReporter creates a reporter for language.
func (inst *Instrumenter) NewAllocationReporter(language string) *AllocationReporter {
	return &AllocationReporter{
		inst:     inst,
		language: language,
		pending:  make(map[uint64][]AllocationEvent),
	}
}

// Active reports whether any allocation listener is attached.
func (r *AllocationReporter) Active() bool {
	return len(r.inst.allocationListeners()) > 0
}

// OnEnter announces an allocation on thread. oldValue is nil for a fresh
// allocation; for a fresh allocation oldSize must be 0. A failing listener
// is handled by the error policy; under ErrorsThrow the first failure is
// returned after every listener ran.
func (r *AllocationReporter) OnEnter(thread uint64, oldValue any, oldSize, newSizeEstimate int64) error {
	if oldValue != nil && !r.inst.isGuestValue(oldValue) {
		violate("allocation of %T is not a guest value", oldValue)
	}
	if oldValue == nil && oldSize != 0 {
		violate("fresh allocation must have old size 0, got %d", oldSize)
	}
	checkSize(oldSize)
	checkSize(newSizeEstimate)

	ev := AllocationEvent{
		Language: r.language,
		Thread:   thread,
		OldValue: oldValue,
		OldSize:  oldSize,
		NewSize:  newSizeEstimate,
	}
	r.mu.Lock()
	r.pending[thread] = append(r.pending[thread], ev)
	r.mu.Unlock()

	return r.notify("onAllocationEnter", func(l AllocationListener) { l.OnEnter(ev) })
}

// OnReturnValue reports the allocated value. It panics without a matching
// OnEnter or when a reallocation returns a different value.
func (r *AllocationReporter) OnReturnValue(thread uint64, newValue any, newSize int64) error {
	if newValue == nil || !r.inst.isGuestValue(newValue) {
		violate("allocated %T is not a guest value", newValue)
	}
	checkSize(newSize)

	r.mu.Lock()
	stack := r.pending[thread]
	if len(stack) == 0 {
		r.mu.Unlock()
		violate("allocation return on thread %d without a prior enter", thread)
	}
	ev := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(r.pending, thread)
	} else {
		r.pending[thread] = stack[:len(stack)-1]
	}
	r.mu.Unlock()

	if ev.OldValue != nil && !sameValue(ev.OldValue, newValue) {
		violate("reallocation of %v returned a different value %v", ev.OldValue, newValue)
	}
	ev.NewValue = newValue
	ev.NewSize = newSize

	return r.notify("onAllocationReturn", func(l AllocationListener) { l.OnReturnValue(ev) })
}

func (r *AllocationReporter) notify(event string, call func(AllocationListener)) error {
	var thrown error
	for _, b := range r.inst.allocationListeners() {
		err := guard(func() error {
			call(b.alloc)
			return nil
		})
		if err == nil {
			continue
		}
		ierr := &InstrumentError{Event: event, Binding: b, Err: err}
		if r.inst.report(ierr) && thrown == nil {
			thrown = ierr
		}
	}
	return thrown
}

func checkSize(size int64) {
	if size < 0 && size != SizeUnknown {
		violate("invalid allocation size %d", size)
	}
}

func sameValue(a, b any) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
