package safepoint

import "sync"

// barrier holds arriving threads of a synchronous action until all targets
// that are still entered have arrived.
type barrier struct {
	mu      sync.Mutex
	waiting map[*Thread]bool
	arrived map[*Thread]bool
	release chan struct{}
	open    bool
}

func newBarrier(targets []*Thread) *barrier {
	b := &barrier{
		waiting: make(map[*Thread]bool, len(targets)),
		arrived: make(map[*Thread]bool, len(targets)),
		release: make(chan struct{}),
	}
	for _, t := range targets {
		b.waiting[t] = true
	}
	b.check()
	return b
}

// arrive blocks t until every target arrived. It returns false when the
// action was cancelled first. Each signal on wake runs other pending
// arrivals of t while it waits.
func (b *barrier) arrive(t *Thread, abort, wake <-chan struct{}, other func()) bool {
	b.mu.Lock()
	b.arrived[t] = true
	b.checkLocked()
	b.mu.Unlock()

	other()
	for {
		select {
		case <-b.release:
			return true
		case <-abort:
			// a release racing the abort still counts
			select {
			case <-b.release:
				return true
			default:
				return false
			}
		case <-wake:
			other()
		}
	}
}

// leave removes t from the threads the barrier waits for.
func (b *barrier) leave(t *Thread) {
	b.mu.Lock()
	delete(b.waiting, t)
	b.checkLocked()
	b.mu.Unlock()
}

func (b *barrier) check() {
	b.mu.Lock()
	b.checkLocked()
	b.mu.Unlock()
}

func (b *barrier) checkLocked() {
	if b.open {
		return
	}
	for t := range b.waiting {
		if !b.arrived[t] {
			return
		}
	}
	b.open = true
	close(b.release)
}
