package lx

import (
	"sync"
	"sync/atomic"
)

// quarantine blocks mutations on a book or pool after an invariant
// violation. Reads stay available so operators can inspect the state.
type quarantine struct {
	flag   atomic.Bool
	mu     sync.Mutex
	reason error
}

func (q *quarantine) check(resource string) error {
	if !q.flag.Load() {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return wrapError(KindInvariantViolation, q.reason, "%s is quarantined", resource)
}

func (q *quarantine) trip(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reason == nil {
		q.reason = err
	}
	q.flag.Store(true)
}

func (q *quarantine) tripped() bool {
	return q.flag.Load()
}

func (q *quarantine) lift() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reason = nil
	return q.flag.Swap(false)
}
