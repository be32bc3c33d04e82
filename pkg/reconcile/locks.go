package reconcile

import "sync"

// instanceLocks hands out per-instance leases. TryAcquire never blocks: a
// second reconcile for the same instance is rejected immediately rather than
// queued, so an operator retry cannot pile up behind a wedged attempt.
type instanceLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{held: make(map[string]struct{})}
}

// TryAcquire takes the lease for an instance. Returns false if it is already
// held.
func (l *instanceLocks) TryAcquire(instanceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[instanceID]; ok {
		return false
	}
	l.held[instanceID] = struct{}{}
	return true
}

// Release returns the lease. Releasing an unheld lease is a no-op.
func (l *instanceLocks) Release(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, instanceID)
}
