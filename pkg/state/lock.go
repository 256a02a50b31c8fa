package state

import "sync"

// VolumeLock is the recursive-section lock owned by one volume. The
// state machine, the action counter, and the stop handshake all wait
// on its single condition variable, so a change to any of them wakes
// every waiter re-evaluating a combined predicate.
type VolumeLock struct {
	sync.Mutex
	cond *sync.Cond
}

// NewVolumeLock returns a lock with its condition variable.
func NewVolumeLock() *VolumeLock {
	l := &VolumeLock{}
	l.cond = sync.NewCond(&l.Mutex)
	return l
}

// Broadcast wakes all waiters. The caller must hold the lock.
func (l *VolumeLock) Broadcast() { l.cond.Broadcast() }

// WaitUntil blocks until pred holds. The caller must hold the lock;
// pred is evaluated with the lock held.
func (l *VolumeLock) WaitUntil(pred func() bool) {
	for !pred() {
		l.cond.Wait()
	}
}
