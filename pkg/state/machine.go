// Package state provides the per-volume orchestration primitives: a
// named finite state machine with transactional transitions, a
// counter of in-flight long-running actions, and the stop handshake
// shared by the three daemons.
package state

import (
	"fmt"
)

// Pair is one permitted transition.
type Pair struct {
	From string
	To   string
}

// Machine is a named finite state per volume. Transitions are
// registered at construction; all operations require the per-volume
// lock supplied by the owner to be held.
type Machine struct {
	lock  *VolumeLock
	state string
	table map[Pair]struct{}
	inTx  bool
}

// NewMachine builds a machine over the volume lock with the permitted
// transition table.
func NewMachine(lock *VolumeLock, initial string, table []Pair) *Machine {
	m := &Machine{
		lock:  lock,
		state: initial,
		table: make(map[Pair]struct{}, len(table)),
	}
	for _, p := range table {
		m.table[p] = struct{}{}
	}
	return m
}

// Get returns the current state. The caller must hold the volume
// lock.
func (m *Machine) Get() string { return m.state }

// GetLocked takes the lock and returns the current state.
func (m *Machine) GetLocked() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

// Set forces the state without a table check, used when rehydrating a
// volume from disk. The caller must hold the volume lock.
func (m *Machine) Set(state string) {
	m.state = state
	m.lock.Broadcast()
}

func (m *Machine) transition(from, to string) error {
	if m.state != from {
		return fmt.Errorf("state transition %s->%s: current state is %s", from, to, m.state)
	}
	if _, ok := m.table[Pair{From: from, To: to}]; !ok {
		return fmt.Errorf("state transition %s->%s: not permitted", from, to)
	}
	m.state = to
	m.lock.Broadcast()
	return nil
}

// Tx is an in-flight transition through a transient state. Commit
// advances to the stable target; Rollback (usually deferred) reverts
// to the origin state when the body failed before Commit.
type Tx struct {
	m        *Machine
	from     string
	via      string
	finished bool
}

// Begin atomically asserts the current state is from and advances to
// the transient state via. The caller must hold the volume lock; only
// one transaction may be open per machine.
func (m *Machine) Begin(from, via string) (*Tx, error) {
	if m.inTx {
		return nil, fmt.Errorf("state transition %s->%s: transaction already open", from, via)
	}
	if err := m.transition(from, via); err != nil {
		return nil, err
	}
	m.inTx = true
	return &Tx{m: m, from: from, via: via}, nil
}

// Commit advances from the transient state to the stable target.
// The caller must hold the volume lock.
func (tx *Tx) Commit(to string) error {
	if tx.finished {
		return fmt.Errorf("state transaction: already finished")
	}
	if err := tx.m.transition(tx.via, to); err != nil {
		return err
	}
	tx.finished = true
	tx.m.inTx = false
	return nil
}

// Rollback reverts to the origin state. Safe to defer: it is a no-op
// after Commit. The caller must hold the volume lock.
func (tx *Tx) Rollback() {
	if tx.finished {
		return
	}
	tx.finished = true
	tx.m.inTx = false
	tx.m.state = tx.from
	tx.m.lock.Broadcast()
}
