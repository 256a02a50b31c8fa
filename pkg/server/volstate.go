package server

import (
	"sync"

	"github.com/marmos91/blockcdp/pkg/meta"
	"github.com/marmos91/blockcdp/pkg/state"
)

// VolState is the in-memory orchestration state of one volume inside
// a daemon: the recursive-section lock, the state machine, the action
// counter, the stop flag, and the diff manager. The lock exclusively
// owns the other four.
type VolState struct {
	Lock    *state.VolumeLock
	SM      *state.Machine
	AC      *state.ActionCounter
	Stop    state.StopFlag
	DiffMgr *meta.DiffManager
}

// NewVolState builds the state with the daemon's transition table.
func NewVolState(initial string, table []state.Pair) *VolState {
	lock := state.NewVolumeLock()
	return &VolState{
		Lock:    lock,
		SM:      state.NewMachine(lock, initial, table),
		AC:      state.NewActionCounter(lock),
		DiffMgr: meta.NewDiffManager(),
	}
}

// VolStateMap lazily creates one VolState per volume id. The interior
// of each VolState has its own locking; the map itself is only locked
// for lookup and insert.
type VolStateMap struct {
	mu   sync.Mutex
	m    map[string]*VolState
	make func(volID string) *VolState
}

// NewVolStateMap builds a registry with the given constructor.
func NewVolStateMap(make func(volID string) *VolState) *VolStateMap {
	return &VolStateMap{m: map[string]*VolState{}, make: make}
}

// Get returns the state for volID, creating it on first use.
func (vm *VolStateMap) Get(volID string) *VolState {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if st, ok := vm.m[volID]; ok {
		return st
	}
	st := vm.make(volID)
	vm.m[volID] = st
	return st
}

// Keys returns the known volume ids.
func (vm *VolStateMap) Keys() []string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make([]string, 0, len(vm.m))
	for k := range vm.m {
		out = append(out, k)
	}
	return out
}

// Delete forgets a volume.
func (vm *VolStateMap) Delete(volID string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	delete(vm.m, volID)
}
