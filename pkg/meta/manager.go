package meta

import (
	"fmt"
	"sort"
	"sync"
)

// DiffManager holds the set of wdiffs currently present for one
// volume. It persists nothing itself; the volume layer rehydrates it
// by scanning the volume directory on boot.
//
// All methods are safe for concurrent use, but callers that need a
// consistent view across several calls must hold the per-volume mutex.
type DiffManager struct {
	mu    sync.RWMutex
	diffs []Diff // sorted by (B.GidB, B.GidE, E.GidB, E.GidE)
}

// NewDiffManager returns an empty manager.
func NewDiffManager() *DiffManager {
	return &DiffManager{}
}

func diffLess(a, b Diff) bool {
	if a.B.GidB != b.B.GidB {
		return a.B.GidB < b.B.GidB
	}
	if a.B.GidE != b.B.GidE {
		return a.B.GidE < b.B.GidE
	}
	if a.E.GidB != b.E.GidB {
		return a.E.GidB < b.E.GidB
	}
	return a.E.GidE < b.E.GidE
}

// Add registers a diff. Duplicates are rejected, as is a gidB overlap
// with an existing non-mergeable diff.
func (m *DiffManager) Add(d Diff) error {
	if !d.Valid() {
		return fmt.Errorf("add diff %s: invalid", d)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.diffs {
		if e.SameIdentity(d) {
			return fmt.Errorf("add diff %s: duplicate", d)
		}
		if e.B.GidB == d.B.GidB && !e.Mergeable {
			return fmt.Errorf("add diff %s: gidB overlap with %s", d, e)
		}
	}
	m.diffs = append(m.diffs, d)
	sort.Slice(m.diffs, func(i, j int) bool { return diffLess(m.diffs[i], m.diffs[j]) })
	return nil
}

// Remove deletes a diff by identity. Removing an absent diff is a
// no-op.
func (m *DiffManager) Remove(d Diff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.diffs {
		if e.SameIdentity(d) {
			m.diffs = append(m.diffs[:i], m.diffs[i+1:]...)
			return
		}
	}
}

// Clear drops all diffs.
func (m *DiffManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diffs = nil
}

// Size returns the number of registered diffs.
func (m *DiffManager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.diffs)
}

// TotalSizeB returns the summed file size of all registered diffs.
func (m *DiffManager) TotalSizeB() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total uint64
	for _, d := range m.diffs {
		total += d.SizeB
	}
	return total
}

// GetAll returns a snapshot of all diffs in sorted order.
func (m *DiffManager) GetAll() []Diff {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Diff, len(m.diffs))
	copy(out, m.diffs)
	return out
}

// GetLatestSnapshot resolves the greatest clean snapshot reachable
// from the base state by greedily chaining applicable diffs.
func (m *DiffManager) GetLatestSnapshot(base State) Snap {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur := base.Snap
	best := cur
	if !best.IsClean() {
		// A dirty base is still reported, but only clean snapshots
		// found below may replace it.
		best = Snap{GidB: cur.GidB, GidE: cur.GidB}
	}
	for {
		d, ok := m.findApplicable(cur)
		if !ok {
			return best
		}
		cur = Apply(cur, d)
		if cur.IsClean() {
			best = cur
		}
	}
}

// findApplicable returns the first diff whose begin snapshot matches
// cur. The caller holds the read lock.
func (m *DiffManager) findApplicable(cur Snap) (Diff, bool) {
	i := sort.Search(len(m.diffs), func(i int) bool {
		return m.diffs[i].B.GidB >= cur.GidB
	})
	for ; i < len(m.diffs) && m.diffs[i].B.GidB == cur.GidB; i++ {
		if m.diffs[i].B == cur {
			return m.diffs[i], true
		}
	}
	return Diff{}, false
}

// GetApplicableDiffList returns the longest prefix of diffs applicable
// to the base snapshot in chain order, bounded by maxSizeB summed file
// size. maxSizeB == 0 means unbounded.
func (m *DiffManager) GetApplicableDiffList(base Snap, maxSizeB uint64) []Diff {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Diff
	var total uint64
	cur := base
	for {
		d, ok := m.findApplicable(cur)
		if !ok {
			return out
		}
		total += d.SizeB
		if maxSizeB != 0 && len(out) > 0 && total > maxSizeB {
			return out
		}
		out = append(out, d)
		cur = Apply(cur, d)
	}
}

// GetApplicableDiffListByGid is GetApplicableDiffList truncated at the
// first diff whose end snapshot passes gid.
func (m *DiffManager) GetApplicableDiffListByGid(base Snap, gid uint64) []Diff {
	all := m.GetApplicableDiffList(base, 0)
	var out []Diff
	for _, d := range all {
		if d.E.GidB > gid {
			break
		}
		out = append(out, d)
	}
	return out
}

// GetMergeableDiffList returns the contiguous run of mergeable diffs
// starting at the diff whose begin gidB equals gidB, bounded by
// maxSizeB summed file size. The first diff of the run need not be
// mergeable itself; every subsequent one must be.
func (m *DiffManager) GetMergeableDiffList(gidB uint64, maxSizeB uint64) []Diff {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Diff
	var total uint64
	var cur Snap
	for _, d := range m.diffs {
		if len(out) == 0 {
			if d.B.GidB != gidB {
				continue
			}
		} else {
			if d.B != cur || !d.Mergeable {
				break
			}
		}
		total += d.SizeB
		if maxSizeB != 0 && len(out) > 0 && total > maxSizeB {
			break
		}
		out = append(out, d)
		cur = d.E
	}
	return out
}

// GetRelation classifies d against the latest snapshot reachable from
// base.
func (m *DiffManager) GetRelation(base State, d Diff) Relation {
	return GetRelation(m.GetLatestSnapshot(base), d)
}

// Exists reports whether a diff with the same identity is registered.
func (m *DiffManager) Exists(d Diff) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.diffs {
		if e.SameIdentity(d) {
			return true
		}
	}
	return false
}

// RestorableGids lists the gids of clean snapshots reachable from the
// base state, in ascending order, including the base itself when clean.
func (m *DiffManager) RestorableGids(base State) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []uint64
	cur := base.Snap
	if cur.IsClean() {
		out = append(out, cur.GidB)
	}
	for {
		d, ok := m.findApplicable(cur)
		if !ok {
			return out
		}
		cur = Apply(cur, d)
		if cur.IsClean() {
			out = append(out, cur.GidB)
		}
	}
}
