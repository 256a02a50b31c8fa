// Package meta implements the snapshot metadata algebra: snapshots
// named by generation-id pairs, diffs that advance one snapshot to
// another, the persisted base state, and the manager that resolves
// which diffs are applicable to which base.
package meta

import (
	"fmt"
	"strconv"
	"strings"
)

// Snap is a snapshot named by a pair of generation ids with
// GidB <= GidE. A clean snapshot has GidB == GidE and is restorable;
// a dirty snapshot covers a range of in-flight writes.
type Snap struct {
	GidB uint64
	GidE uint64
}

// NewSnap returns a clean snapshot at gid.
func NewSnap(gid uint64) Snap {
	return Snap{GidB: gid, GidE: gid}
}

// IsClean reports whether the snapshot is restorable.
func (s Snap) IsClean() bool { return s.GidB == s.GidE }

// IsDirty reports whether the snapshot covers in-flight writes.
func (s Snap) IsDirty() bool { return s.GidB != s.GidE }

// Valid reports whether the gid pair is ordered.
func (s Snap) Valid() bool { return s.GidB <= s.GidE }

func (s Snap) String() string {
	if s.IsClean() {
		return fmt.Sprintf("|%d|", s.GidB)
	}
	return fmt.Sprintf("|%d,%d|", s.GidB, s.GidE)
}

// ParseSnap parses the String form: "|gid|" or "|gidB,gidE|".
func ParseSnap(str string) (Snap, error) {
	s := strings.TrimPrefix(strings.TrimSuffix(str, "|"), "|")
	parts := strings.Split(s, ",")
	var snap Snap
	var err error
	switch len(parts) {
	case 1:
		snap.GidB, err = strconv.ParseUint(parts[0], 10, 64)
		snap.GidE = snap.GidB
	case 2:
		snap.GidB, err = strconv.ParseUint(parts[0], 10, 64)
		if err == nil {
			snap.GidE, err = strconv.ParseUint(parts[1], 10, 64)
		}
	default:
		return Snap{}, fmt.Errorf("parse snap %q: bad field count", str)
	}
	if err != nil {
		return Snap{}, fmt.Errorf("parse snap %q: %w", str, err)
	}
	if !snap.Valid() {
		return Snap{}, fmt.Errorf("parse snap %q: gidB > gidE", str)
	}
	return snap, nil
}
