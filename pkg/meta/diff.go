package meta

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Diff describes one wdiff file: it advances snapshot B to snapshot E.
//
// Mergeable marks a diff that may be folded with an adjacent mergeable
// diff; CompDiff marks a diff that is already a merged composite.
// Timestamp and SizeB describe the file and are not part of the diff's
// identity.
type Diff struct {
	B Snap
	E Snap

	Mergeable bool
	CompDiff  bool

	Timestamp time.Time
	SizeB     uint64
}

// NewDiff returns a clean diff gidB -> gidE.
func NewDiff(gidB, gidE uint64) Diff {
	return Diff{B: NewSnap(gidB), E: NewSnap(gidE)}
}

// Valid reports whether the diff advances its begin snapshot:
// b0 < e0, b1 <= e1, and both snapshots are themselves valid.
func (d Diff) Valid() bool {
	return d.B.Valid() && d.E.Valid() &&
		d.B.GidB <= d.E.GidB && d.B.GidE <= d.E.GidE &&
		d.B.GidB < d.E.GidB
}

// IsClean reports whether both endpoints are clean snapshots.
func (d Diff) IsClean() bool { return d.B.IsClean() && d.E.IsClean() }

// IsDirty reports whether either endpoint is dirty.
func (d Diff) IsDirty() bool { return !d.IsClean() }

func (d Diff) String() string {
	return fmt.Sprintf("%s-->%s", d.B, d.E)
}

// SameIdentity reports whether two diffs name the same snapshot
// transition with the same flags, ignoring timestamp and size.
func (d Diff) SameIdentity(o Diff) bool {
	return d.B == o.B && d.E == o.E &&
		d.Mergeable == o.Mergeable && d.CompDiff == o.CompDiff
}

// Filename returns the wdiff file name encoding the diff identity:
// "<b0>-<b1>-<e0>-<e1>-<flags>.wdiff" with flags one of 0, M, C, MC.
func (d Diff) Filename() string {
	return fmt.Sprintf("%d-%d-%d-%d-%s.wdiff",
		d.B.GidB, d.B.GidE, d.E.GidB, d.E.GidE, d.flagString())
}

func (d Diff) flagString() string {
	var sb strings.Builder
	if d.Mergeable {
		sb.WriteByte('M')
	}
	if d.CompDiff {
		sb.WriteByte('C')
	}
	if sb.Len() == 0 {
		return "0"
	}
	return sb.String()
}

// ParseDiffFilename parses a name produced by Filename.
func ParseDiffFilename(name string) (Diff, error) {
	base, ok := strings.CutSuffix(name, ".wdiff")
	if !ok {
		return Diff{}, fmt.Errorf("parse diff filename %q: missing .wdiff suffix", name)
	}
	parts := strings.Split(base, "-")
	if len(parts) != 5 {
		return Diff{}, fmt.Errorf("parse diff filename %q: want 5 fields, got %d", name, len(parts))
	}
	var gids [4]uint64
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseUint(parts[i], 10, 64)
		if err != nil {
			return Diff{}, fmt.Errorf("parse diff filename %q: %w", name, err)
		}
		gids[i] = v
	}
	d := Diff{
		B: Snap{GidB: gids[0], GidE: gids[1]},
		E: Snap{GidB: gids[2], GidE: gids[3]},
	}
	switch parts[4] {
	case "0":
	case "M":
		d.Mergeable = true
	case "C":
		d.CompDiff = true
	case "MC":
		d.Mergeable = true
		d.CompDiff = true
	default:
		return Diff{}, fmt.Errorf("parse diff filename %q: bad flags %q", name, parts[4])
	}
	if !d.Valid() {
		return Diff{}, fmt.Errorf("parse diff filename %q: invalid gid range", name)
	}
	return d, nil
}

// Apply returns the snapshot reached by applying d to s.
// The caller must have checked the relation is RelApplicable.
func Apply(s Snap, d Diff) Snap {
	return d.E
}

// Merge folds two adjacent diffs into one composite. The second diff
// must be applicable to the first diff's end snapshot and mergeable.
func Merge(d0, d1 Diff) (Diff, error) {
	if d1.B != d0.E {
		return Diff{}, fmt.Errorf("merge %s + %s: not adjacent", d0, d1)
	}
	if !d1.Mergeable {
		return Diff{}, fmt.Errorf("merge %s + %s: second diff is not mergeable", d0, d1)
	}
	m := Diff{
		B:         d0.B,
		E:         d1.E,
		Mergeable: d0.Mergeable,
		CompDiff:  true,
		SizeB:     d0.SizeB + d1.SizeB,
	}
	if d1.Timestamp.After(d0.Timestamp) {
		m.Timestamp = d1.Timestamp
	} else {
		m.Timestamp = d0.Timestamp
	}
	return m, nil
}
