package meta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapCleanDirty(t *testing.T) {
	clean := NewSnap(5)
	assert.True(t, clean.IsClean())
	assert.False(t, clean.IsDirty())

	dirty := Snap{GidB: 5, GidE: 7}
	assert.True(t, dirty.IsDirty())
	assert.True(t, dirty.Valid())

	assert.False(t, Snap{GidB: 7, GidE: 5}.Valid())
}

func TestSnapStringRoundTrip(t *testing.T) {
	for _, s := range []Snap{NewSnap(0), NewSnap(42), {GidB: 3, GidE: 9}} {
		got, err := ParseSnap(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestDiffFilenameRoundTrip(t *testing.T) {
	diffs := []Diff{
		NewDiff(0, 1),
		{B: Snap{GidB: 3, GidE: 5}, E: Snap{GidB: 7, GidE: 9}, Mergeable: true},
		{B: NewSnap(10), E: NewSnap(20), CompDiff: true},
		{B: NewSnap(10), E: NewSnap(20), Mergeable: true, CompDiff: true},
	}
	for _, d := range diffs {
		got, err := ParseDiffFilename(d.Filename())
		require.NoError(t, err, d.Filename())
		assert.True(t, d.SameIdentity(got), "%s", d.Filename())
	}
}

func TestParseDiffFilenameRejects(t *testing.T) {
	for _, name := range []string{
		"not-a-diff",
		"1-1-2-2-0.wdif",
		"1-1-2-2.wdiff",
		"2-2-1-1-0.wdiff", // goes backward
		"1-1-2-2-X.wdiff",
	} {
		_, err := ParseDiffFilename(name)
		assert.Error(t, err, name)
	}
}

func TestGetRelation(t *testing.T) {
	latest := NewSnap(3)
	tests := []struct {
		name string
		d    Diff
		want Relation
	}{
		{"applicable", NewDiff(3, 4), RelApplicable},
		{"too old", NewDiff(1, 2), RelTooOld},
		{"too old touching", NewDiff(2, 3), RelTooOld},
		{"too new", NewDiff(5, 6), RelTooNew},
		{"dirty begin mismatch", Diff{B: Snap{GidB: 3, GidE: 5}, E: NewSnap(6)}, RelNotApplicable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetRelation(latest, tt.d))
		})
	}
}

func TestDiffMerge(t *testing.T) {
	d0 := NewDiff(0, 1)
	d1 := NewDiff(1, 2)
	d1.Mergeable = true

	m, err := Merge(d0, d1)
	require.NoError(t, err)
	assert.Equal(t, NewSnap(0), m.B)
	assert.Equal(t, NewSnap(2), m.E)
	assert.True(t, m.CompDiff)

	// Not adjacent.
	_, err = Merge(d0, NewDiff(2, 3))
	assert.Error(t, err)

	// Not mergeable.
	_, err = Merge(d0, NewDiff(1, 2))
	assert.Error(t, err)
}

func TestDirtyEndpointsPreservedByMerge(t *testing.T) {
	d0 := Diff{B: NewSnap(0), E: Snap{GidB: 2, GidE: 4}}
	d1 := Diff{B: Snap{GidB: 2, GidE: 4}, E: Snap{GidB: 5, GidE: 8}, Mergeable: true}

	m, err := Merge(d0, d1)
	require.NoError(t, err)
	assert.Equal(t, Snap{GidB: 5, GidE: 8}, m.E)
	assert.True(t, m.IsDirty())
}

func TestStateMarshalRoundTrip(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	states := []State{
		NewState(NewSnap(0), ts),
		NewState(Snap{GidB: 3, GidE: 9}, ts),
		{Snap: NewSnap(4), Timestamp: ts, Applying: true, Pending: NewSnap(8)},
	}
	for _, s := range states {
		got, err := UnmarshalState(s.Marshal())
		require.NoError(t, err, s.String())
		assert.Equal(t, s, got)
	}
}

func TestStateUnmarshalRejectsCorruption(t *testing.T) {
	buf := NewState(NewSnap(1), time.Now()).Marshal()

	short := buf[:10]
	_, err := UnmarshalState(short)
	assert.Error(t, err)

	buf[8] ^= 0xff // flip a gid byte, checksum must catch it
	_, err = UnmarshalState(buf)
	assert.Error(t, err)
}

func TestStateApplyLifecycle(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	s := NewState(NewSnap(0), ts)

	d := NewDiff(0, 5)
	s2, err := s.BeginApply(d)
	require.NoError(t, err)
	assert.True(t, s2.Applying)

	// Only one pending apply per volume.
	_, err = s2.BeginApply(NewDiff(5, 6))
	assert.Error(t, err)

	ts2 := ts.Add(time.Minute)
	s3, err := s2.EndApply(ts2)
	require.NoError(t, err)
	assert.Equal(t, NewSnap(5), s3.Snap)
	assert.False(t, s3.Applying)

	_, err = s.EndApply(ts2)
	assert.Error(t, err)
}

func TestManagerAddRemove(t *testing.T) {
	m := NewDiffManager()
	d := NewDiff(0, 1)
	require.NoError(t, m.Add(d))
	assert.Error(t, m.Add(d), "duplicate must be rejected")

	// gidB overlap with a non-mergeable diff.
	assert.Error(t, m.Add(NewDiff(0, 2)))

	m.Remove(d)
	assert.Equal(t, 0, m.Size())
	m.Remove(d) // idempotent
}

func TestManagerLatestSnapshot(t *testing.T) {
	m := NewDiffManager()
	base := NewState(NewSnap(0), time.Now())

	require.NoError(t, m.Add(NewDiff(0, 1)))
	require.NoError(t, m.Add(NewDiff(1, 2)))
	require.NoError(t, m.Add(NewDiff(2, 5)))
	// A gap: 6->7 is not reachable.
	require.NoError(t, m.Add(NewDiff(6, 7)))

	assert.Equal(t, NewSnap(5), m.GetLatestSnapshot(base))
}

func TestManagerLatestSnapshotDirtyTail(t *testing.T) {
	m := NewDiffManager()
	base := NewState(NewSnap(0), time.Now())

	require.NoError(t, m.Add(NewDiff(0, 3)))
	// Dirty diff at the tail: chain extends but best clean stays at 3.
	require.NoError(t, m.Add(Diff{B: NewSnap(3), E: Snap{GidB: 4, GidE: 6}}))

	assert.Equal(t, NewSnap(3), m.GetLatestSnapshot(base))
}

func TestManagerApplicableDiffList(t *testing.T) {
	m := NewDiffManager()
	d0 := NewDiff(0, 1)
	d0.SizeB = 100
	d1 := NewDiff(1, 2)
	d1.SizeB = 100
	d2 := NewDiff(2, 3)
	d2.SizeB = 100
	require.NoError(t, m.Add(d0))
	require.NoError(t, m.Add(d1))
	require.NoError(t, m.Add(d2))

	all := m.GetApplicableDiffList(NewSnap(0), 0)
	require.Len(t, all, 3)
	assert.Equal(t, NewSnap(3), all[2].E)

	limited := m.GetApplicableDiffList(NewSnap(0), 150)
	assert.Len(t, limited, 1, "size bound truncates, but always yields at least one diff")

	byGid := m.GetApplicableDiffListByGid(NewSnap(0), 2)
	assert.Len(t, byGid, 2)
}

func TestManagerMergeableDiffList(t *testing.T) {
	m := NewDiffManager()
	d0 := NewDiff(0, 1)
	d1 := NewDiff(1, 2)
	d1.Mergeable = true
	d2 := NewDiff(2, 3)
	d2.Mergeable = true
	d3 := NewDiff(3, 4) // not mergeable, breaks the run
	d4 := NewDiff(4, 5)
	d4.Mergeable = true
	for _, d := range []Diff{d0, d1, d2, d3, d4} {
		require.NoError(t, m.Add(d))
	}

	run := m.GetMergeableDiffList(0, 0)
	require.Len(t, run, 3)
	assert.Equal(t, NewSnap(3), run[2].E)

	assert.Empty(t, m.GetMergeableDiffList(9, 0))
}

func TestManagerRestorableGids(t *testing.T) {
	m := NewDiffManager()
	base := NewState(NewSnap(0), time.Now())
	require.NoError(t, m.Add(NewDiff(0, 1)))
	require.NoError(t, m.Add(Diff{B: NewSnap(1), E: Snap{GidB: 2, GidE: 3}}))
	require.NoError(t, m.Add(Diff{B: Snap{GidB: 2, GidE: 3}, E: NewSnap(4)}))

	assert.Equal(t, []uint64{0, 1, 4}, m.RestorableGids(base))
}
