package volume

import (
	"bytes"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/compress"
	"github.com/marmos91/blockcdp/pkg/meta"
	"github.com/marmos91/blockcdp/pkg/state"
	"github.com/marmos91/blockcdp/pkg/wdiff"
)

func newTestVolume(t *testing.T) *Info {
	t.Helper()
	v := New(t.TempDir(), "vol0", meta.NewDiffManager())
	require.NoError(t, v.Init(uuid.New(), "SyncReady"))
	return v
}

// writeWdiff publishes a diff with the given ranges on the volume.
func writeWdiff(t *testing.T, v *Info, d meta.Diff, salt uint32, recs []wdiff.MergedIo) {
	t.Helper()
	id, err := v.UUID()
	require.NoError(t, err)
	tmp, err := v.CreateTempWdiff()
	require.NoError(t, err)

	w, err := wdiff.NewWriter(tmp, wdiff.Header{UUID: id, MaxIoLb: 64, Salt: salt}, 0)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.AddRecord(r.AddrLb, r.BlocksLb, r.Flags, r.Data, compress.ModeSnappy))
	}
	require.NoError(t, w.Close())
	require.NoError(t, v.PublishWdiff(tmp, d))
}

func TestVolumeLifecycle(t *testing.T) {
	v := newTestVolume(t)
	require.True(t, v.Exists())

	st, err := v.State()
	require.NoError(t, err)
	assert.Equal(t, "SyncReady", st)

	require.NoError(t, v.SetState("Archived"))
	st, err = v.State()
	require.NoError(t, err)
	assert.Equal(t, "Archived", st)

	ms := meta.NewState(meta.NewSnap(0), time.Unix(1700000000, 0).UTC())
	require.NoError(t, v.SetMetaState(ms))
	got, err := v.MetaState()
	require.NoError(t, err)
	assert.Equal(t, ms, got)

	require.NoError(t, v.Clear())
	assert.False(t, v.Exists())
}

func TestVolumeReloadDiffs(t *testing.T) {
	v := newTestVolume(t)

	d0 := meta.NewDiff(0, 1)
	d1 := meta.NewDiff(1, 2)
	d1.Mergeable = true
	writeWdiff(t, v, d0, 7, []wdiff.MergedIo{{AddrLb: 0, BlocksLb: 1, Flags: wdiff.RecAllZero}})
	writeWdiff(t, v, d1, 7, []wdiff.MergedIo{{AddrLb: 4, BlocksLb: 1, Flags: wdiff.RecAllZero}})

	// A stray file must be ignored.
	require.NoError(t, os.WriteFile(v.Dir()+"/garbage.wdiff", []byte("x"), 0o644))

	fresh := New(v.baseDir, v.volID, meta.NewDiffManager())
	require.NoError(t, fresh.ReloadDiffs())
	all := fresh.DiffMgr().GetAll()
	require.Len(t, all, 2)
	assert.True(t, all[0].SameIdentity(d0))
	assert.True(t, all[1].SameIdentity(d1))
	assert.NotZero(t, all[0].SizeB)
}

func TestVolumeRestoreAndApply(t *testing.T) {
	rnd := rand.New(rand.NewSource(41))
	v := newTestVolume(t)

	const volLb = 256
	require.NoError(t, v.CreateImage(volLb))
	base := make([]byte, block.LbToBytes(volLb))
	rnd.Read(base)
	require.NoError(t, os.WriteFile(v.ImagePath(), base, 0o644))
	require.NoError(t, v.SetMetaState(meta.NewState(meta.NewSnap(0), time.Unix(1700000000, 0).UTC())))

	payloadA := make([]byte, block.LbToBytes(8))
	rnd.Read(payloadA)
	payloadB := make([]byte, block.LbToBytes(4))
	rnd.Read(payloadB)

	d0 := meta.NewDiff(0, 1)
	writeWdiff(t, v, d0, 3, []wdiff.MergedIo{
		{AddrLb: 100, BlocksLb: 8, Flags: wdiff.RecNormal, Data: payloadA},
	})
	d1 := meta.NewDiff(1, 2)
	writeWdiff(t, v, d1, 3, []wdiff.MergedIo{
		{AddrLb: 104, BlocksLb: 4, Flags: wdiff.RecNormal, Data: payloadB},
		{AddrLb: 200, BlocksLb: 4, Flags: wdiff.RecAllZero},
	})

	want := append([]byte{}, base...)
	copy(want[block.LbToBytes(100):], payloadA)
	copy(want[block.LbToBytes(104):], payloadB)
	for i := block.LbToBytes(200); i < block.LbToBytes(204); i++ {
		want[i] = 0
	}

	// Restore gid 2: sequential application through the virtual
	// reader.
	require.NoError(t, v.Restore(2, nil))
	got, err := os.ReadFile(v.RestorePath(2))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	restored, err := v.Restored()
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, restored)

	// Restoring the same gid twice is refused.
	assert.Error(t, v.Restore(2, nil))

	// Unreachable gid is refused.
	assert.Error(t, v.Restore(9, nil))

	// Apply gid 2 folds the diffs into the base image.
	require.NoError(t, v.Apply(2, nil))
	img, err := os.ReadFile(v.ImagePath())
	require.NoError(t, err)
	assert.Equal(t, want, img)

	ms, err := v.MetaState()
	require.NoError(t, err)
	assert.Equal(t, meta.NewSnap(2), ms.Snap)
	assert.False(t, ms.Applying)
	assert.Equal(t, 0, v.DiffMgr().Size())

	require.NoError(t, v.DelRestored(2))
	restored, err = v.Restored()
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestVolumeRestoreEmptyChain(t *testing.T) {
	rnd := rand.New(rand.NewSource(43))
	v := newTestVolume(t)
	const volLb = 64
	require.NoError(t, v.CreateImage(volLb))
	base := make([]byte, block.LbToBytes(volLb))
	rnd.Read(base)
	require.NoError(t, os.WriteFile(v.ImagePath(), base, 0o644))
	require.NoError(t, v.SetMetaState(meta.NewState(meta.NewSnap(5), time.Now().UTC())))

	require.NoError(t, v.Restore(5, nil))
	got, err := os.ReadFile(v.RestorePath(5))
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

func TestVolumeMergeThenApplyEqualsSequential(t *testing.T) {
	rnd := rand.New(rand.NewSource(47))

	build := func(t *testing.T) (*Info, []byte) {
		v := newTestVolume(t)
		const volLb = 128
		require.NoError(t, v.CreateImage(volLb))
		base := make([]byte, block.LbToBytes(volLb))
		rnd.Read(base)
		require.NoError(t, os.WriteFile(v.ImagePath(), base, 0o644))
		require.NoError(t, v.SetMetaState(meta.NewState(meta.NewSnap(0), time.Now().UTC())))

		payloadA := bytes.Repeat([]byte{0xa1}, int(block.LbToBytes(8)))
		payloadB := bytes.Repeat([]byte{0xb2}, int(block.LbToBytes(8)))
		d0 := meta.NewDiff(0, 1)
		writeWdiff(t, v, d0, 3, []wdiff.MergedIo{
			{AddrLb: 10, BlocksLb: 8, Flags: wdiff.RecNormal, Data: payloadA},
		})
		d1 := meta.NewDiff(1, 2)
		d1.Mergeable = true
		writeWdiff(t, v, d1, 3, []wdiff.MergedIo{
			{AddrLb: 14, BlocksLb: 8, Flags: wdiff.RecNormal, Data: payloadB},
		})
		return v, base
	}

	// Volume 1: apply sequentially.
	v1, _ := build(t)
	require.NoError(t, v1.Apply(2, nil))
	want, err := os.ReadFile(v1.ImagePath())
	require.NoError(t, err)

	// Volume 2: merge first, then apply the composite.
	v2, _ := build(t)
	merged, err := v2.MergeDiffs(0, 0, 0, nil)
	require.NoError(t, err)
	assert.True(t, merged.CompDiff)
	assert.Equal(t, 1, v2.DiffMgr().Size())
	require.NoError(t, v2.Apply(2, nil))
	got, err := os.ReadFile(v2.ImagePath())
	require.NoError(t, err)

	assert.Equal(t, want, got)
}

func TestVolumeRestoreForceStopped(t *testing.T) {
	v := newTestVolume(t)
	const volLb = 64
	require.NoError(t, v.CreateImage(volLb))
	require.NoError(t, v.SetMetaState(meta.NewState(meta.NewSnap(0), time.Now().UTC())))

	var flag state.StopFlag
	state.NewStopper(&flag).BeginStop(true)

	err := v.Restore(0, &flag)
	assert.ErrorIs(t, err, state.ErrStopped)

	// No partial restore image appears.
	restored, err2 := v.Restored()
	require.NoError(t, err2)
	assert.Empty(t, restored)
}

func TestVolumeResize(t *testing.T) {
	v := newTestVolume(t)
	require.NoError(t, v.CreateImage(100))

	require.NoError(t, v.ResizeImage(200))
	size, err := v.ImageSizeLb()
	require.NoError(t, err)
	assert.Equal(t, uint64(200), size)

	assert.Error(t, v.ResizeImage(50), "shrinking is refused")
}
