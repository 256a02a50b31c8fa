package walog

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/blockcdp/pkg/block"
)

// memDevice is an in-memory WAL device backing for tests.
type memDevice struct {
	buf []byte
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}

func newTestDevice(t *testing.T, pbs uint32, ringPb uint64) (*memDevice, *SuperBlock) {
	t.Helper()
	dev := &memDevice{buf: make([]byte, (1+ringPb)*uint64(pbs))}
	super := &SuperBlock{
		Pbs:         pbs,
		Salt:        0xfeedface,
		UUID:        uuid.New(),
		RingStartPb: 1,
		RingSizePb:  ringPb,
	}
	require.NoError(t, WriteSuperBlock(dev, super))
	return dev, super
}

func randomBlocks(rnd *rand.Rand, nLb int) []byte {
	buf := make([]byte, nLb*block.LogicalBlockSize)
	rnd.Read(buf)
	return buf
}

func TestSuperBlockRoundTrip(t *testing.T) {
	dev, super := newTestDevice(t, 4096, 128)
	got, err := ReadSuperBlock(dev)
	require.NoError(t, err)
	assert.Equal(t, *super, got)
}

func TestSuperBlockCorruption(t *testing.T) {
	dev, _ := newTestDevice(t, 4096, 128)
	dev.buf[20] ^= 0xff
	_, err := ReadSuperBlock(dev)
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func TestIterYieldsAllRecords(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	dev, super := newTestDevice(t, 4096, 1024)
	b := NewBuilder(dev, super)

	// Three packs with a mix of normal and discard records.
	wantRecords := 0
	packs := [][]IoReq{
		{
			{OffsetLb: 0, Data: randomBlocks(rnd, 8)},
			{OffsetLb: 100, Data: randomBlocks(rnd, 3)},
		},
		{
			{OffsetLb: 50, Discard: true, SizeLb: 16},
			{OffsetLb: 200, Data: randomBlocks(rnd, 1)},
		},
		{
			{OffsetLb: 8, Data: randomBlocks(rnd, 9)},
		},
	}
	for _, reqs := range packs {
		_, err := b.AddPack(reqs)
		require.NoError(t, err)
		wantRecords += len(reqs)
	}
	require.NoError(t, b.Flush())

	d, err := OpenDevice(dev)
	require.NoError(t, err)
	it, err := NewIter(d, 0, d.Super().WrittenLsid)
	require.NoError(t, err)

	got := 0
	for {
		pack, err := it.Next()
		if errors.Is(err, ErrEndOfLog) {
			break
		}
		require.NoError(t, err)
		got += pack.Header.NRecords()
		for _, io := range pack.IOs {
			if io.Record.HasPayload() {
				assert.Len(t, io.Data, int(io.Record.IoSizeLb)*block.LogicalBlockSize)
			} else {
				assert.Nil(t, io.Data)
			}
		}
	}
	assert.Equal(t, wantRecords, got)
}

func TestIterRingWrap(t *testing.T) {
	rnd := rand.New(rand.NewSource(9))
	// Small ring: a pack of 1 header + 1 payload block (8 lb) takes 2 pb,
	// so the 10-pb ring holds five packs and the sixth wraps.
	dev, super := newTestDevice(t, 4096, 10)
	b := NewBuilder(dev, super)

	var want [][]byte
	for i := 0; i < 6; i++ {
		data := randomBlocks(rnd, 8) // one pb of payload
		want = append(want, data)
		_, err := b.AddPack([]IoReq{{OffsetLb: uint64(i) * 8, Data: data}})
		require.NoError(t, err)
		// Advance the oldest watermark with the ring.
		if super.WrittenLsid > super.RingSizePb {
			super.OldestLsid = super.WrittenLsid - super.RingSizePb
		}
	}
	require.NoError(t, b.Flush())

	d, err := OpenDevice(dev)
	require.NoError(t, err)
	begin := d.Super().OldestLsid
	it, err := NewIter(d, begin, d.Super().WrittenLsid)
	require.NoError(t, err)

	// Only the packs still inside the ring are readable.
	var got [][]byte
	for {
		pack, err := it.Next()
		if errors.Is(err, ErrEndOfLog) {
			break
		}
		require.NoError(t, err)
		require.Len(t, pack.IOs, 1)
		got = append(got, pack.IOs[0].Data)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, want[len(want)-len(got):], got)
}

func TestIterRejectsEmptyRange(t *testing.T) {
	dev, super := newTestDevice(t, 4096, 64)
	b := NewBuilder(dev, super)
	_, err := b.AddPack([]IoReq{{OffsetLb: 0, Data: make([]byte, block.LogicalBlockSize)}})
	require.NoError(t, err)
	require.NoError(t, b.Flush())

	d, err := OpenDevice(dev)
	require.NoError(t, err)

	_, err = NewIter(d, 5, 5)
	assert.Error(t, err)
	_, err = NewIter(d, 7, 5)
	assert.Error(t, err)
}

func TestIterDetectsCorruptPayload(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	dev, super := newTestDevice(t, 4096, 64)
	b := NewBuilder(dev, super)
	_, err := b.AddPack([]IoReq{{OffsetLb: 0, Data: randomBlocks(rnd, 8)}})
	require.NoError(t, err)
	require.NoError(t, b.Flush())

	// Payload starts at lsid 1 = physical block 2.
	dev.buf[2*4096+17] ^= 0xff

	d, err := OpenDevice(dev)
	require.NoError(t, err)
	it, err := NewIter(d, 0, d.Super().WrittenLsid)
	require.NoError(t, err)
	_, err = it.Next()
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func TestIterDetectsCorruptHeader(t *testing.T) {
	dev, super := newTestDevice(t, 4096, 64)
	b := NewBuilder(dev, super)
	_, err := b.AddPack([]IoReq{{OffsetLb: 0, Data: make([]byte, 512)}})
	require.NoError(t, err)
	require.NoError(t, b.Flush())

	// Header is physical block 1.
	dev.buf[4096+8] ^= 0xff

	d, err := OpenDevice(dev)
	require.NoError(t, err)
	it, err := NewIter(d, 0, d.Super().WrittenLsid)
	require.NoError(t, err)
	_, err = it.Next()
	assert.ErrorIs(t, err, ErrCorruptLog)
}
