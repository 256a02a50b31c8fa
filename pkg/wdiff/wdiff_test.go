package wdiff

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/compress"
	"github.com/marmos91/blockcdp/pkg/meta"
)

func testHeader() Header {
	return Header{UUID: uuid.New(), MaxIoLb: 64, Salt: 0xabcdef01}
}

func lbData(rnd *rand.Rand, nLb int) []byte {
	buf := make([]byte, nLb*block.LogicalBlockSize)
	rnd.Read(buf)
	return buf
}

func TestWriterReaderRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	var buf bytes.Buffer
	header := testHeader()

	w, err := NewWriter(&buf, header, 0)
	require.NoError(t, err)

	type input struct {
		addr  uint64
		nLb   uint32
		flags uint8
		data  []byte
		mode  compress.Mode
	}
	inputs := []input{
		{0, 8, RecNormal, lbData(rnd, 8), compress.ModeSnappy},
		{16, 4, RecAllZero, nil, compress.ModeNone},
		{100, 2, RecNormal, lbData(rnd, 2), compress.ModeZlib},
		{200, 1, RecDiscard, nil, compress.ModeNone},
		{300, 16, RecNormal, lbData(rnd, 16), compress.ModeXz},
	}
	for _, in := range inputs {
		require.NoError(t, w.AddRecord(in.addr, in.nLb, in.flags, in.data, in.mode))
	}
	require.NoError(t, w.Close())

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, header, r.Header())

	for i, in := range inputs {
		ri, err := r.Next()
		require.NoError(t, err, "record %d", i)
		assert.Equal(t, in.addr, ri.Record.IoAddressLb)
		assert.Equal(t, in.nLb, ri.Record.IoBlocksLb)
		assert.Equal(t, in.flags, ri.Record.Flags)

		raw, err := ri.Uncompress()
		require.NoError(t, err)
		if in.flags == RecNormal {
			assert.Equal(t, in.data, raw)
		} else {
			assert.Equal(t, make([]byte, int(in.nLb)*block.LogicalBlockSize), raw)
		}
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriterRejectsUnsortedRecords(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testHeader(), 0)
	require.NoError(t, err)
	require.NoError(t, w.AddRecord(10, 4, RecNormal, lbData(rnd, 4), compress.ModeNone))
	assert.Error(t, w.AddRecord(12, 4, RecNormal, lbData(rnd, 4), compress.ModeNone))
}

func TestReaderDetectsCorruption(t *testing.T) {
	rnd := rand.New(rand.NewSource(5))
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testHeader(), 0)
	require.NoError(t, err)
	require.NoError(t, w.AddRecord(0, 8, RecNormal, lbData(rnd, 8), compress.ModeNone))
	require.NoError(t, w.Close())

	data := buf.Bytes()
	// Flip a payload byte past the header and pack table.
	data[len(data)-20] ^= 0xff

	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrCorruptDiff)
}

func TestReaderDetectsHeaderCorruption(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testHeader(), 0)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data := buf.Bytes()
	data[9] ^= 0xff
	_, err = NewReader(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrCorruptDiff)
}

func TestMemoryLastWriterWins(t *testing.T) {
	m := NewMemory()
	a := bytes.Repeat([]byte{0xaa}, 8*block.LogicalBlockSize)
	b := bytes.Repeat([]byte{0xbb}, 4*block.LogicalBlockSize)

	require.NoError(t, m.Add(0, 8, RecNormal, a))
	require.NoError(t, m.Add(2, 4, RecNormal, b))

	var buf bytes.Buffer
	w, err := NewWriter(&buf, testHeader(), 0)
	require.NoError(t, err)
	require.NoError(t, m.WriteTo(w, compress.ModeNone))
	require.NoError(t, w.Close())

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	var got []byte
	var addrs []uint64
	for {
		ri, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		raw, err := ri.Uncompress()
		require.NoError(t, err)
		got = append(got, raw...)
		addrs = append(addrs, ri.Record.IoAddressLb)
	}
	// [0,2)=aa, [2,6)=bb, [6,8)=aa
	want := append([]byte{}, a[:2*block.LogicalBlockSize]...)
	want = append(want, b...)
	want = append(want, a[:2*block.LogicalBlockSize]...)
	assert.Equal(t, want, got)
	assert.Equal(t, []uint64{0, 2, 6}, addrs)
}

// buildDiff writes a single-pack wdiff from (addr, data) ranges and
// returns its bytes.
func buildDiff(t *testing.T, header Header, recs []MergedIo) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, header, 0)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.AddRecord(r.AddrLb, r.BlocksLb, r.Flags, r.Data, compress.ModeSnappy))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func fill(b byte, nLb int) []byte {
	return bytes.Repeat([]byte{b}, nLb*block.LogicalBlockSize)
}

func TestMergerLastWriterWins(t *testing.T) {
	header := testHeader()

	// Older diff 0->1: [0,8)=aa, [20,24)=cc
	old := buildDiff(t, header, []MergedIo{
		{AddrLb: 0, BlocksLb: 8, Flags: RecNormal, Data: fill(0xaa, 8)},
		{AddrLb: 20, BlocksLb: 4, Flags: RecNormal, Data: fill(0xcc, 4)},
	})
	// Newer diff 1->2: [4,6)=bb, [22,30)=dd
	newer := buildDiff(t, header, []MergedIo{
		{AddrLb: 4, BlocksLb: 2, Flags: RecNormal, Data: fill(0xbb, 2)},
		{AddrLb: 22, BlocksLb: 8, Flags: RecNormal, Data: fill(0xdd, 8)},
	})

	d0 := meta.NewDiff(0, 1)
	d1 := meta.NewDiff(1, 2)
	d1.Mergeable = true

	m := NewMerger(0)
	r0, err := NewReader(bytes.NewReader(old))
	require.NoError(t, err)
	require.NoError(t, m.Add(d0, r0))
	r1, err := NewReader(bytes.NewReader(newer))
	require.NoError(t, err)
	require.NoError(t, m.Add(d1, r1))
	require.NoError(t, m.CheckMergeable())
	require.NoError(t, m.Prepare())

	// Collect the merged image sparsely.
	img := map[uint64]byte{}
	for {
		out, err := m.Pop()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		for i := uint32(0); i < out.BlocksLb; i++ {
			lb := out.AddrLb + uint64(i)
			_, dup := img[lb]
			require.False(t, dup, "block %d emitted twice", lb)
			img[lb] = out.Data[int(i)*block.LogicalBlockSize]
		}
	}

	for lb := uint64(0); lb < 4; lb++ {
		assert.Equal(t, byte(0xaa), img[lb], "lb=%d", lb)
	}
	for lb := uint64(4); lb < 6; lb++ {
		assert.Equal(t, byte(0xbb), img[lb], "lb=%d", lb)
	}
	for lb := uint64(6); lb < 8; lb++ {
		assert.Equal(t, byte(0xaa), img[lb], "lb=%d", lb)
	}
	for lb := uint64(20); lb < 22; lb++ {
		assert.Equal(t, byte(0xcc), img[lb], "lb=%d", lb)
	}
	for lb := uint64(22); lb < 30; lb++ {
		assert.Equal(t, byte(0xdd), img[lb], "lb=%d", lb)
	}
}

func TestMergerRefusesDirtyBoundary(t *testing.T) {
	header := testHeader()
	clean := buildDiff(t, header, []MergedIo{
		{AddrLb: 0, BlocksLb: 1, Flags: RecNormal, Data: fill(1, 1)},
	})
	dirty := buildDiff(t, header, []MergedIo{
		{AddrLb: 0, BlocksLb: 1, Flags: RecNormal, Data: fill(2, 1)},
	})

	d0 := meta.NewDiff(0, 1)
	d1 := meta.Diff{B: meta.NewSnap(1), E: meta.Snap{GidB: 2, GidE: 4}, Mergeable: true}

	m := NewMerger(0)
	r0, err := NewReader(bytes.NewReader(clean))
	require.NoError(t, err)
	require.NoError(t, m.Add(d0, r0))
	r1, err := NewReader(bytes.NewReader(dirty))
	require.NoError(t, err)
	require.NoError(t, m.Add(d1, r1))

	assert.ErrorIs(t, m.CheckMergeable(), ErrNotMergeable)
}

func TestMergerRejectsNonAdjacent(t *testing.T) {
	header := testHeader()
	a := buildDiff(t, header, []MergedIo{{AddrLb: 0, BlocksLb: 1, Flags: RecNormal, Data: fill(1, 1)}})
	m := NewMerger(0)
	ra, err := NewReader(bytes.NewReader(a))
	require.NoError(t, err)
	require.NoError(t, m.Add(meta.NewDiff(0, 1), ra))

	b := buildDiff(t, header, []MergedIo{{AddrLb: 0, BlocksLb: 1, Flags: RecNormal, Data: fill(2, 1)}})
	rb, err := NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Error(t, m.Add(meta.NewDiff(5, 6), rb))
}

// TestMergeThenApplyEquivalence checks that merging two diffs and
// applying the composite yields the same image as applying both in
// order.
func TestMergeThenApplyEquivalence(t *testing.T) {
	rnd := rand.New(rand.NewSource(99))
	header := testHeader()
	const volLb = 64

	base := lbData(rnd, volLb)

	diffA := []MergedIo{
		{AddrLb: 0, BlocksLb: 8, Flags: RecNormal, Data: lbData(rnd, 8)},
		{AddrLb: 30, BlocksLb: 4, Flags: RecAllZero},
	}
	diffB := []MergedIo{
		{AddrLb: 4, BlocksLb: 8, Flags: RecNormal, Data: lbData(rnd, 8)},
		{AddrLb: 32, BlocksLb: 2, Flags: RecNormal, Data: lbData(rnd, 2)},
	}
	bytesA := buildDiff(t, header, diffA)
	bytesB := buildDiff(t, header, diffB)

	d0 := meta.NewDiff(0, 1)
	d1 := meta.NewDiff(1, 2)
	d1.Mergeable = true

	apply := func(img []byte, recs []MergedIo) {
		for _, r := range recs {
			off := block.LbToBytes(r.AddrLb)
			size := block.LbToBytes(uint64(r.BlocksLb))
			if r.Flags == RecNormal {
				copy(img[off:off+size], r.Data)
			} else {
				for i := off; i < off+size; i++ {
					img[i] = 0
				}
			}
		}
	}

	// Sequential application.
	want := append([]byte{}, base...)
	apply(want, diffA)
	apply(want, diffB)

	// Merge, then apply the composite.
	m := NewMerger(0)
	ra, err := NewReader(bytes.NewReader(bytesA))
	require.NoError(t, err)
	require.NoError(t, m.Add(d0, ra))
	rb, err := NewReader(bytes.NewReader(bytesB))
	require.NoError(t, err)
	require.NoError(t, m.Add(d1, rb))
	require.NoError(t, m.CheckMergeable())

	var merged bytes.Buffer
	w, err := NewWriter(&merged, header, 0)
	require.NoError(t, err)
	require.NoError(t, m.MergeTo(w, compress.ModeSnappy))
	require.NoError(t, w.Close())

	got := append([]byte{}, base...)
	r, err := NewReader(bytes.NewReader(merged.Bytes()))
	require.NoError(t, err)
	for {
		ri, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		raw, err := ri.Uncompress()
		require.NoError(t, err)
		apply(got, []MergedIo{{
			AddrLb:   ri.Record.IoAddressLb,
			BlocksLb: ri.Record.IoBlocksLb,
			Flags:    ri.Record.Flags,
			Data:     raw,
		}})
	}
	assert.Equal(t, want, got)
}
