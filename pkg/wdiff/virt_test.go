package wdiff

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/meta"
)

// nonSeekableReader hides the Seeker interface of a bytes.Reader.
type nonSeekableReader struct {
	r *bytes.Reader
}

func (n *nonSeekableReader) Read(p []byte) (int, error) { return n.r.Read(p) }

func virtRead(t *testing.T, base []byte, merger *Merger, seekable bool) []byte {
	t.Helper()
	var v *VirtualFullReader
	if seekable {
		v = NewVirtualFullReader(bytes.NewReader(base), merger)
	} else {
		v = NewVirtualFullReader(&nonSeekableReader{bytes.NewReader(base)}, merger)
	}
	var out bytes.Buffer
	_, err := v.WriteTo(&out, 7) // odd chunk size to exercise partial reads
	require.NoError(t, err)
	return out.Bytes()
}

func TestVirtualReaderEmptyOverlayEqualsBase(t *testing.T) {
	rnd := rand.New(rand.NewSource(21))
	base := lbData(rnd, 100)

	assert.Equal(t, base, virtRead(t, base, nil, true))
	assert.Equal(t, base, virtRead(t, base, nil, false))
}

func TestVirtualReaderAllZeroOverlay(t *testing.T) {
	rnd := rand.New(rand.NewSource(22))
	base := lbData(rnd, 64)

	header := testHeader()
	diff := buildDiff(t, header, []MergedIo{
		{AddrLb: 10, BlocksLb: 6, Flags: RecAllZero},
	})

	want := append([]byte{}, base...)
	for i := block.LbToBytes(10); i < block.LbToBytes(16); i++ {
		want[i] = 0
	}

	for _, seekable := range []bool{true, false} {
		m := NewMerger(0)
		r, err := NewReader(bytes.NewReader(diff))
		require.NoError(t, err)
		require.NoError(t, m.Add(meta.NewDiff(0, 1), r))
		require.NoError(t, m.Prepare())

		assert.Equal(t, want, virtRead(t, base, m, seekable), "seekable=%v", seekable)
	}
}

func TestVirtualReaderOverlayChain(t *testing.T) {
	rnd := rand.New(rand.NewSource(23))
	base := lbData(rnd, 256)

	header := testHeader()
	payloadA := lbData(rnd, 8)
	payloadB := lbData(rnd, 4)
	// Diff 0->1 writes [100,108); diff 1->2 writes [104,108) and [200,204) zero.
	diffA := buildDiff(t, header, []MergedIo{
		{AddrLb: 100, BlocksLb: 8, Flags: RecNormal, Data: payloadA},
	})
	diffB := buildDiff(t, header, []MergedIo{
		{AddrLb: 104, BlocksLb: 4, Flags: RecNormal, Data: payloadB},
		{AddrLb: 200, BlocksLb: 4, Flags: RecAllZero},
	})

	want := append([]byte{}, base...)
	copy(want[block.LbToBytes(100):], payloadA)
	copy(want[block.LbToBytes(104):], payloadB)
	for i := block.LbToBytes(200); i < block.LbToBytes(204); i++ {
		want[i] = 0
	}

	d0 := meta.NewDiff(0, 1)
	d1 := meta.NewDiff(1, 2)
	d1.Mergeable = true

	m := NewMerger(0)
	ra, err := NewReader(bytes.NewReader(diffA))
	require.NoError(t, err)
	require.NoError(t, m.Add(d0, ra))
	rb, err := NewReader(bytes.NewReader(diffB))
	require.NoError(t, err)
	require.NoError(t, m.Add(d1, rb))
	require.NoError(t, m.Prepare())

	assert.Equal(t, want, virtRead(t, base, m, true))
}

func TestVirtualReaderNormalAndZeroOverZeroedBase(t *testing.T) {
	rnd := rand.New(rand.NewSource(24))
	base := make([]byte, block.LbToBytes(256))

	header := testHeader()
	payload := lbData(rnd, 8)
	diff := buildDiff(t, header, []MergedIo{
		{AddrLb: 100, BlocksLb: 8, Flags: RecNormal, Data: payload},
		{AddrLb: 200, BlocksLb: 4, Flags: RecAllZero},
	})

	m := NewMerger(0)
	r, err := NewReader(bytes.NewReader(diff))
	require.NoError(t, err)
	require.NoError(t, m.Add(meta.NewDiff(0, 1), r))
	require.NoError(t, m.Prepare())

	got := virtRead(t, base, m, true)
	require.Len(t, got, len(base))

	want := append([]byte{}, base...)
	copy(want[block.LbToBytes(100):], payload)
	assert.Equal(t, want, got)
}

func TestVirtualReaderRejectsUnalignedSize(t *testing.T) {
	v := NewVirtualFullReader(bytes.NewReader(make([]byte, 1024)), nil)
	_, err := v.ReadSome(make([]byte, 100))
	assert.Error(t, err)
}
