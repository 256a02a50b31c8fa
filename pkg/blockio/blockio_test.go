package blockio

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	rnd := rand.New(rand.NewSource(61))
	data := make([]byte, size)
	rnd.Read(data)
	path := filepath.Join(t.TempDir(), "dev.img")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestOpenRegularFile(t *testing.T) {
	path, data := newTestFile(t, 1<<20)
	d, err := Open(path, false)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, uint64(len(data)), d.SizeB())
	assert.Equal(t, uint64(len(data)/512), d.SizeLb())
	assert.Equal(t, uint32(4096), d.Pbs())

	buf := make([]byte, 4096)
	_, err = d.ReadAt(buf, 8192)
	require.NoError(t, err)
	assert.Equal(t, data[8192:8192+4096], buf)
}

func TestDeviceWrite(t *testing.T) {
	path, _ := newTestFile(t, 64*1024)
	d, err := Open(path, true)
	require.NoError(t, err)
	defer d.Close()

	chunk := make([]byte, 4096)
	for i := range chunk {
		chunk[i] = 0x5a
	}
	_, err = d.WriteAt(chunk, 4096)
	require.NoError(t, err)
	require.NoError(t, d.Fdatasync())

	got := make([]byte, 4096)
	_, err = d.ReadAt(got, 4096)
	require.NoError(t, err)
	assert.Equal(t, chunk, got)
}

func TestSeqReaderWholeDevice(t *testing.T) {
	path, data := newTestFile(t, 1<<20)
	d, err := Open(path, false)
	require.NoError(t, err)
	defer d.Close()

	r, err := NewSeqReader(d, 0, 128*1024, 16*1024)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSeqReaderFromOffset(t *testing.T) {
	path, data := newTestFile(t, 256*1024)
	d, err := Open(path, false)
	require.NoError(t, err)
	defer d.Close()

	r, err := NewSeqReader(d, 64*1024, 0, 0)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data[64*1024:], got)
}

func TestSeqReaderRejectsBadGeometry(t *testing.T) {
	path, _ := newTestFile(t, 64*1024)
	d, err := Open(path, false)
	require.NoError(t, err)
	defer d.Close()

	_, err = NewSeqReader(d, 0, 4096, 8192)
	assert.Error(t, err, "max io exceeds buffer")
	_, err = NewSeqReader(d, 100, 0, 0)
	assert.Error(t, err, "unaligned offset")
}
