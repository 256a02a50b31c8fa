package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumSelfCancels(t *testing.T) {
	data := []byte("0123456789abcdef0123456789abcdef")
	salt := uint32(0xdeadbeef)

	csum := Checksum(data, salt)

	// Appending the checksum word to the data must make the total sum zero.
	partial := ChecksumPartial(data, salt)
	assert.Equal(t, uint32(0), partial+csum)
}

func TestChecksumPartialMatchesWhole(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i * 7)
	}
	salt := uint32(42)

	whole := Checksum(data, salt)

	c := ChecksumPartial(data[:1024], salt)
	c = ChecksumPartial(data[1024:4000], c)
	c = ChecksumPartial(data[4000:], c)
	assert.Equal(t, whole, ChecksumFinish(c))
}

func TestChecksumShortTail(t *testing.T) {
	// A 1..3 byte tail is zero padded, so trailing zero bytes are
	// indistinguishable from absent ones only within the last word.
	a := Checksum([]byte{1, 2, 3}, 0)
	b := Checksum([]byte{1, 2, 3, 0}, 0)
	assert.Equal(t, a, b)

	c := Checksum([]byte{1, 2, 3, 1}, 0)
	assert.NotEqual(t, a, c)
}

func TestChecksumSaltMatters(t *testing.T) {
	data := []byte("payload")
	assert.NotEqual(t, Checksum(data, 0), Checksum(data, 1))
}

func TestValidPBS(t *testing.T) {
	tests := []struct {
		pbs  uint32
		want bool
	}{
		{512, true},
		{4096, true},
		{65536, true},
		{0, false},
		{511, false},
		{4097, false},
		{3 * 512, false},
		{128 * 1024, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidPBS(tt.pbs), "pbs=%d", tt.pbs)
	}
}

func TestCapacityPb(t *testing.T) {
	require.Equal(t, uint64(1), CapacityPb(4096, 1))
	require.Equal(t, uint64(1), CapacityPb(4096, 8))
	require.Equal(t, uint64(2), CapacityPb(4096, 9))
	require.Equal(t, uint64(4), CapacityPb(512, 4))
}
