package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{"0", 0, false},
		{"1024", 1024, false},
		{"4k", 4 * KiB, false},
		{"16M", 16 * MiB, false},
		{"2g", 2 * GiB, false},
		{"1T", 1 * TiB, false},
		{" 8k ", 8 * KiB, false},
		{"", 0, true},
		{"k", 0, true},
		{"12x", 0, true},
		{"-5", 0, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "4k", (4 * KiB).String())
	assert.Equal(t, "16m", (16 * MiB).String())
	assert.Equal(t, "2g", (2 * GiB).String())
	assert.Equal(t, "1t", (1 * TiB).String())
	assert.Equal(t, "1500", ByteSize(1500).String())
}

func TestRoundTrip(t *testing.T) {
	for _, v := range []ByteSize{0, 512, KiB, 3 * MiB, 7 * GiB} {
		got, err := Parse(v.String())
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}
