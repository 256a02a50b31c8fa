package compress

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllModes(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	compressible := bytes.Repeat([]byte("blockcdp"), 1024)
	random := make([]byte, 8192)
	rnd.Read(random)

	inputs := map[string][]byte{
		"empty":        {},
		"small":        []byte("x"),
		"compressible": compressible,
		"random":       random,
	}

	for _, mode := range []Mode{ModeNone, ModeSnappy, ModeZlib, ModeXz} {
		for name, in := range inputs {
			t.Run(mode.String()+"/"+name, func(t *testing.T) {
				enc, err := Compress(mode, in, 0)
				require.NoError(t, err)
				dec, err := Uncompress(mode, enc)
				require.NoError(t, err)
				assert.Equal(t, in, dec)
			})
		}
	}
}

func TestCompressibleShrinks(t *testing.T) {
	in := bytes.Repeat([]byte{0}, 64*1024)
	for _, mode := range []Mode{ModeSnappy, ModeZlib, ModeXz} {
		enc, err := Compress(mode, in, 0)
		require.NoError(t, err)
		assert.Less(t, len(enc), len(in), "mode=%s", mode)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"none", ModeNone, false},
		{"snappy", ModeSnappy, false},
		{"Zlib", ModeZlib, false},
		{"xz", ModeXz, false},
		{"brotli", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec("zlib:6:4")
	require.NoError(t, err)
	assert.Equal(t, Spec{Mode: ModeZlib, Level: 6, Concurrency: 4}, spec)
	assert.Equal(t, "zlib:6:4", spec.String())

	spec, err = ParseSpec("snappy")
	require.NoError(t, err)
	assert.Equal(t, Spec{Mode: ModeSnappy, Level: 0, Concurrency: 1}, spec)

	_, err = ParseSpec("snappy:10")
	assert.Error(t, err)
	_, err = ParseSpec("snappy:0:0")
	assert.Error(t, err)
}
