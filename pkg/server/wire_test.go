package server

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/blockcdp/pkg/meta"
	"github.com/marmos91/blockcdp/pkg/transport"
)

func TestMetaDiffWireRoundTrip(t *testing.T) {
	diffs := []meta.Diff{
		meta.NewDiff(0, 1),
		{
			B:         meta.Snap{GidB: 3, GidE: 5},
			E:         meta.Snap{GidB: 7, GidE: 9},
			Mergeable: true,
			CompDiff:  true,
			Timestamp: time.Unix(1700000000, 0).UTC(),
		},
	}
	for _, d := range diffs {
		var buf bytes.Buffer
		pkt := transport.NewPacket(&buf)
		require.NoError(t, WriteMetaDiff(pkt, d))
		got, err := ReadMetaDiff(pkt)
		require.NoError(t, err)
		assert.True(t, d.SameIdentity(got), "%s", d)
		if !d.Timestamp.IsZero() {
			assert.Equal(t, d.Timestamp.Unix(), got.Timestamp.Unix())
		}
	}
}

func TestVolStateMapReusesInstances(t *testing.T) {
	made := 0
	vm := NewVolStateMap(func(volID string) *VolState {
		made++
		return NewVolState("Clear", nil)
	})

	a := vm.Get("vol0")
	b := vm.Get("vol0")
	assert.Same(t, a, b)
	assert.Equal(t, 1, made)

	vm.Get("vol1")
	assert.ElementsMatch(t, []string{"vol0", "vol1"}, vm.Keys())

	vm.Delete("vol0")
	assert.ElementsMatch(t, []string{"vol1"}, vm.Keys())
}
