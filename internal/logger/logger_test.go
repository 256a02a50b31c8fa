package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, Init(Config{Level: "DEBUG", Format: "json", Output: path}))
	t.Cleanup(func() { _ = Init(Config{}) })

	Info("wdiff received", KeyVol, "vol0", KeyGid, uint64(7))
	Debug("detail", KeyLsid, uint64(123))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, `"vol":"vol0"`)
	assert.Contains(t, s, `"lsid":123`)
}

func TestInitLevelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, Init(Config{Level: "WARN", Output: path}))
	t.Cleanup(func() { _ = Init(Config{}) })

	Info("dropped")
	Warn("kept")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "dropped"))
	assert.True(t, strings.Contains(string(data), "kept"))
}

func TestInitRejectsBadLevel(t *testing.T) {
	assert.Error(t, Init(Config{Level: "VERBOSE"}))
}
