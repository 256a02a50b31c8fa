package scheduler

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, pred func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRunnerPeriodic(t *testing.T) {
	var runs atomic.Int64
	r := New(10*time.Millisecond, func() { runs.Add(1) })
	r.Start()
	defer r.Stop()

	waitFor(t, func() bool { return runs.Load() >= 3 }, "task did not run periodically")
}

func TestRunnerKick(t *testing.T) {
	var runs atomic.Int64
	r := New(time.Hour, func() { runs.Add(1) })
	r.Start()
	defer r.Stop()

	r.Kick()
	waitFor(t, func() bool { return runs.Load() >= 1 }, "kick did not trigger a run")
}

func TestRunnerStopIdempotent(t *testing.T) {
	r := New(time.Hour, func() {})
	r.Start()
	r.Stop()
	r.Stop()
}

func TestRunnerWatch(t *testing.T) {
	dir := t.TempDir()
	var runs atomic.Int64
	r := New(time.Hour, func() { runs.Add(1) })
	require.NoError(t, r.Watch(dir))
	r.Start()
	defer r.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "0-0-1-1-M.wdiff"), []byte("x"), 0o644))
	waitFor(t, func() bool { return runs.Load() >= 1 }, "file creation did not kick the runner")
	assert.GreaterOrEqual(t, runs.Load(), int64(1))
}
