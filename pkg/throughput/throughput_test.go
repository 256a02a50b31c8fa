package throughput

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock drives the monitor deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMonitorRate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m := NewMonitor()
	m.now = clock.now

	// 1000 lb every 100ms -> 10000 lb/s.
	var rate uint64
	for i := 0; i < 10; i++ {
		rate = m.AddAndGetLbPerSec(1000)
		clock.advance(100 * time.Millisecond)
	}
	assert.InDelta(t, 10000, float64(rate), 2000)
}

func TestMonitorEmptyWindow(t *testing.T) {
	m := NewMonitor()
	assert.Equal(t, uint64(0), m.LbPerSec())
	assert.Equal(t, uint64(0), m.AddAndGetLbPerSec(100))
}

func TestMonitorWindowTrim(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m := NewMonitor()
	m.now = clock.now

	// Burst, then idle well past the window: old samples must fall
	// out so the rate reflects recent progress only.
	for i := 0; i < 20; i++ {
		m.AddAndGetLbPerSec(10000)
		clock.advance(20 * time.Millisecond)
	}
	clock.advance(5 * time.Second)
	m.AddAndGetLbPerSec(0)
	clock.advance(20 * time.Millisecond)
	rate := m.AddAndGetLbPerSec(100)
	assert.Less(t, rate, uint64(100000))
}

func TestStabilizerSleepsOverCap(t *testing.T) {
	s := NewStabilizer(1000)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s.mon.now = clock.now

	var slept time.Duration
	s.sleep = func(d time.Duration) {
		slept += d
		clock.advance(d)
	}

	// Push far above the cap within one window.
	for i := 0; i < 50; i++ {
		s.AddAndSleepIfNecessary(10000, time.Millisecond, 10*time.Millisecond)
		clock.advance(sampleInterval + time.Millisecond)
	}
	assert.NotZero(t, slept)
}

func TestStabilizerDisabled(t *testing.T) {
	s := NewStabilizer(0)
	called := false
	s.sleep = func(time.Duration) { called = true }
	s.AddAndSleepIfNecessary(1<<30, time.Millisecond, time.Second)
	assert.False(t, called)
}
