package pcm

import (
	"testing"
	"time"
)

func TestRateSyncSleepsToPace(t *testing.T) {
	rs := NewRateSync(1000) // 1 frame per ms

	var slept []time.Duration
	start := time.Time{}.Add(time.Hour) // arbitrary fixed epoch
	now := start
	rs.now = func() time.Time { return now }
	rs.sleep = func(d time.Duration) {
		slept = append(slept, d)
		now = now.Add(d)
	}
	rs.Reset()

	rs.Sync(100) // should want to have moved 100ms in; none elapsed, so sleep ~100ms
	if len(slept) != 1 {
		t.Fatalf("expected one sleep call, got %d", len(slept))
	}
	if slept[0] < 99*time.Millisecond || slept[0] > 100*time.Millisecond {
		t.Errorf("expected ~100ms sleep, got %v", slept[0])
	}
}

func TestRateSyncNoSleepWhenBehind(t *testing.T) {
	rs := NewRateSync(1000)

	start := time.Time{}.Add(time.Hour)
	now := start
	rs.now = func() time.Time { return now }
	called := false
	rs.sleep = func(d time.Duration) { called = true }
	rs.Reset()

	// Simulate wall clock having already advanced 1s before this call.
	now = now.Add(time.Second)
	rs.Sync(100) // wants 100ms elapsed, 1000ms already passed: no sleep
	if called {
		t.Error("expected no sleep when already behind schedule")
	}
}

func TestRateSyncZeroRateNoop(t *testing.T) {
	rs := NewRateSync(0)
	called := false
	rs.sleep = func(d time.Duration) { called = true }
	rs.Sync(100)
	if called {
		t.Error("expected Sync to be a no-op for rate <= 0")
	}
}

func TestRateSyncResetRebasesAnchor(t *testing.T) {
	rs := NewRateSync(1000)
	start := time.Time{}.Add(time.Hour)
	now := start
	rs.now = func() time.Time { return now }
	rs.sleep = func(d time.Duration) { now = now.Add(d) }

	rs.Reset()
	now = now.Add(5 * time.Second)
	rs.Reset() // should re-anchor to the new "now" and zero moved

	var slept []time.Duration
	rs.sleep = func(d time.Duration) { slept = append(slept, d); now = now.Add(d) }
	rs.Sync(100)
	if len(slept) != 1 || slept[0] > 101*time.Millisecond {
		t.Errorf("expected a fresh ~100ms sleep after Reset, got %v", slept)
	}
}
