package pcm

import "time"

// RateSync paces playback writes to the nominal sample rate so a fast
// consumer doesn't drain the transport faster than the remote device can
// play it back. It mirrors the original's asrsync: an anchor timestamp plus
// a running frame count, so per-period rounding error never accumulates
// (spec §4.1 "Rate synchronizer").
type RateSync struct {
	rate   int
	anchor time.Time
	moved  int64

	sleep func(time.Duration) // overridable for tests
	now   func() time.Time
}

// NewRateSync returns a RateSync paced to rate frames/second, anchored at
// the current time.
func NewRateSync(rate int) *RateSync {
	rs := &RateSync{
		rate:  rate,
		sleep: time.Sleep,
		now:   time.Now,
	}
	rs.Reset()
	return rs
}

// Reset re-anchors the synchronizer to now, discarding accumulated frames.
// Called whenever the worker resumes from a non-running state (spec §4.1
// step 3: "wait for the resume signal, then reset the rate synchronizer").
func (rs *RateSync) Reset() {
	rs.anchor = rs.now()
	rs.moved = 0
}

// Sync sleeps until the nominal wall-clock time for having moved frames
// additional frames (since the last Reset) has elapsed.
func (rs *RateSync) Sync(frames int) {
	if rs.rate <= 0 || frames <= 0 {
		return
	}
	rs.moved += int64(frames)
	target := rs.anchor.Add(time.Duration(rs.moved) * time.Second / time.Duration(rs.rate))
	if d := target.Sub(rs.now()); d > 0 {
		rs.sleep(d)
	}
}
