package pcm

import (
	"testing"
	"time"
)

func TestEventFDReadDrainsCounter(t *testing.T) {
	e := newEventFD()
	e.Add(3)
	v, ok := e.Read()
	if !ok || v != 3 {
		t.Fatalf("Read() = (%d, %v), want (3, true)", v, ok)
	}
	if _, ok := e.Read(); ok {
		t.Error("expected second Read to report nothing pending")
	}
}

func TestEventFDSentinelIsDetectable(t *testing.T) {
	e := newEventFD()
	e.Add(1) // ordinary progress
	e.Sentinel()
	v, ok := e.Read()
	if !ok {
		t.Fatal("expected a pending value")
	}
	if !IsSentinel(v) {
		t.Errorf("IsSentinel(%#x) = false, want true", v)
	}
}

func TestEventFDWaitWakesOnAdd(t *testing.T) {
	e := newEventFD()
	done := make(chan struct{})
	woke := make(chan struct{})
	go func() {
		e.Wait(done)
		close(woke)
	}()

	select {
	case <-woke:
		t.Fatal("Wait returned before anything was added")
	case <-time.After(20 * time.Millisecond):
	}

	e.Add(1)
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("Wait never woke after Add")
	}
}

func TestEventFDWaitWakesOnDone(t *testing.T) {
	e := newEventFD()
	done := make(chan struct{})
	woke := make(chan struct{})
	go func() {
		e.Wait(done)
		close(woke)
	}()
	close(done)
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("Wait never woke after done was closed")
	}
}

func TestIsSentinelDoesNotFalsePositiveOnPlainCounts(t *testing.T) {
	if IsSentinel(1) || IsSentinel(1000) {
		t.Error("ordinary progress counts must not be mistaken for the sentinel")
	}
}
