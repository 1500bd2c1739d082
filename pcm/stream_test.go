package pcm

import (
	"testing"
	"time"

	"btaudiobridge/daemon"
	"btaudiobridge/internal/testdaemon"
)

// fakeHostLayer is a minimal, byte-addressable mmap-area stand-in: a flat
// slice plus a consumer-reported application pointer and availability, the
// three things the worker needs and nothing it's allowed to own itself
// (spec §4.3).
type fakeHostLayer struct {
	buf       []byte
	frameSize int
	bufFrames int
	applPtr   uint64
	avail     int
}

func newFakeHostLayer(bufFrames, frameSize int) *fakeHostLayer {
	return &fakeHostLayer{
		buf:       make([]byte, bufFrames*frameSize),
		frameSize: frameSize,
		bufFrames: bufFrames,
		avail:     bufFrames,
	}
}

func (f *fakeHostLayer) RingView() RingView {
	return RingView{Base: f.buf, FirstBit: 0, StepBits: f.frameSize * 8, BufferSize: f.bufFrames}
}
func (f *fakeHostLayer) ApplPtr() uint64 { return f.applPtr }
func (f *fakeHostLayer) Avail() int      { return f.avail }

func newTestTransport(addr string, dir daemon.StreamDirection) daemon.Transport {
	a, _ := daemon.ParseAddress(addr)
	return daemon.Transport{Addr: a, Type: daemon.ProfileA2DP, Channels: 2, Rate: 44100, Stream: dir}
}

func TestOpenAttachesExistingTransport(t *testing.T) {
	srv, err := testdaemon.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	tr := newTestTransport("10:00:00:00:00:01", daemon.StreamPlayback)
	if _, err := srv.AddTransport(tr); err != nil {
		t.Fatalf("AddTransport: %v", err)
	}

	s, err := Open(Playback, srv.SocketPath(), tr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.State() != StateOpen {
		t.Errorf("expected state Open right after construction, got %v", s.State())
	}
	if _, err := s.Pointer(); err != nil {
		t.Errorf("expected the transport FIFO to be attached after Open, Pointer returned %v", err)
	}
}

func TestPauseThenResumePulsesWorker(t *testing.T) {
	srv, err := testdaemon.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	tr := newTestTransport("10:00:00:00:00:02", daemon.StreamPlayback)
	if _, err := srv.AddTransport(tr); err != nil {
		t.Fatalf("AddTransport: %v", err)
	}

	s, err := Open(Playback, srv.SocketPath(), tr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	host := newFakeHostLayer(64, 4)
	host.applPtr = 64
	s.SetHostLayer(host)
	if err := s.HwParams(16, 64); err != nil {
		t.Fatalf("HwParams: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Pause(true); err != nil {
		t.Fatalf("Pause(true): %v", err)
	}
	if got := s.State(); got != Paused {
		t.Errorf("expected Paused, got %v", got)
	}

	if err := s.Pause(false); err != nil {
		t.Fatalf("Pause(false): %v", err)
	}
	if got := s.State(); got != Running {
		t.Errorf("expected Running after resume, got %v", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	srv, err := testdaemon.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	tr := newTestTransport("10:00:00:00:00:03", daemon.StreamPlayback)
	if _, err := srv.AddTransport(tr); err != nil {
		t.Fatalf("AddTransport: %v", err)
	}

	s, err := Open(Playback, srv.SocketPath(), tr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	host := newFakeHostLayer(64, 4)
	host.applPtr = 64
	s.SetHostLayer(host)
	s.HwParams(16, 64)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestConstraintsDerivesPeriodAndBufferBounds(t *testing.T) {
	srv, err := testdaemon.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	tr := daemon.Transport{}
	tr.Addr, _ = daemon.ParseAddress("10:00:00:00:00:05")
	tr.Type = daemon.ProfileA2DP
	tr.Channels = 2
	tr.Rate = 44100
	tr.Stream = daemon.StreamPlayback
	if _, err := srv.AddTransport(tr); err != nil {
		t.Fatalf("AddTransport: %v", err)
	}

	s, err := Open(Playback, srv.SocketPath(), tr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	c := s.Constraints()
	if c.Channels != 2 || c.Rate != 44100 {
		t.Fatalf("expected channels=2 rate=44100, got channels=%d rate=%d", c.Channels, c.Rate)
	}
	if c.MinPeriods != MinPeriods || c.MaxPeriods != MaxPeriods {
		t.Errorf("expected period count bounds [%d,%d], got [%d,%d]", MinPeriods, MaxPeriods, c.MinPeriods, c.MaxPeriods)
	}
	// 44100 * 10ms * 2ch * 2B = 1764 bytes minimum period.
	if want := 1764; c.MinPeriodBytes != want {
		t.Errorf("expected MinPeriodBytes %d, got %d", want, c.MinPeriodBytes)
	}
	// 44100 * 200ms * 2ch * 2B = 35280 bytes minimum buffer.
	if want := 35280; c.MinBufferBytes != want {
		t.Errorf("expected MinBufferBytes %d, got %d", want, c.MinBufferBytes)
	}
	if c.MaxPeriodBytes != MaxPeriodBytes || c.MaxBufferBytes != MaxBufferBytes {
		t.Errorf("expected upper bounds to match the fixed package constants")
	}
}

func TestCloseReleasesDaemonConnection(t *testing.T) {
	srv, err := testdaemon.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	tr := newTestTransport("10:00:00:00:00:04", daemon.StreamPlayback)
	if _, err := srv.AddTransport(tr); err != nil {
		t.Fatalf("AddTransport: %v", err)
	}

	s, err := Open(Playback, srv.SocketPath(), tr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Close() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return in time")
	}

	if s.State() != Closed {
		t.Errorf("expected Closed, got %v", s.State())
	}
}
