package pcm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"btaudiobridge/daemon"
)

// PollEvents mirrors the poll(2) revents bits relevant to a PCM stream.
type PollEvents int

const (
	PollIn PollEvents = 1 << iota
	PollOut
	PollErr
	PollHup
)

// PollDescriptor is the Go stand-in for the ALSA ioplug's pollfd contract:
// no raw OS descriptor is involved (there's no cgo boundary), just a
// channel the consumer can select on (spec §4.1 poll_descriptors).
type PollDescriptor struct {
	Ready <-chan struct{}
}

// Stream is one open PCM instance: capture or playback, bound to a single
// Bluetooth transport. Exactly one worker goroutine services it once
// Start is called (spec §3 invariant "at most one worker thread per
// stream").
type Stream struct {
	mu sync.Mutex

	dir       Direction
	rate      int
	channels  int
	frameSize int

	bufferSize int // frames
	periodSize int // frames
	hwBoundary uint64

	ioPtr      uint64
	hwPtr      uint64
	ioPtrValid bool

	state State
	host  HostLayer

	daemonPath string
	daemonConn *daemon.Conn
	transport  daemon.Transport

	pcmConn net.Conn // nil when detached

	delayIntrinsic          int
	delayExtra              int
	framesSinceDelayRefresh int

	event    *eventFD
	resumeCh chan struct{}
	attachCh chan struct{}

	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	opts streamOptions
	log  *slog.Logger
}

// Open creates a Stream for the given transport: it dials the daemon
// control socket and attempts to acquire the transport's FIFO immediately.
// If the FIFO isn't available yet, the worker's wait-for-FIFO step
// (spec §4.1) retries once Start is called.
func Open(dir Direction, daemonPath string, transport daemon.Transport, opts ...Option) (*Stream, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	conn, err := daemon.Open(daemonPath)
	if err != nil {
		return nil, fmt.Errorf("pcm: open daemon connection: %w", err)
	}

	s := &Stream{
		dir:        dir,
		rate:       transport.Rate,
		channels:   transport.Channels,
		frameSize:  BytesPerSample * transport.Channels,
		daemonPath: daemonPath,
		daemonConn: conn,
		transport:  transport,
		state:      StateOpen,
		ioPtrValid: true,
		event:      newEventFD(),
		resumeCh:   make(chan struct{}, 1),
		attachCh:   make(chan struct{}, 1),
		opts:       o,
		log:        slog.Default().With("component", "pcm", "direction", dir.String(), "addr", transport.Addr.String()),
	}

	if fifo, err := conn.OpenTransport(transport); err == nil {
		s.pcmConn = fifo
	} else {
		s.log.Warn("transport FIFO not ready at open, worker will retry", "err", err)
	}

	return s, nil
}

// SetHostLayer attaches the consumer-owned mmap area / pointer accessors.
// Must be called before Start; HwParams does not start the worker so it's
// safe to call either before or after it.
func (s *Stream) SetHostLayer(h HostLayer) {
	s.mu.Lock()
	s.host = h
	s.mu.Unlock()
}

// AttachFIFO installs conn as the transport FIFO, closing any previous one.
// Called by the worker itself on reattach, and may also be called by an
// external owner (e.g. a Device Monitor sharing the same transport) that
// obtains the FIFO out of band.
func (s *Stream) AttachFIFO(conn net.Conn) {
	s.mu.Lock()
	old := s.pcmConn
	s.pcmConn = conn
	s.mu.Unlock()
	if old != nil && old != conn {
		old.Close()
	}
	select {
	case s.attachCh <- struct{}{}:
	default:
	}
	s.event.Add(1)
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pointers returns a consistent io_ptr/hw_ptr snapshot.
func (s *Stream) Pointers() Pointers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Pointers{IOPtr: s.ioPtr, HWPtr: s.hwPtr}
}

// Start transitions to Running. If the worker is already running, it just
// delivers the resume pulse (spec §4.1 start: "if the worker already
// exists, deliver a user-defined resume signal to it and return").
func (s *Stream) Start() error {
	s.mu.Lock()
	if s.started {
		s.state = Running
		s.mu.Unlock()
		s.pulseResume()
		return nil
	}
	s.mu.Unlock()

	if err := s.daemonConn.PauseTransport(s.transport, false); err != nil {
		return fmt.Errorf("pcm: start: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.state = Running
	s.started = true
	s.ctx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.ioLoop(ctx)
	return nil
}

// Stop transitions out of Running, cancels and joins the worker. Idempotent.
func (s *Stream) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.state = Disconnected
	cancel := s.cancel
	conn := s.pcmConn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		// Unblocks a worker goroutine parked in a blocking FIFO read/write
		// (spec §5 Cancellation).
		conn.Close()
	}
	s.pulseResume()
	s.wg.Wait()
	return nil
}

// Pointer returns the current io_ptr in frames, or ENODEV if detached.
func (s *Stream) Pointer() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pcmConn == nil {
		return 0, syscall.ENODEV
	}
	if !s.ioPtrValid {
		return 0, ErrXRun
	}
	return s.ioPtr, nil
}

// Constraints derives the hw_params bounds a host sound stack must negotiate
// within for this stream's transport: fixed access modes and format, a fixed
// period count range, period/buffer byte bounds whose lower edge scales with
// the transport's rate and channel count to hold a constant time duration
// (10ms minimum period, 200ms minimum buffer), and channels/rate pinned to
// the transport's own values.
func (s *Stream) Constraints() HWConstraints {
	s.mu.Lock()
	rate := s.rate
	channels := s.channels
	s.mu.Unlock()

	bytesPerFrame := BytesPerSample * channels
	minPeriodBytes := rate * MinPeriodBytesPerRate / 1000 * bytesPerFrame
	minBufferBytes := rate * MinBufferBytesPerRate / 1000 * bytesPerFrame

	return HWConstraints{
		AccessModes:    []string{"mmap_interleaved", "rw_interleaved"},
		Format:         "s16_le",
		MinPeriods:     MinPeriods,
		MaxPeriods:     MaxPeriods,
		MinPeriodBytes: minPeriodBytes,
		MaxPeriodBytes: MaxPeriodBytes,
		MinBufferBytes: minBufferBytes,
		MaxBufferBytes: MaxBufferBytes,
		Channels:       channels,
		Rate:           rate,
	}
}

// HwParams records the negotiated period/buffer sizes and frame size, and
// on playback clamps the FIFO pipe capacity. It must not start the worker.
func (s *Stream) HwParams(periodSize, bufferSize int) error {
	s.mu.Lock()
	s.frameSize = BytesPerSample * s.channels
	s.periodSize = periodSize
	s.bufferSize = bufferSize
	conn := s.pcmConn
	dir := s.dir
	s.state = HWConfigured
	s.mu.Unlock()

	if dir == Playback {
		// Indicate writable-ready even though the worker isn't running yet;
		// mirrors the original's pre-emptive eventfd_write(1) in hw_params.
		s.event.Add(1)
		if conn != nil {
			if err := setPipeCapacity(conn, s.opts.pipeCapacityBytes); err != nil {
				s.log.Warn("set pipe capacity", "err", err)
			}
		}
	}
	return nil
}

// HwFree tears down the transport: closes the FIFO and tells the daemon.
func (s *Stream) HwFree() error {
	s.closeTransport()
	return nil
}

// Rebind points the stream at a different transport, closing the previous
// one first. Used by package plugin's SetRemoteDevice to retarget an
// already-open stream at a newly selected remote device. It does not start
// the worker. It opens the new transport's FIFO itself when the daemon has
// it ready; otherwise the worker's reattach step acquires it once running.
func (s *Stream) Rebind(transport daemon.Transport) error {
	s.closeTransport()

	s.mu.Lock()
	s.transport = transport
	s.rate = transport.Rate
	s.channels = transport.Channels
	s.frameSize = BytesPerSample * transport.Channels
	s.mu.Unlock()

	if fifo, err := s.daemonConn.OpenTransport(transport); err == nil {
		s.mu.Lock()
		s.pcmConn = fifo
		s.mu.Unlock()
	} else {
		s.log.Warn("transport FIFO not ready at rebind, worker will retry", "err", err)
	}

	s.pulseResume()
	return nil
}

// SwParams records hw_boundary, the wraparound modulus for hw_ptr.
func (s *Stream) SwParams(hwBoundary uint64) error {
	s.mu.Lock()
	s.hwBoundary = hwBoundary
	s.mu.Unlock()
	return nil
}

// Prepare resets io_ptr and hw_ptr to zero, and clears any XRun.
func (s *Stream) Prepare() error {
	s.mu.Lock()
	s.ioPtr = 0
	s.hwPtr = 0
	s.ioPtrValid = true
	s.framesSinceDelayRefresh = 0
	if s.state != Closed {
		s.state = Prepared
	}
	s.mu.Unlock()
	return nil
}

// Drain asks the daemon to drain the transport.
func (s *Stream) Drain() error {
	s.mu.Lock()
	s.state = Draining
	s.mu.Unlock()
	return s.daemonConn.DrainTransport(s.transport)
}

// Pause asks the daemon to pause/resume the transport. On resume it
// delivers the resume pulse to the worker, and always bumps the event
// notification so pollers re-evaluate.
func (s *Stream) Pause(enable bool) error {
	if err := s.daemonConn.PauseTransport(s.transport, enable); err != nil {
		return fmt.Errorf("pcm: pause(%v): %w", enable, err)
	}

	s.mu.Lock()
	if enable {
		s.state = Paused
	} else {
		s.state = Running
	}
	s.mu.Unlock()

	if !enable {
		s.pulseResume()
	}
	s.event.Add(1)
	return nil
}

// Delay estimates total output latency in frames: buffered-but-unplayed
// frames in the ring, bytes queued in the FIFO, plus a daemon-reported
// intrinsic delay refreshed no more than once per rate/10 frames.
func (s *Stream) Delay() (int, error) {
	s.mu.Lock()
	conn := s.pcmConn
	hwPtr := s.hwPtr
	frameSize := s.frameSize
	state := s.state
	intrinsic := s.delayIntrinsic
	extra := s.delayExtra
	rate := s.rate
	host := s.host
	transport := s.transport
	s.framesSinceDelayRefresh += s.periodSize
	refresh := s.dir == Playback &&
		(intrinsic == 0 || (rate > 0 && s.framesSinceDelayRefresh >= rate/10)) &&
		(state == Running || state == Draining)
	if refresh {
		s.framesSinceDelayRefresh = 0
	}
	s.mu.Unlock()

	if conn == nil {
		return 0, syscall.ENODEV
	}

	var applPtr uint64
	if host != nil {
		applPtr = host.ApplPtr()
	}
	delay := int(applPtr) - int(hwPtr)

	if n, err := fionread(conn); err == nil && frameSize > 0 {
		delay += n / frameSize
	}

	if refresh {
		if ds, ok, err := s.daemonConn.GetTransportDelay(transport); err == nil && ok && rate > 0 {
			newIntrinsic := rate * ds / 10
			s.mu.Lock()
			s.delayIntrinsic = newIntrinsic
			s.mu.Unlock()
			intrinsic = newIntrinsic
		}
	}

	return delay + intrinsic + extra, nil
}

// PollDescriptorsCount always returns 1: the stream exposes one
// notification channel, not per-syscall descriptors.
func (s *Stream) PollDescriptorsCount() int { return 1 }

// PollDescriptors returns the single descriptor the consumer should wait on.
func (s *Stream) PollDescriptors() []PollDescriptor {
	return []PollDescriptor{{Ready: s.event.ready}}
}

// PollRevents consumes one pending event and reports what happened. A
// sentinel value means the worker has exited fatally. Otherwise it asks the
// host for current availability; zero availability means the wake was
// spurious.
func (s *Stream) PollRevents() (PollEvents, error) {
	v, ok := s.event.Read()
	if !ok {
		return 0, nil
	}
	if IsSentinel(v) {
		return PollErr | PollHup, syscall.ENODEV
	}

	s.mu.Lock()
	host := s.host
	dir := s.dir
	s.mu.Unlock()

	if host != nil && host.Avail() == 0 {
		return 0, nil
	}
	if dir == Capture {
		return PollIn, nil
	}
	return PollOut, nil
}

// Close releases the daemon socket and the instance. Stops the worker
// first if it's still running.
func (s *Stream) Close() error {
	s.Stop()
	s.closeTransport()

	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()

	if s.daemonConn != nil {
		return s.daemonConn.Close()
	}
	return nil
}

// Dump renders human-readable device/profile/codec identifiers.
func (s *Stream) Dump() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("Bluetooth device: %s\nprofile: %s\ncodec: %s",
		s.transport.Addr, s.transport.Type, s.transport.Codec)
}

func (s *Stream) pulseResume() {
	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
}

// closeTransport detaches the FIFO and tells the daemon to release the
// transport. Safe to call more than once.
func (s *Stream) closeTransport() {
	s.mu.Lock()
	conn := s.pcmConn
	s.pcmConn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if s.daemonConn != nil {
		if err := s.daemonConn.CloseTransport(s.transport); err != nil {
			s.log.Warn("close transport", "err", err)
		}
	}
}
