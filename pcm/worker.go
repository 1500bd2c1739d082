package pcm

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"btaudiobridge/daemon"
)

// reattachBackoff is the pause between failed (re)attach attempts, matching
// the original's usleep(100*1000) "avoid spinning too fast" guard. It
// doubles as the scenario §8 backoff bound (≤ ~10 attempts/s).
const reattachBackoff = 100 * time.Millisecond

type loopExit int

const (
	exitRetry loopExit = iota
	exitFatal
	exitDisconnected
)

// ioLoop is the worker goroutine body (spec §4.1 "Worker algorithm"). It
// runs for the life of one Start/Stop cycle; finish() always runs before it
// returns, closing the transport and writing the event_fd sentinel exactly
// once (spec invariant).
func (s *Stream) ioLoop(ctx context.Context) {
	defer s.wg.Done()
	defer s.finish()

	for {
		if s.dir == Capture {
			if !s.waitForCaptureReady(ctx) {
				return
			}
		} else if s.currentPCMConn() == nil {
			if !s.reattach(ctx) {
				return
			}
			continue
		}

		ring, err := s.ringView()
		if err != nil {
			s.log.Error("no host layer attached", "err", err)
			return
		}

		rs := NewRateSync(s.rate)
		switch s.periodLoop(ctx, ring, rs) {
		case exitRetry:
			continue
		case exitFatal, exitDisconnected:
			return
		}
	}
}

// finish closes the transport and writes the fatal sentinel, run exactly
// once per worker lifetime via the ioLoop defer.
func (s *Stream) finish() {
	s.closeTransport()
	s.event.Sentinel()
}

// waitForCaptureReady blocks until the capture FIFO has data ready to read,
// re-acquiring the FIFO (and reconnecting to the daemon) after a hangup and
// waiting again. Returns false if the worker should exit (context canceled
// or a descriptor/poll error).
func (s *Stream) waitForCaptureReady(ctx context.Context) bool {
	for {
		conn := s.currentPCMConn()
		if conn == nil {
			if !s.reattach(ctx) {
				return false
			}
			continue
		}

		pcmFD, err := rawFD(conn)
		if err != nil {
			s.log.Error("raw fd for transport FIFO", "err", err)
			return false
		}
		daemonFD, err := rawFD(s.daemonConn.RawConn())
		if err != nil {
			s.log.Error("raw fd for daemon connection", "err", err)
			return false
		}

		pcmHup, daemonHup, ready, err := pollTransport(ctx, pcmFD, daemonFD)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.log.Error("poll transport fds", "err", err)
			return false
		}

		switch {
		case daemonHup:
			s.log.Warn("daemon connection hung up, reconnecting")
			s.reconnectDaemon()
			s.detach()
			if !sleepOrDone(ctx, reattachBackoff) {
				return false
			}
		case pcmHup:
			s.log.Warn("remote device disconnected, reattaching")
			s.reconnectDaemon()
			s.detach()
			if !sleepOrDone(ctx, reattachBackoff) {
				return false
			}
		case ready:
			return true
		}
	}
}

// pollTransport blocks until the pcm FIFO has data, or either fd reports a
// hangup, or ctx is done. It mirrors the original's poll({pcm_fd:POLLIN},
// {daemon_fd:POLLIN|POLLPRI}, -1), broken into short timeouts so ctx
// cancellation is observed promptly.
func pollTransport(ctx context.Context, pcmFD, daemonFD int) (pcmHup, daemonHup, ready bool, err error) {
	fds := []unix.PollFd{
		{Fd: int32(pcmFD), Events: unix.POLLIN},
		{Fd: int32(daemonFD), Events: unix.POLLIN | unix.POLLPRI},
	}
	for {
		if ctx.Err() != nil {
			return false, false, false, ctx.Err()
		}
		n, perr := unix.Poll(fds, 200)
		if perr != nil {
			if perr == unix.EINTR {
				continue
			}
			return false, false, false, perr
		}
		if n == 0 {
			continue
		}
		if fds[1].Revents&unix.POLLHUP != 0 {
			return false, true, false, nil
		}
		if fds[0].Revents&unix.POLLHUP != 0 {
			return true, false, false, nil
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			return false, false, true, nil
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// reattach asks the daemon for the transport's FIFO again. On failure it
// backs off and reports "keep trying" (true); ctx cancellation reports
// "stop" (false).
func (s *Stream) reattach(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	s.mu.Lock()
	conn := s.daemonConn
	transport := s.transport
	s.mu.Unlock()

	fifo, err := conn.OpenTransport(transport)
	if err != nil {
		return sleepOrDone(ctx, reattachBackoff)
	}
	s.AttachFIFO(fifo)
	return true
}

func (s *Stream) reconnectDaemon() {
	s.mu.Lock()
	old := s.daemonConn
	path := s.daemonPath
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	conn, err := daemon.Open(path)
	if err != nil {
		s.log.Error("reconnect to daemon", "err", err)
		return
	}
	s.mu.Lock()
	s.daemonConn = conn
	s.mu.Unlock()
}

func (s *Stream) detach() {
	s.mu.Lock()
	conn := s.pcmConn
	s.pcmConn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Stream) currentPCMConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pcmConn
}

func (s *Stream) ringView() (RingView, error) {
	s.mu.Lock()
	host := s.host
	s.mu.Unlock()
	if host == nil {
		return RingView{}, ErrNoHostLayer
	}
	return host.RingView(), nil
}

// periodLoop runs periods until the stream needs to leave this FIFO
// attachment (exitRetry), exits for good (exitDisconnected), or hits a
// fatal I/O error (exitFatal). One period is always moved in full before
// the published pointers change (spec §4.1 "Atomicity rule").
func (s *Stream) periodLoop(ctx context.Context, ring RingView, rs *RateSync) loopExit {
	for {
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()

		switch state {
		case Running, Draining:
		case Disconnected:
			return exitDisconnected
		default:
			select {
			case <-s.resumeCh:
				rs.Reset()
				continue
			case <-ctx.Done():
				return exitDisconnected
			}
		}

		s.mu.Lock()
		ioPtr := s.ioPtr
		bufSize := uint64(s.bufferSize)
		frames := uint64(s.periodSize)
		if bufSize == 0 || frames == 0 {
			s.mu.Unlock()
			return exitFatal
		}
		if bufSize-ioPtr < frames {
			frames = bufSize - ioPtr
		}
		frameSize := s.frameSize
		hwPtr := s.hwPtr
		hwBoundary := s.hwBoundary
		s.mu.Unlock()

		buf, err := ring.Slice(int(ioPtr), int(frames), frameSize)
		if err != nil {
			s.log.Error("ring buffer slice", "err", err)
			return exitFatal
		}

		conn := s.currentPCMConn()
		if conn == nil {
			return exitRetry
		}

		if s.dir == Capture {
			n, err := readPeriod(conn, buf)
			if err != nil {
				s.log.Error("fifo read", "err", err)
				return exitFatal
			}
			if n == 0 {
				// Writer closed: transient loss, go re-acquire the FIFO.
				s.detach()
				return exitRetry
			}
		} else {
			var applPtr uint64
			s.mu.Lock()
			host := s.host
			s.mu.Unlock()
			if host != nil {
				applPtr = host.ApplPtr()
			}
			if hwPtr > applPtr {
				s.mu.Lock()
				s.state = XRun
				s.ioPtrValid = false
				s.mu.Unlock()
				s.event.Add(1)
				continue
			}
			if err := writePeriod(conn, buf); err != nil {
				if errors.Is(err, syscall.EPIPE) {
					s.log.Warn("fifo write: remote closed", "err", err)
				} else {
					s.log.Error("fifo write", "err", err)
				}
				return exitFatal
			}
			rs.Sync(int(frames))
		}

		newIOPtr := ioPtr + frames
		if newIOPtr >= bufSize {
			newIOPtr -= bufSize
		}
		newHWPtr := hwPtr + frames
		if hwBoundary > 0 && newHWPtr >= hwBoundary {
			newHWPtr -= hwBoundary
		}

		s.mu.Lock()
		s.ioPtr = newIOPtr
		s.hwPtr = newHWPtr
		s.ioPtrValid = true
		s.mu.Unlock()

		s.event.Add(1)
	}
}

// readPeriod reads exactly len(buf) bytes, retrying on EINTR and partial
// reads. A clean close (zero bytes, no prior progress) returns (0, nil) so
// the caller can distinguish "writer closed" from a real error.
func readPeriod(r io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if err == io.EOF {
				if total == 0 {
					return 0, nil
				}
				return total, io.ErrUnexpectedEOF
			}
			return total, err
		}
	}
	return total, nil
}

// writePeriod writes exactly len(buf) bytes, retrying on EINTR.
func writePeriod(w io.Writer, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
	}
	return nil
}
