// Package monitor watches the audio daemon for a single remote Bluetooth
// device's transport coming and going, and presents it as a plain
// capture stream that survives reconnects transparently: Readi blocks
// across a drop and resumes once the device reattaches, instead of
// surfacing an error the caller would have to retry itself.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"btaudiobridge/daemon"
)

// ErrUnsupported is returned by Writei: the monitor is a receive-only
// convenience over a capture/duplex transport, mirroring the original
// bluealsa client library where writei was never implemented.
var ErrUnsupported = errors.New("monitor: write not supported")

const bytesPerSample = 2

// Handle watches one controller interface's daemon for a chosen remote
// device and keeps a capture FIFO attached to it whenever the device is
// reachable.
type Handle struct {
	iface string

	cmdConn   *daemon.Conn
	eventConn *daemon.EventStream

	mu        sync.Mutex
	addr      *daemon.Address
	profile   daemon.ProfileType
	transport daemon.Transport
	sndConn   net.Conn

	attach chan struct{} // non-blocking "attach state changed" pulse

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *slog.Logger
}

// Open dials the daemon's command and event sockets for iface and starts
// the background goroutine that tracks transport add/remove events. No
// device is selected yet; call SetDevice to start attaching.
func Open(daemonPath, iface string) (*Handle, error) {
	cmdConn, err := daemon.Open(daemonPath)
	if err != nil {
		return nil, fmt.Errorf("monitor: open command socket: %w", err)
	}
	eventConn, err := daemon.OpenEventStream(daemonPath)
	if err != nil {
		cmdConn.Close()
		return nil, fmt.Errorf("monitor: open event socket: %w", err)
	}
	if err := eventConn.Subscribe(daemon.EventTransportAdded | daemon.EventTransportRemoved | daemon.EventTransportChanged); err != nil {
		cmdConn.Close()
		eventConn.Close()
		return nil, fmt.Errorf("monitor: subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		iface:     iface,
		cmdConn:   cmdConn,
		eventConn: eventConn,
		attach:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		log:       slog.Default().With("component", "monitor", "interface", iface),
	}

	h.wg.Add(1)
	go h.eventLoop()

	return h, nil
}

// Close stops the monitor goroutine and releases both daemon connections.
func (h *Handle) Close() error {
	h.cancel()
	h.eventConn.Close()
	h.wg.Wait()
	h.detachTransport()
	return h.cmdConn.Close()
}

// SetDevice selects the remote device to track, replacing any previously
// selected one. Passing a nil addr clears the current selection and
// detaches any attached FIFO.
func (h *Handle) SetDevice(addr *daemon.Address, profile daemon.ProfileType) error {
	h.mu.Lock()
	h.detachTransportLocked()
	h.addr = addr
	h.profile = profile
	h.mu.Unlock()

	if addr == nil {
		return nil
	}
	return h.refreshAttachState()
}

// eventLoop drains the event subscription socket and re-evaluates the
// attach state whenever a transport add/remove/change event arrives for
// our interface. Grounded on monitor_worker_routine's poll(event_fd) loop.
func (h *Handle) eventLoop() {
	defer h.wg.Done()
	for {
		ev, err := h.eventConn.Next()
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.log.Warn("event stream read failed, stopping", "err", err)
			return
		}
		if ev.Mask&(daemon.EventTransportAdded|daemon.EventTransportRemoved|daemon.EventTransportChanged) == 0 {
			continue
		}
		if err := h.refreshAttachState(); err != nil {
			h.log.Warn("refresh attach state", "err", err)
		}
	}
}

// refreshAttachState is the Go counterpart of update_device_attach_state:
// it re-fetches the transport list, finds the one matching our selected
// device/profile/direction, and attaches or detaches to match reality.
func (h *Handle) refreshAttachState() error {
	h.mu.Lock()
	addr := h.addr
	profile := h.profile
	alreadyAttached := h.sndConn != nil
	h.mu.Unlock()

	if addr == nil {
		return nil
	}

	transports, err := h.cmdConn.GetTransports()
	if err != nil {
		return err
	}

	var match *daemon.Transport
	for i := range transports {
		t := &transports[i]
		if t.Addr != *addr || t.Type != profile {
			continue
		}
		if t.Stream != daemon.StreamCapture && t.Stream != daemon.StreamDuplex {
			continue
		}
		match = t
		break
	}

	if match == nil {
		h.detachTransport()
		return nil
	}
	if alreadyAttached {
		// Spurious duplicate notification; already attached to this device.
		return nil
	}

	fifo, err := h.cmdConn.OpenTransport(*match)
	if err != nil {
		return fmt.Errorf("monitor: open transport: %w", err)
	}

	h.mu.Lock()
	h.sndConn = fifo
	h.transport = *match
	h.mu.Unlock()

	h.pulseAttach()
	return nil
}

func (h *Handle) pulseAttach() {
	select {
	case h.attach <- struct{}{}:
	default:
	}
}

func (h *Handle) detachTransport() {
	h.mu.Lock()
	h.detachTransportLocked()
	h.mu.Unlock()
}

func (h *Handle) detachTransportLocked() {
	if h.sndConn == nil {
		return
	}
	h.sndConn.Close()
	h.sndConn = nil
	h.cmdConn.CloseTransport(h.transport)
	h.pulseAttach()
}

// Readi reads up to frames frames of signed 16-bit PCM into buf, blocking
// across transport drops and re-attaches rather than surfacing them as
// errors — the original bluealsa client library treats read failures here
// as transient transport loss and simply keeps retrying.
func (h *Handle) Readi(buf []byte, frames int) (int, error) {
	h.mu.Lock()
	channels := h.transport.Channels
	h.mu.Unlock()
	if channels == 0 {
		channels = 1
	}
	frameSize := bytesPerSample * channels
	want := frames * frameSize
	if want > len(buf) {
		want = len(buf)
	}

	for {
		if h.ctx.Err() != nil {
			return 0, h.ctx.Err()
		}

		h.mu.Lock()
		conn := h.sndConn
		h.mu.Unlock()

		if conn == nil {
			select {
			case <-h.attach:
			case <-h.ctx.Done():
				return 0, h.ctx.Err()
			}
			continue
		}

		n, err := conn.Read(buf[:want])
		if err != nil {
			h.detachTransport()
			if werr := h.refreshAttachState(); werr != nil {
				h.log.Warn("refresh after read error", "err", werr)
			}
			continue
		}
		return n / frameSize, nil
	}
}

// Writei is not implemented: the monitor only ever tracks a capture or
// duplex-capture-side transport.
func (h *Handle) Writei(buf []byte, frames int) (int, error) {
	return 0, ErrUnsupported
}
