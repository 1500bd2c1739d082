// Package pcm implements the ring-buffer-backed I/O worker that moves PCM
// frames between a host-owned mmap area and a Bluetooth transport FIFO. It
// mirrors the callback contract an ALSA-style plug-in exposes to its host
// sound stack (start/stop/pointer/hw_params/...), but as a plain Go API with
// no cgo boundary — see package plugin for the registration glue.
package pcm

import "errors"

// Direction is the stream's data flow.
type Direction int

const (
	Capture Direction = iota
	Playback
)

func (d Direction) String() string {
	if d == Capture {
		return "capture"
	}
	return "playback"
}

// State is the stream lifecycle state from spec §3.
type State int

const (
	StateOpen State = iota
	HWConfigured
	Prepared
	Running
	Paused
	Draining
	XRun
	Disconnected
	Closed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case HWConfigured:
		return "hw-configured"
	case Prepared:
		return "prepared"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Draining:
		return "draining"
	case XRun:
		return "xrun"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Mode mirrors the SND_PCM_NONBLOCK distinction a host sound stack opens a
// device with. It only affects how plugin.Open advertises itself; the
// worker's own I/O is always blocking inside its own goroutine.
type Mode int

const (
	ModeBlock Mode = iota
	ModeNonblock
)

func (m Mode) String() string {
	if m == ModeNonblock {
		return "nonblock"
	}
	return "block"
}

// Hardware constraints advertised once a transport exists (spec §4.1).
const (
	MinPeriods            = 2
	MaxPeriods            = 1024
	MinPeriodBytesPerRate = 10 // ms
	MaxPeriodBytes        = 16 * 1024
	MinBufferBytesPerRate = 200 // ms
	MaxBufferBytes        = 16 * 1024 * 1024

	// DefaultPipeCapacityBytes is the playback FIFO capacity clamp applied
	// in HwParams, matching the original's F_SETPIPE_SZ(2048) call.
	DefaultPipeCapacityBytes = 2048

	// BytesPerSample is fixed: 16-bit little-endian, no reformatting (spec
	// Non-goals).
	BytesPerSample = 2
)

// HWConstraints is the set of bounds a host sound stack negotiates hw_params
// within, derived once a transport exists (spec §4.1 "Hardware constraints").
// Access modes and format are fixed; period/buffer byte bounds scale with
// the transport's rate and channel count so their time duration stays
// constant across transports, and channels/rate are pinned to the
// transport's own negotiated values.
type HWConstraints struct {
	AccessModes    []string
	Format         string
	MinPeriods     int
	MaxPeriods     int
	MinPeriodBytes int
	MaxPeriodBytes int
	MinBufferBytes int
	MaxBufferBytes int
	Channels       int
	Rate           int
}

var (
	ErrDetached     = errors.New("pcm: stream is detached from its transport")
	ErrAlreadyOpen  = errors.New("pcm: worker already started")
	ErrNoHostLayer  = errors.New("pcm: no host layer attached")
	ErrClosed       = errors.New("pcm: stream is closed")
	ErrBadPollSpace = errors.New("pcm: poll descriptor slice has wrong length")
	ErrXRun         = errors.New("pcm: stream is in xrun, call Prepare to recover")
)

// HostLayer is implemented by the consumer sound stack. It exposes the
// pieces of state that live outside this package: the mmap'd ring buffer,
// the consumer's application pointer, and how many frames are currently
// available to transfer. pcm.Stream never allocates the ring buffer itself
// (spec §4.3).
type HostLayer interface {
	RingView() RingView
	ApplPtr() uint64
	Avail() int
}

// streamOptions configures a Stream beyond what the callback contract
// carries directly.
type streamOptions struct {
	pipeCapacityBytes int
}

// Option configures a Stream at construction time.
type Option func(*streamOptions)

// WithPipeCapacity overrides the playback FIFO capacity clamp applied in
// HwParams (spec §9 Design Note: "the clamp should be tunable but default
// to the original behavior").
func WithPipeCapacity(bytes int) Option {
	return func(o *streamOptions) { o.pipeCapacityBytes = bytes }
}

func defaultOptions() streamOptions {
	return streamOptions{pipeCapacityBytes: DefaultPipeCapacityBytes}
}

// Pointers is a consistent snapshot of io_ptr/hw_ptr, so callers see both
// together rather than torn between two separate reads.
type Pointers struct {
	IOPtr uint64
	HWPtr uint64
}
