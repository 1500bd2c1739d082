// Package plugin is the registration glue a host sound stack would use to
// open and drive a PCM stream: plugin.Open corresponds to the callback
// contract's constructor, and SetRemoteDevice corresponds to the "external
// control plane" operation described only as a contract in spec §6 — no
// cgo/dlsym export exists on this side of the port, just a headless Go API.
package plugin

import (
	"fmt"
	"sync"
	"sync/atomic"

	"btaudiobridge/daemon"
	"btaudiobridge/pcm"
)

// Handle is one open plugin instance, wrapping a pcm.Stream with the
// identity (interface name) a SetRemoteDevice call targets.
type Handle struct {
	name string
	dir  pcm.Direction
	mode pcm.Mode

	mu        sync.Mutex
	stream    *pcm.Stream
	transport daemon.Transport
}

var (
	registry sync.Map // name string -> *Handle

	// lastOpened backs the compatibility shim for callers that never
	// migrate off the original's implicit single-device addressing (spec §9
	// Design Note on the_pcm singleton): SetRemoteDevice with no matching
	// name falls back to whichever Handle was opened most recently.
	lastOpened atomic.Pointer[Handle]
)

// Open registers a new Handle under name (the controller interface, e.g.
// "hci0") and dials the daemon for the already-known transport. Replacing
// an existing Handle registered under the same name is allowed — the
// previous one is left running, matching the original's "most recently
// opened wins" observable behavior rather than refusing the second Open.
func Open(name string, dir pcm.Direction, mode pcm.Mode, daemonPath string, transport daemon.Transport, opts ...pcm.Option) (*Handle, error) {
	stream, err := pcm.Open(dir, daemonPath, transport, opts...)
	if err != nil {
		return nil, fmt.Errorf("plugin: open %s: %w", name, err)
	}
	h := &Handle{name: name, dir: dir, mode: mode, stream: stream, transport: transport}
	registry.Store(name, h)
	lastOpened.Store(h)
	return h, nil
}

// Stream returns the underlying PCM stream this handle drives.
func (h *Handle) Stream() *pcm.Stream { return h.stream }

// Name returns the interface name this handle was opened under.
func (h *Handle) Name() string { return h.name }

// Close unregisters the handle and closes its stream. A no-op if called
// more than once.
func (h *Handle) Close() error {
	registry.CompareAndDelete(h.name, h)
	if lastOpened.Load() == h {
		lastOpened.CompareAndSwap(h, nil)
	}
	return h.stream.Close()
}

// Lookup returns the Handle registered under name, if any.
func Lookup(name string) (*Handle, bool) {
	v, ok := registry.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Handle), true
}

// SetRemoteDevice retargets the named handle's transport to address/profile
// by closing the old transport and reattaching the daemon-supplied FIFO for
// the new one. If no handle is registered under interfaceName, it falls
// back to the most recently opened handle, preserving the original
// library's single implicit device behavior for callers that address it by
// nothing more specific than "the currently active stream".
func SetRemoteDevice(interfaceName, address, profile string) error {
	h, ok := Lookup(interfaceName)
	if !ok {
		h = lastOpened.Load()
		if h == nil {
			return fmt.Errorf("plugin: no open handle for %q", interfaceName)
		}
	}

	addr, err := daemon.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("plugin: set remote device: %w", err)
	}
	pt, err := daemon.ParseProfile(profile)
	if err != nil {
		return fmt.Errorf("plugin: set remote device: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	next := h.transport
	next.Addr = addr
	next.Type = pt

	if err := h.stream.Rebind(next); err != nil {
		return fmt.Errorf("plugin: rebind: %w", err)
	}
	h.transport = next
	return nil
}
