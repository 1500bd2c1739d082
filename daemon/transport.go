// Package daemon implements the client side of the Bluetooth audio daemon
// wire contract: request/reply transactions over a UNIX control socket, plus
// a push-event subscription socket. It owns no Bluetooth state of its own —
// it is the thin collaborator the PCM streaming core and device monitor both
// talk through.
package daemon

import (
	"fmt"
	"strconv"
	"strings"
)

// ProfileType identifies a Bluetooth audio profile.
type ProfileType int

const (
	// ProfileNone is the zero value; never a valid transport type.
	ProfileNone ProfileType = iota
	ProfileA2DP
	ProfileSCO
)

func (p ProfileType) String() string {
	switch p {
	case ProfileA2DP:
		return "a2dp"
	case ProfileSCO:
		return "sco"
	default:
		return "none"
	}
}

// ParseProfile parses a case-insensitive profile tag. Anything other than
// "a2dp" or "sco" is a configuration error.
func ParseProfile(s string) (ProfileType, error) {
	switch strings.ToLower(s) {
	case "a2dp":
		return ProfileA2DP, nil
	case "sco":
		return ProfileSCO, nil
	default:
		return ProfileNone, fmt.Errorf("daemon: invalid profile %q (want a2dp or sco)", s)
	}
}

// StreamDirection is the direction of a transport's audio flow.
type StreamDirection int

const (
	StreamNone StreamDirection = iota
	StreamCapture
	StreamPlayback
	StreamDuplex
)

func (d StreamDirection) String() string {
	switch d {
	case StreamCapture:
		return "capture"
	case StreamPlayback:
		return "playback"
	case StreamDuplex:
		return "duplex"
	default:
		return "none"
	}
}

// Address is a Bluetooth device address in the canonical "AA:BB:CC:DD:EE:FF"
// form, stored as 6 raw bytes so comparisons are cheap and exact.
type Address [6]byte

// String renders the address in canonical colon-separated hex form.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// ParseAddress parses a canonical "AA:BB:CC:DD:EE:FF" Bluetooth address.
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return a, fmt.Errorf("daemon: malformed BT address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return Address{}, fmt.Errorf("daemon: malformed BT address %q: %w", s, err)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// Transport is the daemon's handle for one active Bluetooth audio link.
// It mirrors bluealsa's ba_msg_transport: remote address, profile, codec,
// channel/rate negotiation, and current stream direction.
type Transport struct {
	Addr     Address
	Type     ProfileType
	Codec    string
	Channels int
	Rate     int
	Stream   StreamDirection

	// ID is an opaque daemon-side handle echoed back on control operations
	// (close/pause/drain/delay). Not interpreted by the client.
	ID string
}

// EventMask is a bitmask over daemon event kinds.
type EventMask uint32

const (
	EventTransportAdded EventMask = 1 << iota
	EventTransportChanged
	EventTransportRemoved
	EventUpdateBattery
	EventUpdateVolume
)

func (m EventMask) String() string {
	var parts []string
	if m&EventTransportAdded != 0 {
		parts = append(parts, "TRANSPORT_ADDED")
	}
	if m&EventTransportChanged != 0 {
		parts = append(parts, "TRANSPORT_CHANGED")
	}
	if m&EventTransportRemoved != 0 {
		parts = append(parts, "TRANSPORT_REMOVED")
	}
	if m&EventUpdateBattery != 0 {
		parts = append(parts, "UPDATE_BATTERY")
	}
	if m&EventUpdateVolume != 0 {
		parts = append(parts, "UPDATE_VOLUME")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Event is one notification delivered on the subscription socket.
type Event struct {
	Mask      EventMask
	Transport Transport
}
