package daemon

import (
	"encoding/json"
	"fmt"
	"net"

	"btaudiobridge/internal/wire"
)

// EventStream is the subscription-side connection: after Subscribe, the
// daemon pushes Event frames asynchronously with no request from the client.
// It wraps the same wire framing as Conn but only ever reads.
type EventStream struct {
	conn net.Conn
}

// OpenEventStream dials a second connection to the daemon dedicated to
// event delivery, per spec §3 ("one for commands, one for subscription").
func OpenEventStream(path string) (*EventStream, error) {
	c, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("daemon: open event stream %s: %w", path, err)
	}
	return &EventStream{conn: c}, nil
}

// Subscribe installs the event mask for this stream and waits for the
// daemon's acknowledgement, so Next only ever sees event frames.
func (es *EventStream) Subscribe(mask EventMask) error {
	if err := wire.Write(es.conn, nil, typeSubscribe, struct {
		Mask uint32 `json:"mask"`
	}{uint32(mask)}); err != nil {
		return err
	}
	f, err := wire.Read(es.conn)
	if err != nil {
		return fmt.Errorf("daemon: read reply to %s: %w", typeSubscribe, err)
	}
	if f.Type != typeAck {
		return fmt.Errorf("daemon: unexpected reply %q to %s", f.Type, typeSubscribe)
	}
	return nil
}

// Next blocks until the next event frame arrives, or returns an error if the
// connection is closed or corrupted (including io.EOF on a clean daemon
// hangup).
func (es *EventStream) Next() (Event, error) {
	f, err := wire.Read(es.conn)
	if err != nil {
		return Event{}, err
	}
	if f.Type != typeEvent {
		return Event{}, fmt.Errorf("daemon: unexpected frame %q on event stream", f.Type)
	}
	var payload struct {
		Mask      uint32        `json:"mask"`
		Transport wireTransport `json:"transport"`
	}
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		return Event{}, err
	}
	t, err := payload.Transport.toTransport()
	if err != nil {
		// Some events (battery/volume updates) may not carry a full
		// transport; that's fine, leave it zero.
		t = Transport{}
	}
	return Event{Mask: EventMask(payload.Mask), Transport: t}, nil
}

// Conn returns the underlying connection so callers can multiplex it into a
// poll/select loop.
func (es *EventStream) Conn() net.Conn { return es.conn }

// Close releases the event connection.
func (es *EventStream) Close() error { return es.conn.Close() }
