package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"btaudiobridge/internal/wire"
)

// Conn is one command connection to the audio daemon over a UNIX socket.
// Every exported method is a blocking request/reply transaction; callers
// wanting concurrent use from multiple goroutines should serialize via
// their own lock — Conn itself only serializes against interleaving two
// concurrent requests from corrupting the wire (reqMu), it does not queue.
type Conn struct {
	path string

	reqMu sync.Mutex // serializes request/reply pairs on c.conn
	conn  net.Conn
}

// Open dials the daemon's control socket at path. The daemon is expected to
// listen on a well-known per-interface socket path; this implementation uses
// path verbatim as the dial target and leaves interface-to-path mapping
// to the caller (see SocketPath for the common case).
func Open(path string) (*Conn, error) {
	c, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("daemon: open %s: %w", path, err)
	}
	return &Conn{path: path, conn: c}, nil
}

// SocketPath returns the conventional control-socket path for a Bluetooth
// controller interface, mirroring bluealsa's per-interface socket naming.
func SocketPath(iface string) string {
	return "/var/run/bluealsa/" + iface
}

// RawConn exposes the underlying connection so callers (the pcm worker) can
// multiplex it into a poll loop alongside the transport FIFO, per spec §4.1
// ("poll both pcm_fd and daemon_fd"). Callers must not read or write it
// directly; it's for readiness multiplexing only.
func (c *Conn) RawConn() net.Conn {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.conn
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// roundTrip sends a request frame and waits for the matching reply or an
// error frame. It is the single choke point all request methods go through.
func (c *Conn) roundTrip(reqType string, req any, replyType string, reply any) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("daemon: connection closed")
	}
	if err := wire.Write(c.conn, nil, reqType, req); err != nil {
		return err
	}
	f, err := wire.Read(c.conn)
	if err != nil {
		return fmt.Errorf("daemon: read reply to %s: %w", reqType, err)
	}
	if f.Type == typeError {
		var ep errorPayload
		if err := json.Unmarshal(f.Payload, &ep); err != nil {
			return fmt.Errorf("daemon: %s failed (malformed error payload)", reqType)
		}
		return &Error{Op: reqType, Message: ep.Message, Errno: ep.Errno}
	}
	if f.Type != replyType {
		return fmt.Errorf("daemon: unexpected reply %q to %s", f.Type, reqType)
	}
	if reply == nil {
		return nil
	}
	return json.Unmarshal(f.Payload, reply)
}

// Error is returned when the daemon rejects an operation.
type Error struct {
	Op      string
	Message string
	Errno   int
}

func (e *Error) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("daemon: %s: %s (errno %d)", e.Op, e.Message, e.Errno)
	}
	return fmt.Sprintf("daemon: %s: %s", e.Op, e.Message)
}

// Subscribe asks the daemon to deliver events matching mask on this same
// connection and waits for its acknowledgement. The device monitor keeps
// commands and events on distinct connections and subscribes through
// EventStream.Subscribe instead.
func (c *Conn) Subscribe(mask EventMask) error {
	return c.roundTrip(typeSubscribe, struct {
		Mask uint32 `json:"mask"`
	}{uint32(mask)}, typeAck, nil)
}

// GetTransports returns every transport currently known to the daemon.
func (c *Conn) GetTransports() ([]Transport, error) {
	var reply struct {
		Transports []wireTransport `json:"transports"`
	}
	if err := c.roundTrip(typeGetTransports, struct{}{}, typeGetTransportsReply, &reply); err != nil {
		return nil, err
	}
	out := make([]Transport, 0, len(reply.Transports))
	for _, w := range reply.Transports {
		t, err := w.toTransport()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// GetTransport returns the single transport matching addr/profile/stream,
// or ok=false if none matches.
func (c *Conn) GetTransport(addr Address, profile ProfileType, stream StreamDirection) (t Transport, ok bool, err error) {
	req := struct {
		Addr   string `json:"addr"`
		Type   int    `json:"type"`
		Stream int    `json:"stream"`
	}{addr.String(), int(profile), int(stream)}

	var reply struct {
		Found     bool          `json:"found"`
		Transport wireTransport `json:"transport"`
	}
	if err := c.roundTrip(typeGetTransport, req, typeGetTransportReply, &reply); err != nil {
		return Transport{}, false, err
	}
	if !reply.Found {
		return Transport{}, false, nil
	}
	t, err = reply.Transport.toTransport()
	return t, err == nil, err
}

// OpenTransport asks the daemon to hand out the PCM FIFO for transport and
// returns it as a *net.UnixConn wrapping the daemon-provided descriptor.
// The daemon hands out a genuine pipe fd; over our UNIX-socket transport
// this is modeled as the daemon opening a second, dedicated connection
// which the client dials using the path returned in the reply.
func (c *Conn) OpenTransport(t Transport) (net.Conn, error) {
	var reply struct {
		FIFOPath string `json:"fifo_path"`
	}
	if err := c.roundTrip(typeOpenTransport, toWire(t), typeOpenTransportReply, &reply); err != nil {
		return nil, err
	}
	fifo, err := net.DialTimeout("unix", reply.FIFOPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("daemon: open transport FIFO %s: %w", reply.FIFOPath, err)
	}
	return fifo, nil
}

// CloseTransport tells the daemon the client is done with t.
func (c *Conn) CloseTransport(t Transport) error {
	return c.roundTrip(typeCloseTransport, toWire(t), typeAck, nil)
}

// PauseTransport asks the daemon to pause (enable=true) or resume
// (enable=false) the transport.
func (c *Conn) PauseTransport(t Transport, enable bool) error {
	req := struct {
		Transport wireTransport `json:"transport"`
		Enable    bool          `json:"enable"`
	}{toWire(t), enable}
	return c.roundTrip(typePauseTransport, req, typeAck, nil)
}

// DrainTransport asks the daemon to drain any buffered audio for t.
func (c *Conn) DrainTransport(t Transport) error {
	return c.roundTrip(typeDrainTransport, toWire(t), typeAck, nil)
}

// GetTransportDelay returns the daemon-reported delay in deciseconds, or
// ok=false if unavailable (mirrors the original's -1 sentinel).
func (c *Conn) GetTransportDelay(t Transport) (deciseconds int, ok bool, err error) {
	var reply struct {
		Deciseconds int  `json:"deciseconds"`
		OK          bool `json:"ok"`
	}
	if err := c.roundTrip(typeGetDelay, toWire(t), typeGetDelayReply, &reply); err != nil {
		return 0, false, err
	}
	return reply.Deciseconds, reply.OK, nil
}
