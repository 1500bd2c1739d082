// Package testdaemon is an in-process fake Bluetooth audio daemon used by
// the monitor/pcm/plugin test suites. It speaks the real wire protocol
// (package daemon) over real UNIX sockets so tests exercise the same framing
// and connection-lifecycle code paths production traffic does.
//
// Adapted from the teacher's websocket connection-handling and mutex-guarded
// registry pattern (server/client.go, server/internal/core/channel_state.go):
// one accept loop, one mutex-guarded map of live state, explicit broadcast
// to subscribers.
package testdaemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"btaudiobridge/daemon"
	"btaudiobridge/internal/daemonproto"
	"btaudiobridge/internal/wire"
)

// Frame type constants, borrowed from daemonproto directly rather than
// through package daemon (whose copies are unexported).
const (
	typeGetTransports      = daemonproto.TypeGetTransports
	typeGetTransportsReply = daemonproto.TypeGetTransportsReply
	typeGetTransport       = daemonproto.TypeGetTransport
	typeGetTransportReply  = daemonproto.TypeGetTransportReply
	typeOpenTransport      = daemonproto.TypeOpenTransport
	typeOpenTransportReply = daemonproto.TypeOpenTransportReply
	typeCloseTransport     = daemonproto.TypeCloseTransport
	typePauseTransport     = daemonproto.TypePauseTransport
	typeDrainTransport     = daemonproto.TypeDrainTransport
	typeGetDelay           = daemonproto.TypeGetDelay
	typeGetDelayReply      = daemonproto.TypeGetDelayReply
	typeSubscribe          = daemonproto.TypeSubscribe
	typeAck                = daemonproto.TypeAck
	typeError              = daemonproto.TypeError
	typeEvent              = daemonproto.TypeEvent
)

type errorPayload = daemonproto.ErrorPayload

// Server is a fake daemon listening on one UNIX socket. Any number of
// connections may dial it; the first frame each connection sends decides
// whether it behaves as a command connection or an event subscriber.
type Server struct {
	dir      string
	listener net.Listener

	mu          sync.Mutex
	transports  map[string]*transportState
	subscribers map[*subscriber]struct{}
	nextID      int
	closed      bool

	log *slog.Logger
}

type transportState struct {
	t            daemon.Transport
	fifoListener net.Listener
	fifoPath     string
	acceptedCh   chan net.Conn
	remoteConn   net.Conn // set once the client dials the FIFO
	paused       bool
	delayDs      int
}

type subscriber struct {
	mask daemon.EventMask
	conn net.Conn
	mu   sync.Mutex // serializes writes to conn
}

// New starts a fake daemon listening on a fresh UNIX socket under a
// temporary directory and returns it. Call Close when done.
func New() (*Server, error) {
	dir, err := os.MkdirTemp("", "testdaemon-")
	if err != nil {
		return nil, err
	}
	sockPath := filepath.Join(dir, "ctl")
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	s := &Server{
		dir:         dir,
		listener:    l,
		transports:  make(map[string]*transportState),
		subscribers: make(map[*subscriber]struct{}),
		log:         slog.Default().With("component", "testdaemon"),
	}
	go s.acceptLoop()
	return s, nil
}

// SocketPath returns the control/event socket path clients should dial.
func (s *Server) SocketPath() string { return s.listener.Addr().String() }

// Close shuts down the listener, every event subscriber connection, all
// transport FIFO listeners and their accepted FIFO connections. Command
// connections are left for their clients to close.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, ts := range s.transports {
		ts.fifoListener.Close()
		if ts.remoteConn != nil {
			ts.remoteConn.Close()
		}
	}
	for sub := range s.subscribers {
		sub.conn.Close()
	}
	s.mu.Unlock()

	err := s.listener.Close()
	os.RemoveAll(s.dir)
	return err
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serveConn(c)
	}
}

func (s *Server) serveConn(c net.Conn) {
	f, err := wire.Read(c)
	if err != nil {
		c.Close()
		return
	}
	if f.Type == typeSubscribe {
		var payload struct {
			Mask uint32 `json:"mask"`
		}
		json.Unmarshal(f.Payload, &payload)
		sub := &subscriber{mask: daemon.EventMask(payload.Mask), conn: c}
		s.mu.Lock()
		s.subscribers[sub] = struct{}{}
		s.mu.Unlock()
		wire.Write(sub.conn, &sub.mu, typeAck, struct{}{})
		s.serveEventConn(sub)
		return
	}
	// Not a subscription: re-dispatch the already-read frame, then keep
	// serving request/reply frames on this connection.
	connMu := &sync.Mutex{}
	s.handleCommand(c, connMu, f)
	for {
		f, err := wire.Read(c)
		if err != nil {
			c.Close()
			return
		}
		s.handleCommand(c, connMu, f)
	}
}

// handleCommand decodes and executes one request frame, replying on c.
func (s *Server) handleCommand(c net.Conn, mu *sync.Mutex, f wire.Frame) {
	reply := func(typ string, v any) { wire.Write(c, mu, typ, v) }
	fail := func(op, msg string, errno int) {
		wire.Write(c, mu, typeError, errorPayload{Message: fmt.Sprintf("%s: %s", op, msg), Errno: errno})
	}

	switch f.Type {
	case typeGetTransports:
		s.mu.Lock()
		list := make([]any, 0, len(s.transports))
		for _, ts := range s.transports {
			list = append(list, wireOf(ts.t))
		}
		s.mu.Unlock()
		reply(typeGetTransportsReply, struct {
			Transports []any `json:"transports"`
		}{list})

	case typeGetTransport:
		var req struct {
			Addr   string `json:"addr"`
			Type   int    `json:"type"`
			Stream int    `json:"stream"`
		}
		json.Unmarshal(f.Payload, &req)
		s.mu.Lock()
		var found *daemon.Transport
		for _, ts := range s.transports {
			if ts.t.Addr.String() == req.Addr && int(ts.t.Type) == req.Type {
				t := ts.t
				found = &t
				break
			}
		}
		s.mu.Unlock()
		if found == nil {
			reply(typeGetTransportReply, struct {
				Found     bool `json:"found"`
				Transport any  `json:"transport"`
			}{false, nil})
			return
		}
		reply(typeGetTransportReply, struct {
			Found     bool `json:"found"`
			Transport any  `json:"transport"`
		}{true, wireOf(*found)})

	case typeOpenTransport:
		var req struct {
			ID   string `json:"id"`
			Addr string `json:"addr"`
			Type int    `json:"type"`
		}
		json.Unmarshal(f.Payload, &req)
		s.mu.Lock()
		ts, ok := s.transports[req.ID]
		if !ok && req.ID == "" {
			// A caller without the daemon-assigned ID is matched by address
			// and profile, the same way get_transport matches.
			for _, cand := range s.transports {
				if cand.t.Addr.String() == req.Addr && int(cand.t.Type) == req.Type {
					ts, ok = cand, true
					break
				}
			}
		}
		var fifoPath string
		if ok {
			fifoPath = ts.fifoPath
		}
		s.mu.Unlock()
		if !ok {
			fail(typeOpenTransport, "no such transport", 19 /* ENODEV */)
			return
		}
		reply(typeOpenTransportReply, struct {
			FIFOPath string `json:"fifo_path"`
		}{fifoPath})

	case typeCloseTransport, typePauseTransport, typeDrainTransport:
		reply(typeAck, struct{}{})

	case typeGetDelay:
		reply(typeGetDelayReply, struct {
			Deciseconds int  `json:"deciseconds"`
			OK          bool `json:"ok"`
		}{10, true})

	default:
		fail(f.Type, "unknown request", 38 /* ENOSYS */)
	}
}

// serveEventConn just blocks until the subscriber disconnects; pushes are
// driven by broadcast() from other goroutines.
func (s *Server) serveEventConn(sub *subscriber) {
	buf := make([]byte, 1)
	for {
		if _, err := sub.conn.Read(buf); err != nil {
			s.mu.Lock()
			delete(s.subscribers, sub)
			s.mu.Unlock()
			return
		}
	}
}

func (s *Server) broadcast(ev daemon.Event) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		if sub.mask&ev.Mask != 0 {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	payload := struct {
		Mask      uint32                    `json:"mask"`
		Transport daemonproto.WireTransport `json:"transport"`
	}{uint32(ev.Mask), wireOf(ev.Transport)}

	for _, sub := range subs {
		if err := wire.Write(sub.conn, &sub.mu, typeEvent, payload); err != nil {
			s.log.Warn("drop subscriber after write error", "err", err)
		}
	}
}

func wireOf(t daemon.Transport) daemonproto.WireTransport {
	return daemonproto.WireTransport{
		Addr:     t.Addr.String(),
		Type:     int(t.Type),
		Codec:    t.Codec,
		Channels: t.Channels,
		Rate:     t.Rate,
		Stream:   int(t.Stream),
		ID:       t.ID,
	}
}

// AddTransport registers a new transport as if the daemon had just
// discovered it, and fires TRANSPORT_ADDED to subscribers. It returns a
// handle the test can use to push/pull PCM bytes once the client opens it.
func (s *Server) AddTransport(t daemon.Transport) (*TransportHandle, error) {
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("t%d", s.nextID)
	t.ID = id
	fifoPath := filepath.Join(s.dir, id+".fifo")
	l, err := net.Listen("unix", fifoPath)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ts := &transportState{t: t, fifoListener: l, fifoPath: fifoPath, acceptedCh: make(chan net.Conn, 1)}
	s.transports[id] = ts
	s.mu.Unlock()

	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		ts.remoteConn = c
		s.mu.Unlock()
		ts.acceptedCh <- c
	}()

	s.broadcast(daemon.Event{Mask: daemon.EventTransportAdded, Transport: t})
	return &TransportHandle{server: s, id: id}, nil
}

// RemoveTransport unregisters a transport and fires TRANSPORT_REMOVED.
func (s *Server) RemoveTransport(id string) {
	s.mu.Lock()
	ts, ok := s.transports[id]
	if ok {
		delete(s.transports, id)
		ts.fifoListener.Close()
	}
	s.mu.Unlock()
	if ok {
		s.broadcast(daemon.Event{Mask: daemon.EventTransportRemoved, Transport: ts.t})
	}
}

// TransportHandle lets a test drive one fake transport's FIFO traffic.
type TransportHandle struct {
	server *Server
	id     string
}

// ID returns the daemon-assigned transport ID, for tests that need to
// RemoveTransport a specific handle.
func (h *TransportHandle) ID() string { return h.id }

// Conn blocks until the client has opened the transport's FIFO and returns
// the server-side end, as if it were the remote Bluetooth device.
func (h *TransportHandle) Conn() net.Conn {
	h.server.mu.Lock()
	ts := h.server.transports[h.id]
	h.server.mu.Unlock()
	if ts == nil {
		return nil
	}
	if ts.remoteConn != nil {
		return ts.remoteConn
	}
	return <-ts.acceptedCh
}

// HangUp closes the transport's active FIFO connection, simulating the
// remote device disappearing mid-stream without removing the transport
// from the daemon's list.
func (h *TransportHandle) HangUp() {
	h.server.mu.Lock()
	ts := h.server.transports[h.id]
	h.server.mu.Unlock()
	if ts != nil && ts.remoteConn != nil {
		ts.remoteConn.Close()
	}
}
