package daemon

import "btaudiobridge/internal/daemonproto"

// Frame type constants are re-exported locally so the rest of this package
// reads naturally; internal/daemonproto is the single source of truth
// shared with the testdaemon fake, so the two protocols never drift apart.
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

// wireTransport is a locally-named alias of daemonproto.WireTransport so
// this package can hang toWire/toTransport conversion methods off it.
type wireTransport daemonproto.WireTransport

type errorPayload = daemonproto.ErrorPayload

func toWire(t Transport) wireTransport {
	return wireTransport{
		Addr:     t.Addr.String(),
		Type:     int(t.Type),
		Codec:    t.Codec,
		Channels: t.Channels,
		Rate:     t.Rate,
		Stream:   int(t.Stream),
		ID:       t.ID,
	}
}

func (w wireTransport) toTransport() (Transport, error) {
	addr, err := ParseAddress(w.Addr)
	if err != nil {
		return Transport{}, err
	}
	return Transport{
		Addr:     addr,
		Type:     ProfileType(w.Type),
		Codec:    w.Codec,
		Channels: w.Channels,
		Rate:     w.Rate,
		Stream:   StreamDirection(w.Stream),
		ID:       w.ID,
	}, nil
}
