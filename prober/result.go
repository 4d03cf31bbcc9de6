package prober

import (
	"time"

	"github.com/bitnodes/crawld/wire"
)

// ErrKind classifies how a probe session ended. A probe never returns a Go
// error to its caller; whatever went wrong is folded into exactly one of
// these kinds so the coordinator can account for it without unpacking error
// chains.
type ErrKind uint8

const (
	// ErrKindNone marks a session that completed its handshake and any
	// requested address exchange.
	ErrKindNone ErrKind = iota

	// ErrKindConnRefused marks a connection actively refused by the
	// remote host.
	ErrKindConnRefused

	// ErrKindConnTimeout marks a connection attempt that never
	// completed.
	ErrKindConnTimeout

	// ErrKindHandshakeProto marks a peer that spoke, but not the
	// protocol: bad magic, malformed frames, or messages out of order.
	ErrKindHandshakeProto

	// ErrKindHandshakeTimeout marks a peer that accepted the connection
	// but went silent before completing the version/verack exchange.
	ErrKindHandshakeTimeout

	// ErrKindVersionBelowMin marks a transport-clean handshake with a
	// peer whose advertised protocol version or service bits disqualify
	// it. The session itself succeeded; the peer is unusable.
	ErrKindVersionBelowMin

	// ErrKindClosedByPeer marks a connection the remote side closed or
	// reset mid-session.
	ErrKindClosedByPeer

	// ErrKindTimeout marks a session cut short by the overall session
	// budget or a forced cancellation.
	ErrKindTimeout
)

// String returns a human-readable name for the error kind.
func (k ErrKind) String() string {
	switch k {
	case ErrKindNone:
		return "none"
	case ErrKindConnRefused:
		return "conn-refused"
	case ErrKindConnTimeout:
		return "conn-timeout"
	case ErrKindHandshakeProto:
		return "handshake-proto"
	case ErrKindHandshakeTimeout:
		return "handshake-timeout"
	case ErrKindVersionBelowMin:
		return "version-below-min"
	case ErrKindClosedByPeer:
		return "closed-by-peer"
	case ErrKindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Result is the terminal record of one probe session. Every session
// produces exactly one, reachable or not.
type Result struct {
	// Node identifies the probed address.
	Node *wire.NetAddress

	// Reachable is true when the handshake completed and the peer
	// qualified. Semantically disqualified peers (ErrKindVersionBelowMin)
	// report false even though the transport exchange succeeded.
	Reachable bool

	// RTT is the interval from sending our version to completion of the
	// handshake. Zero when the handshake never completed.
	RTT time.Duration

	// RemoteVersion is the protocol version the peer advertised, when a
	// version message was received.
	RemoteVersion int32

	// Services holds the peer's advertised service bits.
	Services wire.ServiceFlag

	// UserAgent is the peer's advertised user agent.
	UserAgent string

	// Height is the chain height the peer advertised.
	Height int32

	// Peers holds the addresses the peer shared in response to getaddr,
	// already filtered for staleness.
	Peers []*wire.NetAddress

	// Inv holds the inventory items the peer announced while the
	// session's listen window was open.
	Inv []*wire.InvVect

	// ErrKind classifies how the session ended.
	ErrKind ErrKind

	// When records when the session started.
	When time.Time
}
