package prober

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bitnodes/crawld/wire"
	"github.com/lightningnetwork/lnd/tor"
)

const (
	// DefaultDialTimeout bounds the connection attempt alone; onion
	// circuits can take noticeably longer than clearnet dials.
	DefaultDialTimeout = 15 * time.Second

	// DefaultSessionTimeout is the overall budget for one session, dial
	// included.
	DefaultSessionTimeout = 60 * time.Second

	// DefaultAddrTimeout is how long a session listens for addr and inv
	// traffic after sending getaddr.
	DefaultAddrTimeout = 15 * time.Second

	// DefaultPeersPerNode caps how many shared addresses one session
	// collects.
	DefaultPeersPerNode = 1000

	// DefaultMaxAddrAge is the oldest a shared address timestamp may be
	// before the address is discarded as stale gossip.
	DefaultMaxAddrAge = 24 * time.Hour
)

var (
	errDuplicateVersion = errors.New("peer sent version twice")
	errUnexpectedVerAck = errors.New("verack received before version")
	errRejected         = errors.New("peer rejected our version")
)

// sessionState tracks where in its lifecycle a probe session is. It only
// ever advances.
type sessionState uint8

const (
	stateConnecting sessionState = iota
	stateOfferSent
	stateOfferReceived
	stateReady
	stateProbing
	stateClosed
)

// String returns a human-readable name for the session state.
func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOfferSent:
		return "offer-sent"
	case stateOfferReceived:
		return "offer-received"
	case stateReady:
		return "ready"
	case stateProbing:
		return "probing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config parameterizes a Prober.
type Config struct {
	// Net is the network magic spoken on the wire.
	Net wire.BitcoinNet

	// ProtocolVersion is the version we advertise. Zero selects the
	// highest version the codec supports.
	ProtocolVersion uint32

	// MinProtocolVersion disqualifies peers advertising anything lower.
	MinProtocolVersion uint32

	// RequiredServices disqualifies peers missing any of these bits.
	RequiredServices wire.ServiceFlag

	// UserAgent is advertised in our version message. Empty selects the
	// codec default.
	UserAgent string

	// Height is the chain height we advertise.
	Height int32

	// Dialer provides the stream transport. Onion targets only work
	// when it is proxy-capable.
	Dialer tor.Net

	// DialTimeout bounds the connection attempt. Zero selects
	// DefaultDialTimeout.
	DialTimeout time.Duration

	// SessionTimeout bounds the whole session. Zero selects
	// DefaultSessionTimeout.
	SessionTimeout time.Duration

	// GetAddr requests the peer's known addresses once the handshake
	// completes.
	GetAddr bool

	// MemPool additionally solicits inv traffic with a mempool message
	// at the start of the listen window.
	MemPool bool

	// AddrTimeout bounds the post-handshake listen window. Zero selects
	// DefaultAddrTimeout.
	AddrTimeout time.Duration

	// PeersPerNode caps collected addresses per session. Zero selects
	// DefaultPeersPerNode.
	PeersPerNode int

	// MaxAddrAge discards shared addresses with older timestamps. Zero
	// selects DefaultMaxAddrAge.
	MaxAddrAge time.Duration

	// MaxPayload is the per-message payload ceiling handed to the codec.
	// Zero selects wire.DefaultMaxPayload.
	MaxPayload uint32
}

// Prober dials candidate peers one session at a time and reduces whatever
// happens on the wire into a single Result. It holds no state across
// sessions; one Prober is safely shared by every worker.
type Prober struct {
	cfg Config
}

// New returns a Prober with defaults applied.
func New(cfg Config) *Prober {
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = wire.ProtocolVersion
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.AddrTimeout == 0 {
		cfg.AddrTimeout = DefaultAddrTimeout
	}
	if cfg.PeersPerNode == 0 {
		cfg.PeersPerNode = DefaultPeersPerNode
	}
	if cfg.MaxAddrAge == 0 {
		cfg.MaxAddrAge = DefaultMaxAddrAge
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = wire.DefaultMaxPayload
	}
	return &Prober{cfg: cfg}
}

// Probe runs one full session against the address and always returns
// exactly one Result; transport, protocol, and qualification failures are
// all folded into the Result's ErrKind rather than surfaced as errors.
// Canceling the context force-closes the connection and yields a timeout
// Result.
func (p *Prober) Probe(ctx context.Context, na *wire.NetAddress) *Result {
	res := &Result{
		Node: na,
		When: time.Now(),
	}

	s := &session{
		cfg:   &p.cfg,
		res:   res,
		state: stateConnecting,
	}

	target := net.JoinHostPort(na.Host(), strconv.Itoa(int(na.Port)))
	conn, err := p.cfg.Dialer.Dial("tcp", target, p.cfg.DialTimeout)
	if err != nil {
		if ctx.Err() != nil {
			res.ErrKind = ErrKindTimeout
		} else {
			res.ErrKind = classifyDialError(err)
		}
		log.Debugf("Dial %s failed (%v): %v", target, res.ErrKind, err)
		return res
	}
	s.conn = conn
	defer conn.Close()

	// One deadline covers the whole session, so every read and write
	// inherits the remaining budget.
	deadline := time.Now().Add(p.cfg.SessionTimeout)
	_ = conn.SetDeadline(deadline)

	// The context is the coordinator's kill switch. Closing the conn is
	// the only way to interrupt a blocked read.
	var canceled atomic.Bool
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			canceled.Store(true)
			conn.Close()
		case <-watchdogDone:
		}
	}()

	if err := s.handshake(); err != nil {
		if canceled.Load() {
			res.ErrKind = ErrKindTimeout
		} else {
			res.ErrKind = classifySessionError(err)
		}
		log.Debugf("Handshake with %s failed in state %v (%v): %v",
			na.Key(), s.state, res.ErrKind, err)
		return res
	}

	// Transport-clean handshake; now qualify the peer.
	if uint32(res.RemoteVersion) < p.cfg.MinProtocolVersion ||
		!res.Services.HasFlag(p.cfg.RequiredServices) {

		res.ErrKind = ErrKindVersionBelowMin
		log.Debugf("Peer %s disqualified: version %d, services %v",
			na.Key(), res.RemoteVersion, res.Services)
		return res
	}

	res.Reachable = true

	if p.cfg.GetAddr {
		s.state = stateProbing
		err := s.gatherAddrs(deadline)
		if canceled.Load() {
			res.Reachable = false
			res.ErrKind = ErrKindTimeout
			return res
		}
		if err != nil {
			// The handshake verdict stands; whatever was shared
			// before the stream died is kept.
			log.Debugf("Listen window on %s ended early: %v",
				na.Key(), err)
		}
	}

	s.state = stateClosed
	log.Debugf("Probed %s: version %d, rtt %v, %d peers, %d inv",
		na.Key(), res.RemoteVersion, res.RTT, len(res.Peers),
		len(res.Inv))
	return res
}

// session carries the per-probe wire state.
type session struct {
	cfg   *Config
	conn  net.Conn
	res   *Result
	state sessionState

	// remotePver is the negotiated protocol version once the remote
	// version message has been seen, the lower of both sides' versions.
	remotePver uint32
}

// pver is the protocol version used to (de)serialize messages at this point
// in the session.
func (s *session) pver() uint32 {
	if s.remotePver != 0 {
		return s.remotePver
	}
	return s.cfg.ProtocolVersion
}

func (s *session) write(msg wire.Message) error {
	return wire.WriteMessage(s.conn, msg, s.pver(), s.cfg.Net)
}

func (s *session) read() (wire.Message, error) {
	msg, _, err := wire.ReadMessage(
		s.conn, s.pver(), s.cfg.Net, s.cfg.MaxPayload,
	)
	return msg, err
}

// handshake drives the session to the Ready state: our version out, the
// remote version and verack in (in either order relative to our verack),
// pings answered along the way. RTT spans from our version hitting the wire
// to the arrival of the last required handshake message.
func (s *session) handshake() error {
	nonce, err := randomNonce()
	if err != nil {
		return err
	}

	// We advertise an unroutable origin; crawlers do not accept inbound
	// connections.
	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	local := wire.NewMsgVersion(me, s.res.Node, nonce, s.cfg.Height)
	local.ProtocolVersion = int32(s.cfg.ProtocolVersion)
	local.DisableRelayTx = true
	if s.cfg.UserAgent != "" {
		local.UserAgent = s.cfg.UserAgent
	}

	start := time.Now()
	if err := s.write(local); err != nil {
		return err
	}
	s.state = stateOfferSent

	var gotVersion, gotVerAck bool
	for !gotVersion || !gotVerAck {
		msg, err := s.read()
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *wire.MsgVersion:
			if gotVersion {
				return errDuplicateVersion
			}
			gotVersion = true
			s.state = stateOfferReceived

			s.res.RemoteVersion = m.ProtocolVersion
			s.res.Services = m.Services
			s.res.UserAgent = m.UserAgent
			s.res.Height = m.LastBlock

			if m.ProtocolVersion >= 0 &&
				uint32(m.ProtocolVersion) < s.cfg.ProtocolVersion {

				s.remotePver = uint32(m.ProtocolVersion)
			} else {
				s.remotePver = s.cfg.ProtocolVersion
			}

			if err := s.write(wire.NewMsgVerAck()); err != nil {
				return err
			}

		case *wire.MsgVerAck:
			if !gotVersion {
				return errUnexpectedVerAck
			}
			gotVerAck = true

		case *wire.MsgPing:
			if err := s.answerPing(m); err != nil {
				return err
			}

		case *wire.MsgReject:
			if m.Cmd == wire.CmdVersion {
				return errRejected
			}

		default:
			// Early gossip; not part of the handshake.
		}
	}

	s.res.RTT = time.Since(start)
	s.state = stateReady
	return nil
}

// gatherAddrs sends getaddr (and optionally mempool) and drains addr and
// inv traffic until the listen window closes or enough addresses arrived.
// A window that closes on its own read deadline is normal completion.
func (s *session) gatherAddrs(sessionDeadline time.Time) error {
	if err := s.write(wire.NewMsgGetAddr()); err != nil {
		return err
	}
	if s.cfg.MemPool {
		if err := s.write(wire.NewMsgMemPool()); err != nil {
			return err
		}
	}

	window := time.Now().Add(s.cfg.AddrTimeout)
	if window.After(sessionDeadline) {
		window = sessionDeadline
	}
	_ = s.conn.SetReadDeadline(window)

	oldest := time.Now().Add(-s.cfg.MaxAddrAge)
	for len(s.res.Peers) < s.cfg.PeersPerNode {
		msg, err := s.read()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil
			}
			return err
		}

		switch m := msg.(type) {
		case *wire.MsgAddr:
			for _, na := range m.AddrList {
				if na.Timestamp.Before(oldest) {
					continue
				}
				s.res.Peers = append(s.res.Peers, na)
				if len(s.res.Peers) >= s.cfg.PeersPerNode {
					break
				}
			}

		case *wire.MsgInv:
			s.res.Inv = append(s.res.Inv, m.InvList...)

		case *wire.MsgPing:
			if err := s.answerPing(m); err != nil {
				return err
			}

		default:
			// Anything else is gossip we did not ask for.
		}
	}
	return nil
}

// answerPing echoes a ping's nonce back when the negotiated version calls
// for one.
func (s *session) answerPing(ping *wire.MsgPing) error {
	if s.pver() <= wire.BIP0031Version {
		return nil
	}
	return s.write(wire.NewMsgPong(ping.Nonce))
}

// randomNonce draws the connection nonce used for self-connection
// detection by the remote side.
func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// classifyDialError folds a connection failure into an ErrKind.
func classifyDialError(err error) ErrKind {
	var nerr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrKindConnRefused
	case errors.As(err, &nerr) && nerr.Timeout():
		return ErrKindConnTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindConnTimeout
	default:
		// Unreachable networks and failed proxy circuits land here;
		// for accounting they are indistinguishable from a peer that
		// never answered.
		return ErrKindConnTimeout
	}
}

// classifySessionError folds a post-dial failure into an ErrKind.
func classifySessionError(err error) ErrKind {
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout():
		return ErrKindHandshakeTimeout
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed):

		return ErrKindClosedByPeer
	default:
		// Framing errors and ordering violations.
		return ErrKindHandshakeProto
	}
}
