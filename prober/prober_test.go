package prober

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/bitnodes/crawld/wire"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tor"
	"github.com/stretchr/testify/require"
)

const (
	testBtcNet = wire.MainNet
	testPver   = wire.ProtocolVersion
)

// pipeNet is a tor.Net whose Dial hands out a pre-wired connection, or a
// canned error.
type pipeNet struct {
	conn    net.Conn
	dialErr error
}

var _ tor.Net = (*pipeNet)(nil)

func (p *pipeNet) Dial(network, address string,
	timeout time.Duration) (net.Conn, error) {

	if p.dialErr != nil {
		return nil, p.dialErr
	}
	return p.conn, nil
}

func (p *pipeNet) LookupHost(host string) ([]string, error) {
	return []string{host}, nil
}

func (p *pipeNet) LookupSRV(service, proto, name string,
	timeout time.Duration) (string, []*net.SRV, error) {

	return "", nil, errors.New("not implemented")
}

func (p *pipeNet) ResolveTCPAddr(network, address string) (*net.TCPAddr, error) {
	return nil, errors.New("not implemented")
}

// timeoutErr satisfies net.Error with Timeout() true.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func testTarget(t *testing.T) *wire.NetAddress {
	t.Helper()

	ip := net.ParseIP("203.0.113.10")
	require.NotNil(t, ip)
	return wire.NewNetAddressIPPort(ip, 8333, wire.SFNodeNetwork)
}

// peerRead reads one message from the fake peer's side of the pipe.
func peerRead(conn net.Conn) (wire.Message, error) {
	msg, _, err := wire.ReadMessage(
		conn, testPver, testBtcNet, wire.DefaultMaxPayload,
	)
	return msg, err
}

func peerWrite(conn net.Conn, msg wire.Message) error {
	return wire.WriteMessage(conn, msg, testPver, testBtcNet)
}

// peerExpect reads one message and fails unless it has the wanted command.
func peerExpect(conn net.Conn, cmd string) (wire.Message, error) {
	msg, err := peerRead(conn)
	if err != nil {
		return nil, err
	}
	if msg.Command() != cmd {
		return nil, fmt.Errorf("expected %q, got %q", cmd,
			msg.Command())
	}
	return msg, nil
}

// peerHandshake plays the remote side of a version/verack exchange,
// advertising the given version message.
func peerHandshake(conn net.Conn, remote *wire.MsgVersion) error {
	if _, err := peerExpect(conn, wire.CmdVersion); err != nil {
		return err
	}
	if err := peerWrite(conn, remote); err != nil {
		return err
	}
	if _, err := peerExpect(conn, wire.CmdVerAck); err != nil {
		return err
	}
	return peerWrite(conn, wire.NewMsgVerAck())
}

func remoteVersion(pver int32, services wire.ServiceFlag) *wire.MsgVersion {
	zero := wire.NetAddress{IP: net.IPv4zero.To16()}
	return &wire.MsgVersion{
		ProtocolVersion: pver,
		Services:        services,
		Timestamp:       time.Unix(time.Now().Unix(), 0),
		AddrYou:         zero,
		AddrMe:          zero,
		Nonce:           7,
		UserAgent:       "/Satoshi:27.0.0/",
		LastBlock:       830000,
	}
}

// runProbe wires a prober to a fake peer script over a pipe and returns the
// probe Result plus the peer script's outcome channel.
func runProbe(t *testing.T, cfg Config,
	peer func(net.Conn) error) (*Result, chan error) {

	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	cfg.Net = testBtcNet
	cfg.Dialer = &pipeNet{conn: client}

	peerErr := make(chan error, 1)
	go func() {
		peerErr <- peer(server)
	}()

	res := New(cfg).Probe(context.Background(), testTarget(t))
	require.NotNil(t, res)
	return res, peerErr
}

// TestProbeHandshakeAndGather asserts the full happy path: handshake, peer
// qualification, address gathering with stale entries filtered, and inv
// sightings collected.
func TestProbeHandshakeAndGather(t *testing.T) {
	t.Parallel()

	fresh := wire.NewNetAddressTimestamp(
		time.Now(), wire.SFNodeNetwork,
		net.ParseIP("198.51.100.5"), 8333,
	)
	stale := wire.NewNetAddressTimestamp(
		time.Now().Add(-48*time.Hour), wire.SFNodeNetwork,
		net.ParseIP("198.51.100.6"), 8333,
	)

	peer := func(conn net.Conn) error {
		err := peerHandshake(
			conn, remoteVersion(int32(testPver), wire.SFNodeNetwork),
		)
		if err != nil {
			return err
		}

		if _, err := peerExpect(conn, wire.CmdGetAddr); err != nil {
			return err
		}
		if _, err := peerExpect(conn, wire.CmdMemPool); err != nil {
			return err
		}

		addr := wire.NewMsgAddr()
		if err := addr.AddAddresses(fresh, stale); err != nil {
			return err
		}
		if err := peerWrite(conn, addr); err != nil {
			return err
		}

		inv := wire.NewMsgInv()
		err = inv.AddInvVect(&wire.InvVect{
			Type: wire.InvTypeTx,
			Hash: chainhash.Hash{0xaa},
		})
		if err != nil {
			return err
		}
		if err := peerWrite(conn, inv); err != nil {
			return err
		}

		// Closing ends the listen window without waiting out the
		// sub-timeout.
		return conn.Close()
	}

	res, peerErr := runProbe(t, Config{
		MinProtocolVersion: 70001,
		RequiredServices:   wire.SFNodeNetwork,
		SessionTimeout:     5 * time.Second,
		AddrTimeout:        2 * time.Second,
		GetAddr:            true,
		MemPool:            true,
	}, peer)
	require.NoError(t, <-peerErr)

	require.True(t, res.Reachable)
	require.Equal(t, ErrKindNone, res.ErrKind)
	require.EqualValues(t, testPver, res.RemoteVersion)
	require.Equal(t, wire.SFNodeNetwork, res.Services)
	require.Equal(t, "/Satoshi:27.0.0/", res.UserAgent)
	require.EqualValues(t, 830000, res.Height)
	require.Greater(t, res.RTT, time.Duration(0))

	// The stale address was filtered.
	require.Len(t, res.Peers, 1)
	require.Equal(t, fresh.Key(), res.Peers[0].Key())

	require.Len(t, res.Inv, 1)
	require.Equal(t, wire.InvTypeTx, res.Inv[0].Type)
}

// TestProbePeersPerNodeCap asserts gathering stops once the per-session
// address budget is met.
func TestProbePeersPerNodeCap(t *testing.T) {
	t.Parallel()

	peer := func(conn net.Conn) error {
		err := peerHandshake(
			conn, remoteVersion(int32(testPver), wire.SFNodeNetwork),
		)
		if err != nil {
			return err
		}
		if _, err := peerExpect(conn, wire.CmdGetAddr); err != nil {
			return err
		}

		addr := wire.NewMsgAddr()
		for i := byte(1); i <= 5; i++ {
			na := wire.NewNetAddressTimestamp(
				time.Now(), wire.SFNodeNetwork,
				net.IPv4(198, 51, 100, i), 8333,
			)
			if err := addr.AddAddress(na); err != nil {
				return err
			}
		}
		return peerWrite(conn, addr)
	}

	res, peerErr := runProbe(t, Config{
		SessionTimeout: 5 * time.Second,
		AddrTimeout:    2 * time.Second,
		GetAddr:        true,
		PeersPerNode:   2,
	}, peer)
	require.NoError(t, <-peerErr)

	require.True(t, res.Reachable)
	require.Len(t, res.Peers, 2)
}

// TestProbeConnRefused asserts a refused dial maps to ErrKindConnRefused.
func TestProbeConnRefused(t *testing.T) {
	t.Parallel()

	dialErr := &net.OpError{
		Op:  "dial",
		Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
	}
	p := New(Config{
		Net:    testBtcNet,
		Dialer: &pipeNet{dialErr: dialErr},
	})

	res := p.Probe(context.Background(), testTarget(t))
	require.False(t, res.Reachable)
	require.Equal(t, ErrKindConnRefused, res.ErrKind)
	require.Zero(t, res.RTT)
}

// TestProbeConnTimeout asserts a dial that never completes maps to
// ErrKindConnTimeout.
func TestProbeConnTimeout(t *testing.T) {
	t.Parallel()

	p := New(Config{
		Net:    testBtcNet,
		Dialer: &pipeNet{dialErr: timeoutErr{}},
	})

	res := p.Probe(context.Background(), testTarget(t))
	require.False(t, res.Reachable)
	require.Equal(t, ErrKindConnTimeout, res.ErrKind)
}

// TestProbeSilentPeer asserts a peer that accepts the connection but never
// answers yields a handshake timeout Result within the session budget plus
// a scheduling margin.
func TestProbeSilentPeer(t *testing.T) {
	t.Parallel()

	const sessionTimeout = 300 * time.Millisecond

	peer := func(conn net.Conn) error {
		// Swallow the version offer, then go silent.
		_, err := peerRead(conn)
		return err
	}

	start := time.Now()
	res, peerErr := runProbe(t, Config{
		SessionTimeout: sessionTimeout,
	}, peer)
	require.NoError(t, <-peerErr)

	require.False(t, res.Reachable)
	require.Equal(t, ErrKindHandshakeTimeout, res.ErrKind)
	require.Less(t, time.Since(start), sessionTimeout+time.Second)
}

// TestProbeVersionBelowMin asserts a transport-clean handshake with an
// outdated peer records the measurement but disqualifies the node.
func TestProbeVersionBelowMin(t *testing.T) {
	t.Parallel()

	peer := func(conn net.Conn) error {
		return peerHandshake(
			conn, remoteVersion(60002, wire.SFNodeNetwork),
		)
	}

	res, peerErr := runProbe(t, Config{
		MinProtocolVersion: 70001,
		SessionTimeout:     5 * time.Second,
	}, peer)
	require.NoError(t, <-peerErr)

	require.False(t, res.Reachable)
	require.Equal(t, ErrKindVersionBelowMin, res.ErrKind)
	require.EqualValues(t, 60002, res.RemoteVersion)
	require.Greater(t, res.RTT, time.Duration(0))
}

// TestProbeMissingServices asserts a peer lacking required service bits is
// disqualified even on a current protocol version.
func TestProbeMissingServices(t *testing.T) {
	t.Parallel()

	peer := func(conn net.Conn) error {
		return peerHandshake(
			conn, remoteVersion(int32(testPver), 0),
		)
	}

	res, peerErr := runProbe(t, Config{
		RequiredServices: wire.SFNodeNetwork,
		SessionTimeout:   5 * time.Second,
	}, peer)
	require.NoError(t, <-peerErr)

	require.False(t, res.Reachable)
	require.Equal(t, ErrKindVersionBelowMin, res.ErrKind)
}

// TestProbeClosedByPeer asserts a connection dropped mid-handshake maps to
// ErrKindClosedByPeer.
func TestProbeClosedByPeer(t *testing.T) {
	t.Parallel()

	peer := func(conn net.Conn) error {
		if _, err := peerRead(conn); err != nil {
			return err
		}
		return conn.Close()
	}

	res, peerErr := runProbe(t, Config{
		SessionTimeout: 5 * time.Second,
	}, peer)
	require.NoError(t, <-peerErr)

	require.False(t, res.Reachable)
	require.Equal(t, ErrKindClosedByPeer, res.ErrKind)
}

// TestProbeVerAckBeforeVersion asserts a peer acking before offering its
// version is a protocol violation.
func TestProbeVerAckBeforeVersion(t *testing.T) {
	t.Parallel()

	peer := func(conn net.Conn) error {
		if _, err := peerRead(conn); err != nil {
			return err
		}
		return peerWrite(conn, wire.NewMsgVerAck())
	}

	res, peerErr := runProbe(t, Config{
		SessionTimeout: 5 * time.Second,
	}, peer)
	require.NoError(t, <-peerErr)

	require.False(t, res.Reachable)
	require.Equal(t, ErrKindHandshakeProto, res.ErrKind)
}

// TestProbeCancel asserts canceling the context force-closes the session
// and yields a timeout Result well before the session budget elapses.
func TestProbeCancel(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	// The peer swallows the version offer and stalls.
	go func() {
		_, _ = peerRead(server)
	}()

	p := New(Config{
		Net:            testBtcNet,
		Dialer:         &pipeNet{conn: client},
		SessionTimeout: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := p.Probe(ctx, testTarget(t))
	require.False(t, res.Reachable)
	require.Equal(t, ErrKindTimeout, res.ErrKind)
	require.Less(t, time.Since(start), 5*time.Second)
}
