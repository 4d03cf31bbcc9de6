package ratelimit

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bitnodes/crawld/store"
	"github.com/bitnodes/crawld/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg Config) *PrefixLimiter {
	t.Helper()

	s := store.NewMemoryStore(clock.NewTestClock(time.Unix(1700000000, 0)))
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return NewPrefixLimiter(s, cfg)
}

func v6Addr(t *testing.T, host string, port uint16) *wire.NetAddress {
	t.Helper()

	ip := net.ParseIP(host)
	require.NotNil(t, ip)
	return wire.NewNetAddressIPPort(ip, port, wire.SFNodeNetwork)
}

// TestAdmitV6PrefixCap asserts that two distinct IPv6 addresses inside the
// same /64 share one bucket: with a cap of one, the first is admitted and
// the second rejected, while an address from a different /64 is unaffected.
func TestAdmitV6PrefixCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newTestLimiter(t, Config{MaxPerBucket: 1})

	admitted, err := l.Admit(ctx, v6Addr(t, "2001:db8:0:1::1", 8333))
	require.NoError(t, err)
	require.True(t, admitted)

	admitted, err = l.Admit(ctx, v6Addr(t, "2001:db8:0:1::2", 8333))
	require.NoError(t, err)
	require.False(t, admitted)

	admitted, err = l.Admit(ctx, v6Addr(t, "2001:db8:0:2::1", 8333))
	require.NoError(t, err)
	require.True(t, admitted)
}

// TestAdmitV4FullAddress asserts IPv4 addresses are bucketed individually,
// so neighbors in the same /24 do not contend.
func TestAdmitV4FullAddress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newTestLimiter(t, Config{MaxPerBucket: 1})

	for _, host := range []string{"203.0.113.1", "203.0.113.2"} {
		admitted, err := l.Admit(ctx, v6Addr(t, host, 8333))
		require.NoError(t, err)
		require.True(t, admitted, host)
	}
}

// TestAdmitOnionFullAddress asserts onion addresses are bucketed
// individually even though they all map into the same OnionCat /48.
func TestAdmitOnionFullAddress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newTestLimiter(t, Config{MaxPerBucket: 1})

	for _, host := range []string{
		"aaaaaaaaaaaaaaaa.onion",
		"bbbbbbbbbbbbbbbb.onion",
	} {
		ip, err := wire.ParseOnionHost(host)
		require.NoError(t, err)

		na := wire.NewNetAddressIPPort(ip, 8333, 0)
		admitted, err := l.Admit(ctx, na)
		require.NoError(t, err)
		require.True(t, admitted, host)
	}
}

// TestAdmitDisabled asserts a non-positive cap turns the limiter off.
func TestAdmitDisabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newTestLimiter(t, Config{MaxPerBucket: 0})

	for i := 0; i < 5; i++ {
		admitted, err := l.Admit(ctx, v6Addr(t, "2001:db8::1", 8333))
		require.NoError(t, err)
		require.True(t, admitted)
	}
}

// TestAdmitNamespaceIsolation asserts buckets are scoped per namespace, so
// a new epoch starts with fresh budgets.
func TestAdmitNamespaceIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore(clock.NewTestClock(time.Unix(1700000000, 0)))

	prev := NewPrefixLimiter(s, Config{Namespace: "epoch/1/", MaxPerBucket: 1})
	next := NewPrefixLimiter(s, Config{Namespace: "epoch/2/", MaxPerBucket: 1})

	na := v6Addr(t, "2001:db8::1", 8333)

	admitted, err := prev.Admit(ctx, na)
	require.NoError(t, err)
	require.True(t, admitted)

	admitted, err = prev.Admit(ctx, na)
	require.NoError(t, err)
	require.False(t, admitted)

	admitted, err = next.Admit(ctx, na)
	require.NoError(t, err)
	require.True(t, admitted)
}
