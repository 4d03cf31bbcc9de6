package cache

import (
	"context"
	"testing"
	"time"

	"github.com/bitnodes/crawld/store"
	"github.com/bitnodes/crawld/wire"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, time.February, 2, 12, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, cfg Config) (*Cache, *clock.TestClock) {
	t.Helper()

	clk := clock.NewTestClock(testTime)
	s := store.NewMemoryStore(clk)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	// Deterministic expiry for the tests.
	cfg.Jitter = -1
	return New(s, cfg), clk
}

// TestMeasurementTTL asserts a cached measurement is served until its TTL
// elapses and reads as a miss afterwards.
func TestMeasurementTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, clk := newTestCache(t, Config{MeasurementTTL: 10800 * time.Second})

	want := &Measurement{
		RTT:       123 * time.Millisecond,
		Services:  wire.SFNodeNetwork | wire.SFNodeWitness,
		UserAgent: "/Satoshi:27.0.0/",
		Height:    830000,
	}
	require.NoError(t, c.PutMeasurement(ctx, "203.0.113.7:8333", want))

	clk.SetTime(testTime.Add(10799 * time.Second))
	got, ok, err := c.GetMeasurement(ctx, "203.0.113.7:8333")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)

	clk.SetTime(testTime.Add(10801 * time.Second))
	_, ok, err = c.GetMeasurement(ctx, "203.0.113.7:8333")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestMeasurementMiss asserts an unknown node reads as a clean miss.
func TestMeasurementMiss(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, Config{})
	_, ok, err := c.GetMeasurement(context.Background(), "198.51.100.1:8333")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestRecordSighting asserts the first sighting of an item by a node is
// reported as new, repeats within the TTL are suppressed, and the marker
// expires.
func TestRecordSighting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, clk := newTestCache(t, Config{SightingTTL: 900 * time.Second})

	iv := &wire.InvVect{Type: wire.InvTypeTx, Hash: chainhash.Hash{0x01}}

	fresh, err := c.RecordSighting(ctx, iv, "203.0.113.7:8333")
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = c.RecordSighting(ctx, iv, "203.0.113.7:8333")
	require.NoError(t, err)
	require.False(t, fresh)

	// A different node sighting the same item is still new.
	fresh, err = c.RecordSighting(ctx, iv, "203.0.113.8:8333")
	require.NoError(t, err)
	require.True(t, fresh)

	// Past the TTL the original node's sighting counts again.
	clk.SetTime(testTime.Add(901 * time.Second))
	fresh, err = c.RecordSighting(ctx, iv, "203.0.113.7:8333")
	require.NoError(t, err)
	require.True(t, fresh)
}

// TestJitterBounds asserts jittered TTLs stay within the configured spread.
func TestJitterBounds(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	s := store.NewMemoryStore(clk)
	c := New(s, Config{
		MeasurementTTL: 1000 * time.Second,
		Jitter:         0.2,
	})

	for i := 0; i < 100; i++ {
		ttl := c.jittered(c.cfg.MeasurementTTL)
		require.GreaterOrEqual(t, ttl, 800*time.Second)
		require.LessOrEqual(t, ttl, 1200*time.Second)
	}
}
