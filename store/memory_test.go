package store

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, time.February, 2, 12, 0, 0, 0, time.UTC)

// TestMemoryInsertIfAbsent asserts that set insertion reports first-insert
// exactly once per member.
func TestMemoryInsertIfAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(clock.NewTestClock(testTime))

	inserted, err := s.InsertIfAbsent(ctx, "seen", "1.2.3.4:8333")
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.InsertIfAbsent(ctx, "seen", "1.2.3.4:8333")
	require.NoError(t, err)
	require.False(t, inserted)

	// A different set namespace is independent.
	inserted, err = s.InsertIfAbsent(ctx, "reachable", "1.2.3.4:8333")
	require.NoError(t, err)
	require.True(t, inserted)

	members, err := s.Members(ctx, "seen")
	require.NoError(t, err)
	require.Equal(t, []string{"1.2.3.4:8333"}, members)
}

// TestMemoryMembersSorted asserts enumeration order is deterministic.
func TestMemoryMembersSorted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(clock.NewTestClock(testTime))

	for _, member := range []string{"c", "a", "b"} {
		_, err := s.InsertIfAbsent(ctx, "set", member)
		require.NoError(t, err)
	}

	members, err := s.Members(ctx, "set")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, members)
}

// TestMemoryTTLExpiry asserts a value stored with a TTL is readable right up
// to its expiry instant and gone after it.
func TestMemoryTTLExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewTestClock(testTime)
	s := NewMemoryStore(clk)

	const ttl = 10800 * time.Second
	require.NoError(t, s.PutWithTTL(ctx, "peer:1.2.3.4-8333", "cached", ttl))

	// One second before expiry the value is still served.
	clk.SetTime(testTime.Add(10799 * time.Second))
	val, ok, err := s.Get(ctx, "peer:1.2.3.4-8333")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cached", val)

	// One second past expiry it reads as a miss.
	clk.SetTime(testTime.Add(10801 * time.Second))
	_, ok, err = s.Get(ctx, "peer:1.2.3.4-8333")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestMemoryZeroTTL asserts a non-positive TTL means no expiry.
func TestMemoryZeroTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewTestClock(testTime)
	s := NewMemoryStore(clk)

	require.NoError(t, s.PutWithTTL(ctx, "height", "830000", 0))

	clk.SetTime(testTime.Add(365 * 24 * time.Hour))
	val, ok, err := s.Get(ctx, "height")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "830000", val)
}

// TestMemoryIncrWithCap asserts the counter admits exactly cap increments
// and rejects every call after that.
func TestMemoryIncrWithCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(clock.NewTestClock(testTime))

	const cap = 3
	for i := 0; i < cap; i++ {
		admitted, err := s.IncrWithCap(ctx, "cidr:2001:db8::/64", cap)
		require.NoError(t, err)
		require.True(t, admitted)
	}

	for i := 0; i < 2; i++ {
		admitted, err := s.IncrWithCap(ctx, "cidr:2001:db8::/64", cap)
		require.NoError(t, err)
		require.False(t, admitted)
	}

	// A zero cap never admits.
	admitted, err := s.IncrWithCap(ctx, "cidr:empty", 0)
	require.NoError(t, err)
	require.False(t, admitted)
}

// TestMemoryDeletePrefix asserts prefix deletion clears keys, counters, and
// sets under the prefix while leaving everything else intact.
func TestMemoryDeletePrefix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(clock.NewTestClock(testTime))

	require.NoError(t, s.PutWithTTL(ctx, "epoch/7/peer:a", "x", 0))
	require.NoError(t, s.PutWithTTL(ctx, "epoch/8/peer:a", "y", 0))

	_, err := s.IncrWithCap(ctx, "epoch/7/cidr:a", 10)
	require.NoError(t, err)

	_, err = s.InsertIfAbsent(ctx, "epoch/7/seen", "a")
	require.NoError(t, err)
	_, err = s.InsertIfAbsent(ctx, "epoch/8/seen", "a")
	require.NoError(t, err)

	require.NoError(t, s.DeletePrefix(ctx, "epoch/7/"))

	_, ok, err := s.Get(ctx, "epoch/7/peer:a")
	require.NoError(t, err)
	require.False(t, ok)

	val, ok, err := s.Get(ctx, "epoch/8/peer:a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "y", val)

	// The deleted counter starts fresh.
	admitted, err := s.IncrWithCap(ctx, "epoch/7/cidr:a", 1)
	require.NoError(t, err)
	require.True(t, admitted)

	members, err := s.Members(ctx, "epoch/7/seen")
	require.NoError(t, err)
	require.Empty(t, members)

	members, err = s.Members(ctx, "epoch/8/seen")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, members)
}
