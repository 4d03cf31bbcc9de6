package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// memItem is a value plus its expiry instant. A zero expiry never expires.
type memItem struct {
	val    string
	expiry time.Time
}

// MemoryStore is the self-hosted Store backend: plain maps guarded by a
// mutex, with expiry judged lazily against an injected clock on every read.
// It is intended for single-process deployments and tests; nothing is
// persisted.
type MemoryStore struct {
	clock clock.Clock

	mu       sync.Mutex
	sets     map[string]map[string]struct{}
	kv       map[string]memItem
	counters map[string]int64
}

// A compile time check to ensure MemoryStore implements the Store
// interface.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store reading time from the
// given clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:    clk,
		sets:     make(map[string]map[string]struct{}),
		kv:       make(map[string]memItem),
		counters: make(map[string]int64),
	}
}

// InsertIfAbsent atomically adds member to the named set, reporting whether
// it was newly inserted.
//
// This method is part of the Store interface.
func (m *MemoryStore) InsertIfAbsent(_ context.Context, set,
	member string) (bool, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[set]
	if !ok {
		s = make(map[string]struct{})
		m.sets[set] = s
	}
	if _, ok := s[member]; ok {
		return false, nil
	}
	s[member] = struct{}{}
	return true, nil
}

// Members enumerates the named set in sorted order.
//
// This method is part of the Store interface.
func (m *MemoryStore) Members(_ context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sets[set]
	members := make([]string, 0, len(s))
	for member := range s {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

// PutWithTTL stores val under key with the given expiry.
//
// This method is part of the Store interface.
func (m *MemoryStore) PutWithTTL(_ context.Context, key, val string,
	ttl time.Duration) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	item := memItem{val: val}
	if ttl > 0 {
		item.expiry = m.clock.Now().Add(ttl)
	}
	m.kv[key] = item
	return nil
}

// Get returns the unexpired value under key. Expired entries are removed
// lazily here rather than by a background sweeper; the store is sized for
// single-process deployments where the read path is the only consumer.
//
// This method is part of the Store interface.
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.kv[key]
	if !ok {
		return "", false, nil
	}
	if !item.expiry.IsZero() && !m.clock.Now().Before(item.expiry) {
		delete(m.kv, key)
		return "", false, nil
	}
	return item.val, true, nil
}

// IncrWithCap increments the counter under key unless doing so would exceed
// cap.
//
// This method is part of the Store interface.
func (m *MemoryStore) IncrWithCap(_ context.Context, key string,
	cap int64) (bool, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.counters[key] >= cap {
		return false, nil
	}
	m.counters[key]++
	return true, nil
}

// DeletePrefix removes every key, counter, and set whose name starts with
// prefix.
//
// This method is part of the Store interface.
func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.kv {
		if strings.HasPrefix(key, prefix) {
			delete(m.kv, key)
		}
	}
	for key := range m.counters {
		if strings.HasPrefix(key, prefix) {
			delete(m.counters, key)
		}
	}
	for name := range m.sets {
		if strings.HasPrefix(name, prefix) {
			delete(m.sets, name)
		}
	}
	return nil
}

// Close releases nothing for the in-memory backend.
//
// This method is part of the Store interface.
func (m *MemoryStore) Close() error {
	return nil
}
