package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRetriesExhausted is returned by the retrying decorator once an
	// operation has failed every configured attempt. Frontier and
	// rate-limit bookkeeping cannot be trusted past this point, so the
	// caller is expected to abort the running crawl epoch rather than
	// continue with a possibly inconsistent view.
	ErrRetriesExhausted = errors.New("store retries exhausted")
)

// Store is the minimal shared-state contract the crawler needs: atomic
// insert-if-absent for frontier dedup, expiring keys for measurement
// caches, capped atomic increments for prefix rate limiting, and set
// enumeration for inspection. Any backend providing these four primitives
// with per-key atomicity under concurrent callers is compliant; the
// package ships a self-hosted in-memory backend for single-process
// deployments and an etcd backend for shared ones.
type Store interface {
	// InsertIfAbsent atomically adds member to the named set and reports
	// whether the member was newly inserted. A false return with a nil
	// error means the member was already present.
	InsertIfAbsent(ctx context.Context, set, member string) (bool, error)

	// Members enumerates the named set.
	Members(ctx context.Context, set string) ([]string, error)

	// PutWithTTL stores val under key, expiring after ttl. A
	// non-positive ttl stores the value without expiry. Reads after the
	// ttl has elapsed behave as misses regardless of backend behavior.
	PutWithTTL(ctx context.Context, key, val string, ttl time.Duration) error

	// Get returns the value stored under key and whether it was present
	// and unexpired.
	Get(ctx context.Context, key string) (string, bool, error)

	// IncrWithCap atomically increments the counter under key unless the
	// increment would push it past cap, and reports whether the
	// increment was admitted. Once a counter has reached cap every
	// further call reports false.
	IncrWithCap(ctx context.Context, key string, cap int64) (bool, error)

	// DeletePrefix removes every key and set whose name starts with
	// prefix. Used to reset epoch-scoped state.
	DeletePrefix(ctx context.Context, prefix string) error

	// Close releases backend resources.
	Close() error
}
