package store

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultRetryAttempts is the number of times a failing store
	// operation is attempted before the failure is declared fatal for
	// the epoch.
	DefaultRetryAttempts = 4

	// DefaultMinRetryBackoff is the delay before the first retry. Each
	// subsequent retry doubles it.
	DefaultMinRetryBackoff = 250 * time.Millisecond

	// DefaultMaxRetryBackoff caps the growth of the retry delay.
	DefaultMaxRetryBackoff = 5 * time.Second
)

// RetryConfig bounds the retry behavior of the decorator returned by
// WithRetry.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// MinBackoff is the delay before the first retry.
	MinBackoff time.Duration

	// MaxBackoff caps the exponentially growing delay.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the retry parameters used when the caller has
// no special requirements.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:   DefaultRetryAttempts,
		MinBackoff: DefaultMinRetryBackoff,
		MaxBackoff: DefaultMaxRetryBackoff,
	}
}

// retryStore decorates a Store with transient-failure retries. Store
// failures threaten frontier and rate-limit correctness, so rather than
// surfacing each transient error to the coordinator, operations are
// retried with exponential backoff; only exhaustion escapes, wrapped in
// ErrRetriesExhausted so the epoch can shut down cleanly with its partial
// results intact.
type retryStore struct {
	wrapped Store
	cfg     RetryConfig
}

// A compile time check to ensure retryStore implements the Store interface.
var _ Store = (*retryStore)(nil)

// WithRetry wraps the given backend with bounded exponential-backoff
// retries on every operation.
func WithRetry(s Store, cfg RetryConfig) Store {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &retryStore{wrapped: s, cfg: cfg}
}

// do runs fn up to cfg.Attempts times, sleeping between attempts.
func (r *retryStore) do(ctx context.Context, op string,
	fn func() error) error {

	backoff := r.cfg.MinBackoff
	var err error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		// The caller going away is not a store failure; report it
		// as-is without burning the remaining attempts.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.cfg.Attempts {
			break
		}

		log.Warnf("Store op %s failed (attempt %d/%d), retrying "+
			"in %v: %v", op, attempt, r.cfg.Attempts, backoff, err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}

	return fmt.Errorf("store op %s failed after %d attempts: %v: %w",
		op, r.cfg.Attempts, err, ErrRetriesExhausted)
}

// InsertIfAbsent is part of the Store interface.
func (r *retryStore) InsertIfAbsent(ctx context.Context, set,
	member string) (bool, error) {

	var inserted bool
	err := r.do(ctx, "insert-if-absent", func() error {
		var err error
		inserted, err = r.wrapped.InsertIfAbsent(ctx, set, member)
		return err
	})
	return inserted, err
}

// Members is part of the Store interface.
func (r *retryStore) Members(ctx context.Context, set string) ([]string, error) {
	var members []string
	err := r.do(ctx, "members", func() error {
		var err error
		members, err = r.wrapped.Members(ctx, set)
		return err
	})
	return members, err
}

// PutWithTTL is part of the Store interface.
func (r *retryStore) PutWithTTL(ctx context.Context, key, val string,
	ttl time.Duration) error {

	return r.do(ctx, "put-with-ttl", func() error {
		return r.wrapped.PutWithTTL(ctx, key, val, ttl)
	})
}

// Get is part of the Store interface.
func (r *retryStore) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		val string
		ok  bool
	)
	err := r.do(ctx, "get", func() error {
		var err error
		val, ok, err = r.wrapped.Get(ctx, key)
		return err
	})
	return val, ok, err
}

// IncrWithCap is part of the Store interface.
func (r *retryStore) IncrWithCap(ctx context.Context, key string,
	cap int64) (bool, error) {

	var admitted bool
	err := r.do(ctx, "incr-with-cap", func() error {
		var err error
		admitted, err = r.wrapped.IncrWithCap(ctx, key, cap)
		return err
	})
	return admitted, err
}

// DeletePrefix is part of the Store interface.
func (r *retryStore) DeletePrefix(ctx context.Context, prefix string) error {
	return r.do(ctx, "delete-prefix", func() error {
		return r.wrapped.DeletePrefix(ctx, prefix)
	})
}

// Close is part of the Store interface. Closing is not retried.
func (r *retryStore) Close() error {
	return r.wrapped.Close()
}
