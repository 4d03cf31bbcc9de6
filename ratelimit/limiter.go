package ratelimit

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/bitnodes/crawld/store"
	"github.com/bitnodes/crawld/wire"
)

const (
	// DefaultV6PrefixLen is the prefix length used to group IPv6
	// addresses into rate-limit buckets. A /64 is the conventional
	// end-site allocation, so one operator numbering many nodes out of a
	// single allocation occupies a single bucket.
	DefaultV6PrefixLen = 64

	// bucketKeyPrefix namespaces limiter counters within the store so an
	// epoch reset can clear them with a single prefix delete.
	bucketKeyPrefix = "cidr:"
)

// Config parameterizes a PrefixLimiter.
type Config struct {
	// Namespace is prepended to every counter key, scoping the buckets
	// to the running epoch.
	Namespace string

	// V6PrefixLen is the IPv6 grouping prefix length. Zero selects
	// DefaultV6PrefixLen.
	V6PrefixLen int

	// MaxPerBucket caps how many addresses each bucket may admit during
	// the epoch. A non-positive cap disables limiting entirely.
	MaxPerBucket int64
}

// PrefixLimiter bounds how many addresses from the same network
// neighborhood are probed per epoch. IPv6 addresses share a bucket per
// configured prefix, since a single operator can cheaply announce an entire
// allocation worth of synthetic nodes and skew the crawl. IPv4 and onion
// addresses are bucketed individually: their address space is either scarce
// or already identity-priced, and frontier dedup has made each of them
// unique this epoch.
//
// The check-and-increment runs through the shared store's capped atomic
// increment, so multiple crawler instances sharing a store also share the
// caps.
type PrefixLimiter struct {
	cfg   Config
	store store.Store
}

// NewPrefixLimiter returns a limiter drawing its counters from the given
// store.
func NewPrefixLimiter(s store.Store, cfg Config) *PrefixLimiter {
	if cfg.V6PrefixLen <= 0 {
		cfg.V6PrefixLen = DefaultV6PrefixLen
	}
	return &PrefixLimiter{
		cfg:   cfg,
		store: s,
	}
}

// Admit reports whether the address may be probed this epoch under the
// per-bucket cap, consuming one unit of the bucket's budget when it may.
// Once a bucket reaches its cap every later address mapping to it is
// rejected for the remainder of the epoch.
func (l *PrefixLimiter) Admit(ctx context.Context, na *wire.NetAddress) (bool, error) {
	if l.cfg.MaxPerBucket <= 0 {
		return true, nil
	}

	bucket, err := l.bucketFor(na)
	if err != nil {
		return false, err
	}

	key := l.cfg.Namespace + bucketKeyPrefix + bucket
	admitted, err := l.store.IncrWithCap(ctx, key, l.cfg.MaxPerBucket)
	if err != nil {
		return false, err
	}
	if !admitted {
		log.Debugf("Bucket %s at cap %d, rejecting %s", bucket,
			l.cfg.MaxPerBucket, na.Key())
	}
	return admitted, nil
}

// bucketFor maps an address onto its rate-limit bucket key.
func (l *PrefixLimiter) bucketFor(na *wire.NetAddress) (string, error) {
	// Onion identities are priced by the address itself; bucket each on
	// its own.
	if na.IsOnion() {
		return na.Key(), nil
	}

	addr, ok := netip.AddrFromSlice(na.IP)
	if !ok {
		return "", fmt.Errorf("unrepresentable address %q", na.Key())
	}
	addr = addr.Unmap()

	if addr.Is4() {
		return na.Key(), nil
	}

	prefix, err := addr.Prefix(l.cfg.V6PrefixLen)
	if err != nil {
		return "", fmt.Errorf("prefix /%d of %v: %w",
			l.cfg.V6PrefixLen, addr, err)
	}
	return prefix.String(), nil
}
