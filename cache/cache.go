package cache

import (
	"context"
	"encoding/json"
	"fmt"
	prand "math/rand"
	"time"

	"github.com/bitnodes/crawld/store"
	"github.com/bitnodes/crawld/wire"
)

const (
	// DefaultMeasurementTTL is how long a node's measurement record is
	// served before the node must be re-probed for fresh numbers.
	DefaultMeasurementTTL = 10800 * time.Second

	// DefaultSightingTTL is how long an inventory sighting suppresses
	// repeat reports of the same item from the same node.
	DefaultSightingTTL = 900 * time.Second

	// DefaultJitter spreads TTLs by up to this fraction in either
	// direction so entries written in one burst do not all expire in the
	// same instant.
	DefaultJitter = 0.2

	nodeKeyPrefix = "peer:"
	invKeyPrefix  = "inv:"
)

// Measurement is the cached view of one node's latest successful probe.
type Measurement struct {
	RTT       time.Duration    `json:"rtt"`
	Services  wire.ServiceFlag `json:"services"`
	UserAgent string           `json:"useragent"`
	Height    int32            `json:"height"`
}

// Config parameterizes a Cache.
type Config struct {
	// Namespace is prepended to every cache key.
	Namespace string

	// MeasurementTTL bounds the lifetime of node measurement records.
	// Zero selects DefaultMeasurementTTL.
	MeasurementTTL time.Duration

	// SightingTTL bounds the lifetime of inventory sighting markers.
	// Zero selects DefaultSightingTTL.
	SightingTTL time.Duration

	// Jitter is the fraction by which each TTL is randomly stretched or
	// shrunk. Negative disables jitter; zero selects DefaultJitter.
	Jitter float64
}

// Cache layers the crawler's two expiring datasets over the shared store:
// per-node measurement records and per-node inventory sightings. Expiry is
// enforced by the store, so readers after the TTL see a miss no matter
// which crawler instance or epoch wrote the entry.
type Cache struct {
	cfg   Config
	store store.Store
	rand  *prand.Rand
}

// New returns a cache writing through the given store.
func New(s store.Store, cfg Config) *Cache {
	if cfg.MeasurementTTL == 0 {
		cfg.MeasurementTTL = DefaultMeasurementTTL
	}
	if cfg.SightingTTL == 0 {
		cfg.SightingTTL = DefaultSightingTTL
	}
	switch {
	case cfg.Jitter < 0:
		cfg.Jitter = 0
	case cfg.Jitter == 0:
		cfg.Jitter = DefaultJitter
	}

	return &Cache{
		cfg:   cfg,
		store: s,
		rand:  prand.New(prand.NewSource(time.Now().UnixNano())),
	}
}

// jittered stretches or shrinks ttl by up to the configured fraction.
func (c *Cache) jittered(ttl time.Duration) time.Duration {
	if c.cfg.Jitter == 0 {
		return ttl
	}
	spread := 1 + c.cfg.Jitter*(2*c.rand.Float64()-1)
	return time.Duration(float64(ttl) * spread)
}

// PutMeasurement records the node's latest probe measurement under a
// jittered TTL.
func (c *Cache) PutMeasurement(ctx context.Context, nodeKey string,
	m *Measurement) error {

	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode measurement for %s: %w", nodeKey, err)
	}

	ttl := c.jittered(c.cfg.MeasurementTTL)
	key := c.cfg.Namespace + nodeKeyPrefix + nodeKey
	if err := c.store.PutWithTTL(ctx, key, string(val), ttl); err != nil {
		return err
	}

	log.Tracef("Cached measurement for %s (ttl %v)", nodeKey, ttl)
	return nil
}

// GetMeasurement returns the node's cached measurement, if one is still
// live.
func (c *Cache) GetMeasurement(ctx context.Context,
	nodeKey string) (*Measurement, bool, error) {

	key := c.cfg.Namespace + nodeKeyPrefix + nodeKey
	val, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	var m Measurement
	if err := json.Unmarshal([]byte(val), &m); err != nil {
		return nil, false, fmt.Errorf("decode measurement for %s: %w",
			nodeKey, err)
	}
	return &m, true, nil
}

// RecordSighting notes that the node announced the inventory item,
// reporting whether this is the first time within the sighting TTL. The
// read-then-write is not atomic, but the coordinator is the only writer per
// process and a duplicate marker is harmless.
func (c *Cache) RecordSighting(ctx context.Context, iv *wire.InvVect,
	nodeKey string) (bool, error) {

	key := c.cfg.Namespace + invKeyPrefix + iv.Key() + "/" + nodeKey
	_, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}

	ttl := c.jittered(c.cfg.SightingTTL)
	if err := c.store.PutWithTTL(ctx, key, "1", ttl); err != nil {
		return false, err
	}
	return true, nil
}
