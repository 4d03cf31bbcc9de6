package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitnodes/crawld/cache"
	"github.com/bitnodes/crawld/pool"
	"github.com/bitnodes/crawld/prober"
	"github.com/bitnodes/crawld/ratelimit"
	"github.com/bitnodes/crawld/store"
	"github.com/bitnodes/crawld/wire"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultMaxInFlight is the default ceiling on concurrent probe
	// sessions.
	DefaultMaxInFlight = 500

	// DefaultMaxSessionLifetime is how old a session may grow before the
	// reaper force-cancels it. It sits well above the prober's own
	// session timeout; the reaper is a backstop, not the normal exit.
	DefaultMaxSessionLifetime = 10 * time.Minute

	// DefaultReapInterval is the default reaper tick interval.
	DefaultReapInterval = 30 * time.Second
)

// ErrStoreFailed signals that the shared store failed past its retry
// budget. Frontier and limiter bookkeeping cannot be trusted beyond this
// point, so the epoch is aborted with whatever snapshot accumulated.
var ErrStoreFailed = errors.New("shared store failed")

// Prober runs one probe session. The production implementation lives in
// the prober package; tests substitute their own.
type Prober interface {
	// Probe runs a session against the address, always returning exactly
	// one Result.
	Probe(ctx context.Context, na *wire.NetAddress) *prober.Result
}

// Progress is a point-in-time view of a running epoch, delivered through
// the OnProgress callback on every reaper tick.
type Progress struct {
	// Pending counts addresses awaiting dispatch.
	Pending int

	// InFlight counts running probe sessions.
	InFlight int

	// Visited counts addresses whose processing finished, probed or
	// skipped.
	Visited int

	// Reachable counts qualifying handshakes so far.
	Reachable int

	// Skipped counts addresses retired without a probe, by exclusion or
	// rate limiting.
	Skipped int
}

// Config parameterizes a Crawler.
type Config struct {
	// Namespace scopes this epoch's store keys.
	Namespace string

	// Store is the shared state backend.
	Store store.Store

	// Prober runs the probe sessions.
	Prober Prober

	// Pool bounds probe concurrency.
	Pool *pool.Worker

	// Limiter enforces the per-prefix probe caps.
	Limiter *ratelimit.PrefixLimiter

	// Cache, when set, receives measurements and inventory sightings.
	Cache *cache.Cache

	// Exclude, when set, retires addresses without probing them.
	// Typically it rejects private and unroutable ranges.
	Exclude func(*wire.NetAddress) bool

	// MaxInFlight caps concurrent sessions. Zero selects
	// DefaultMaxInFlight.
	MaxInFlight int

	// MaxSessionLifetime is the reaper's cancellation threshold. Zero
	// selects DefaultMaxSessionLifetime.
	MaxSessionLifetime time.Duration

	// ReapTicker paces the reaper and progress reporting. The crawler
	// resumes it while an epoch runs; the caller owns its lifetime.
	ReapTicker ticker.Ticker

	// OnProgress, when set, is invoked on every reaper tick.
	OnProgress func(Progress)

	// SnapshotWriter, when set, receives the finished snapshot, complete
	// or partial.
	SnapshotWriter SnapshotWriter
}

// session tracks one in-flight probe.
type session struct {
	na      *wire.NetAddress
	cancel  context.CancelFunc
	started time.Time
}

// Crawler drives crawl epochs. A single coordinator goroutine owns every
// frontier and limiter decision; probe sessions run concurrently under the
// pool's budget and report back through a queue, so no mutation of crawl
// state ever races.
type Crawler struct {
	cfg *Config
}

// New returns a Crawler with defaults applied.
func New(cfg *Config) *Crawler {
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.MaxSessionLifetime == 0 {
		cfg.MaxSessionLifetime = DefaultMaxSessionLifetime
	}
	return &Crawler{cfg: cfg}
}

// Run executes one crawl epoch from the given seed addresses and blocks
// until the frontier is exhausted, the store fails, or the context is
// canceled. It always returns the snapshot accumulated so far; the error
// reports why the epoch ended early, if it did.
func (c *Crawler) Run(ctx context.Context,
	seeds []*wire.NetAddress) (*Snapshot, error) {

	cfg := c.cfg
	snap := &Snapshot{
		StartedAt: time.Now(),
		Results:   make(map[string]*prober.Result),
	}
	frontier := NewFrontier(cfg.Store, cfg.Namespace)

	for _, na := range seeds {
		if _, err := frontier.Offer(ctx, na); err != nil {
			snap.FinishedAt = time.Now()
			return snap, storeFailed(err)
		}
	}
	log.Infof("Epoch %s started: %d seeds, %d unique", cfg.Namespace,
		len(seeds), frontier.PendingLen())

	results := queue.NewConcurrentQueue(cfg.MaxInFlight)
	results.Start()
	defer results.Stop()

	cfg.ReapTicker.Resume()
	defer cfg.ReapTicker.Pause()

	var (
		sessions = make(map[string]*session)
		skipped  int
		runErr   error
	)

loop:
	for {
		// Dispatch while both capacity and candidates remain.
		for len(sessions) < cfg.MaxInFlight {
			na := frontier.Pop()
			if na == nil {
				break
			}

			if cfg.Exclude != nil && cfg.Exclude(na) {
				if err := frontier.MarkVisited(ctx, na); err != nil {
					runErr = storeFailed(err)
					break loop
				}
				skipped++
				log.Tracef("Excluded %s", na.Key())
				continue
			}

			admitted, err := cfg.Limiter.Admit(ctx, na)
			if err != nil {
				runErr = storeFailed(err)
				break loop
			}
			if !admitted {
				if err := frontier.MarkVisited(ctx, na); err != nil {
					runErr = storeFailed(err)
					break loop
				}
				skipped++
				continue
			}

			sctx, cancel := context.WithCancel(ctx)
			sessions[na.Key()] = &session{
				na:      na,
				cancel:  cancel,
				started: time.Now(),
			}

			target := na
			err = cfg.Pool.Submit(func() {
				results.ChanIn() <- cfg.Prober.Probe(sctx, target)
			})
			if err != nil {
				cancel()
				delete(sessions, na.Key())
				runErr = err
				break loop
			}
		}

		// Convergence: nothing pending, nothing running.
		if frontier.PendingLen() == 0 && len(sessions) == 0 {
			snap.Complete = true
			break loop
		}

		select {
		case item := <-results.ChanOut():
			res := item.(*prober.Result)
			if s, ok := sessions[res.Node.Key()]; ok {
				s.cancel()
				delete(sessions, res.Node.Key())
			}
			if err := c.handleResult(ctx, frontier, snap, res); err != nil {
				runErr = err
				break loop
			}

		case <-cfg.ReapTicker.Ticks():
			now := time.Now()
			for key, s := range sessions {
				age := now.Sub(s.started)
				if age > cfg.MaxSessionLifetime {
					log.Warnf("Reaping session %s after %v",
						key, age)
					s.cancel()
				}
			}
			if cfg.OnProgress != nil {
				cfg.OnProgress(Progress{
					Pending:   frontier.PendingLen(),
					InFlight:  len(sessions),
					Visited:   len(snap.Results) + skipped,
					Reachable: snap.NumReachable(),
					Skipped:   skipped,
				})
			}

		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		}
	}

	// Wind down whatever is still running and collect the Results their
	// workers are about to deliver, so nothing is left blocked on the
	// queue. Store bookkeeping is skipped here; on the abort paths it is
	// either failing or no longer needed.
	for _, s := range sessions {
		s.cancel()
	}
	for len(sessions) > 0 {
		res := (<-results.ChanOut()).(*prober.Result)
		delete(sessions, res.Node.Key())
		snap.Results[res.Node.Key()] = res
	}

	snap.FinishedAt = time.Now()
	log.Infof("Epoch %s finished: %d results, %d reachable, %d skipped, "+
		"complete=%v", cfg.Namespace, len(snap.Results),
		snap.NumReachable(), skipped, snap.Complete)

	if cfg.SnapshotWriter != nil {
		if err := cfg.SnapshotWriter.Write(ctx, snap); err != nil {
			log.Errorf("Unable to write snapshot: %v", err)
			if runErr == nil {
				runErr = err
			}
		}
	}

	return snap, runErr
}

// handleResult folds one finished probe into the epoch's state: visited and
// reachable records, measurement and sighting caches, and the merge of any
// discovered addresses through the dedup gate.
func (c *Crawler) handleResult(ctx context.Context, frontier *Frontier,
	snap *Snapshot, res *prober.Result) error {

	cfg := c.cfg
	key := res.Node.Key()
	snap.Results[key] = res

	if err := frontier.MarkVisited(ctx, res.Node); err != nil {
		return storeFailed(err)
	}

	if !res.Reachable {
		log.Debugf("Node %s unreachable: %v", key, res.ErrKind)
		return nil
	}

	if err := frontier.MarkReachable(ctx, res.Node); err != nil {
		return storeFailed(err)
	}

	if cfg.Cache != nil {
		m := &cache.Measurement{
			RTT:       res.RTT,
			Services:  res.Services,
			UserAgent: res.UserAgent,
			Height:    res.Height,
		}
		if err := cfg.Cache.PutMeasurement(ctx, key, m); err != nil {
			return storeFailed(err)
		}

		for _, iv := range res.Inv {
			_, err := cfg.Cache.RecordSighting(ctx, iv, key)
			if err != nil {
				return storeFailed(err)
			}
		}
	}

	// Every discovered address goes through the same dedup gate as the
	// seeds; a cached measurement for an address never exempts it.
	for _, peer := range res.Peers {
		if _, err := frontier.Offer(ctx, peer); err != nil {
			return storeFailed(err)
		}
	}

	return nil
}

func storeFailed(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreFailed, err)
}
