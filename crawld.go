package crawld

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bitnodes/crawld/cache"
	"github.com/bitnodes/crawld/crawler"
	"github.com/bitnodes/crawld/pool"
	"github.com/bitnodes/crawld/prober"
	"github.com/bitnodes/crawld/ratelimit"
	"github.com/bitnodes/crawld/store"
	"github.com/bitnodes/crawld/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// Main is the true entry point for crawld. It is required since defers
// created in the top-level scope of a main method aren't executed if
// os.Exit() is called. It runs crawl epochs back to back until shutdown is
// signaled or the shared store fails, handing every finished snapshot to
// the given writer.
func Main(cfg *Config, writer crawler.SnapshotWriter,
	shutdown <-chan struct{}) error {

	logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
	err := initLogRotator(logFile, cfg.MaxLogFileSize, cfg.MaxLogFiles)
	if err != nil {
		return err
	}
	defer logRotator.Close()
	applyDebugLevels(cfg.DebugLevel)

	crwdLog.Infof("Version %s, network %s", Version(), cfg.Network)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-shutdown
		crwdLog.Infof("Shutdown requested")
		cancel()
	}()

	prb := prober.New(prober.Config{
		Net:                cfg.params.Net,
		MinProtocolVersion: cfg.Crawl.MinProtocolVersion,
		RequiredServices:   wire.ServiceFlag(cfg.Crawl.RequiredServices),
		UserAgent:          cfg.Crawl.UserAgent,
		Dialer:             cfg.net,
		DialTimeout:        cfg.Crawl.DialTimeout,
		SessionTimeout:     cfg.Crawl.SessionTimeout,
		GetAddr:            !cfg.Crawl.NoGetAddr,
		MemPool:            !cfg.Crawl.NoMemPool,
		AddrTimeout:        cfg.Crawl.AddrTimeout,
		PeersPerNode:       cfg.Crawl.PeersPerNode,
		MaxAddrAge:         cfg.Crawl.MaxAddrAge,
	})

	workers := pool.NewWorker(&pool.WorkerConfig{
		NumWorkers:    cfg.Crawl.NumWorkers,
		WorkerTimeout: pool.DefaultWorkerTimeout,
	})
	if err := workers.Start(); err != nil {
		return err
	}
	defer workers.Stop()

	reap := ticker.New(cfg.Crawl.ReapInterval)
	defer reap.Stop()

	// Measurements and sightings outlive epochs; only their TTLs retire
	// them.
	measurements := cache.New(st, cache.Config{
		MeasurementTTL: cfg.Crawl.MeasurementTTL,
		SightingTTL:    cfg.Crawl.SightingTTL,
	})

	exclude := excludeFunc(cfg)

	var (
		epoch uint64
		prev  []*wire.NetAddress
	)
	for {
		epoch++
		ns := fmt.Sprintf("epoch/%d/", epoch)
		epochStart := time.Now()

		seeds, err := epochSeeds(cfg, prev)
		if err != nil {
			return err
		}

		c := crawler.New(&crawler.Config{
			Namespace: ns,
			Store:     st,
			Prober:    prb,
			Pool:      workers,
			Limiter: ratelimit.NewPrefixLimiter(st, ratelimit.Config{
				Namespace:    ns,
				V6PrefixLen:  cfg.Crawl.V6PrefixLen,
				MaxPerBucket: cfg.Crawl.MaxPerPrefix,
			}),
			Cache:              measurements,
			Exclude:            exclude,
			MaxInFlight:        cfg.Crawl.NumWorkers,
			MaxSessionLifetime: cfg.Crawl.MaxSessionLifetime,
			ReapTicker:         reap,
			OnProgress: func(p crawler.Progress) {
				crwdLog.Infof("Epoch %d: %d pending, %d in "+
					"flight, %d visited, %d reachable, "+
					"%d skipped", epoch, p.Pending,
					p.InFlight, p.Visited, p.Reachable,
					p.Skipped)
			},
			SnapshotWriter: writer,
		})

		snap, err := c.Run(ctx, seeds)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		crwdLog.Infof("Epoch %d done: %d nodes, %d reachable",
			epoch, len(snap.Results), snap.NumReachable())

		// The next epoch starts from everything that answered this
		// one.
		prev = prev[:0]
		for _, res := range snap.Results {
			if res.Reachable {
				prev = append(prev, res.Node)
			}
		}

		// Epoch-scoped state has served its purpose.
		if err := st.DeletePrefix(ctx, ns); err != nil {
			return err
		}

		// Honor the minimum interval between epoch starts.
		if wait := time.Until(epochStart.Add(cfg.Crawl.SnapshotDelay)); wait > 0 {
			crwdLog.Infof("Next epoch in %v", wait.Round(time.Second))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// openStore builds the configured store backend, wrapped with retries.
func openStore(cfg *Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.StoreBackend {
	case "etcd":
		st, err = store.NewEtcdStore(cfg.Etcd)
		if err != nil {
			return nil, err
		}
	default:
		st = store.NewMemoryStore(clock.NewDefaultClock())
	}

	return store.WithRetry(st, store.DefaultRetryConfig()), nil
}

// epochSeeds picks the epoch's starting set: the previous epoch's reachable
// nodes when there are any, otherwise DNS and configured seeds.
func epochSeeds(cfg *Config,
	prev []*wire.NetAddress) ([]*wire.NetAddress, error) {

	if len(prev) > 0 {
		return prev, nil
	}

	seeds := seedFromDNS(cfg)
	static, err := staticSeeds(cfg)
	if err != nil {
		return nil, err
	}
	seeds = append(seeds, static...)

	if len(seeds) == 0 {
		return nil, fmt.Errorf("no seed addresses available; all " +
			"DNS seeds failed and no static seeds configured")
	}
	return seeds, nil
}

// excludeFunc builds the coordinator's address filter: zero ports and,
// unless configured otherwise, addresses outside the public internet.
func excludeFunc(cfg *Config) func(*wire.NetAddress) bool {
	includePrivate := cfg.Crawl.IncludePrivate
	return func(na *wire.NetAddress) bool {
		if na.Port == 0 {
			return true
		}
		if na.IsOnion() || includePrivate {
			return false
		}
		ip := na.IP
		return ip.IsUnspecified() || ip.IsLoopback() ||
			ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsMulticast()
	}
}
