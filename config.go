package crawld

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitnodes/crawld/store"
	"github.com/bitnodes/crawld/wire"
	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/tor"
)

const (
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "crawld.log"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	defaultNetwork      = "mainnet"
	defaultStoreBackend = "memory"

	defaultNumWorkers         = 200
	defaultDialTimeout        = 15 * time.Second
	defaultSessionTimeout     = 60 * time.Second
	defaultAddrTimeout        = 15 * time.Second
	defaultPeersPerNode       = 1000
	defaultMaxAddrAge         = 24 * time.Hour
	defaultMinProtocolVersion = 70001
	defaultV6PrefixLen        = 64
	defaultMaxPerPrefix       = 16
	defaultMaxSessionLifetime = 10 * time.Minute
	defaultReapInterval       = 30 * time.Second
	defaultSnapshotDelay      = 5 * time.Minute
	defaultMeasurementTTL     = 10800 * time.Second
	defaultSightingTTL        = 900 * time.Second

	defaultTorSOCKS = "localhost:9050"
	defaultTorDNS   = "soa.nodes.bitnodes.io:53"
)

var (
	defaultDataDir      = btcutil.AppDataDir("crawld", false)
	defaultLogDir       = filepath.Join(defaultDataDir, defaultLogDirname)
	defaultSnapshotDir  = filepath.Join(defaultDataDir, "snapshots")
	defaultEtcdEndpoint = "localhost:2379"
)

// torConfig groups the proxy transport options.
type torConfig struct {
	Active                      bool   `long:"active" description:"Proxy all peer connections through Tor"`
	SOCKS                       string `long:"socks" description:"host:port of Tor's SOCKS5 proxy"`
	DNS                         string `long:"dns" description:"host:port of a DNS server capable of TCP queries, used while proxying"`
	StreamIsolation             bool   `long:"streamisolation" description:"Use a fresh circuit for every connection"`
	SkipProxyForClearNetTargets bool   `long:"skipproxyforclearnettargets" description:"Dial clearnet targets directly and reserve the proxy for onion targets"`
}

// crawlConfig groups the options steering probe sessions and epoch
// behavior.
type crawlConfig struct {
	NumWorkers         int           `long:"numworkers" description:"Maximum concurrent probe sessions"`
	DialTimeout        time.Duration `long:"dialtimeout" description:"Connection attempt budget"`
	SessionTimeout     time.Duration `long:"sessiontimeout" description:"Overall probe session budget"`
	AddrTimeout        time.Duration `long:"addrtimeout" description:"Listen window for addr and inv traffic after getaddr"`
	PeersPerNode       int           `long:"peerspernode" description:"Maximum addresses collected per session"`
	MaxAddrAge         time.Duration `long:"maxaddrage" description:"Discard shared addresses with older timestamps"`
	MinProtocolVersion uint32        `long:"minprotocolversion" description:"Disqualify peers advertising a lower protocol version"`
	RequiredServices   uint64        `long:"requiredservices" description:"Service bits a peer must advertise to qualify"`
	UserAgent          string        `long:"useragent" description:"User agent advertised in our version message"`
	NoGetAddr          bool          `long:"nogetaddr" description:"Do not request known addresses from peers"`
	NoMemPool          bool          `long:"nomempool" description:"Do not solicit inv traffic with mempool"`
	V6PrefixLen        int           `long:"v6prefixlen" description:"IPv6 prefix length used for rate-limit buckets"`
	MaxPerPrefix       int64         `long:"maxperprefix" description:"Maximum addresses probed per rate-limit bucket and epoch; 0 disables"`
	IncludePrivate     bool          `long:"includeprivate" description:"Also probe private and unroutable addresses"`
	MaxSessionLifetime time.Duration `long:"maxsessionlifetime" description:"Force-cancel sessions older than this"`
	ReapInterval       time.Duration `long:"reapinterval" description:"Interval between reaper ticks"`
	SnapshotDelay      time.Duration `long:"snapshotdelay" description:"Minimum interval between epoch starts"`
	MeasurementTTL     time.Duration `long:"measurementttl" description:"Lifetime of cached node measurements"`
	SightingTTL        time.Duration `long:"sightingttl" description:"Lifetime of cached inventory sightings"`
	Seeds              []string      `long:"seed" description:"Additional seed address (host[:port]); may be given multiple times"`
	OnionSeeds         []string      `long:"onionseed" description:"Onion seed address (host.onion[:port]); requires tor.active"`
}

// Config holds the daemon's configuration, populated from defaults and
// command line flags.
type Config struct {
	DataDir        string `short:"b" long:"datadir" description:"Directory to store crawl data"`
	LogDir         string `long:"logdir" description:"Directory to log output"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	Network        string `long:"network" description:"Network to crawl" choice:"mainnet" choice:"testnet" choice:"testnet3" choice:"simnet"`
	SnapshotDir    string `long:"snapshotdir" description:"Directory to write epoch snapshots"`
	StoreBackend   string `long:"store" description:"Shared state backend" choice:"memory" choice:"etcd"`

	Crawl *crawlConfig      `group:"crawl" namespace:"crawl"`
	Tor   *torConfig        `group:"tor" namespace:"tor"`
	Etcd  *store.EtcdConfig `group:"etcd" namespace:"etcd"`

	// params are the chain parameters of the selected network, resolved
	// during validation.
	params netParams

	// net is the transport every probe session dials through, resolved
	// during validation.
	net tor.Net
}

// DefaultConfig returns the daemon's default configuration.
func DefaultConfig() Config {
	return Config{
		DataDir:        defaultDataDir,
		LogDir:         defaultLogDir,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DebugLevel:     defaultLogLevel,
		Network:        defaultNetwork,
		SnapshotDir:    defaultSnapshotDir,
		StoreBackend:   defaultStoreBackend,
		Crawl: &crawlConfig{
			NumWorkers:         defaultNumWorkers,
			DialTimeout:        defaultDialTimeout,
			SessionTimeout:     defaultSessionTimeout,
			AddrTimeout:        defaultAddrTimeout,
			PeersPerNode:       defaultPeersPerNode,
			MaxAddrAge:         defaultMaxAddrAge,
			MinProtocolVersion: defaultMinProtocolVersion,
			RequiredServices:   uint64(wire.SFNodeNetwork),
			UserAgent:          wire.DefaultUserAgent,
			V6PrefixLen:        defaultV6PrefixLen,
			MaxPerPrefix:       defaultMaxPerPrefix,
			MaxSessionLifetime: defaultMaxSessionLifetime,
			ReapInterval:       defaultReapInterval,
			SnapshotDelay:      defaultSnapshotDelay,
			MeasurementTTL:     defaultMeasurementTTL,
			SightingTTL:        defaultSightingTTL,
		},
		Tor: &torConfig{
			SOCKS: defaultTorSOCKS,
			DNS:   defaultTorDNS,
		},
		Etcd: &store.EtcdConfig{
			Endpoints: []string{defaultEtcdEndpoint},
		},
	}
}

// LoadConfig parses command line flags over the defaults and validates the
// result.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}
	return ValidateConfig(cfg)
}

// ValidateConfig normalizes paths, resolves the network parameters and the
// dialing transport, and rejects inconsistent settings. The returned Config
// is ready for Main.
func ValidateConfig(cfg Config) (*Config, error) {
	params, ok := paramsForNetwork(cfg.Network)
	if !ok {
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}
	cfg.params = params

	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	cfg.SnapshotDir = CleanAndExpandPath(cfg.SnapshotDir)

	if err := validateDebugLevels(cfg.DebugLevel); err != nil {
		return nil, err
	}

	if cfg.Crawl.NumWorkers < 1 {
		return nil, fmt.Errorf("crawl.numworkers must be positive, "+
			"got %d", cfg.Crawl.NumWorkers)
	}
	if cfg.Crawl.SessionTimeout <= 0 {
		return nil, fmt.Errorf("crawl.sessiontimeout must be positive")
	}
	if cfg.Crawl.MaxSessionLifetime < cfg.Crawl.SessionTimeout {
		return nil, fmt.Errorf("crawl.maxsessionlifetime (%v) below "+
			"crawl.sessiontimeout (%v)",
			cfg.Crawl.MaxSessionLifetime, cfg.Crawl.SessionTimeout)
	}
	if cfg.Crawl.V6PrefixLen < 1 || cfg.Crawl.V6PrefixLen > 128 {
		return nil, fmt.Errorf("crawl.v6prefixlen must be in [1, "+
			"128], got %d", cfg.Crawl.V6PrefixLen)
	}

	switch cfg.StoreBackend {
	case "memory":
	case "etcd":
		if len(cfg.Etcd.Endpoints) == 0 {
			return nil, fmt.Errorf("etcd store requires at " +
				"least one etcd.endpoints entry")
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q",
			cfg.StoreBackend)
	}

	if len(cfg.Crawl.OnionSeeds) > 0 && !cfg.Tor.Active {
		return nil, fmt.Errorf("crawl.onionseed requires tor.active")
	}

	// Resolve the transport. With Tor active every dial and DNS lookup
	// runs through the proxy unless clearnet targets are explicitly
	// exempted.
	if cfg.Tor.Active {
		cfg.net = &tor.ProxyNet{
			SOCKS:           ensurePort(cfg.Tor.SOCKS, "9050"),
			DNS:             ensurePort(cfg.Tor.DNS, "53"),
			StreamIsolation: cfg.Tor.StreamIsolation,
			SkipProxyForClearNetTargets: cfg.Tor.
				SkipProxyForClearNetTargets,
		}
	} else {
		cfg.net = &tor.ClearNet{}
	}

	return &cfg, nil
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// ensurePort appends the default port when addr carries none.
func ensurePort(addr, defaultPort string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defaultPort)
}
