package crawld

import (
	"fmt"
	mrand "math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/bitnodes/crawld/wire"
)

// Seed timestamps are randomized between 3 and 7 days ago, mirroring how
// bitcoind ages DNS-seeded addresses.
const (
	secondsIn3Days int32 = 24 * 60 * 60 * 3
	secondsIn4Days int32 = 24 * 60 * 60 * 4
)

// seedFromDNS resolves the network's DNS seeds through the configured
// transport and returns the discovered addresses. Seeds supporting service
// filtering are queried for the required service bits. Failing seeds are
// logged and skipped; the crawl can start from any non-empty subset.
func seedFromDNS(cfg *Config) []*wire.NetAddress {
	reqServices := wire.ServiceFlag(cfg.Crawl.RequiredServices)
	randSource := mrand.New(mrand.NewSource(time.Now().UnixNano()))

	var seeds []*wire.NetAddress
	for _, dnsseed := range cfg.params.DNSSeeds {
		host := dnsseed.Host
		if dnsseed.HasFiltering &&
			reqServices != wire.SFNodeNetwork {

			host = fmt.Sprintf("x%x.%s", uint64(reqServices), host)
		}

		addrs, err := cfg.net.LookupHost(host)
		if err != nil {
			crwdLog.Infof("DNS discovery failed on seed %s: %v",
				host, err)
			continue
		}
		crwdLog.Infof("%d addresses found from DNS seed %s",
			len(addrs), host)

		for _, addr := range addrs {
			ip := net.ParseIP(addr)
			if ip == nil {
				continue
			}

			// Seeds age their addresses between 3 and 7 days so
			// they sort behind fresher gossip.
			ts := time.Now().Add(-1 * time.Second *
				time.Duration(secondsIn3Days+
					randSource.Int31n(secondsIn4Days)))

			seeds = append(seeds, wire.NewNetAddressTimestamp(
				ts, 0, ip, cfg.params.DefaultPort,
			))
		}
	}

	return seeds
}

// parseSeedAddr turns a host[:port] string from the configuration into a
// NetAddress, accepting IPs and onion hosts.
func parseSeedAddr(addr string, defaultPort uint16) (*wire.NetAddress, error) {
	host := addr
	port := defaultPort
	if h, p, err := net.SplitHostPort(addr); err == nil {
		parsed, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port in seed %q: %w",
				addr, err)
		}
		host, port = h, uint16(parsed)
	}

	if strings.HasSuffix(host, ".onion") {
		ip, err := wire.ParseOnionHost(host)
		if err != nil {
			return nil, fmt.Errorf("invalid onion seed %q: %w",
				addr, err)
		}
		return wire.NewNetAddressIPPort(ip, port, 0), nil
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid seed address %q", addr)
	}
	return wire.NewNetAddressIPPort(ip, port, 0), nil
}

// staticSeeds parses the configured clearnet and onion seed lists.
func staticSeeds(cfg *Config) ([]*wire.NetAddress, error) {
	all := make([]string, 0, len(cfg.Crawl.Seeds)+len(cfg.Crawl.OnionSeeds))
	all = append(all, cfg.Crawl.Seeds...)
	all = append(all, cfg.Crawl.OnionSeeds...)

	seeds := make([]*wire.NetAddress, 0, len(all))
	for _, addr := range all {
		na, err := parseSeedAddr(addr, cfg.params.DefaultPort)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, na)
	}
	return seeds, nil
}
