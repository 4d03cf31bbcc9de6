package crawld

import (
	"strconv"

	"github.com/bitnodes/crawld/wire"
	"github.com/btcsuite/btcd/chaincfg"
)

// netParams couples a network's chain parameters with the wire magic and
// default peer port the crawler speaks on that network.
type netParams struct {
	*chaincfg.Params

	// Net is the message magic for the network.
	Net wire.BitcoinNet

	// DefaultPort is the port assumed for addresses that lack one.
	DefaultPort uint16
}

// mainNetParams contains parameters specific to the main network.
var mainNetParams = netParams{
	Params: &chaincfg.MainNetParams,
	Net:    wire.MainNet,
}

// testNet3Params contains parameters specific to the 3rd version of the test
// network.
var testNet3Params = netParams{
	Params: &chaincfg.TestNet3Params,
	Net:    wire.TestNet3,
}

// simNetParams contains parameters specific to the simulation test network.
var simNetParams = netParams{
	Params: &chaincfg.SimNetParams,
	Net:    wire.SimNet,
}

// paramsForNetwork maps a network name from the configuration onto its
// parameters.
func paramsForNetwork(name string) (netParams, bool) {
	var p netParams
	switch name {
	case "mainnet":
		p = mainNetParams
	case "testnet", "testnet3":
		p = testNet3Params
	case "simnet":
		p = simNetParams
	default:
		return p, false
	}

	port, err := strconv.ParseUint(p.Params.DefaultPort, 10, 16)
	if err != nil {
		return p, false
	}
	p.DefaultPort = uint16(port)
	return p, true
}
