package main

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	chainParamsMu sync.RWMutex
	chainParams   = &chaincfg.MainNetParams
)

func SetChainParams(network string) {
	chainParamsMu.Lock()
	defer chainParamsMu.Unlock()

	switch network {
	case "mainnet", "", "bitcoin":
		chainParams = &chaincfg.MainNetParams
	case "testnet", "testnet3":
		chainParams = &chaincfg.TestNet3Params
	case "regtest", "regressiontest":
		chainParams = &chaincfg.RegressionNetParams
	default:
		chainParams = &chaincfg.MainNetParams
	}
}

// ChainParams returns the currently selected network parameters. Call
// SetChainParams during startup to ensure this reflects the actual network.
func ChainParams() *chaincfg.Params {
	chainParamsMu.RLock()
	defer chainParamsMu.RUnlock()
	return chainParams
}

// defaultStratumPort is the listen port used when neither the config file nor
// the bind list specifies one.
func defaultStratumPort(network string) int {
	switch network {
	case "testnet", "testnet3":
		return 19638
	case "regtest", "regressiontest":
		return 29638
	default:
		return 9638
	}
}

// defaultAuxPowPath identifies the merge-mining commitment slot claimed by a
// bare address token in the authorize password. It is the hash of the
// network's human-readable tag, so each network claims a distinct path.
func defaultAuxPowPath(params *chaincfg.Params) chainhash.Hash {
	tag := "auxpow:" + params.Name
	return doubleSHA256([]byte(tag))
}

// Share chain selection. Solo mining runs with share validation disabled;
// the main share chain carries the pooled accounting records.
type ShareChainKind int

const (
	ShareChainSolo ShareChainKind = iota
	ShareChainMain
)

const (
	shareChainNameSolo = "solo"
	shareChainNameMain = "main"
)

type ShareChainParams struct {
	Kind ShareChainKind
	Name string
}

func (p ShareChainParams) IsValid() bool {
	return p.Kind == ShareChainMain
}

func SelectShareParams(chain string) (ShareChainParams, error) {
	switch chain {
	case shareChainNameSolo:
		return ShareChainParams{Kind: ShareChainSolo, Name: shareChainNameSolo}, nil
	case shareChainNameMain, "":
		return ShareChainParams{Kind: ShareChainMain, Name: shareChainNameMain}, nil
	default:
		return ShareChainParams{}, fmt.Errorf("unknown share chain %q", chain)
	}
}
