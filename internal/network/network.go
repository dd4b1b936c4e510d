// Package network provides per-chain parameters and a registry to look them up.
// This lets the simulator adapt derivation paths and dev tooling to the
// target L1 chain without scattered chain ID conditionals.
package network

import "fmt"

// Network describes how the simulator treats a given L1 chain.
type Network struct {
	// Name is the canonical identifier (e.g. "mainnet", "regtest").
	Name string

	// ChainID is the L1 chain ID.
	ChainID int64

	// CoinType is the BIP-44 coin type used in m/44'/<coin>'/<index>'/0/0.
	CoinType uint32

	// DevFunding indicates the node exposes unlocked accounts that can be
	// syphoned with eth_sendTransaction to fund the simulation.
	DevFunding bool

	// LegacyTx indicates the chain only accepts type 0 transactions.
	LegacyTx bool

	// DefaultMnemonic is used when no mnemonic is configured. Only set for dev chains.
	DefaultMnemonic string
}

// DerivationPath returns the BIP-44 path for the account at index.
func (n *Network) DerivationPath(index uint32) string {
	return fmt.Sprintf("m/44'/%d'/%d'/0/0", n.CoinType, index)
}

// String returns the canonical name of the network.
func (n *Network) String() string {
	if n == nil {
		return "unknown"
	}
	return n.Name
}
