package network

import (
	"sort"
	"sync"
)

// CustomCoinType is used for chains that are not registered.
const CustomCoinType = 60

// DevMnemonic is the well-known regtest mnemonic.
const DevMnemonic = "coyote absorb fortune village riot razor bright finish number once churn junior various slice spatial"

// Registry holds known networks keyed by chain ID.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*Network
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[int64]*Network),
	}
}

// Register adds or replaces a network definition.
func (r *Registry) Register(n *Network) {
	if n == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[n.ChainID] = n
}

// Get returns the network for chainID, or nil if unknown.
func (r *Registry) Get(chainID int64) *Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[chainID]
}

// Resolve returns the registered network or a custom one with the default coin type.
func (r *Registry) Resolve(chainID int64) *Network {
	if n := r.Get(chainID); n != nil {
		return n
	}
	return &Network{
		Name:     "custom",
		ChainID:  chainID,
		CoinType: CustomCoinType,
	}
}

// ChainIDs returns all registered chain IDs in ascending order.
func (r *Registry) ChainIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DefaultRegistry returns a registry with the built-in networks.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Mainnet())
	r.Register(Testnet())
	r.Register(Regtest())
	return r
}

// Mainnet is chain 30.
func Mainnet() *Network {
	return &Network{Name: "mainnet", ChainID: 30, CoinType: 137, LegacyTx: true}
}

// Testnet is chain 31.
func Testnet() *Network {
	return &Network{Name: "testnet", ChainID: 31, CoinType: 37310, LegacyTx: true}
}

// Regtest is the local dev chain 33.
func Regtest() *Network {
	return &Network{
		Name:            "regtest",
		ChainID:         33,
		CoinType:        37310,
		LegacyTx:        true,
		DevFunding:      true,
		DefaultMnemonic: DevMnemonic,
	}
}
