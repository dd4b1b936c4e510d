// Package account derives deterministic simulation accounts from a mnemonic.
package account

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/base/go-bip39"
	hdwallet "github.com/ethereum-optimism/go-ethereum-hdwallet"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/rollupsim/internal/network"
)

// HardenedBit is the first hardened BIP-32 index. Account indices must stay below it.
const HardenedBit uint32 = 0x80000000

// ErrInvalidDerivationIndex is returned for indices at or above HardenedBit.
var ErrInvalidDerivationIndex = errors.New("invalid derivation index")

// Account is a derived keypair. Its identity never changes; activation and
// balances live on the networks and are only observed.
type Account struct {
	Index      uint32
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

// String returns the hex address.
func (a *Account) String() string {
	return a.Address.Hex()
}

// NewAccount wraps an existing private key, e.g. for a funder supplied out of band.
func NewAccount(index uint32, key *ecdsa.PrivateKey) *Account {
	return &Account{
		Index:      index,
		PrivateKey: key,
		Address:    crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Deriver turns (mnemonic, index) into an Account using the network's BIP-44 coin type.
// Derivation is pure: no network calls.
type Deriver struct {
	net *network.Network

	mu sync.Mutex
	w  *hdwallet.Wallet
}

// NewDeriver validates the mnemonic and prepares the HD wallet.
func NewDeriver(mnemonic string, net *network.Network) (*Deriver, error) {
	if net == nil {
		return nil, errors.New("network is required")
	}
	if mnemonic == "" {
		mnemonic = net.DefaultMnemonic
	}
	if mnemonic == "" {
		return nil, fmt.Errorf("mnemonic is required for network %s", net)
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	w, err := hdwallet.NewFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return &Deriver{net: net, w: w}, nil
}

// Derive returns the account at index. The same mnemonic and index always
// yield the same account.
func (d *Deriver) Derive(index uint32) (*Account, error) {
	if index >= HardenedBit {
		return nil, fmt.Errorf("%w: %d is not below 2^31", ErrInvalidDerivationIndex, index)
	}

	path := d.net.DerivationPath(index)

	d.mu.Lock()
	key, err := d.w.PrivateKey(accounts.Account{URL: accounts.URL{Path: path}})
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("derive %s: %w", path, err)
	}

	return NewAccount(index, key), nil
}

// Network returns the network whose coin type is used for derivation.
func (d *Deriver) Network() *network.Network {
	return d.net
}
