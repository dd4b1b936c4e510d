// Package wallet binds a derived account to the layer-1 client and the rollup
// provider, exposing the balance, fee, nonce and submission capabilities the
// simulator consumes.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/rollupsim/internal/account"
	"github.com/gateway-fm/rollupsim/internal/operation"
	"github.com/gateway-fm/rollupsim/internal/pipeline"
	"github.com/gateway-fm/rollupsim/internal/rollup"
	"github.com/gateway-fm/rollupsim/internal/rpc"
)

// ErrProviderUnavailable is returned when the rollup endpoint cannot be reached.
var ErrProviderUnavailable = errors.New("rollup provider unavailable")

// ErrAccountNotFound is returned for L2 operations from an account the rollup has not seen.
var ErrAccountNotFound = errors.New("account does not exist on L2")

// Config holds what every bound wallet shares.
type Config struct {
	L1           rpc.Client
	Rollup       rollup.Provider
	ChainID      *big.Int
	UseLegacy    bool
	Token        string
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Factory binds accounts to wallets.
type Factory struct {
	l1       rpc.Client
	rollup   rollup.Provider
	pipeline *pipeline.Pipeline
	contract common.Address
	token    string
	poll     time.Duration
	logger   *slog.Logger
}

var _ account.ActivationChecker = (*Factory)(nil)

// NewFactory reads the rollup network configuration and returns a Factory.
// It fails with ErrProviderUnavailable if the rollup cannot be reached.
func NewFactory(ctx context.Context, cfg Config) (*Factory, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	token := cfg.Token
	if token == "" {
		token = rollup.DefaultToken
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = rollup.DefaultPollInterval
	}

	netCfg, err := cfg.Rollup.Config(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	logger.Info("connected to rollup",
		slog.String("network", netCfg.Network),
		slog.String("contract", netCfg.Contract.Hex()),
	)

	return &Factory{
		l1:     cfg.L1,
		rollup: cfg.Rollup,
		pipeline: pipeline.New(pipeline.Config{
			Client:    cfg.L1,
			ChainID:   cfg.ChainID,
			UseLegacy: cfg.UseLegacy,
			Logger:    logger,
		}),
		contract: netCfg.Contract,
		token:    token,
		poll:     poll,
		logger:   logger,
	}, nil
}

// Contract returns the L1 deposit contract address.
func (f *Factory) Contract() common.Address { return f.contract }

// IsSigningKeySet implements account.ActivationChecker.
func (f *Factory) IsSigningKeySet(ctx context.Context, addr common.Address) (bool, error) {
	state, err := f.rollup.AccountState(ctx, addr)
	if err != nil {
		return false, err
	}
	return state.SigningKeySet(), nil
}

// Bind returns the wallet for acc. It queries the rollup once and fails with
// ErrProviderUnavailable if the endpoint cannot be reached.
func (f *Factory) Bind(ctx context.Context, acc *account.Account) (*Wallet, error) {
	state, err := f.rollup.AccountState(ctx, acc.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: bind %s: %v", ErrProviderUnavailable, acc.Address.Hex(), err)
	}
	w := &Wallet{
		account: acc,
		factory: f,
		signer:  rollup.NewECDSASigner(acc.PrivateKey),
		logger:  f.logger.With(slog.String("account", acc.Address.Hex())),
	}
	if state != nil && state.AccountID != nil {
		id := *state.AccountID
		w.accountID = &id
	}
	return w, nil
}

// BindAll binds every account in order.
func (f *Factory) BindAll(ctx context.Context, accs []*account.Account) ([]*Wallet, error) {
	out := make([]*Wallet, 0, len(accs))
	for _, acc := range accs {
		w, err := f.Bind(ctx, acc)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// Wallet is an account bound to both layers.
// Unpinned sends are serialised per layer so concurrent callers never reuse a nonce.
type Wallet struct {
	account *account.Account
	factory *Factory
	signer  rollup.Signer
	logger  *slog.Logger

	idMu      sync.Mutex
	accountID *uint64

	l1Mu sync.Mutex

	l2Mu   sync.Mutex
	l2Next uint64
}

var _ operation.Sender = (*Wallet)(nil)

// Account returns the underlying derived account.
func (w *Wallet) Account() *account.Account { return w.account }

// Address implements operation.Sender.
func (w *Wallet) Address() common.Address { return w.account.Address }

func (w *Wallet) String() string { return w.account.String() }

// L1Balance returns the layer-1 balance.
func (w *Wallet) L1Balance(ctx context.Context) (*big.Int, error) {
	return w.factory.l1.GetBalance(ctx, w.Address())
}

// L2Balance returns the committed layer-2 balance of the configured token.
func (w *Wallet) L2Balance(ctx context.Context) (*big.Int, error) {
	state, err := w.factory.rollup.AccountState(ctx, w.Address())
	if err != nil {
		return nil, err
	}
	return state.Balance(w.factory.token), nil
}

// Balance returns the balance on layer.
func (w *Wallet) Balance(ctx context.Context, layer operation.Layer) (*big.Int, error) {
	if layer == operation.L1 {
		return w.L1Balance(ctx)
	}
	return w.L2Balance(ctx)
}

// GasCost returns gasPrice * latest block gas limit, the headroom added to L1 top-ups.
func (w *Wallet) GasCost(ctx context.Context) (*big.Int, error) {
	gasPrice, err := w.factory.l1.GetGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	block, err := w.factory.l1.GetLatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest block: %w", err)
	}
	return new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(block.GasLimit)), nil
}

// Nonce implements operation.Sender: the pending L1 nonce or the committed L2 nonce.
func (w *Wallet) Nonce(ctx context.Context, layer operation.Layer) (uint64, error) {
	switch layer {
	case operation.L1:
		return w.factory.l1.GetNonce(ctx, w.Address())
	case operation.L2:
		state, err := w.factory.rollup.AccountState(ctx, w.Address())
		if err != nil {
			return 0, err
		}
		if state == nil {
			return 0, nil
		}
		return state.Nonce, nil
	default:
		return 0, fmt.Errorf("unknown layer %d", layer)
	}
}

// IsSigningKeySet reports whether the account has registered its L2 signing key.
func (w *Wallet) IsSigningKeySet(ctx context.Context) (bool, error) {
	return w.factory.IsSigningKeySet(ctx, w.Address())
}

// AccountID returns the L2 account ID, nil if the account does not exist yet.
func (w *Wallet) AccountID(ctx context.Context) (*uint64, error) {
	w.idMu.Lock()
	defer w.idMu.Unlock()
	if w.accountID != nil {
		id := *w.accountID
		return &id, nil
	}
	state, err := w.factory.rollup.AccountState(ctx, w.Address())
	if err != nil {
		return nil, err
	}
	if state == nil || state.AccountID == nil {
		return nil, nil
	}
	id := *state.AccountID
	w.accountID = &id
	return &id, nil
}

// IsActive reports whether the account exists on L2 with a signing key set.
func (w *Wallet) IsActive(ctx context.Context) (bool, error) {
	set, err := w.IsSigningKeySet(ctx)
	if err != nil || !set {
		return false, err
	}
	id, err := w.AccountID(ctx)
	return id != nil, err
}

// TransactionFee quotes the total fee for kind.
func (w *Wallet) TransactionFee(ctx context.Context, kind rollup.FeeKind) (*big.Int, error) {
	fee, err := w.factory.rollup.TransactionFee(ctx, kind, w.Address(), w.factory.token)
	if err != nil {
		return nil, fmt.Errorf("quote %s fee: %w", kind, err)
	}
	return fee.TotalFee.BigInt(), nil
}

// PubKeyHash is the L2 signing key hash registered by ChangePubKey.
func (w *Wallet) PubKeyHash() string {
	h := crypto.Keccak256(crypto.CompressPubkey(&w.account.PrivateKey.PublicKey))
	return "sync:" + common.Bytes2Hex(h[12:])
}

func (w *Wallet) requireAccountID(ctx context.Context) (uint64, error) {
	id, err := w.AccountID(ctx)
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, w.Address().Hex())
	}
	return *id, nil
}

func hexSig(sig *rollup.EthSignature) string {
	if sig == nil {
		return hexutil.Encode(nil)
	}
	return sig.Signature
}
