// Package pipeline builds, signs, encodes and sends layer-1 transactions.
package pipeline

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/rollupsim/internal/rpc"
	"github.com/gateway-fm/rollupsim/internal/txbuilder"
)

// Result contains the outcome of a pipeline execution.
type Result struct {
	TxHash common.Hash
	Nonce  uint64
}

// Pipeline handles the lifecycle of one L1 transaction up to submission.
type Pipeline struct {
	client    rpc.Client
	signer    types.Signer
	chainID   *big.Int
	useLegacy bool
	logger    *slog.Logger
}

// Config for creating a Pipeline.
type Config struct {
	Client    rpc.Client
	ChainID   *big.Int
	UseLegacy bool // type 0 transactions instead of EIP-1559
	Logger    *slog.Logger
}

// New creates a new Pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		client:    cfg.Client,
		signer:    types.LatestSignerForChainID(cfg.ChainID),
		chainID:   cfg.ChainID,
		useLegacy: cfg.UseLegacy,
		logger:    logger,
	}
}

// ChainID returns the chain the pipeline signs for.
func (p *Pipeline) ChainID() *big.Int { return new(big.Int).Set(p.chainID) }

// Execute builds a transaction at nonce, signs it with key and sends it.
func (p *Pipeline) Execute(ctx context.Context, key *ecdsa.PrivateKey, nonce uint64, gasPrice *big.Int, b txbuilder.Builder) (Result, error) {
	tx, err := b.Build(txbuilder.TxParams{
		ChainID:   p.chainID,
		Nonce:     nonce,
		GasTipCap: gasPrice,
		GasFeeCap: gasPrice,
		UseLegacy: p.useLegacy,
	})
	if err != nil {
		return Result{Nonce: nonce}, fmt.Errorf("build: %w", err)
	}

	signed, err := types.SignTx(tx, p.signer, key)
	if err != nil {
		return Result{Nonce: nonce}, fmt.Errorf("sign: %w", err)
	}

	data, err := signed.MarshalBinary()
	if err != nil {
		return Result{Nonce: nonce}, fmt.Errorf("encode: %w", err)
	}

	res := Result{TxHash: signed.Hash(), Nonce: nonce}
	if err := p.client.SendRawTransaction(ctx, data); err != nil {
		return res, fmt.Errorf("send: %w", err)
	}

	p.logger.Debug("L1 transaction sent",
		slog.String("tx", res.TxHash.Hex()),
		slog.Uint64("nonce", nonce),
		slog.String("value", b.Value().String()),
	)
	return res, nil
}
