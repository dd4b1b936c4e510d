package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ChainID returns eth_chainId.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	return c.callBig(ctx, "eth_chainId", nil)
}

// SendRawTransaction submits a signed, RLP-encoded transaction.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, txRLP []byte) error {
	_, err := c.Call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(txRLP)})
	return err
}

// GetNonce returns eth_getTransactionCount at "pending" so in-flight
// transactions are counted.
func (c *HTTPClient) GetNonce(ctx context.Context, address common.Address) (uint64, error) {
	return c.callUint64(ctx, "eth_getTransactionCount", []any{address.Hex(), "pending"})
}

// GetBalance returns the balance for an address at the latest block.
func (c *HTTPClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return c.callBig(ctx, "eth_getBalance", []any{address.Hex(), "latest"})
}

// GetGasPrice returns the node's current gas price.
func (c *HTTPClient) GetGasPrice(ctx context.Context) (*big.Int, error) {
	return c.callBig(ctx, "eth_gasPrice", nil)
}

// GetLatestBlock returns the latest block header.
func (c *HTTPClient) GetLatestBlock(ctx context.Context) (*Block, error) {
	result, err := c.Call(ctx, "eth_getBlockByNumber", []any{"latest", false})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Number    hexutil.Uint64 `json:"number"`
		Hash      string         `json:"hash"`
		GasLimit  hexutil.Uint64 `json:"gasLimit"`
		GasUsed   hexutil.Uint64 `json:"gasUsed"`
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}

	return &Block{
		Number:    uint64(raw.Number),
		Hash:      raw.Hash,
		GasLimit:  uint64(raw.GasLimit),
		GasUsed:   uint64(raw.GasUsed),
		Timestamp: time.Unix(int64(raw.Timestamp), 0),
	}, nil
}

// GetTransactionReceipt returns the receipt, or nil if the transaction is not mined yet.
func (c *HTTPClient) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*TransactionReceipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []any{txHash.Hex()})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	var raw struct {
		TxHash      common.Hash    `json:"transactionHash"`
		Status      hexutil.Uint64 `json:"status"`
		GasUsed     hexutil.Uint64 `json:"gasUsed"`
		BlockNumber hexutil.Uint64 `json:"blockNumber"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	return &TransactionReceipt{
		TxHash:      raw.TxHash,
		Status:      uint64(raw.Status),
		GasUsed:     uint64(raw.GasUsed),
		BlockNumber: uint64(raw.BlockNumber),
	}, nil
}

// Accounts returns eth_accounts.
func (c *HTTPClient) Accounts(ctx context.Context) ([]common.Address, error) {
	result, err := c.Call(ctx, "eth_accounts", nil)
	if err != nil {
		return nil, err
	}
	var addrs []common.Address
	if err := json.Unmarshal(result, &addrs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal accounts: %w", err)
	}
	return addrs, nil
}

// SendTransaction sends a value transfer signed by the node.
func (c *HTTPClient) SendTransaction(ctx context.Context, args SendTxArgs) (common.Hash, error) {
	params := map[string]any{
		"from":  args.From.Hex(),
		"to":    args.To.Hex(),
		"value": (*hexutil.Big)(args.Value),
	}
	result, err := c.Call(ctx, "eth_sendTransaction", []any{params})
	if err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("failed to unmarshal tx hash: %w", err)
	}
	return hash, nil
}

func (c *HTTPClient) callBig(ctx context.Context, method string, params []any) (*big.Int, error) {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var v hexutil.Big
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return v.ToInt(), nil
}

func (c *HTTPClient) callUint64(ctx context.Context, method string, params []any) (uint64, error) {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return 0, err
	}
	var v hexutil.Uint64
	if err := json.Unmarshal(result, &v); err != nil {
		return 0, fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return uint64(v), nil
}
