// Package rpc provides the layer-1 JSON-RPC client.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Client is the layer-1 capability set the simulator consumes.
type Client interface {
	// Call makes a raw JSON-RPC call.
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// ChainID returns eth_chainId.
	ChainID(ctx context.Context) (*big.Int, error)

	// SendRawTransaction submits a signed transaction.
	SendRawTransaction(ctx context.Context, txRLP []byte) error

	// GetNonce returns the pending nonce, including mempool transactions.
	GetNonce(ctx context.Context, address common.Address) (uint64, error)

	// GetBalance returns the balance at the latest block.
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)

	// GetGasPrice returns eth_gasPrice.
	GetGasPrice(ctx context.Context) (*big.Int, error)

	// GetLatestBlock returns the header fields of the latest block.
	GetLatestBlock(ctx context.Context) (*Block, error)

	// GetTransactionReceipt returns nil, nil while the transaction is not mined.
	GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*TransactionReceipt, error)

	// Accounts returns the node's unlocked accounts (dev nodes only).
	Accounts(ctx context.Context) ([]common.Address, error)

	// SendTransaction asks the node to sign and send with an unlocked account.
	SendTransaction(ctx context.Context, args SendTxArgs) (common.Hash, error)
}

// TransactionReceipt is the subset of an L1 receipt the simulator reads.
type TransactionReceipt struct {
	TxHash      common.Hash `json:"transactionHash"`
	Status      uint64      `json:"status"` // 1 = success, 0 = failure
	GasUsed     uint64      `json:"gasUsed"`
	BlockNumber uint64      `json:"blockNumber"`
}

// Block is the subset of an L1 block header the simulator reads.
type Block struct {
	Number    uint64    `json:"number"`
	Hash      string    `json:"hash"`
	GasLimit  uint64    `json:"gasLimit"`
	GasUsed   uint64    `json:"gasUsed"`
	Timestamp time.Time `json:"timestamp"`
}

// SendTxArgs are the eth_sendTransaction parameters.
type SendTxArgs struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// JSONRPCError represents a JSON-RPC error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// DefaultClientConfig returns default configuration.
// Retries are off unless the caller sets MaxRetries.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        10 * time.Second,
		MaxRetries:     0,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
	nextID     atomic.Uint64
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        256,
				MaxIdleConnsPerHost: 128,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
	}
}

// Call makes a JSON-RPC call, retrying retryable HTTP statuses up to MaxRetries times.
func (c *HTTPClient) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	backoff := c.backoff
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		result, err := c.doRequest(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryableHTTPError(err) {
			return nil, fmt.Errorf("%s: %w", method, err)
		}

		backoff = getRetryDelay(err, backoff)
		c.logger.Debug("RPC got retryable HTTP error",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
	}

	return nil, fmt.Errorf("%s: retries exhausted: %w", method, lastErr)
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	return rpcResp.Result, nil
}
