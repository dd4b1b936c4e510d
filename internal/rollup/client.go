package rollup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/rollupsim/internal/rpc"
)

// APIPath is appended to the rollup base URL.
const APIPath = "/api/v0.2"

// Provider is the layer-2 capability set the simulator consumes.
type Provider interface {
	// AccountState returns the committed state, or nil if the account does not exist yet.
	AccountState(ctx context.Context, addr common.Address) (*AccountState, error)

	// TransactionFee quotes the fee for kind sent by addr in token.
	TransactionFee(ctx context.Context, kind FeeKind, addr common.Address, token string) (*Fee, error)

	// SubmitTx submits a signed transaction and returns its hash.
	SubmitTx(ctx context.Context, tx *SignedTx) (string, error)

	// TxReceipt returns the receipt for a tx hash or a priority operation's L1 hash.
	// It returns nil, nil if the provider has not seen the transaction yet.
	TxReceipt(ctx context.Context, hash string) (*TxReceipt, error)

	// Config returns the network configuration.
	Config(ctx context.Context) (*NetworkConfig, error)
}

// APIError is an error reported inside the REST envelope.
type APIError struct {
	Code    int    `json:"errorType"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rollup API error %d: %s", e.Code, e.Message)
}

type envelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  *APIError       `json:"error"`
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	URL     string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client implements Provider over the REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Provider = (*Client)(nil)

// NewClient creates a REST client for the rollup at cfg.URL.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/") + APIPath,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// AccountState implements Provider.
func (c *Client) AccountState(ctx context.Context, addr common.Address) (*AccountState, error) {
	var state *AccountState
	if err := c.do(ctx, http.MethodGet, "/accounts/"+addr.Hex()+"/committed", nil, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// TransactionFee implements Provider.
func (c *Client) TransactionFee(ctx context.Context, kind FeeKind, addr common.Address, token string) (*Fee, error) {
	req := struct {
		TxType    FeeKind `json:"txType"`
		Address   string  `json:"address"`
		TokenLike string  `json:"tokenLike"`
	}{kind, addr.Hex(), token}

	var fee Fee
	if err := c.do(ctx, http.MethodPost, "/fee", req, &fee); err != nil {
		return nil, err
	}
	if fee.TotalFee == nil {
		return nil, fmt.Errorf("fee quote for %s has no totalFee", kind)
	}
	return &fee, nil
}

// SubmitTx implements Provider.
func (c *Client) SubmitTx(ctx context.Context, tx *SignedTx) (string, error) {
	var hash string
	if err := c.do(ctx, http.MethodPost, "/transactions", tx, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// TxReceipt implements Provider.
func (c *Client) TxReceipt(ctx context.Context, hash string) (*TxReceipt, error) {
	var r *TxReceipt
	if err := c.do(ctx, http.MethodGet, "/transactions/"+hash, nil, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// Config implements Provider.
func (c *Client) Config(ctx context.Context) (*NetworkConfig, error) {
	var cfg NetworkConfig
	if err := c.do(ctx, http.MethodGet, "/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: %w", method, path, &rpc.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(errBody),
		})
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if env.Error != nil {
		return fmt.Errorf("%s %s: %w", method, path, env.Error)
	}
	if env.Status != "" && env.Status != "success" {
		return fmt.Errorf("%s %s: status %q", method, path, env.Status)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", path, err)
	}
	return nil
}
