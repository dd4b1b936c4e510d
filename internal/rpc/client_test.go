package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// newTestServer answers JSON-RPC requests with the result registered for the method.
func newTestServer(t *testing.T, results map[string]any) (*httptest.Server, func() []JSONRPCRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []JSONRPCRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()

		resp := JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
		res, ok := results[req.Method]
		if !ok {
			resp.Error = &JSONRPCError{Code: -32601, Message: "method not found"}
		} else {
			raw, _ := json.Marshal(res)
			resp.Result = raw
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []JSONRPCRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]JSONRPCRequest(nil), seen...)
	}
}

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: -32000, Message: "nonce too low"}
	if got := err.Error(); got != "RPC error -32000: nonce too low" {
		t.Errorf("RPCError.Error() = %q", got)
	}
}

func TestHTTPStatusError(t *testing.T) {
	tests := []struct {
		name       string
		err        HTTPStatusError
		wantString string
		wantRetry  bool
	}{
		{"429 Too Many Requests", HTTPStatusError{StatusCode: 429, Body: "rate limited"}, "HTTP 429: Too Many Requests (body: rate limited)", true},
		{"502 Bad Gateway", HTTPStatusError{StatusCode: 502}, "HTTP 502: Bad Gateway", true},
		{"503 Service Unavailable", HTTPStatusError{StatusCode: 503}, "HTTP 503: Service Unavailable", true},
		{"504 Gateway Timeout", HTTPStatusError{StatusCode: 504}, "HTTP 504: Gateway Timeout", true},
		{"400 not retryable", HTTPStatusError{StatusCode: 400, Body: "bad"}, "HTTP 400: Bad Request (body: bad)", false},
		{"500 not retryable", HTTPStatusError{StatusCode: 500}, "HTTP 500: Internal Server Error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantString {
				t.Errorf("Error() = %q, want %q", got, tt.wantString)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetry {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestGetRetryDelay(t *testing.T) {
	def := 100 * time.Millisecond
	if got := getRetryDelay(&HTTPStatusError{StatusCode: 429, RetryAfter: 2 * time.Second}, def); got != 2*time.Second {
		t.Errorf("with Retry-After: got %v", got)
	}
	if got := getRetryDelay(&HTTPStatusError{StatusCode: 503}, def); got != def {
		t.Errorf("without Retry-After: got %v", got)
	}
	if got := getRetryDelay(&RPCError{Code: 1}, def); got != def {
		t.Errorf("RPC error: got %v", got)
	}
}

func TestDefaultClientConfigHasNoRetries(t *testing.T) {
	cfg := DefaultClientConfig("http://localhost:4444")
	if cfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", cfg.MaxRetries)
	}
	if cfg.URL != "http://localhost:4444" {
		t.Errorf("URL = %q", cfg.URL)
	}
}

func TestEthMethods(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	txHash := common.HexToHash("0x01")

	srv, seen := newTestServer(t, map[string]any{
		"eth_chainId":             "0x21",
		"eth_getTransactionCount": "0x7",
		"eth_getBalance":          "0xde0b6b3a7640000",
		"eth_gasPrice":            "0x3b9aca00",
		"eth_getBlockByNumber":    map[string]string{"number": "0x10", "hash": "0xabc", "gasLimit": "0x989680", "gasUsed": "0x0", "timestamp": "0x5"},
		"eth_getTransactionReceipt": map[string]string{
			"transactionHash": txHash.Hex(), "status": "0x1", "gasUsed": "0x5208", "blockNumber": "0x11",
		},
		"eth_accounts":        []string{addr.Hex()},
		"eth_sendTransaction": txHash.Hex(),
	})
	c := NewHTTPClient(DefaultClientConfig(srv.URL))
	ctx := context.Background()

	id, err := c.ChainID(ctx)
	if err != nil || id.Int64() != 33 {
		t.Errorf("ChainID = %v, %v", id, err)
	}
	nonce, err := c.GetNonce(ctx, addr)
	if err != nil || nonce != 7 {
		t.Errorf("GetNonce = %d, %v", nonce, err)
	}
	reqs := seen()
	if last := reqs[len(reqs)-1]; last.Params[1] != "pending" {
		t.Errorf("GetNonce should query the pending block, got %v", last.Params)
	}
	bal, err := c.GetBalance(ctx, addr)
	if err != nil || bal.Cmp(big.NewInt(1e18)) != 0 {
		t.Errorf("GetBalance = %v, %v", bal, err)
	}
	gp, err := c.GetGasPrice(ctx)
	if err != nil || gp.Int64() != 1e9 {
		t.Errorf("GetGasPrice = %v, %v", gp, err)
	}
	blk, err := c.GetLatestBlock(ctx)
	if err != nil || blk.GasLimit != 10_000_000 || blk.Number != 16 {
		t.Errorf("GetLatestBlock = %+v, %v", blk, err)
	}
	rcpt, err := c.GetTransactionReceipt(ctx, txHash)
	if err != nil || rcpt == nil || rcpt.Status != 1 || rcpt.BlockNumber != 17 {
		t.Errorf("GetTransactionReceipt = %+v, %v", rcpt, err)
	}
	accs, err := c.Accounts(ctx)
	if err != nil || len(accs) != 1 || accs[0] != addr {
		t.Errorf("Accounts = %v, %v", accs, err)
	}
	h, err := c.SendTransaction(ctx, SendTxArgs{From: addr, To: addr, Value: big.NewInt(1)})
	if err != nil || h != txHash {
		t.Errorf("SendTransaction = %v, %v", h, err)
	}
}

func TestReceiptNotMined(t *testing.T) {
	srv, _ := newTestServer(t, map[string]any{"eth_getTransactionReceipt": nil})
	c := NewHTTPClient(DefaultClientConfig(srv.URL))

	rcpt, err := c.GetTransactionReceipt(context.Background(), common.Hash{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rcpt != nil {
		t.Errorf("expected nil receipt, got %+v", rcpt)
	}
}

func TestCallRPCErrorNotRetried(t *testing.T) {
	srv, seen := newTestServer(t, map[string]any{})
	cfg := DefaultClientConfig(srv.URL)
	cfg.MaxRetries = 3
	c := NewHTTPClient(cfg)

	_, err := c.Call(context.Background(), "eth_unknown", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("expected RPCError -32601, got %v", err)
	}
	if n := len(seen()); n != 1 {
		t.Errorf("RPC errors must not be retried, saw %d requests", n)
	}
}

func TestCallRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(JSONRPCResponse{JSONRPC: "2.0", Result: json.RawMessage(`"0x1"`)})
	}))
	defer srv.Close()

	cfg := DefaultClientConfig(srv.URL)
	cfg.MaxRetries = 1
	cfg.InitialBackoff = time.Millisecond
	c := NewHTTPClient(cfg)

	n, err := c.GetNonce(context.Background(), common.Address{})
	if err != nil || n != 1 {
		t.Fatalf("GetNonce = %d, %v", n, err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestCallNoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(DefaultClientConfig(srv.URL))
	_, err := c.GetGasPrice(context.Background())
	var httpErr *HTTPStatusError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected HTTP 502 error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}
