package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	klog "github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
)

// JSON-RPC error codes used by the indexer.
const (
	CodeInvalidParams     = -32602
	CodeInternalError     = -32603
	CodeNotFound          = -32000
	CodeReferenceMismatch = -32050
)

// RPC method names.
const (
	MethodIsUsed    = "addresses_filterUsed"
	MethodHistory   = "history_fetch"
	MethodBestBlock = "chain_bestBlock"
	MethodUTXOs     = "utxo_getByAddresses"
)

// ClientConfig configures an RPCClient.
type ClientConfig struct {
	URL     string
	Timeout time.Duration
	// RateLimit is the maximum number of requests per second. Zero disables
	// pacing.
	RateLimit int
	// BreakerMinRequests and BreakerRatio decide when the breaker opens.
	BreakerMinRequests uint32
	BreakerRatio       float64
	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration
}

// RPCClient talks JSON-RPC 2.0 over HTTP to the chain indexer.
type RPCClient struct {
	endpoint string
	http     *http.Client
	cb       *gobreaker.CircuitBreaker
	limiter  ratelimit.Limiter
	nextID   atomic.Uint64
}

var _ Backend = (*RPCClient)(nil)

// NewRPCClient creates a client for cfg.URL.
func NewRPCClient(cfg ClientConfig) *RPCClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerMinRequests == 0 {
		cfg.BreakerMinRequests = 10
	}
	if cfg.BreakerRatio <= 0 {
		cfg.BreakerRatio = 0.6
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.RateLimit > 0 {
		limiter = ratelimit.New(cfg.RateLimit)
	}
	minRequests, ratio := cfg.BreakerMinRequests, cfg.BreakerRatio
	return &RPCClient{
		endpoint: cfg.URL,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  limiter,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "backend",
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= minRequests && failRatio >= ratio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				klog.Backend.Warn().Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state changed")
			},
		}),
	}
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError is returned when the server responds with an error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call invokes method and decodes the result into result. Only transport
// failures count against the circuit breaker; errors reported by the server
// are returned as *RPCError, and a done ctx is returned as its own error.
func (c *RPCClient) Call(ctx context.Context, method string, params, result interface{}) error {
	c.limiter.Take()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	var (
		rpcErr *RPCError
		ctxErr error
	)
	raw, err := c.cb.Execute(func() (interface{}, error) {
		res, err := c.roundTrip(ctx, method, params)
		if err != nil {
			if ctxErr = ctx.Err(); ctxErr != nil {
				// Cancelled by the caller, not a backend failure.
				return nil, nil
			}
			return nil, err
		}
		if res.Error != nil {
			rpcErr = res.Error
			return nil, nil
		}
		return res.Result, nil
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%s: %w: %v", method, ErrUnavailable, err)
	case err != nil:
		return fmt.Errorf("%s: %w: %v", method, ErrUnavailable, err)
	case ctxErr != nil:
		return fmt.Errorf("%s: %w", method, ctxErr)
	case rpcErr != nil:
		if rpcErr.Code == CodeReferenceMismatch {
			return fmt.Errorf("%s: %w: %s", method, ErrReorg, rpcErr.Message)
		}
		return fmt.Errorf("%s: %w", method, rpcErr)
	}

	data, _ := raw.(json.RawMessage)
	if result != nil && data != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *RPCClient) roundTrip(ctx context.Context, method string, params interface{}) (*response, error) {
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &rpcResp, nil
}

// IsUsed implements Backend.
func (c *RPCClient) IsUsed(ctx context.Context, addrs []string) ([]string, error) {
	var used []string
	if err := c.Call(ctx, MethodIsUsed, struct {
		Addresses []string `json:"addresses"`
	}{addrs}, &used); err != nil {
		return nil, err
	}
	return used, nil
}

// FetchHistory implements Backend.
func (c *RPCClient) FetchHistory(ctx context.Context, req HistoryRequest) ([]Tx, error) {
	var txs []Tx
	if err := c.Call(ctx, MethodHistory, req, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// FetchBestBlock implements Backend.
func (c *RPCClient) FetchBestBlock(ctx context.Context) (BestBlock, error) {
	var best BestBlock
	err := c.Call(ctx, MethodBestBlock, nil, &best)
	return best, err
}

// FetchUTXOs implements Backend.
func (c *RPCClient) FetchUTXOs(ctx context.Context, addrs []string) ([]Utxo, error) {
	var utxos []Utxo
	if err := c.Call(ctx, MethodUTXOs, struct {
		Addresses []string `json:"addresses"`
	}{addrs}, &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}
