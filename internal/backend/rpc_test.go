package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// rpcHandler answers every request with the value returned by fn.
func rpcHandler(t *testing.T, fn func(method string, params json.RawMessage) (interface{}, *RPCError)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     uint64          `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, rpcErr := fn(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestRPCClient_IsUsed(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		require.Equal(t, MethodIsUsed, method)
		var p struct {
			Addresses []string `json:"addresses"`
		}
		require.NoError(t, json.Unmarshal(params, &p))
		return p.Addresses[:1], nil
	}))
	defer srv.Close()

	c := NewRPCClient(ClientConfig{URL: srv.URL})
	used, err := c.IsUsed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, used)
}

func TestRPCClient_FetchHistory(t *testing.T) {
	ordinal := uint32(3)
	when := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := httptest.NewServer(rpcHandler(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		var req HistoryRequest
		require.NoError(t, json.Unmarshal(params, &req))
		require.Equal(t, "b1", req.After.Block)
		require.Equal(t, "tip", req.UntilBlock)
		return []Tx{{
			Hash:    "t2",
			State:   StateSuccessful,
			Block:   &BlockRef{Hash: "b2", Height: 7, Time: when},
			Ordinal: &ordinal,
			Outputs: []Output{{Address: "x", Amount: 5}},
		}}, nil
	}))
	defer srv.Close()

	c := NewRPCClient(ClientConfig{URL: srv.URL})
	txs, err := c.FetchHistory(context.Background(), HistoryRequest{
		Addresses:  []string{"x"},
		After:      &Cursor{Block: "b1", Tx: "t1"},
		UntilBlock: "tip",
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.True(t, txs[0].Confirmed())
	require.Equal(t, uint64(7), txs[0].Block.Height)
	require.True(t, when.Equal(txs[0].Block.Time))
	require.Equal(t, uint32(3), *txs[0].Ordinal)
}

func TestRPCClient_ReferenceMismatchIsReorg(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(string, json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: CodeReferenceMismatch, Message: "unknown block"}
	}))
	defer srv.Close()

	c := NewRPCClient(ClientConfig{URL: srv.URL})
	_, err := c.FetchHistory(context.Background(), HistoryRequest{})
	require.ErrorIs(t, err, ErrReorg)
}

func TestRPCClient_ServerErrorPassesThrough(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(string, json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "bad"}
	}))
	defer srv.Close()

	c := NewRPCClient(ClientConfig{URL: srv.URL})
	_, err := c.FetchBestBlock(context.Background())
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, CodeInvalidParams, rpcErr.Code)
	require.NotErrorIs(t, err, ErrUnavailable)
}

func TestRPCClient_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewRPCClient(ClientConfig{
		URL:                srv.URL,
		BreakerMinRequests: 3,
		BreakerRatio:       0.5,
		BreakerCooldown:    time.Hour,
	})
	for i := 0; i < 3; i++ {
		_, err := c.FetchBestBlock(context.Background())
		require.ErrorIs(t, err, ErrUnavailable)
	}
	require.Equal(t, int32(3), hits.Load())

	// The breaker is open: the request never reaches the server.
	_, err := c.FetchBestBlock(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, int32(3), hits.Load())
}

func TestRPCClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewRPCClient(ClientConfig{URL: srv.URL})
	_, err := c.IsUsed(ctx, []string{"a"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRPCClient_CancellationKeepsBreakerClosed(t *testing.T) {
	var slow atomic.Bool
	slow.Store(true)
	answer := rpcHandler(t, func(string, json.RawMessage) (interface{}, *RPCError) {
		return []string{"a"}, nil
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slow.Load() {
			<-r.Context().Done()
			return
		}
		answer(w, r)
	}))
	defer srv.Close()

	c := NewRPCClient(ClientConfig{
		URL:                srv.URL,
		BreakerMinRequests: 2,
		BreakerRatio:       0.5,
		BreakerCooldown:    time.Hour,
	})
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := c.IsUsed(ctx, []string{"a"})
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.NotErrorIs(t, err, ErrUnavailable)
	}

	slow.Store(false)
	used, err := c.IsUsed(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, used)
}
