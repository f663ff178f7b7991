// Package backend defines the remote chain-indexer contract consumed by the
// ledger and a JSON-RPC implementation of it.
package backend

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrReorg is returned by FetchHistory when the "after" reference no
	// longer matches the backend's view of the chain.
	ErrReorg = errors.New("backend reference mismatch")

	// ErrUnavailable is returned when the backend cannot be reached, timed
	// out or is shed by the circuit breaker.
	ErrUnavailable = errors.New("backend unavailable")
)

// TxState is the remote state of a transaction.
type TxState string

const (
	StateSuccessful TxState = "Successful"
	StatePending    TxState = "Pending"
	StateFailed     TxState = "Failed"
)

// BlockRef identifies the block a transaction was included in.
type BlockRef struct {
	Hash   string    `json:"hash"`
	Height uint64    `json:"height"`
	Slot   uint64    `json:"slot"`
	Time   time.Time `json:"time"`
}

// Input is a transaction input as reported by the backend.
type Input struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
	TxHash  string `json:"txHash"`
	Index   uint32 `json:"index"`
}

// Output is a transaction output as reported by the backend.
type Output struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// Tx is a transaction record as reported by the backend.
type Tx struct {
	Hash       string    `json:"hash"`
	State      TxState   `json:"state"`
	Block      *BlockRef `json:"block,omitempty"`
	Ordinal    *uint32   `json:"ordinal,omitempty"`
	LastUpdate time.Time `json:"lastUpdate"`
	Inputs     []Input   `json:"inputs"`
	Outputs    []Output  `json:"outputs"`
}

// Confirmed reports whether the backend places the transaction in a block.
func (t *Tx) Confirmed() bool {
	return t.State == StateSuccessful && t.Block != nil
}

// BestBlock is the tip of the backend's chain. Hash is empty when the
// backend has no blocks, which happens while it resyncs from genesis.
type BestBlock struct {
	Hash   string    `json:"hash"`
	Height uint64    `json:"height"`
	Slot   uint64    `json:"slot"`
	Time   time.Time `json:"time"`
}

// Empty reports whether the backend has no chain.
func (b BestBlock) Empty() bool {
	return b.Hash == ""
}

// Utxo is an unspent output as reported by the backend.
type Utxo struct {
	TxHash  string `json:"txHash"`
	Index   uint32 `json:"index"`
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// Cursor is the last transaction a client already holds.
type Cursor struct {
	Block string `json:"block"`
	Tx    string `json:"tx"`
}

// HistoryRequest asks for transactions touching Addresses after the cursor
// and up to UntilBlock.
type HistoryRequest struct {
	Addresses  []string `json:"addresses"`
	After      *Cursor  `json:"after,omitempty"`
	UntilBlock string   `json:"untilBlock"`
	Limit      int      `json:"limit,omitempty"`
}

// Backend is the remote chain indexer.
type Backend interface {
	// IsUsed returns the subset of addrs that appear on chain.
	IsUsed(ctx context.Context, addrs []string) ([]string, error)
	// FetchHistory returns transactions in chain order. It returns ErrReorg
	// if req.After is unknown to the backend.
	FetchHistory(ctx context.Context, req HistoryRequest) ([]Tx, error)
	FetchBestBlock(ctx context.Context) (BestBlock, error)
	FetchUTXOs(ctx context.Context, addrs []string) ([]Utxo, error)
}
