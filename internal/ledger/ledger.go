// Package ledger stores the transactions, blocks and UTXO inputs/outputs of
// a wallet and keeps their spent bits consistent as remote history is merged
// or rolled back.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
)

// digestIndex maps a content digest to row ids in the transaction and
// block tables.
const digestIndex byte = 'd'

var (
	// Footprint is the set of tables owned by the ledger.
	Footprint = storage.Tables(
		storage.TableTransaction,
		storage.TableBlock,
		storage.TableUtxoInput,
		storage.TableUtxoOutput,
	)

	// UTXOs is the subset needed to read or flip spent bits.
	UTXOs = storage.Tables(storage.TableTransaction, storage.TableUtxoInput, storage.TableUtxoOutput)
)

// Status is the local state of a transaction.
type Status uint8

const (
	StatusInBlock Status = iota + 1
	StatusPending
	StatusFailResponse
	StatusNotInRemote
	StatusRollbackFail
)

func (s Status) String() string {
	switch s {
	case StatusInBlock:
		return "IN_BLOCK"
	case StatusPending:
		return "PENDING"
	case StatusFailResponse:
		return "FAIL_RESPONSE"
	case StatusNotInRemote:
		return "NOT_IN_REMOTE"
	case StatusRollbackFail:
		return "ROLLBACK_FAIL"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Transaction is a transaction row.
type Transaction struct {
	ID         uint64    `json:"id"`
	Digest     uint64    `json:"digest"`
	Hash       string    `json:"hash"`
	BlockID    uint64    `json:"block_id,omitempty"`
	Ordinal    *uint32   `json:"ordinal,omitempty"`
	LastUpdate time.Time `json:"last_update"`
	Status     Status    `json:"status"`
}

// Block is a block row.
type Block struct {
	ID     uint64    `json:"id"`
	Digest uint64    `json:"digest"`
	Hash   string    `json:"hash"`
	Height uint64    `json:"height"`
	Slot   uint64    `json:"slot"`
	Time   time.Time `json:"time"`
}

// Input is a transaction input row keyed by (TxID, Index).
type Input struct {
	TxID         uint64 `json:"tx_id"`
	Index        uint32 `json:"index"`
	AddressID    uint64 `json:"address_id"`
	ParentTxHash string `json:"parent_tx_hash"`
	ParentIndex  uint32 `json:"parent_index"`
	Amount       uint64 `json:"amount"`
}

// Output is a transaction output row keyed by (TxID, Index).
type Output struct {
	TxID      uint64 `json:"tx_id"`
	Index     uint32 `json:"index"`
	AddressID uint64 `json:"address_id"`
	Amount    uint64 `json:"amount"`
	Unspent   bool   `json:"unspent"`
}

// Confirmed is an IN_BLOCK transaction with its block.
type Confirmed struct {
	Tx    Transaction
	Block Block
}

// after reports whether c sorts after o in chain order.
func (c Confirmed) after(o Confirmed) bool {
	if c.Block.Height != o.Block.Height {
		return c.Block.Height > o.Block.Height
	}
	return ordinal(c.Tx) > ordinal(o.Tx)
}

func ordinal(t Transaction) int64 {
	if t.Ordinal == nil {
		return -1
	}
	return int64(*t.Ordinal)
}

// TxSet is a set of transaction ids.
type TxSet map[uint64]struct{}

// Add inserts id.
func (s TxSet) Add(id uint64) {
	s[id] = struct{}{}
}

// Has reports whether id is in the set.
func (s TxSet) Has(id uint64) bool {
	_, ok := s[id]
	return ok
}

// Ledger accesses one wallet's ledger tables inside a transaction.
type Ledger struct {
	tx     *storage.Tx
	wallet uint32
}

// New returns a ledger bound to tx and wallet.
func New(tx *storage.Tx, wallet uint32) *Ledger {
	return &Ledger{tx: tx, wallet: wallet}
}

func (l *Ledger) txs() *storage.Bucket     { return l.tx.Bucket(storage.TableTransaction, l.wallet) }
func (l *Ledger) blocks() *storage.Bucket  { return l.tx.Bucket(storage.TableBlock, l.wallet) }
func (l *Ledger) inputs() *storage.Bucket  { return l.tx.Bucket(storage.TableUtxoInput, l.wallet) }
func (l *Ledger) outputs() *storage.Bucket { return l.tx.Bucket(storage.TableUtxoOutput, l.wallet) }

func ioKey(txID uint64, index uint32) []byte {
	return storage.Key(storage.U64(txID), storage.U32(index))
}

// Transaction returns the transaction with id.
func (l *Ledger) Transaction(id uint64) (Transaction, error) {
	var t Transaction
	if err := l.txs().Get(storage.U64(id), &t); err != nil {
		return Transaction{}, fmt.Errorf("transaction %d: %w", id, err)
	}
	return t, nil
}

// Block returns the block with id.
func (l *Ledger) Block(id uint64) (Block, error) {
	var b Block
	if err := l.blocks().Get(storage.U64(id), &b); err != nil {
		return Block{}, fmt.Errorf("block %d: %w", id, err)
	}
	return b, nil
}

// FindTransaction looks a transaction up by hash among candidates. A nil
// candidate set matches any transaction of the wallet.
func (l *Ledger) FindTransaction(hash string, candidates TxSet) (Transaction, bool, error) {
	ids, err := l.txs().Index(digestIndex).Lookup(storage.U64(l.tx.Digest(hash)))
	if err != nil {
		return Transaction{}, false, err
	}
	for _, id := range ids {
		if candidates != nil && !candidates.Has(id) {
			continue
		}
		t, err := l.Transaction(id)
		if err != nil {
			return Transaction{}, false, err
		}
		if t.Hash == hash {
			return t, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (l *Ledger) putTransaction(t Transaction) error {
	return l.txs().Put(storage.U64(t.ID), t)
}

// forEachTransaction calls fn for every transaction of the wallet.
func (l *Ledger) forEachTransaction(fn func(t Transaction) error) error {
	return l.txs().ForEach(nil, func(_, raw []byte) error {
		var t Transaction
		if err := storage.Decode(raw, &t); err != nil {
			return err
		}
		return fn(t)
	})
}

// Inputs returns the inputs of transaction txID in index order.
func (l *Ledger) Inputs(txID uint64) ([]Input, error) {
	var out []Input
	err := l.inputs().ForEach(storage.U64(txID), func(_, raw []byte) error {
		var in Input
		if err := storage.Decode(raw, &in); err != nil {
			return err
		}
		out = append(out, in)
		return nil
	})
	return out, err
}

// Outputs returns the outputs of transaction txID in index order.
func (l *Ledger) Outputs(txID uint64) ([]Output, error) {
	var out []Output
	err := l.outputs().ForEach(storage.U64(txID), func(_, raw []byte) error {
		var o Output
		if err := storage.Decode(raw, &o); err != nil {
			return err
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

// Output returns a single output.
func (l *Ledger) Output(txID uint64, index uint32) (Output, bool, error) {
	var o Output
	err := l.outputs().Get(ioKey(txID, index), &o)
	if errors.Is(err, storage.ErrNotFound) {
		return Output{}, false, nil
	}
	if err != nil {
		return Output{}, false, err
	}
	return o, true, nil
}

// TransactionIDs returns the ids of every transaction of the wallet. Sync
// uses it as the candidate set for matching.
func (l *Ledger) TransactionIDs() (TxSet, error) {
	set := make(TxSet)
	err := l.txs().ForEach(nil, func(key, _ []byte) error {
		set.Add(storage.ReadU64(key))
		return nil
	})
	return set, err
}

// Delete removes every ledger row of the wallet.
func (l *Ledger) Delete() error {
	for _, b := range []*storage.Bucket{l.txs(), l.blocks(), l.inputs(), l.outputs()} {
		if err := b.Clear(); err != nil {
			return err
		}
	}
	return nil
}
