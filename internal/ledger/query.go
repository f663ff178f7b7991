package ledger

import (
	"math"

	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
)

// Unbounded is the height limit that admits every block.
const Unbounded = math.MaxUint64

// Best returns the latest IN_BLOCK transaction whose block height is at
// most maxHeight, ordered by height then ordinal.
func (l *Ledger) Best(maxHeight uint64) (Confirmed, bool, error) {
	var (
		best  Confirmed
		found bool
	)
	err := l.forEachTransaction(func(t Transaction) error {
		if t.Status != StatusInBlock || t.BlockID == 0 {
			return nil
		}
		b, err := l.Block(t.BlockID)
		if err != nil {
			return err
		}
		if b.Height > maxHeight {
			return nil
		}
		c := Confirmed{Tx: t, Block: b}
		if !found || c.after(best) {
			best, found = c, true
		}
		return nil
	})
	return best, found, err
}

// AtOrAbove returns every transaction included in a block at or above
// height.
func (l *Ledger) AtOrAbove(height uint64) ([]Confirmed, error) {
	var out []Confirmed
	err := l.forEachTransaction(func(t Transaction) error {
		if t.BlockID == 0 {
			return nil
		}
		b, err := l.Block(t.BlockID)
		if err != nil {
			return err
		}
		if b.Height >= height {
			out = append(out, Confirmed{Tx: t, Block: b})
		}
		return nil
	})
	return out, err
}

// Pending returns every PENDING transaction.
func (l *Ledger) Pending() ([]Transaction, error) {
	var out []Transaction
	err := l.forEachTransaction(func(t Transaction) error {
		if t.Status == StatusPending {
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// UsedAddressIDs returns the ids of every address that appears in an input
// or output.
func (l *Ledger) UsedAddressIDs() (map[uint64]struct{}, error) {
	used := make(map[uint64]struct{})
	err := l.inputs().ForEach(nil, func(_, raw []byte) error {
		var in Input
		if err := storage.Decode(raw, &in); err != nil {
			return err
		}
		used[in.AddressID] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = l.outputs().ForEach(nil, func(_, raw []byte) error {
		var o Output
		if err := storage.Decode(raw, &o); err != nil {
			return err
		}
		used[o.AddressID] = struct{}{}
		return nil
	})
	return used, err
}

// RollbackResult summarizes a rollback.
type RollbackResult struct {
	Failed   int
	Pending  int
	Restored int
}

// Rollback marks every transaction in a block at or above height, and every
// pending transaction, ROLLBACK_FAIL. Outputs they consumed become unspent
// again. Rows are kept for display.
func (l *Ledger) Rollback(height uint64) (RollbackResult, error) {
	var res RollbackResult

	recent, err := l.AtOrAbove(height)
	if err != nil {
		return res, err
	}
	pending, err := l.Pending()
	if err != nil {
		return res, err
	}

	ids := make([]uint64, 0, len(recent))
	for _, c := range recent {
		ids = append(ids, c.Tx.ID)
	}
	candidates, err := l.TransactionIDs()
	if err != nil {
		return res, err
	}
	res.Restored, err = l.MarkInputsSpent(ids, false, candidates)
	if err != nil {
		return res, err
	}

	for _, c := range recent {
		t := c.Tx
		t.Status = StatusRollbackFail
		t.BlockID = 0
		t.Ordinal = nil
		if err := l.putTransaction(t); err != nil {
			return res, err
		}
		res.Failed++
	}
	for _, t := range pending {
		t.Status = StatusRollbackFail
		if err := l.putTransaction(t); err != nil {
			return res, err
		}
		res.Pending++
	}
	return res, nil
}
