package ledger

import (
	"sort"

	"github.com/Klingon-tech/klingnet-ledger/internal/resolver"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
)

// Balance sums the wallet's owned outputs.
type Balance struct {
	// Confirmed is the value of unspent owned outputs of IN_BLOCK
	// transactions.
	Confirmed uint64
	// Incoming is the value of owned outputs of PENDING transactions.
	Incoming uint64
	// Outgoing is the value of owned inputs of PENDING transactions.
	Outgoing uint64
}

// Balance computes the balance of owned.
func (l *Ledger) Balance(owned resolver.OwnedSet) (Balance, error) {
	var bal Balance
	err := l.forEachTransaction(func(t Transaction) error {
		switch t.Status {
		case StatusInBlock:
			outs, err := l.Outputs(t.ID)
			if err != nil {
				return err
			}
			for _, o := range outs {
				if o.Unspent && owned.Has(o.AddressID) {
					bal.Confirmed += o.Amount
				}
			}
		case StatusPending:
			outs, err := l.Outputs(t.ID)
			if err != nil {
				return err
			}
			for _, o := range outs {
				if owned.Has(o.AddressID) {
					bal.Incoming += o.Amount
				}
			}
			ins, err := l.Inputs(t.ID)
			if err != nil {
				return err
			}
			for _, in := range ins {
				if owned.Has(in.AddressID) {
					bal.Outgoing += in.Amount
				}
			}
		}
		return nil
	})
	return bal, err
}

// Unspent is an unspent owned output.
type Unspent struct {
	TxHash    string
	Index     uint32
	AddressID uint64
	Amount    uint64
	Height    uint64
}

// ListUnspent returns the unspent owned outputs of IN_BLOCK transactions.
func (l *Ledger) ListUnspent(owned resolver.OwnedSet) ([]Unspent, error) {
	var out []Unspent
	err := l.forEachTransaction(func(t Transaction) error {
		if t.Status != StatusInBlock {
			return nil
		}
		b, err := l.Block(t.BlockID)
		if err != nil {
			return err
		}
		outs, err := l.Outputs(t.ID)
		if err != nil {
			return err
		}
		for _, o := range outs {
			if !o.Unspent || !owned.Has(o.AddressID) {
				continue
			}
			out = append(out, Unspent{
				TxHash:    t.Hash,
				Index:     o.Index,
				AddressID: o.AddressID,
				Amount:    o.Amount,
				Height:    b.Height,
			})
		}
		return nil
	})
	return out, err
}

// Entry is one line of wallet history.
type Entry struct {
	Tx    Transaction
	Block *Block
	// Received and Sent are the owned output and input totals.
	Received uint64
	Sent     uint64
}

// History returns up to limit transactions, newest first. Transactions
// without a block sort before confirmed ones, by last update. A limit of
// zero returns everything.
func (l *Ledger) History(owned resolver.OwnedSet, limit int) ([]Entry, error) {
	var entries []Entry
	err := l.forEachTransaction(func(t Transaction) error {
		e := Entry{Tx: t}
		if t.BlockID != 0 {
			b, err := l.Block(t.BlockID)
			if err != nil {
				return err
			}
			e.Block = &b
		}
		outs, err := l.Outputs(t.ID)
		if err != nil {
			return err
		}
		for _, o := range outs {
			if owned.Has(o.AddressID) {
				e.Received += o.Amount
			}
		}
		ins, err := l.Inputs(t.ID)
		if err != nil {
			return err
		}
		for _, in := range ins {
			if owned.Has(in.AddressID) {
				e.Sent += in.Amount
			}
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.Block == nil && b.Block == nil:
			return a.Tx.LastUpdate.After(b.Tx.LastUpdate)
		case a.Block == nil:
			return true
		case b.Block == nil:
			return false
		}
		return Confirmed{Tx: a.Tx, Block: *a.Block}.after(Confirmed{Tx: b.Tx, Block: *b.Block})
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ReclaimOrphanBlocks deletes blocks no transaction refers to and returns
// how many were removed.
func (l *Ledger) ReclaimOrphanBlocks() (int, error) {
	referenced := make(map[uint64]struct{})
	err := l.forEachTransaction(func(t Transaction) error {
		if t.BlockID != 0 {
			referenced[t.BlockID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var orphans []Block
	err = l.blocks().ForEach(nil, func(_, raw []byte) error {
		var b Block
		if err := storage.Decode(raw, &b); err != nil {
			return err
		}
		if _, ok := referenced[b.ID]; !ok {
			orphans = append(orphans, b)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, b := range orphans {
		if err := l.blocks().Index(digestIndex).Remove(storage.U64(b.Digest), b.ID); err != nil {
			return 0, err
		}
		if err := l.blocks().Delete(storage.U64(b.ID)); err != nil {
			return 0, err
		}
	}
	return len(orphans), nil
}
