package ledger

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/internal/backend"
	"github.com/Klingon-tech/klingnet-ledger/internal/resolver"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
	"github.com/stretchr/testify/require"
)

const testWallet = 1

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func addr(b byte) string {
	var c types.Credential
	for i := range c {
		c[i] = b
	}
	return types.NewSingleAddress(c).Hex()
}

var (
	ours    = addr(1)
	change  = addr(2)
	foreign = addr(9)
)

type fixture struct {
	t     *testing.T
	store *storage.Store
	owned resolver.OwnedSet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{t: t, store: s, owned: make(resolver.OwnedSet)}
	err = s.Update(context.Background(), storage.Op{Name: "register", Locks: resolver.Footprint}, func(tx *storage.Tx) error {
		r := resolver.New(tx, testWallet)
		for i, raw := range []string{ours, change} {
			a, err := types.ParseAddress(raw)
			if err != nil {
				return err
			}
			if _, err := r.RegisterOwned(uint64(100+i), f.owned, a); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) merge(txs ...backend.Tx) MergeResult {
	f.t.Helper()
	return f.mergeBatch(false, txs...)
}

func (f *fixture) mergeBatch(partial bool, txs ...backend.Tx) MergeResult {
	f.t.Helper()
	var res MergeResult
	err := f.store.Update(context.Background(), storage.Op{Name: "merge", Locks: MergeFootprint}, func(tx *storage.Tx) error {
		l := New(tx, testWallet)
		candidates, err := l.TransactionIDs()
		if err != nil {
			return err
		}
		res, err = l.Merge(resolver.New(tx, testWallet), Batch{
			Txs:        txs,
			Candidates: candidates,
			Owned:      f.owned,
			Now:        epoch,
			Partial:    partial,
		})
		return err
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) view(fn func(l *Ledger)) {
	f.t.Helper()
	err := f.store.View(context.Background(), func(tx *storage.Tx) error {
		fn(New(tx, testWallet))
		return nil
	})
	require.NoError(f.t, err)
}

func (f *fixture) tx(hash string) Transaction {
	f.t.Helper()
	var t Transaction
	f.view(func(l *Ledger) {
		var ok bool
		var err error
		t, ok, err = l.FindTransaction(hash, nil)
		require.NoError(f.t, err)
		require.True(f.t, ok, "transaction %s not stored", hash)
	})
	return t
}

func (f *fixture) output(hash string, index uint32) Output {
	f.t.Helper()
	t := f.tx(hash)
	var o Output
	f.view(func(l *Ledger) {
		var ok bool
		var err error
		o, ok, err = l.Output(t.ID, index)
		require.NoError(f.t, err)
		require.True(f.t, ok)
	})
	return o
}

// snapshot returns every ledger and address row of the wallet.
func (f *fixture) snapshot() map[string]string {
	f.t.Helper()
	rows := make(map[string]string)
	err := f.store.View(context.Background(), func(tx *storage.Tx) error {
		for _, table := range Footprint.Union(resolver.Footprint).List() {
			err := tx.Bucket(table, testWallet).ForEach(nil, func(key, raw []byte) error {
				rows[table.String()+"/"+hex.EncodeToString(key)] = string(raw)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(f.t, err)
	return rows
}

func confirmed(hash string, height uint64, ordinal uint32) backend.Tx {
	return backend.Tx{
		Hash:       hash,
		State:      backend.StateSuccessful,
		Block:      &backend.BlockRef{Hash: "block-" + hash, Height: height, Time: epoch},
		Ordinal:    &ordinal,
		LastUpdate: epoch,
	}
}

func pending(hash string) backend.Tx {
	return backend.Tx{Hash: hash, State: backend.StatePending, LastUpdate: epoch}
}

func TestMerge_Idempotent(t *testing.T) {
	f := newFixture(t)

	funding := confirmed("aa", 10, 0)
	funding.Inputs = []backend.Input{{Address: foreign, Amount: 600, TxHash: "00", Index: 0}}
	funding.Outputs = []backend.Output{{Address: ours, Amount: 500}, {Address: foreign, Amount: 100}}

	spend := confirmed("bb", 11, 0)
	spend.Inputs = []backend.Input{{Address: ours, Amount: 500, TxHash: "aa", Index: 0}}
	spend.Outputs = []backend.Output{{Address: foreign, Amount: 300}, {Address: change, Amount: 200}}

	mempool := pending("cc")
	mempool.Inputs = []backend.Input{{Address: change, Amount: 200, TxHash: "bb", Index: 1}}
	mempool.Outputs = []backend.Output{{Address: foreign, Amount: 200}}

	batch := []backend.Tx{funding, spend, mempool}

	first := f.merge(batch...)
	require.Equal(t, 3, first.Inserted)
	require.Len(t, first.Confirmed, 2)
	require.False(t, f.output("aa", 0).Unspent)
	require.True(t, f.output("aa", 1).Unspent, "foreign outputs stay unspent")
	require.True(t, f.output("bb", 1).Unspent, "pending spends do not flip bits")

	before := f.snapshot()
	second := f.merge(batch...)
	require.Equal(t, MergeResult{}, second)
	require.Equal(t, before, f.snapshot())
}

func TestMerge_ConfirmationKeepsInputsOutputs(t *testing.T) {
	f := newFixture(t)

	p := pending("dd")
	p.Inputs = []backend.Input{{Address: foreign, Amount: 50, TxHash: "ee", Index: 2}}
	p.Outputs = []backend.Output{{Address: ours, Amount: 50}}
	f.merge(p)

	id := f.tx("dd").ID
	var ins []Input
	var outs []Output
	f.view(func(l *Ledger) {
		var err error
		ins, err = l.Inputs(id)
		require.NoError(t, err)
		outs, err = l.Outputs(id)
		require.NoError(t, err)
	})

	c := confirmed("dd", 20, 4)
	c.Inputs = []backend.Input{{Address: change, Amount: 1, TxHash: "ff", Index: 0}}
	c.Outputs = []backend.Output{{Address: foreign, Amount: 1}}
	res := f.merge(c)
	require.Equal(t, []uint64{id}, res.Confirmed)
	require.Equal(t, 1, res.Updated)

	got := f.tx("dd")
	require.Equal(t, StatusInBlock, got.Status)
	require.Equal(t, uint32(4), *got.Ordinal)
	f.view(func(l *Ledger) {
		gotIns, err := l.Inputs(id)
		require.NoError(t, err)
		gotOuts, err := l.Outputs(id)
		require.NoError(t, err)
		require.Equal(t, ins, gotIns)
		require.Equal(t, outs, gotOuts)
	})

	// A later pending report does not demote the transaction.
	res = f.merge(pending("dd"))
	require.Zero(t, res.Updated)
	require.Equal(t, StatusInBlock, f.tx("dd").Status)
}

func TestMerge_PendingExpiry(t *testing.T) {
	f := newFixture(t)

	first := pending("p1")
	first.Outputs = []backend.Output{{Address: ours, Amount: 5}}
	f.merge(first)

	second := pending("p2")
	second.Outputs = []backend.Output{{Address: ours, Amount: 7}}
	res := f.merge(second)

	require.Equal(t, 1, res.Expired)
	require.Equal(t, StatusNotInRemote, f.tx("p1").Status)
	require.Equal(t, StatusPending, f.tx("p2").Status)
}

func TestMerge_PartialBatchKeepsPending(t *testing.T) {
	f := newFixture(t)

	first := pending("p1")
	first.Outputs = []backend.Output{{Address: ours, Amount: 5}}
	f.merge(first)

	second := pending("p2")
	second.Outputs = []backend.Output{{Address: ours, Amount: 7}}
	res := f.mergeBatch(true, second)

	require.Equal(t, 1, res.Inserted)
	require.Zero(t, res.Expired)
	require.Equal(t, StatusPending, f.tx("p1").Status)
}

func TestMerge_FailedResponse(t *testing.T) {
	f := newFixture(t)
	failed := backend.Tx{Hash: "bad", State: backend.StateFailed}
	failed.Outputs = []backend.Output{{Address: ours, Amount: 1}}
	f.merge(failed)

	got := f.tx("bad")
	require.Equal(t, StatusFailResponse, got.Status)
	require.True(t, epoch.Equal(got.LastUpdate))
	require.Zero(t, got.BlockID)
}

func TestMerge_SharedBlock(t *testing.T) {
	f := newFixture(t)
	a := confirmed("t1", 5, 0)
	b := confirmed("t2", 5, 1)
	b.Block = a.Block
	a.Outputs = []backend.Output{{Address: ours, Amount: 1}}
	b.Outputs = []backend.Output{{Address: ours, Amount: 1}}
	f.merge(a, b)
	require.Equal(t, f.tx("t1").BlockID, f.tx("t2").BlockID)
}

func TestMerge_RequiresLocks(t *testing.T) {
	f := newFixture(t)
	p := pending("x")
	p.Outputs = []backend.Output{{Address: ours, Amount: 1}}
	err := f.store.Update(context.Background(), storage.Op{Name: "merge", Locks: Footprint}, func(tx *storage.Tx) error {
		_, err := New(tx, testWallet).Merge(resolver.New(tx, testWallet), Batch{
			Txs:   []backend.Tx{p},
			Owned: f.owned,
		})
		return err
	})
	require.ErrorIs(t, err, storage.ErrLockSafety)
}

// rollbackFixture stores transactions at heights 970, 985 and 990 where the
// one at 985 spends the one at 970, plus a pending transaction.
func rollbackFixture(t *testing.T) *fixture {
	f := newFixture(t)

	old := confirmed("h970", 970, 0)
	old.Outputs = []backend.Output{{Address: ours, Amount: 1000}}

	mid := confirmed("h985", 985, 0)
	mid.Inputs = []backend.Input{{Address: ours, Amount: 1000, TxHash: "h970", Index: 0}}
	mid.Outputs = []backend.Output{{Address: change, Amount: 900}, {Address: foreign, Amount: 100}}

	tip := confirmed("h990", 990, 0)
	tip.Outputs = []backend.Output{{Address: ours, Amount: 1}}

	p := pending("mem")
	p.Outputs = []backend.Output{{Address: ours, Amount: 3}}

	f.merge(old, mid, tip, p)
	require.False(t, f.output("h970", 0).Unspent)
	return f
}

func (f *fixture) rollback(height uint64) RollbackResult {
	f.t.Helper()
	var res RollbackResult
	err := f.store.Update(context.Background(), storage.Op{Name: "rollback", Locks: Footprint}, func(tx *storage.Tx) error {
		var err error
		res, err = New(tx, testWallet).Rollback(height)
		return err
	})
	require.NoError(f.t, err)
	return res
}

func TestRollback(t *testing.T) {
	f := rollbackFixture(t)

	var best Confirmed
	f.view(func(l *Ledger) {
		var ok bool
		var err error
		best, ok, err = l.Best(Unbounded)
		require.NoError(t, err)
		require.True(t, ok)
	})
	require.Equal(t, uint64(990), best.Block.Height)

	res := f.rollback(best.Block.Height - 10)
	require.Equal(t, RollbackResult{Failed: 2, Pending: 1, Restored: 1}, res)

	require.Equal(t, StatusInBlock, f.tx("h970").Status)
	for _, h := range []string{"h985", "h990", "mem"} {
		got := f.tx(h)
		require.Equal(t, StatusRollbackFail, got.Status, h)
		require.Zero(t, got.BlockID, h)
	}
	require.True(t, f.output("h970", 0).Unspent)

	f.view(func(l *Ledger) {
		best, ok, err := l.Best(980)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "h970", best.Tx.Hash)
	})
}

func TestRollback_ThenResync(t *testing.T) {
	f := rollbackFixture(t)
	f.rollback(980)

	// The backend reports the spend again in a new block.
	mid := confirmed("h985", 986, 2)
	mid.Block.Hash = "other"
	res := f.merge(mid)
	require.Equal(t, 1, len(res.Confirmed))
	require.False(t, f.output("h970", 0).Unspent)
	require.Equal(t, StatusInBlock, f.tx("h985").Status)
}

func TestReclaimOrphanBlocks(t *testing.T) {
	f := rollbackFixture(t)
	f.rollback(980)

	var n int
	err := f.store.Update(context.Background(), storage.Op{Name: "reclaim", Locks: Footprint}, func(tx *storage.Tx) error {
		var err error
		n, err = New(tx, testWallet).ReclaimOrphanBlocks()
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	f.view(func(l *Ledger) {
		_, err := l.Block(f.tx("h970").BlockID)
		require.NoError(t, err)
	})
}

func TestBalanceAndHistory(t *testing.T) {
	f := rollbackFixture(t)

	f.view(func(l *Ledger) {
		bal, err := l.Balance(f.owned)
		require.NoError(t, err)
		// h970:0 is spent; h985:0 (change) and h990:0 remain.
		require.Equal(t, Balance{Confirmed: 901, Incoming: 3}, bal)

		utxos, err := l.ListUnspent(f.owned)
		require.NoError(t, err)
		require.Len(t, utxos, 2)

		hist, err := l.History(f.owned, 0)
		require.NoError(t, err)
		require.Len(t, hist, 4)
		require.Equal(t, "mem", hist[0].Tx.Hash)
		require.Nil(t, hist[0].Block)
		require.Equal(t, "h990", hist[1].Tx.Hash)
		require.Equal(t, "h970", hist[3].Tx.Hash)
		require.Equal(t, uint64(1000), hist[2].Sent)
		require.Equal(t, uint64(900), hist[2].Received)

		top, err := l.History(f.owned, 2)
		require.NoError(t, err)
		require.Len(t, top, 2)
	})
}

func TestUsedAddressIDs(t *testing.T) {
	f := rollbackFixture(t)
	f.view(func(l *Ledger) {
		used, err := l.UsedAddressIDs()
		require.NoError(t, err)
		require.Len(t, used, 3)
		for id := range f.owned {
			require.Contains(t, used, id)
		}
	})
}
