package ledger

import (
	"time"

	"github.com/Klingon-tech/klingnet-ledger/internal/backend"
	"github.com/Klingon-tech/klingnet-ledger/internal/resolver"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
)

// MergeFootprint is the lock set a merge needs.
var MergeFootprint = Footprint.Union(resolver.Footprint)

// Batch is one sync cycle's worth of remote history.
type Batch struct {
	Txs []backend.Tx
	// Candidates restricts matching to these local transactions. Inserted
	// transactions are added to it.
	Candidates TxSet
	// Owned is the sync operation's owned address set. New aliases found
	// while resolving are added to it.
	Owned resolver.OwnedSet
	// Now stamps inserted transactions the backend sent without a time.
	Now time.Time
	// Partial marks a batch that may be missing pending transactions the
	// backend still reports. Pending transactions are not expired.
	Partial bool
}

// MergeResult summarizes a merge.
type MergeResult struct {
	Inserted  int
	Updated   int
	Expired   int
	Confirmed []uint64
}

// project maps the remote state to a local status.
func project(rt *backend.Tx) Status {
	switch rt.State {
	case backend.StateSuccessful:
		if rt.Block != nil {
			return StatusInBlock
		}
		return StatusPending
	case backend.StatePending:
		return StatusPending
	default:
		return StatusFailResponse
	}
}

// Merge records a batch of remote transactions. Matching transactions get
// their status and block refreshed, new ones are inserted with all of their
// inputs and outputs. Outputs consumed by newly confirmed transactions are
// marked spent, and pending transactions the batch no longer mentions
// become NOT_IN_REMOTE. Merging the same batch twice changes nothing.
//
// r must belong to the same storage transaction.
func (l *Ledger) Merge(r *resolver.Resolver, b Batch) (MergeResult, error) {
	var res MergeResult
	if b.Candidates == nil {
		b.Candidates = make(TxSet)
	}

	var encodings []string
	for i := range b.Txs {
		for _, in := range b.Txs[i].Inputs {
			encodings = append(encodings, in.Address)
		}
		for _, out := range b.Txs[i].Outputs {
			encodings = append(encodings, out.Address)
		}
	}
	resolution, err := r.Resolve(encodings, b.Owned)
	if err != nil {
		return res, err
	}

	seen := make(TxSet, len(b.Txs))
	for i := range b.Txs {
		rt := &b.Txs[i]
		local, ok, err := l.FindTransaction(rt.Hash, b.Candidates)
		if err != nil {
			return res, err
		}

		if ok {
			changed, confirmed, err := l.refresh(local, rt)
			if err != nil {
				return res, err
			}
			if changed {
				res.Updated++
			}
			if confirmed {
				res.Confirmed = append(res.Confirmed, local.ID)
			}
			seen.Add(local.ID)
			continue
		}

		t, err := l.insert(rt, resolution.IDs, b.Now)
		if err != nil {
			return res, err
		}
		b.Candidates.Add(t.ID)
		seen.Add(t.ID)
		res.Inserted++
		if t.Status == StatusInBlock {
			res.Confirmed = append(res.Confirmed, t.ID)
		}
	}

	if _, err := l.MarkInputsSpent(res.Confirmed, true, b.Candidates); err != nil {
		return res, err
	}

	if b.Partial {
		return res, nil
	}
	expired, err := l.expirePending(b.Candidates, seen)
	if err != nil {
		return res, err
	}
	res.Expired = expired
	return res, nil
}

// refresh applies the remote projection to a known transaction. Inputs and
// outputs are never touched. An IN_BLOCK transaction only leaves that state
// through rollback.
func (l *Ledger) refresh(t Transaction, rt *backend.Tx) (changed, confirmed bool, err error) {
	if t.Status == StatusInBlock {
		return false, false, nil
	}

	next := t
	next.Status = project(rt)
	next.BlockID = 0
	next.Ordinal = nil
	if next.Status == StatusInBlock {
		blk, err := l.ensureBlock(rt.Block)
		if err != nil {
			return false, false, err
		}
		next.BlockID = blk.ID
		next.Ordinal = rt.Ordinal
	}
	if !rt.LastUpdate.IsZero() {
		next.LastUpdate = rt.LastUpdate
	}

	if sameProjection(t, next) {
		return false, false, nil
	}
	if err := l.putTransaction(next); err != nil {
		return false, false, err
	}
	return true, next.Status == StatusInBlock, nil
}

func sameProjection(a, b Transaction) bool {
	return a.Status == b.Status &&
		a.BlockID == b.BlockID &&
		ordinal(a) == ordinal(b) &&
		a.LastUpdate.Equal(b.LastUpdate)
}

func (l *Ledger) insert(rt *backend.Tx, ids map[string]uint64, now time.Time) (Transaction, error) {
	id, err := l.txs().NextID()
	if err != nil {
		return Transaction{}, err
	}
	t := Transaction{
		ID:         id,
		Digest:     l.tx.Digest(rt.Hash),
		Hash:       rt.Hash,
		LastUpdate: rt.LastUpdate,
		Status:     project(rt),
	}
	if t.LastUpdate.IsZero() {
		t.LastUpdate = now
	}
	if t.Status == StatusInBlock {
		blk, err := l.ensureBlock(rt.Block)
		if err != nil {
			return Transaction{}, err
		}
		t.BlockID = blk.ID
		t.Ordinal = rt.Ordinal
	}

	if err := l.putTransaction(t); err != nil {
		return Transaction{}, err
	}
	if err := l.txs().Index(digestIndex).Add(storage.U64(t.Digest), t.ID); err != nil {
		return Transaction{}, err
	}

	for i, in := range rt.Inputs {
		addrID, ok := ids[in.Address]
		if !ok {
			return Transaction{}, storage.Invariantf("input address %q of %s was not resolved", in.Address, rt.Hash)
		}
		row := Input{
			TxID:         t.ID,
			Index:        uint32(i),
			AddressID:    addrID,
			ParentTxHash: in.TxHash,
			ParentIndex:  in.Index,
			Amount:       in.Amount,
		}
		if err := l.inputs().Put(ioKey(t.ID, row.Index), row); err != nil {
			return Transaction{}, err
		}
	}
	for i, out := range rt.Outputs {
		addrID, ok := ids[out.Address]
		if !ok {
			return Transaction{}, storage.Invariantf("output address %q of %s was not resolved", out.Address, rt.Hash)
		}
		// Outputs start unspent whether or not they are ours.
		row := Output{
			TxID:      t.ID,
			Index:     uint32(i),
			AddressID: addrID,
			Amount:    out.Amount,
			Unspent:   true,
		}
		if err := l.outputs().Put(ioKey(t.ID, row.Index), row); err != nil {
			return Transaction{}, err
		}
	}
	return t, nil
}

// ensureBlock returns the stored block with ref's hash, inserting it if
// needed.
func (l *Ledger) ensureBlock(ref *backend.BlockRef) (Block, error) {
	if ref == nil {
		return Block{}, storage.Invariantf("confirmed transaction without block")
	}
	digest := l.tx.Digest(ref.Hash)
	ix := l.blocks().Index(digestIndex)
	ids, err := ix.Lookup(storage.U64(digest))
	if err != nil {
		return Block{}, err
	}
	for _, id := range ids {
		b, err := l.Block(id)
		if err != nil {
			return Block{}, err
		}
		if b.Hash == ref.Hash {
			return b, nil
		}
	}

	id, err := l.blocks().NextID()
	if err != nil {
		return Block{}, err
	}
	b := Block{
		ID:     id,
		Digest: digest,
		Hash:   ref.Hash,
		Height: ref.Height,
		Slot:   ref.Slot,
		Time:   ref.Time,
	}
	if err := l.blocks().Put(storage.U64(id), b); err != nil {
		return Block{}, err
	}
	return b, ix.Add(storage.U64(digest), id)
}

// MarkInputsSpent sets the spent bit of every output consumed by the inputs
// of txIDs. Parents are looked up by hash among candidates; inputs whose
// parent is not stored locally are skipped. It returns the number of
// outputs that changed.
func (l *Ledger) MarkInputsSpent(txIDs []uint64, spent bool, candidates TxSet) (int, error) {
	changed := 0
	for _, id := range txIDs {
		inputs, err := l.Inputs(id)
		if err != nil {
			return changed, err
		}
		for _, in := range inputs {
			parent, ok, err := l.FindTransaction(in.ParentTxHash, candidates)
			if err != nil {
				return changed, err
			}
			if !ok {
				continue
			}
			out, ok, err := l.Output(parent.ID, in.ParentIndex)
			if err != nil {
				return changed, err
			}
			if !ok || out.Unspent == !spent {
				continue
			}
			out.Unspent = !spent
			if err := l.outputs().Put(ioKey(out.TxID, out.Index), out); err != nil {
				return changed, err
			}
			changed++
		}
	}
	return changed, nil
}

// expirePending moves pending candidates not in seen to NOT_IN_REMOTE.
func (l *Ledger) expirePending(candidates, seen TxSet) (int, error) {
	var stale []Transaction
	err := l.forEachTransaction(func(t Transaction) error {
		if t.Status == StatusPending && candidates.Has(t.ID) && !seen.Has(t.ID) {
			stale = append(stale, t)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, t := range stale {
		t.Status = StatusNotInRemote
		if err := l.putTransaction(t); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
