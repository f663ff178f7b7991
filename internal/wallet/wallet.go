package wallet

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-ledger/internal/backend"
	"github.com/Klingon-tech/klingnet-ledger/internal/derivation"
	"github.com/Klingon-tech/klingnet-ledger/internal/keys"
	"github.com/Klingon-tech/klingnet-ledger/internal/ledger"
	"github.com/Klingon-tech/klingnet-ledger/internal/resolver"
	"github.com/Klingon-tech/klingnet-ledger/internal/scan"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/internal/syncer"
)

// Wallet is a loaded wallet. Capabilities are nil when the stored key
// material does not allow them.
type Wallet struct {
	rec      Record
	store    *storage.Store
	backend  backend.Backend
	gapLimit int
	syncer   *syncer.Syncer

	Public  PublicDeriver
	Private PrivateDeriver
	Scanner AddressScanner
}

// ID returns the wallet id.
func (w *Wallet) ID() uint32 { return w.rec.ID }

// Record returns the registry row.
func (w *Wallet) Record() Record { return w.rec }

// scanChains returns the chains kept materialized by scanning.
func (w *Wallet) scanChains() []scan.Chain {
	return []scan.Chain{
		{Index: keys.ChainExternal, NodeID: w.rec.Chains[keys.ChainExternal]},
		{Index: keys.ChainInternal, NodeID: w.rec.Chains[keys.ChainInternal]},
	}
}

// Syncer returns the wallet's syncer, nil when no backend is configured.
func (w *Wallet) Syncer() *syncer.Syncer { return w.syncer }

// Sync runs one sync cycle.
func (w *Wallet) Sync(ctx context.Context) (syncer.Report, error) {
	if w.syncer == nil {
		return syncer.Report{}, ErrOffline
	}
	return w.syncer.SyncOnce(ctx)
}

// ScanOffline materializes the address chains without asking the backend.
func (w *Wallet) ScanOffline(ctx context.Context) ([]scan.ChainResult, error) {
	if w.Scanner == nil {
		return nil, fmt.Errorf("wallet %d cannot derive addresses", w.ID())
	}
	owned, err := w.owned(ctx)
	if err != nil {
		return nil, err
	}
	return w.Scanner.Scan(ctx, w.scanChains(), owned)
}

func (w *Wallet) owned(ctx context.Context) (resolver.OwnedSet, error) {
	var owned resolver.OwnedSet
	err := w.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		owned, err = resolver.New(tx, w.ID()).LoadOwned()
		return err
	})
	return owned, err
}

// Balance returns the balance of the owned addresses.
func (w *Wallet) Balance(ctx context.Context) (ledger.Balance, error) {
	var bal ledger.Balance
	err := w.store.View(ctx, func(tx *storage.Tx) error {
		owned, err := resolver.New(tx, w.ID()).LoadOwned()
		if err != nil {
			return err
		}
		bal, err = ledger.New(tx, w.ID()).Balance(owned)
		return err
	})
	return bal, err
}

// History returns up to limit transactions, pending first, then newest
// first. A limit of zero returns everything.
func (w *Wallet) History(ctx context.Context, limit int) ([]ledger.Entry, error) {
	var out []ledger.Entry
	err := w.store.View(ctx, func(tx *storage.Tx) error {
		owned, err := resolver.New(tx, w.ID()).LoadOwned()
		if err != nil {
			return err
		}
		out, err = ledger.New(tx, w.ID()).History(owned, limit)
		return err
	})
	return out, err
}

// AddressInfo describes one owned address for display.
type AddressInfo struct {
	Chain   uint32
	Index   uint32
	Address string
	Used    bool
}

// Addresses lists the addresses of a chain. On the external chain only the
// addresses up to the display cutoff are listed.
func (w *Wallet) Addresses(ctx context.Context, chain uint32) ([]AddressInfo, error) {
	if w.Public == nil {
		return nil, fmt.Errorf("wallet %d cannot derive addresses", w.ID())
	}
	chainID, ok := w.rec.Chains[chain]
	if !ok {
		return nil, fmt.Errorf("unknown chain %d", chain)
	}

	var out []AddressInfo
	err := w.store.View(ctx, func(tx *storage.Tx) error {
		d := derivation.New(tx, w.ID())
		r := resolver.New(tx, w.ID())
		rec, err := d.Chain(chainID)
		if err != nil {
			return err
		}
		used, err := ledger.New(tx, w.ID()).UsedAddressIDs()
		if err != nil {
			return err
		}
		nodes, err := d.Children(chainID)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if chain == keys.ChainExternal && n.Index > rec.DisplayCutoff {
				break
			}
			set, err := w.Public.Address(chain, n.Index)
			if err != nil {
				return err
			}
			info := AddressInfo{Chain: chain, Index: n.Index, Address: set.Canonical.String()}
			ids, err := r.NodeAddresses(n.ID)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if _, ok := used[id]; ok {
					info.Used = true
					break
				}
			}
			out = append(out, info)
		}
		return nil
	})
	return out, err
}

// RevealNext reveals the next external address within the gap limit.
func (w *Wallet) RevealNext(ctx context.Context) (AddressInfo, error) {
	if w.Public == nil {
		return AddressInfo{}, fmt.Errorf("wallet %d cannot derive addresses", w.ID())
	}
	idx, err := scan.RevealNext(ctx, w.store, w.ID(), w.rec.Chains[keys.ChainExternal], w.gapLimit)
	if err != nil {
		return AddressInfo{}, err
	}
	set, err := w.Public.Address(keys.ChainExternal, idx)
	if err != nil {
		return AddressInfo{}, err
	}
	return AddressInfo{Chain: keys.ChainExternal, Index: idx, Address: set.Canonical.String()}, nil
}

// UtxoDiff is the difference between the local and the remote unspent sets.
type UtxoDiff struct {
	// Missing are local unspent outputs the backend does not report.
	Missing []ledger.Unspent
	// Unexpected are remote outputs not unspent locally.
	Unexpected []backend.Utxo
}

// Consistent reports whether both sides agree.
func (d UtxoDiff) Consistent() bool {
	return len(d.Missing) == 0 && len(d.Unexpected) == 0
}

func outpoint(hash string, index uint32) string {
	return fmt.Sprintf("%s:%d", hash, index)
}

// VerifyUtxos compares the local unspent outputs of IN_BLOCK transactions
// with the backend's view of the owned addresses.
func (w *Wallet) VerifyUtxos(ctx context.Context) (UtxoDiff, error) {
	if w.backend == nil {
		return UtxoDiff{}, ErrOffline
	}
	var (
		local []ledger.Unspent
		addrs []string
	)
	err := w.store.View(ctx, func(tx *storage.Tx) error {
		r := resolver.New(tx, w.ID())
		owned, err := r.LoadOwned()
		if err != nil {
			return err
		}
		if addrs, err = r.OwnedRaw(owned); err != nil {
			return err
		}
		local, err = ledger.New(tx, w.ID()).ListUnspent(owned)
		return err
	})
	if err != nil {
		return UtxoDiff{}, err
	}

	remote, err := w.backend.FetchUTXOs(ctx, addrs)
	if err != nil {
		return UtxoDiff{}, fmt.Errorf("fetch utxos: %w", err)
	}

	var diff UtxoDiff
	seen := make(map[string]struct{}, len(remote))
	for _, u := range remote {
		seen[outpoint(u.TxHash, u.Index)] = struct{}{}
	}
	have := make(map[string]struct{}, len(local))
	for _, u := range local {
		key := outpoint(u.TxHash, u.Index)
		have[key] = struct{}{}
		if _, ok := seen[key]; !ok {
			diff.Missing = append(diff.Missing, u)
		}
	}
	for _, u := range remote {
		if _, ok := have[outpoint(u.TxHash, u.Index)]; !ok {
			diff.Unexpected = append(diff.Unexpected, u)
		}
	}
	return diff, nil
}
