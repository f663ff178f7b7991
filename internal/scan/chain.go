package scan

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-ledger/internal/derivation"
	"github.com/Klingon-tech/klingnet-ledger/internal/keys"
	"github.com/Klingon-tech/klingnet-ledger/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/resolver"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/rs/zerolog"
)

var (
	// PersistFootprint is the lock set used to store scanned addresses.
	PersistFootprint = derivation.KnownLevel(derivation.LevelChain, derivation.LevelAddress).
				Union(resolver.Footprint)

	// RevealFootprint is the lock set of RevealNext.
	RevealFootprint = PersistFootprint.Union(storage.Tables(storage.TableUtxoInput, storage.TableUtxoOutput))

	// ErrGapLimit is returned when revealing another address would leave
	// more than the gap limit of unused addresses.
	ErrGapLimit = errors.New("gap limit reached")
)

// Config holds the scanner limits.
type Config struct {
	GapLimit    int
	RequestSize int
}

// Chain identifies one derivation chain of an account.
type Chain struct {
	Index  uint32
	NodeID uint64
}

// ChainResult summarizes one chain scan.
type ChainResult struct {
	Chain       uint32
	HighestUsed int
	Total       int
	Added       int
	Calls       int
}

// Scanner keeps the address chains of one wallet account materialized.
type Scanner struct {
	store   *storage.Store
	wallet  uint32
	account *keys.AccountKeys
	cfg     Config
	oracle  Oracle
	log     zerolog.Logger
}

// NewScanner creates a scanner. A nil oracle scans offline.
func NewScanner(store *storage.Store, wallet uint32, account *keys.AccountKeys, cfg Config, oracle Oracle) *Scanner {
	return &Scanner{
		store:   store,
		wallet:  wallet,
		account: account,
		cfg:     cfg,
		oracle:  oracle,
		log:     klog.WithWallet(klog.Scan, wallet),
	}
}

// generator returns the canonical encodings of a chain.
func (s *Scanner) generator(chain uint32) Generator {
	return func(indices []uint32) ([]string, error) {
		sets, err := s.account.Generate(chain, indices)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(sets))
		for i, set := range sets {
			out[i] = set.Canonical.Hex()
		}
		return out, nil
	}
}

// highestUsed returns the highest index of chain whose addresses appear in
// the ledger, or -1, and the address nodes already stored.
func highestUsed(tx *storage.Tx, wallet uint32, chainID uint64) (int, map[uint32]uint64, error) {
	children, err := derivation.New(tx, wallet).Children(chainID)
	if err != nil {
		return 0, nil, err
	}
	used, err := ledger.New(tx, wallet).UsedAddressIDs()
	if err != nil {
		return 0, nil, err
	}
	r := resolver.New(tx, wallet)

	highest := -1
	nodes := make(map[uint32]uint64, len(children))
	for _, c := range children {
		nodes[c.Index] = c.ID
		ids, err := r.NodeAddresses(c.ID)
		if err != nil {
			return 0, nil, err
		}
		for _, id := range ids {
			if _, ok := used[id]; ok {
				highest = int(c.Index)
				break
			}
		}
	}
	return highest, nodes, nil
}

// ScanChain discovers the used prefix of chain and stores every missing
// address up to the gap. New owned address ids are added to owned, which
// may be nil.
//
// The network is only consulted between two storage transactions, so no
// locks are held while waiting on the oracle. If the oracle fails, the
// chain is still materialized offline and the oracle error is returned.
func (s *Scanner) ScanChain(ctx context.Context, chain Chain, owned resolver.OwnedSet) (ChainResult, error) {
	res := ChainResult{Chain: chain.Index}

	var stored map[uint32]uint64
	err := s.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		res.HighestUsed, stored, err = highestUsed(tx, s.wallet, chain.NodeID)
		return err
	})
	if err != nil {
		return res, err
	}

	gen := s.generator(chain.Index)
	var (
		addrs     []string
		oracleErr error
	)
	if s.oracle != nil {
		d, err := Discover(ctx, Params{
			HighestUsed: res.HighestUsed,
			ScanSize:    s.cfg.GapLimit,
			RequestSize: s.cfg.RequestSize,
			Generate:    gen,
			IsUsed:      s.oracle,
		})
		if err == nil {
			addrs, res.HighestUsed, res.Calls = d.Addresses, d.HighestUsed, d.Calls
		} else if ctx.Err() != nil || errors.Is(err, ErrBadParams) {
			return res, err
		} else {
			oracleErr = err
			s.log.Warn().Err(err).Uint32("chain", chain.Index).Msg("Address discovery failed, materializing offline")
		}
	}
	if addrs == nil {
		addrs, err = Materialize(gen, res.HighestUsed, s.cfg.GapLimit)
		if err != nil {
			return res, err
		}
	}
	res.Total = len(addrs)

	var missing []uint32
	for i := range addrs {
		if _, ok := stored[uint32(i)]; !ok {
			missing = append(missing, uint32(i))
		}
	}

	op := storage.Op{Name: "scan-chain", Locks: PersistFootprint}
	err = s.store.Update(ctx, op, func(tx *storage.Tx) error {
		added, err := s.persist(tx, chain, missing, owned)
		if err != nil {
			return err
		}
		res.Added = added
		if chain.Index == keys.ChainExternal {
			_, err = derivation.New(tx, s.wallet).SetDisplayCutoff(chain.NodeID, uint32(res.HighestUsed+1))
		}
		return err
	})
	if err != nil {
		return res, err
	}

	s.log.Debug().
		Uint32("chain", chain.Index).
		Int("highest_used", res.HighestUsed).
		Int("total", res.Total).
		Int("added", res.Added).
		Int("oracle_calls", res.Calls).
		Msg("Chain scanned")
	return res, oracleErr
}

// persist stores address nodes for indices that are still missing.
func (s *Scanner) persist(tx *storage.Tx, chain Chain, indices []uint32, owned resolver.OwnedSet) (int, error) {
	if len(indices) == 0 {
		return 0, nil
	}
	sets, err := s.account.Generate(chain.Index, indices)
	if err != nil {
		return 0, err
	}
	d := derivation.New(tx, s.wallet)
	r := resolver.New(tx, s.wallet)
	added := 0
	for _, set := range sets {
		// Another operation may have stored the index since the read.
		if _, ok, err := d.Child(chain.NodeID, set.Index); err != nil {
			return added, err
		} else if ok {
			continue
		}
		node, err := d.AddChild(chain.NodeID, derivation.LevelChain, derivation.ChildSpec{
			Index:  set.Index,
			Record: derivation.AddressRecord{},
		})
		if err != nil {
			return added, err
		}
		if _, err := r.RegisterOwned(node.ID, owned, set.All()...); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// Scan runs ScanChain over chains in order. A failing chain does not stop
// the others; the first error is returned.
func (s *Scanner) Scan(ctx context.Context, chains []Chain, owned resolver.OwnedSet) ([]ChainResult, error) {
	var (
		results  []ChainResult
		firstErr error
	)
	for _, c := range chains {
		res, err := s.ScanChain(ctx, c, owned)
		results = append(results, res)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("scan chain %d: %w", c.Index, err)
			}
			if ctx.Err() != nil {
				break
			}
		}
	}
	return results, firstErr
}

// RevealNext reveals the next external address if the gap limit allows it
// and returns its index.
func RevealNext(ctx context.Context, store *storage.Store, wallet uint32, chainID uint64, gapLimit int) (uint32, error) {
	var next uint32
	op := storage.Op{Name: "reveal-next", Locks: RevealFootprint}
	err := store.Update(ctx, op, func(tx *storage.Tx) error {
		highest, nodes, err := highestUsed(tx, wallet, chainID)
		if err != nil {
			return err
		}
		d := derivation.New(tx, wallet)
		rec, err := d.Chain(chainID)
		if err != nil {
			return err
		}
		next = rec.DisplayCutoff + 1
		if int(next) > highest+gapLimit {
			return fmt.Errorf("%w: %d unused addresses revealed", ErrGapLimit, gapLimit)
		}
		if _, ok := nodes[next]; !ok {
			return fmt.Errorf("%w: index %d not materialized", ErrGapLimit, next)
		}
		_, err = d.SetDisplayCutoff(chainID, next)
		return err
	})
	return next, err
}
