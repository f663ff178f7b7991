// Package syncer keeps a wallet's local ledger consistent with the remote
// indexer and recovers from chain reorganizations.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Klingon-tech/klingnet-ledger/internal/backend"
	"github.com/Klingon-tech/klingnet-ledger/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/metrics"
	"github.com/Klingon-tech/klingnet-ledger/internal/resolver"
	"github.com/Klingon-tech/klingnet-ledger/internal/scan"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
)

// ErrBackendLagging aborts a cycle when the backend is further behind the
// local watermark than the stability window.
var ErrBackendLagging = errors.New("backend lagging behind local watermark")

// ErrClosed is returned by cycles started after Close.
var ErrClosed = errors.New("syncer closed")

// State is a step of the sync state machine.
type State int32

const (
	StateIdle State = iota
	StateCheckBackendLag
	StateScanAddresses
	StateFetchHistory
	StateMergeBatch
	StateAdvanceWatermark
	StateRecoverFromSignal
	StateRollback
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckBackendLag:
		return "check-backend-lag"
	case StateScanAddresses:
		return "scan-addresses"
	case StateFetchHistory:
		return "fetch-history"
	case StateMergeBatch:
		return "merge-batch"
	case StateAdvanceWatermark:
		return "advance-watermark"
	case StateRecoverFromSignal:
		return "recover-from-signal"
	case StateRollback:
		return "rollback"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config holds the sync parameters.
type Config struct {
	// StabilityWindow is K, the number of trailing blocks assumed immune
	// to reorganization.
	StabilityWindow uint64
	// HistoryPageSize is the number of transactions asked per history
	// request. Zero fetches everything in one request.
	HistoryPageSize int
}

// Params are the dependencies of a Syncer.
type Params struct {
	Store   *storage.Store
	Wallet  uint32
	Backend backend.Backend
	Scanner *scan.Scanner
	Chains  []scan.Chain
	Config  Config
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Syncer runs sync cycles for one wallet. Cycles of the same Syncer never
// overlap.
type Syncer struct {
	store   *storage.Store
	wallet  uint32
	backend backend.Backend
	scanner *scan.Scanner
	chains  []scan.Chain
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	label   string
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	state  atomic.Int32
}

// New creates a Syncer.
func New(p Params) *Syncer {
	if p.Clock == nil {
		p.Clock = clock.NewDefaultClock()
	}
	if p.Metrics == nil {
		p.Metrics = metrics.New()
	}
	return &Syncer{
		store:   p.Store,
		wallet:  p.Wallet,
		backend: p.Backend,
		scanner: p.Scanner,
		chains:  p.Chains,
		cfg:     p.Config,
		clock:   p.Clock,
		metrics: p.Metrics,
		label:   metrics.Wallet(p.Wallet),
		log:     klog.WithWallet(klog.Sync, p.Wallet),
	}
}

// State returns the current step.
func (s *Syncer) State() State {
	return State(s.state.Load())
}

func (s *Syncer) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("Sync state")
	}
}

// Close waits for the running cycle and refuses later ones.
func (s *Syncer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Report describes one sync cycle.
type Report struct {
	Scanned   []scan.ChainResult
	Fetched   int
	Merged    ledger.MergeResult
	Watermark *Watermark
	Rollback  *RollbackReport
}

// SyncOnce runs one cycle: check backend lag, rescan addresses, fetch and
// merge history, advance the watermark. A reorg signal from the backend
// switches to rollback instead; a completed rollback is not an error.
func (s *Syncer) SyncOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Report{}, ErrClosed
	}
	defer s.setState(StateIdle)

	start := s.clock.Now()
	rep, err := s.run(ctx)

	result := metrics.ResultOK
	switch {
	case errors.Is(err, ErrBackendLagging):
		result = metrics.ResultLagging
	case err != nil:
		result = metrics.ResultError
	case rep.Rollback != nil:
		result = metrics.ResultRollback
	}
	s.metrics.SyncCycles.WithLabelValues(s.label, result).Inc()
	s.metrics.SyncDuration.WithLabelValues(s.label).Observe(s.clock.Now().Sub(start).Seconds())

	switch {
	case errors.Is(err, storage.ErrLockSafety), errors.Is(err, storage.ErrInvariant):
		s.log.Error().Err(err).Msg("Sync cycle failed")
	case err != nil:
		s.log.Warn().Err(err).Msg("Sync cycle aborted")
	case rep.Rollback == nil:
		ev := s.log.Info().
			Int("fetched", rep.Fetched).
			Int("inserted", rep.Merged.Inserted).
			Int("confirmed", len(rep.Merged.Confirmed)).
			Int("expired", rep.Merged.Expired)
		if rep.Watermark != nil {
			ev = ev.Uint64("height", rep.Watermark.Height)
		}
		ev.Msg("Sync cycle complete")
	}
	return rep, err
}

func (s *Syncer) run(ctx context.Context) (Report, error) {
	var rep Report

	s.setState(StateCheckBackendLag)
	best, err := s.backend.FetchBestBlock(ctx)
	if err != nil {
		return rep, fmt.Errorf("fetch best block: %w", err)
	}
	wm, err := s.Watermark(ctx)
	if err != nil {
		return rep, err
	}
	if best.Empty() {
		if wm == nil {
			return rep, nil
		}
		s.log.Warn().Uint64("local_height", wm.Height).Msg("Backend has no chain, assuming resync from genesis")
		rep.Rollback, err = s.recover(ctx)
		return rep, err
	}
	if wm != nil && wm.Height > best.Height+s.cfg.StabilityWindow {
		return rep, fmt.Errorf("%w: local %d, remote %d, window %d",
			ErrBackendLagging, wm.Height, best.Height, s.cfg.StabilityWindow)
	}

	s.setState(StateScanAddresses)
	owned, err := s.loadOwned(ctx)
	if err != nil {
		return rep, err
	}
	rep.Scanned, err = s.scanner.Scan(ctx, s.chains, owned)
	if err != nil {
		return rep, err
	}
	s.metrics.OwnedAddresses.WithLabelValues(s.label).Set(float64(len(owned)))

	s.setState(StateFetchHistory)
	txs, partial, err := s.fetchHistory(ctx, owned, best)
	if errors.Is(err, backend.ErrReorg) {
		s.log.Warn().Err(err).Msg("Backend reported a reorganization")
		rep.Rollback, err = s.recover(ctx)
		return rep, err
	}
	if err != nil {
		return rep, err
	}
	rep.Fetched = len(txs)

	s.setState(StateMergeBatch)
	op := storage.Op{
		Name:       "sync-merge",
		Locks:      ledger.MergeFootprint.Union(WatermarkFootprint),
		Footprints: []storage.TableSet{ledger.MergeFootprint, WatermarkFootprint},
	}
	err = s.store.Update(ctx, op, func(tx *storage.Tx) error {
		l := ledger.New(tx, s.wallet)
		candidates, err := l.TransactionIDs()
		if err != nil {
			return err
		}
		rep.Merged, err = l.Merge(resolver.New(tx, s.wallet), ledger.Batch{
			Txs:        txs,
			Candidates: candidates,
			Owned:      owned,
			Now:        s.clock.Now(),
			Partial:    partial,
		})
		if err != nil {
			return err
		}

		s.setState(StateAdvanceWatermark)
		next := &Watermark{Time: best.Time, Height: best.Height, BlockHash: best.Hash, Slot: best.Slot}
		cur, err := GetWatermark(tx, s.wallet)
		if err != nil {
			return err
		}
		if cur != nil && cur.Height > next.Height {
			// The backend is behind but within the window; keep ours.
			next = cur
		}
		rep.Watermark = next
		return PutWatermark(tx, s.wallet, next)
	})
	if err != nil {
		return rep, err
	}

	s.metrics.MergedTxs.WithLabelValues(s.label, "inserted").Add(float64(rep.Merged.Inserted))
	s.metrics.MergedTxs.WithLabelValues(s.label, "updated").Add(float64(rep.Merged.Updated))
	s.metrics.MergedTxs.WithLabelValues(s.label, "confirmed").Add(float64(len(rep.Merged.Confirmed)))
	s.metrics.MergedTxs.WithLabelValues(s.label, "expired").Add(float64(rep.Merged.Expired))
	s.metrics.WatermarkHeight.WithLabelValues(s.label).Set(float64(rep.Watermark.Height))
	return rep, nil
}

// Watermark returns the stored watermark, nil if the wallet never synced.
func (s *Syncer) Watermark(ctx context.Context) (*Watermark, error) {
	var wm *Watermark
	err := s.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		wm, err = GetWatermark(tx, s.wallet)
		return err
	})
	return wm, err
}

func (s *Syncer) loadOwned(ctx context.Context) (resolver.OwnedSet, error) {
	var owned resolver.OwnedSet
	err := s.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		owned, err = resolver.New(tx, s.wallet).LoadOwned()
		return err
	})
	return owned, err
}

// fetchHistory pages through the history of every owned address after the
// best stored transaction, up to best. Later pages win when a hash repeats.
// A full page ending in pending transactions is continued after its last
// confirmed one. partial reports that no such transaction existed, so the
// pending tail past the page may be missing.
func (s *Syncer) fetchHistory(ctx context.Context, owned resolver.OwnedSet, best backend.BestBlock) (all []backend.Tx, partial bool, err error) {
	var (
		cursor *backend.Cursor
		addrs  []string
	)
	err = s.store.View(ctx, func(tx *storage.Tx) error {
		stored, ok, err := ledger.New(tx, s.wallet).Best(ledger.Unbounded)
		if err != nil {
			return err
		}
		if ok {
			cursor = &backend.Cursor{Block: stored.Block.Hash, Tx: stored.Tx.Hash}
		}
		addrs, err = resolver.New(tx, s.wallet).OwnedRaw(owned)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	index := make(map[string]int)
	for {
		page, err := s.backend.FetchHistory(ctx, backend.HistoryRequest{
			Addresses:  addrs,
			After:      cursor,
			UntilBlock: best.Hash,
			Limit:      s.cfg.HistoryPageSize,
		})
		if err != nil {
			return nil, false, fmt.Errorf("fetch history: %w", err)
		}
		for _, t := range page {
			if i, ok := index[t.Hash]; ok {
				all[i] = t
				continue
			}
			index[t.Hash] = len(all)
			all = append(all, t)
		}

		if s.cfg.HistoryPageSize <= 0 || len(page) < s.cfg.HistoryPageSize {
			return all, false, nil
		}
		next := lastConfirmed(page)
		if next == nil {
			s.log.Warn().Int("page", len(page)).Msg("History page holds only pending transactions, skipping expiry")
			return all, true, nil
		}
		cursor = next
	}
}

// lastConfirmed returns a cursor at the last confirmed transaction of page,
// nil if page has none.
func lastConfirmed(page []backend.Tx) *backend.Cursor {
	for i := len(page) - 1; i >= 0; i-- {
		if page[i].Confirmed() {
			return &backend.Cursor{Block: page[i].Block.Hash, Tx: page[i].Hash}
		}
	}
	return nil
}

// recover reads the watermark at the time of the signal and rolls back
// against it.
func (s *Syncer) recover(ctx context.Context) (*RollbackReport, error) {
	s.setState(StateRecoverFromSignal)
	observed, err := s.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	return s.rollback(ctx, observed)
}
