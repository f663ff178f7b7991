package syncer

import (
	"context"
	"errors"

	"github.com/Klingon-tech/klingnet-ledger/internal/ledger"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
)

// errSuperseded aborts the rollback transaction without committing.
var errSuperseded = errors.New("watermark changed since the reorg signal")

// RollbackFootprint is the lock set of a rollback.
var RollbackFootprint = ledger.Footprint.Union(WatermarkFootprint)

// RollbackReport describes a rollback.
type RollbackReport struct {
	// Superseded is set when the watermark moved after the signal was
	// raised; nothing was changed.
	Superseded bool
	// Height is the rollback height: best stored height minus K.
	Height    uint64
	Result    ledger.RollbackResult
	Reclaimed int
	// Watermark is the new watermark, nil for the empty state.
	Watermark *Watermark
}

// Rollback undoes the last K blocks of local history. observed is the
// watermark read when the reorg was signalled; if the stored watermark no
// longer matches it the rollback is abandoned.
func (s *Syncer) Rollback(ctx context.Context, observed *Watermark) (*RollbackReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	defer s.setState(StateIdle)
	return s.rollback(ctx, observed)
}

func (s *Syncer) rollback(ctx context.Context, observed *Watermark) (*RollbackReport, error) {
	s.setState(StateRollback)
	rep := &RollbackReport{}

	op := storage.Op{Name: "rollback", Locks: RollbackFootprint}
	err := s.store.Update(ctx, op, func(tx *storage.Tx) error {
		cur, err := GetWatermark(tx, s.wallet)
		if err != nil {
			return err
		}
		if !cur.Equal(observed) {
			return errSuperseded
		}

		l := ledger.New(tx, s.wallet)
		best, ok, err := l.Best(ledger.Unbounded)
		if err != nil {
			return err
		}
		if ok && best.Block.Height > s.cfg.StabilityWindow {
			rep.Height = best.Block.Height - s.cfg.StabilityWindow
		}

		rep.Result, err = l.Rollback(rep.Height)
		if err != nil {
			return err
		}

		remaining, ok, err := l.Best(rep.Height)
		if err != nil {
			return err
		}
		if ok {
			rep.Watermark = &Watermark{
				Time:      remaining.Block.Time,
				Height:    remaining.Block.Height,
				BlockHash: remaining.Block.Hash,
				Slot:      remaining.Block.Slot,
			}
		}
		if err := PutWatermark(tx, s.wallet, rep.Watermark); err != nil {
			return err
		}

		rep.Reclaimed, err = l.ReclaimOrphanBlocks()
		return err
	})

	if errors.Is(err, errSuperseded) {
		s.metrics.Rollbacks.WithLabelValues(s.label, "superseded").Inc()
		s.log.Info().Msg("Rollback abandoned, watermark already moved")
		return &RollbackReport{Superseded: true}, nil
	}
	if err != nil {
		s.metrics.Rollbacks.WithLabelValues(s.label, "failed").Inc()
		return nil, err
	}

	s.metrics.Rollbacks.WithLabelValues(s.label, "applied").Inc()
	s.metrics.RolledBackTxs.WithLabelValues(s.label).Add(float64(rep.Result.Failed + rep.Result.Pending))
	height := uint64(0)
	if rep.Watermark != nil {
		height = rep.Watermark.Height
	}
	s.metrics.WatermarkHeight.WithLabelValues(s.label).Set(float64(height))
	s.log.Warn().
		Uint64("rollback_height", rep.Height).
		Int("failed", rep.Result.Failed).
		Int("pending_failed", rep.Result.Pending).
		Int("restored_outputs", rep.Result.Restored).
		Uint64("watermark", height).
		Msg("Rolled back recent history")
	return rep, nil
}
