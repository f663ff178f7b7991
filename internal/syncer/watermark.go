package syncer

import (
	"errors"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
)

var watermarkKey = []byte("watermark")

// WatermarkFootprint is the lock set of watermark writes.
var WatermarkFootprint = storage.Tables(storage.TableWatermark)

// Watermark is the last block a wallet has fully synchronized to.
type Watermark struct {
	Time      time.Time `json:"time"`
	Height    uint64    `json:"height"`
	BlockHash string    `json:"block_hash"`
	Slot      uint64    `json:"slot"`
}

// Equal reports whether two watermarks name the same point. Nil is the
// empty state.
func (w *Watermark) Equal(o *Watermark) bool {
	if w == nil || o == nil {
		return w == o
	}
	return w.Height == o.Height &&
		w.BlockHash == o.BlockHash &&
		w.Slot == o.Slot &&
		w.Time.Equal(o.Time)
}

// GetWatermark returns the wallet's watermark, or nil if it never synced.
func GetWatermark(tx *storage.Tx, wallet uint32) (*Watermark, error) {
	var w Watermark
	err := tx.Bucket(storage.TableWatermark, wallet).Get(watermarkKey, &w)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// PutWatermark stores w, or clears the watermark if w is nil.
func PutWatermark(tx *storage.Tx, wallet uint32, w *Watermark) error {
	b := tx.Bucket(storage.TableWatermark, wallet)
	if w == nil {
		return b.Delete(watermarkKey)
	}
	return b.Put(watermarkKey, w)
}
