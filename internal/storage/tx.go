package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Key spaces inside a table.
const (
	spaceRow   byte = 'r'
	spaceIndex byte = 'x'
	spaceSeq   byte = 's'
)

// Tx is a transaction over the ledger tables.
type Tx struct {
	store     *Store
	txn       EngineTxn
	op        string
	locks     TableSet
	writable  bool
	violation error
}

// Digest returns the store's keyed digest of raw.
func (tx *Tx) Digest(raw string) uint64 {
	return tx.store.Digest(raw)
}

// Writable reports whether the transaction may mutate tables.
func (tx *Tx) Writable() bool {
	return tx.writable
}

// check verifies that table t may be accessed. The first violation is kept
// and poisons the transaction.
func (tx *Tx) check(t Table, write bool) error {
	if tx.violation != nil {
		return tx.violation
	}
	switch {
	case write && !tx.writable:
		tx.violation = &LockSafetyError{Op: tx.op, Touched: Tables(t)}
	case !tx.locks.Has(t):
		tx.violation = &LockSafetyError{Op: tx.op, Declared: tx.locks, Touched: Tables(t)}
	default:
		return nil
	}
	return tx.violation
}

// Bucket returns the rows of table t that belong to wallet.
func (tx *Tx) Bucket(t Table, wallet uint32) *Bucket {
	prefix := make([]byte, 5)
	prefix[0] = byte(t)
	binary.BigEndian.PutUint32(prefix[1:], wallet)
	return &Bucket{tx: tx, table: t, prefix: prefix}
}

// Bucket is a typed view of one wallet's rows in a table. Rows are JSON
// encoded.
type Bucket struct {
	tx     *Tx
	table  Table
	prefix []byte
}

func (b *Bucket) key(space byte, parts ...[]byte) []byte {
	n := len(b.prefix) + 1
	for _, p := range parts {
		n += len(p)
	}
	k := make([]byte, 0, n)
	k = append(k, b.prefix...)
	k = append(k, space)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

// Get decodes the row stored under key into v.
func (b *Bucket) Get(key []byte, v any) error {
	if err := b.tx.check(b.table, false); err != nil {
		return err
	}
	raw, err := b.tx.txn.Get(b.key(spaceRow, key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%s get: %w", b.table, ErrNotFound)
		}
		return fmt.Errorf("%s get: %w", b.table, err)
	}
	return Decode(raw, v)
}

// GetRaw returns the encoded row stored under key.
func (b *Bucket) GetRaw(key []byte) ([]byte, error) {
	if err := b.tx.check(b.table, false); err != nil {
		return nil, err
	}
	raw, err := b.tx.txn.Get(b.key(spaceRow, key))
	if err != nil {
		return nil, fmt.Errorf("%s get: %w", b.table, err)
	}
	return raw, nil
}

// Has reports whether a row exists under key.
func (b *Bucket) Has(key []byte) (bool, error) {
	if err := b.tx.check(b.table, false); err != nil {
		return false, err
	}
	_, err := b.tx.txn.Get(b.key(spaceRow, key))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s has: %w", b.table, err)
	}
	return true, nil
}

// Put encodes v and stores it under key.
func (b *Bucket) Put(key []byte, v any) error {
	if err := b.tx.check(b.table, true); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s encode: %w", b.table, err)
	}
	if err := b.tx.txn.Set(b.key(spaceRow, key), data); err != nil {
		return fmt.Errorf("%s put: %w", b.table, err)
	}
	return nil
}

// Delete removes the row under key.
func (b *Bucket) Delete(key []byte) error {
	if err := b.tx.check(b.table, true); err != nil {
		return err
	}
	if err := b.tx.txn.Delete(b.key(spaceRow, key)); err != nil {
		return fmt.Errorf("%s delete: %w", b.table, err)
	}
	return nil
}

// ForEach calls fn for every row whose key starts with prefix, in key order.
// The key passed to fn has the bucket prefix stripped.
func (b *Bucket) ForEach(prefix []byte, fn func(key, raw []byte) error) error {
	if err := b.tx.check(b.table, false); err != nil {
		return err
	}
	full := b.key(spaceRow, prefix)
	strip := len(b.prefix) + 1
	return b.tx.txn.Iterate(full, func(k, v []byte) error {
		return fn(k[strip:], v)
	})
}

// NextID returns the next row id of this bucket. Ids start at 1.
func (b *Bucket) NextID() (uint64, error) {
	if err := b.tx.check(b.table, true); err != nil {
		return 0, err
	}
	key := b.key(spaceSeq)
	var next uint64 = 1
	raw, err := b.tx.txn.Get(key)
	switch {
	case err == nil:
		next = binary.BigEndian.Uint64(raw) + 1
	case !errors.Is(err, ErrNotFound):
		return 0, fmt.Errorf("%s sequence: %w", b.table, err)
	}
	if err := b.tx.txn.Set(key, U64(next)); err != nil {
		return 0, fmt.Errorf("%s sequence: %w", b.table, err)
	}
	return next, nil
}

// Index returns the named secondary index of this bucket. Index keys must
// have a fixed length per index.
func (b *Bucket) Index(name byte) *Index {
	return &Index{b: b, name: name}
}

// Clear removes every key of this bucket, rows, indexes and sequence alike.
func (b *Bucket) Clear() error {
	if err := b.tx.check(b.table, true); err != nil {
		return err
	}
	return b.tx.txn.Iterate(b.prefix, func(k, _ []byte) error {
		return b.tx.txn.Delete(k)
	})
}

// Index maps fixed-length keys to row ids.
type Index struct {
	b    *Bucket
	name byte
}

// Add records id under key.
func (ix *Index) Add(key []byte, id uint64) error {
	if err := ix.b.tx.check(ix.b.table, true); err != nil {
		return err
	}
	return ix.b.tx.txn.Set(ix.b.key(spaceIndex, []byte{ix.name}, key, U64(id)), []byte{1})
}

// Remove drops id from key.
func (ix *Index) Remove(key []byte, id uint64) error {
	if err := ix.b.tx.check(ix.b.table, true); err != nil {
		return err
	}
	return ix.b.tx.txn.Delete(ix.b.key(spaceIndex, []byte{ix.name}, key, U64(id)))
}

// Lookup returns the ids recorded under key, in ascending order.
func (ix *Index) Lookup(key []byte) ([]uint64, error) {
	var ids []uint64
	err := ix.Scan(key, func(_ []byte, id uint64) error {
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// Scan calls fn for every entry whose key starts with prefix.
func (ix *Index) Scan(prefix []byte, fn func(key []byte, id uint64) error) error {
	if err := ix.b.tx.check(ix.b.table, false); err != nil {
		return err
	}
	full := ix.b.key(spaceIndex, []byte{ix.name}, prefix)
	strip := len(ix.b.prefix) + 2
	return ix.b.tx.txn.Iterate(full, func(k, _ []byte) error {
		rest := k[strip:]
		if len(rest) < 8 {
			return Invariantf("short index key in %s", ix.b.table)
		}
		n := len(rest) - 8
		return fn(rest[:n], binary.BigEndian.Uint64(rest[n:]))
	})
}

// Decode unmarshals a raw row.
func Decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	return nil
}

// U64 encodes v as an 8-byte big-endian key.
func U64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// U32 encodes v as a 4-byte big-endian key.
func U32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// ReadU64 decodes an 8-byte big-endian key.
func ReadU64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// Key concatenates key parts.
func Key(parts ...[]byte) []byte {
	var k []byte
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func metaKey(name []byte) []byte {
	k := []byte{byte(TableMeta), 0, 0, 0, 0, spaceRow}
	return append(k, name...)
}
