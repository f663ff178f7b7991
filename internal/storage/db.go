// Package storage provides the ledger's transactional table store.
//
// Rows live in an ordered key-value engine (Badger, bbolt or SQLite). Every
// mutating operation runs through Store.Update with a declared set of tables
// that is locked for the duration of one engine transaction.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrNotFound is returned when a key or row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvariant marks a broken data-integrity invariant. It is never retried.
var ErrInvariant = errors.New("invariant violation")

// Invariantf wraps ErrInvariant with a formatted message.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// Engine is an ordered key-value store with atomic transactions.
type Engine interface {
	// Begin opens a transaction. Read-only transactions never commit.
	Begin(write bool) (EngineTxn, error)
	Close() error
}

// EngineTxn is a single engine transaction.
type EngineTxn interface {
	// Get returns a copy of the value, or ErrNotFound.
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Iterate calls fn for every key with the given prefix in ascending key
	// order. The callback receives copies and may mutate the transaction.
	// Return a non-nil error from fn to stop iteration early.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Commit() error
	Discard()
}

// Engine names accepted by OpenEngine.
const (
	EngineBadger = "badger"
	EngineBolt   = "bolt"
	EngineSQLite = "sqlite"
	EngineMemory = "memory"
)

// OpenEngine opens the named engine under dir.
func OpenEngine(name, dir string) (Engine, error) {
	switch name {
	case EngineBadger:
		return NewBadger(filepath.Join(dir, "badger"))
	case EngineBolt:
		return NewBolt(filepath.Join(dir, "ledger.bolt"))
	case EngineSQLite:
		return NewSQLite(filepath.Join(dir, "ledger.sqlite"))
	case EngineMemory:
		return NewMemory()
	default:
		return nil, fmt.Errorf("unknown storage engine %q", name)
	}
}

type kv struct {
	key, value []byte
}
