package storage

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
)

// metaDigestKey is the Meta row holding the store's digest key.
var metaDigestKey = []byte("digest-key")

// Op describes one locked operation.
type Op struct {
	// Name is used in logs and errors.
	Name string

	// Locks is the set of tables locked for the whole operation.
	Locks TableSet

	// Footprints are the declared table sets of the components the operation
	// calls into. Each must be a subset of Locks.
	Footprints []TableSet
}

// Store is the ledger's table store.
type Store struct {
	engine    Engine
	locks     *tableLocks
	digestKey []byte
}

// Open wraps an engine. The digest key is created on first open.
func Open(engine Engine) (*Store, error) {
	s := &Store{
		engine: engine,
		locks:  newTableLocks(),
	}
	if err := s.loadDigestKey(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenMemory returns a store on an in-memory engine.
func OpenMemory() (*Store, error) {
	engine, err := NewMemory()
	if err != nil {
		return nil, err
	}
	return Open(engine)
}

func (s *Store) loadDigestKey() error {
	txn, err := s.engine.Begin(true)
	if err != nil {
		return err
	}
	defer txn.Discard()

	key := metaKey(metaDigestKey)
	v, err := txn.Get(key)
	if err == nil {
		s.digestKey = v
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("load digest key: %w", err)
	}

	v = make([]byte, crypto.DigestKeySize)
	if _, err := rand.Read(v); err != nil {
		return fmt.Errorf("generate digest key: %w", err)
	}
	if err := txn.Set(key, v); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	s.digestKey = v
	return nil
}

// Close closes the underlying engine.
func (s *Store) Close() error {
	return s.engine.Close()
}

// Digest returns the keyed content digest of a raw encoding.
func (s *Store) Digest(raw string) uint64 {
	d, err := crypto.KeyedDigest(s.digestKey, []byte(raw))
	if err != nil {
		// The key length is fixed at creation.
		panic(fmt.Sprintf("digest: %v", err))
	}
	return d
}

// Update runs fn in one engine transaction while holding op.Locks.
//
// The footprint check runs before any lock is taken. Every table access made
// through the Tx is checked against op.Locks; a violation poisons the
// transaction so nothing is committed, whatever fn returns.
func (s *Store) Update(ctx context.Context, op Op, fn func(*Tx) error) (err error) {
	for _, fp := range op.Footprints {
		if missing := op.Locks.Missing(fp); !missing.Empty() {
			verr := &LockSafetyError{Op: op.Name, Declared: op.Locks, Touched: missing}
			log.Storage.Error().Err(verr).Msg("Footprint not covered by lock set")
			return verr
		}
	}

	if err := s.locks.acquire(ctx, op.Locks); err != nil {
		return fmt.Errorf("%s: acquire locks: %w", op.Name, err)
	}
	defer s.locks.release(op.Locks)

	txn, err := s.engine.Begin(true)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op.Name, err)
	}
	tx := &Tx{store: s, txn: txn, op: op.Name, locks: op.Locks, writable: true}

	committed := false
	defer func() {
		if !committed {
			txn.Discard()
		}
	}()

	fnErr := fn(tx)
	if tx.violation != nil {
		log.Storage.Error().Err(tx.violation).Msg("Transaction discarded")
		return tx.violation
	}
	if fnErr != nil {
		return fnErr
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op.Name, err)
	}
	committed = true
	return nil
}

// View runs fn in a read-only transaction without taking table locks. It is
// meant for display reads. Writes fail with a lock safety violation.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn, err := s.engine.Begin(false)
	if err != nil {
		return fmt.Errorf("view: begin: %w", err)
	}
	defer txn.Discard()

	tx := &Tx{store: s, txn: txn, op: "view", locks: AllTables}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.violation != nil {
		return tx.violation
	}
	return nil
}
