package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// boltBucket holds every ledger key; tables are separated by key prefix.
var boltBucket = []byte("ledger")

// BoltDB implements Engine using bbolt.
type BoltDB struct {
	db *bolt.DB
}

// NewBolt opens (or creates) a bbolt database file.
func NewBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("database at %s is locked by another process: %w", path, err)
		}
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltDB{db: db}, nil
}

// Begin opens a bbolt transaction.
func (b *BoltDB) Begin(write bool) (EngineTxn, error) {
	tx, err := b.db.Begin(write)
	if err != nil {
		return nil, fmt.Errorf("bolt begin: %w", err)
	}
	return &boltTxn{tx: tx, bucket: tx.Bucket(boltBucket)}, nil
}

// Close closes the database.
func (b *BoltDB) Close() error {
	return b.db.Close()
}

type boltTxn struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
}

func (t *boltTxn) Get(key []byte) ([]byte, error) {
	v := t.bucket.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	// Values are only valid for the life of the transaction.
	return append([]byte(nil), v...), nil
}

func (t *boltTxn) Set(key, value []byte) error {
	if err := t.bucket.Put(key, value); err != nil {
		return fmt.Errorf("bolt put: %w", err)
	}
	return nil
}

func (t *boltTxn) Delete(key []byte) error {
	if err := t.bucket.Delete(key); err != nil {
		return fmt.Errorf("bolt delete: %w", err)
	}
	return nil
}

func (t *boltTxn) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	var pairs []kv
	c := t.bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		pairs = append(pairs, kv{
			key:   append([]byte(nil), k...),
			value: append([]byte(nil), v...),
		})
	}
	for _, p := range pairs {
		if err := fn(p.key, p.value); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTxn) Commit() error {
	if !t.tx.Writable() {
		return t.tx.Rollback()
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("bolt commit: %w", err)
	}
	return nil
}

func (t *boltTxn) Discard() {
	_ = t.tx.Rollback()
}
