package derivation

import (
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/internal/keys"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
)

// KeyKind distinguishes public and private key rows.
type KeyKind uint8

const (
	KeyPublic KeyKind = iota + 1
	KeyPrivate
)

// Key is a key material row referenced by derivation nodes.
type Key struct {
	ID   uint64  `json:"id"`
	Kind KeyKind `json:"kind"`
	// Value is the serialized extended key, or the sealed bytes when Sealed.
	Value     []byte    `json:"value"`
	Sealed    bool      `json:"sealed"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) keys() *storage.Bucket {
	return s.tx.Bucket(storage.TableKey, s.wallet)
}

// PutKey inserts a key row and returns its id.
func (s *Store) PutKey(k Key) (uint64, error) {
	id, err := s.keys().NextID()
	if err != nil {
		return 0, err
	}
	k.ID = id
	if err := s.keys().Put(storage.U64(id), k); err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateKey overwrites an existing key row.
func (s *Store) UpdateKey(k Key) error {
	ok, err := s.keys().Has(storage.U64(k.ID))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %d: %w", k.ID, storage.ErrNotFound)
	}
	return s.keys().Put(storage.U64(k.ID), k)
}

// GetKey returns a key row.
func (s *Store) GetKey(id uint64) (Key, error) {
	var k Key
	if err := s.keys().Get(storage.U64(id), &k); err != nil {
		return Key{}, fmt.Errorf("key %d: %w", id, err)
	}
	return k, nil
}

// PublicKey returns the extended public key referenced by a key row.
func (s *Store) PublicKey(id uint64) (*keys.HDKey, error) {
	k, err := s.GetKey(id)
	if err != nil {
		return nil, err
	}
	if k.Kind != KeyPublic || k.Sealed {
		return nil, storage.Invariantf("key %d is not a plain public key", id)
	}
	return keys.ParseExtendedKey(string(k.Value))
}
