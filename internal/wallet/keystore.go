package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/internal/derivation"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
)

// Registry errors.
var (
	ErrExists   = errors.New("wallet already exists")
	ErrNotFound = errors.New("wallet not found")
)

// registryWallet is the bucket owner of the wallet registry rows. Wallet ids
// start at 1, so it never collides with a wallet's own rows.
const registryWallet = 0

// Record is the registry row of a wallet.
type Record struct {
	ID        uint32    `json:"id"`
	Name      string    `json:"name"`
	Account   uint32    `json:"account"`
	WatchOnly bool      `json:"watch_only"`
	CreatedAt time.Time `json:"created_at"`

	Root        uint64            `json:"root"`
	AccountNode uint64            `json:"account_node"`
	Chains      map[uint32]uint64 `json:"chains"`
}

// Tree returns the derivation nodes created for the wallet.
func (r Record) Tree() derivation.Tree {
	return derivation.Tree{Root: r.Root, Account: r.AccountNode, Chains: r.Chains}
}

// keystore reads and writes registry rows inside a transaction.
type keystore struct {
	b *storage.Bucket
}

func newKeystore(tx *storage.Tx) keystore {
	return keystore{b: tx.Bucket(storage.TableWallet, registryWallet)}
}

// nextID allocates a wallet id.
func (ks keystore) nextID() (uint32, error) {
	id, err := ks.b.NextID()
	if err != nil {
		return 0, err
	}
	if id > uint64(^uint32(0)) {
		return 0, fmt.Errorf("wallet id space exhausted")
	}
	return uint32(id), nil
}

// create stores a new record. Names are unique.
func (ks keystore) create(rec Record) error {
	all, err := ks.list()
	if err != nil {
		return err
	}
	for _, existing := range all {
		if existing.Name == rec.Name {
			return fmt.Errorf("%w: %q", ErrExists, rec.Name)
		}
	}
	return ks.b.Put(storage.U32(rec.ID), rec)
}

func (ks keystore) get(id uint32) (Record, error) {
	var rec Record
	err := ks.b.Get(storage.U32(id), &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return rec, err
}

// list returns every record ordered by id; keys are big-endian ids.
func (ks keystore) list() ([]Record, error) {
	var out []Record
	err := ks.b.ForEach(nil, func(_, raw []byte) error {
		var rec Record
		if err := storage.Decode(raw, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (ks keystore) remove(id uint32) error {
	return ks.b.Delete(storage.U32(id))
}
