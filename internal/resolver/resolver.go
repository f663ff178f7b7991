// Package resolver maps wire address encodings to stored address rows and
// decides which of them the wallet owns.
package resolver

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// Index names.
const (
	digestIndex byte = 'd' // Address: digest(8) -> address id
	nodeIndex   byte = 'n' // AddressMapping: node id(8) -> address id
)

// Footprint is the table set touched by the resolver.
var Footprint = storage.Tables(storage.TableAddress, storage.TableAddressMapping)

// Address is a stored address row. Raw is the hex wire encoding for parsed
// addresses and the encoding as received otherwise.
type Address struct {
	ID     uint64            `json:"id"`
	Digest uint64            `json:"digest"`
	Raw    string            `json:"raw"`
	Kind   types.AddressKind `json:"kind"`
}

// Mapping binds an owned address row to its derivation node.
type Mapping struct {
	AddressID uint64 `json:"address_id"`
	NodeID    uint64 `json:"node_id"`
}

// OwnedSet is the set of owned address ids of one wallet. It is loaded at
// the start of an operation and passed explicitly to the calls that extend it.
type OwnedSet map[uint64]struct{}

// Has reports whether id is owned.
func (o OwnedSet) Has(id uint64) bool {
	_, ok := o[id]
	return ok
}

// Resolution is the result of Resolve.
type Resolution struct {
	// Owned maps each owned input encoding to its address id.
	Owned map[string]uint64
	// IDs maps every input encoding to its address id, owned or foreign.
	IDs map[string]uint64
}

// Resolver works on the address rows of one wallet inside a transaction.
type Resolver struct {
	tx     *storage.Tx
	wallet uint32
}

// New returns a resolver bound to tx and wallet.
func New(tx *storage.Tx, wallet uint32) *Resolver {
	return &Resolver{tx: tx, wallet: wallet}
}

func (r *Resolver) addresses() *storage.Bucket {
	return r.tx.Bucket(storage.TableAddress, r.wallet)
}

func (r *Resolver) mappings() *storage.Bucket {
	return r.tx.Bucket(storage.TableAddressMapping, r.wallet)
}

// Normalize returns the stored form of a wire encoding and its kind.
func Normalize(encoding string) (string, types.AddressKind) {
	a, err := types.ParseAddress(encoding)
	if err != nil {
		return encoding, types.KindUnknown
	}
	return a.Hex(), a.Kind
}

// Lookup finds the row of an already normalized raw encoding.
func (r *Resolver) Lookup(raw string) (Address, bool, error) {
	ids, err := r.addresses().Index(digestIndex).Lookup(storage.U64(r.tx.Digest(raw)))
	if err != nil {
		return Address{}, false, err
	}
	for _, id := range ids {
		var a Address
		if err := r.addresses().Get(storage.U64(id), &a); err != nil {
			return Address{}, false, err
		}
		// Digests may collide; the raw bytes decide.
		if a.Raw == raw {
			return a, true, nil
		}
	}
	return Address{}, false, nil
}

// Get returns an address row by id.
func (r *Resolver) Get(id uint64) (Address, error) {
	var a Address
	if err := r.addresses().Get(storage.U64(id), &a); err != nil {
		return Address{}, fmt.Errorf("address %d: %w", id, err)
	}
	return a, nil
}

// ensure returns the row for raw, inserting it when missing.
func (r *Resolver) ensure(raw string, kind types.AddressKind) (Address, error) {
	a, ok, err := r.Lookup(raw)
	if err != nil || ok {
		return a, err
	}
	id, err := r.addresses().NextID()
	if err != nil {
		return Address{}, err
	}
	a = Address{ID: id, Digest: r.tx.Digest(raw), Raw: raw, Kind: kind}
	if err := r.addresses().Put(storage.U64(id), a); err != nil {
		return Address{}, err
	}
	if err := r.addresses().Index(digestIndex).Add(storage.U64(a.Digest), id); err != nil {
		return Address{}, err
	}
	return a, nil
}

// Mapping returns the derivation node of an owned address.
func (r *Resolver) Mapping(addressID uint64) (uint64, bool, error) {
	var m Mapping
	err := r.mappings().Get(storage.U64(addressID), &m)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return m.NodeID, true, nil
}

func (r *Resolver) bind(addressID, nodeID uint64) error {
	if existing, ok, err := r.Mapping(addressID); err != nil {
		return err
	} else if ok {
		if existing != nodeID {
			return storage.Invariantf("address %d already mapped to node %d", addressID, existing)
		}
		return nil
	}
	if err := r.mappings().Put(storage.U64(addressID), Mapping{AddressID: addressID, NodeID: nodeID}); err != nil {
		return err
	}
	return r.mappings().Index(nodeIndex).Add(storage.U64(nodeID), addressID)
}

// RegisterOwned stores addrs as owned encodings of a derivation node and
// adds their ids to owned.
func (r *Resolver) RegisterOwned(nodeID uint64, owned OwnedSet, addrs ...types.Address) ([]uint64, error) {
	ids := make([]uint64, 0, len(addrs))
	for _, addr := range addrs {
		a, err := r.ensure(addr.Hex(), addr.Kind)
		if err != nil {
			return nil, err
		}
		if err := r.bind(a.ID, nodeID); err != nil {
			return nil, err
		}
		if owned != nil {
			owned[a.ID] = struct{}{}
		}
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// NodeAddresses returns the address ids mapped to a derivation node.
func (r *Resolver) NodeAddresses(nodeID uint64) ([]uint64, error) {
	return r.mappings().Index(nodeIndex).Lookup(storage.U64(nodeID))
}

// LoadOwned returns every owned address id of the wallet.
func (r *Resolver) LoadOwned() (OwnedSet, error) {
	owned := make(OwnedSet)
	err := r.mappings().ForEach(nil, func(key, _ []byte) error {
		owned[storage.ReadU64(key)] = struct{}{}
		return nil
	})
	return owned, err
}

// OwnedRaw returns the raw encodings of every owned address.
func (r *Resolver) OwnedRaw(owned OwnedSet) ([]string, error) {
	out := make([]string, 0, len(owned))
	for id := range owned {
		a, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, a.Raw)
	}
	return out, nil
}

// Resolve maps wire encodings to address ids.
//
// Encodings already owned resolve directly. An encoding that is not owned but
// whose canonical form is owned becomes an owned alias of the same derivation
// node. Everything else is stored once as a foreign address.
func (r *Resolver) Resolve(encodings []string, owned OwnedSet) (Resolution, error) {
	res := Resolution{
		Owned: make(map[string]uint64),
		IDs:   make(map[string]uint64, len(encodings)),
	}

	for _, enc := range encodings {
		if _, done := res.IDs[enc]; done {
			continue
		}
		raw, kind := Normalize(enc)

		a, found, err := r.Lookup(raw)
		if err != nil {
			return Resolution{}, err
		}
		if found && owned.Has(a.ID) {
			res.IDs[enc] = a.ID
			res.Owned[enc] = a.ID
			continue
		}

		if nodeID, ok, err := r.canonicalOwner(raw, owned); err != nil {
			return Resolution{}, err
		} else if ok {
			alias, err := r.ensure(raw, kind)
			if err != nil {
				return Resolution{}, err
			}
			if err := r.bind(alias.ID, nodeID); err != nil {
				return Resolution{}, err
			}
			owned[alias.ID] = struct{}{}
			res.IDs[enc] = alias.ID
			res.Owned[enc] = alias.ID
			continue
		}

		if !found {
			if a, err = r.ensure(raw, kind); err != nil {
				return Resolution{}, err
			}
		}
		res.IDs[enc] = a.ID
	}
	return res, nil
}

// canonicalOwner returns the derivation node owning the canonical form of raw.
func (r *Resolver) canonicalOwner(raw string, owned OwnedSet) (uint64, bool, error) {
	addr, err := types.ParseAddress(raw)
	if err != nil {
		return 0, false, nil
	}
	canon, ok := addr.Canonical()
	if !ok {
		return 0, false, nil
	}
	c, found, err := r.Lookup(canon.Hex())
	if err != nil || !found || !owned.Has(c.ID) {
		return 0, false, err
	}
	nodeID, ok, err := r.Mapping(c.ID)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, storage.Invariantf("owned address %d has no derivation mapping", c.ID)
	}
	return nodeID, true, nil
}

// Delete removes every address row and mapping of the wallet.
func (r *Resolver) Delete() error {
	if err := r.addresses().Clear(); err != nil {
		return err
	}
	return r.mappings().Clear()
}
