package derivation

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Klingon-tech/klingnet-ledger/internal/keys"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
)

// childIndex maps parent(8) | index(4) to the child node id.
const childIndex byte = 'c'

// ErrDuplicateChild is returned when a parent already has a child at an index.
var ErrDuplicateChild = errors.New("derivation index already used")

// Node is the base row of a derivation tree node.
type Node struct {
	ID           uint64 `json:"id"`
	Parent       uint64 `json:"parent"`
	Index        uint32 `json:"index"`
	Level        Level  `json:"level"`
	PublicKeyID  uint64 `json:"public_key_id,omitempty"`
	PrivateKeyID uint64 `json:"private_key_id,omitempty"`
}

// Entry is a node together with its level record.
type Entry struct {
	Node
	Record Record
}

// Store accesses the derivation tree of one wallet inside a transaction.
type Store struct {
	tx     *storage.Tx
	wallet uint32
}

// New returns a derivation store bound to tx and wallet.
func New(tx *storage.Tx, wallet uint32) *Store {
	return &Store{tx: tx, wallet: wallet}
}

func (s *Store) nodes() *storage.Bucket {
	return s.tx.Bucket(storage.TableKeyDerivation, s.wallet)
}

func (s *Store) levelBucket(l Level) *storage.Bucket {
	return s.tx.Bucket(l.Table(), s.wallet)
}

// CreateRoot inserts a root node.
func (s *Store) CreateRoot(publicKeyID, privateKeyID uint64) (Entry, error) {
	id, err := s.nodes().NextID()
	if err != nil {
		return Entry{}, err
	}
	n := Node{ID: id, Level: LevelRoot, PublicKeyID: publicKeyID, PrivateKeyID: privateKeyID}
	if err := s.put(n, RootRecord{}); err != nil {
		return Entry{}, err
	}
	return Entry{Node: n, Record: RootRecord{}}, nil
}

// ChildSpec describes a node to insert below a parent.
type ChildSpec struct {
	Index        uint32
	Record       Record
	PublicKeyID  uint64
	PrivateKeyID uint64
}

// AddChild inserts one child below parent. The child's level is taken from
// its record and must be one below the parent's.
func (s *Store) AddChild(parent uint64, parentLevel Level, spec ChildSpec) (Entry, error) {
	level := spec.Record.NodeLevel()
	if level != parentLevel+1 {
		return Entry{}, fmt.Errorf("cannot add %s below %s", level, parentLevel)
	}

	var p Node
	if err := s.nodes().Get(storage.U64(parent), &p); err != nil {
		return Entry{}, fmt.Errorf("parent %d: %w", parent, err)
	}
	if p.Level != parentLevel {
		return Entry{}, storage.Invariantf("node %d is %s, expected %s", parent, p.Level, parentLevel)
	}

	ix := s.nodes().Index(childIndex)
	existing, err := ix.Lookup(storage.Key(storage.U64(parent), storage.U32(spec.Index)))
	if err != nil {
		return Entry{}, err
	}
	if len(existing) > 0 {
		return Entry{}, fmt.Errorf("%w: parent %d index %d", ErrDuplicateChild, parent, spec.Index)
	}

	id, err := s.nodes().NextID()
	if err != nil {
		return Entry{}, err
	}
	n := Node{
		ID:           id,
		Parent:       parent,
		Index:        spec.Index,
		Level:        level,
		PublicKeyID:  spec.PublicKeyID,
		PrivateKeyID: spec.PrivateKeyID,
	}
	if err := s.put(n, spec.Record); err != nil {
		return Entry{}, err
	}
	if err := ix.Add(storage.Key(storage.U64(parent), storage.U32(spec.Index)), id); err != nil {
		return Entry{}, err
	}
	return Entry{Node: n, Record: spec.Record}, nil
}

// AddChildren inserts several children below the same parent.
func (s *Store) AddChildren(parent uint64, parentLevel Level, specs []ChildSpec) ([]Entry, error) {
	out := make([]Entry, 0, len(specs))
	for _, spec := range specs {
		e, err := s.AddChild(parent, parentLevel, spec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) put(n Node, rec Record) error {
	if err := s.nodes().Put(storage.U64(n.ID), n); err != nil {
		return err
	}
	return s.levelBucket(n.Level).Put(storage.U64(n.ID), rec)
}

// Get returns a node whose level is known to the caller.
func (s *Store) Get(id uint64, level Level) (Entry, error) {
	var n Node
	if err := s.nodes().Get(storage.U64(id), &n); err != nil {
		return Entry{}, fmt.Errorf("node %d: %w", id, err)
	}
	if n.Level != level {
		return Entry{}, storage.Invariantf("node %d is %s, expected %s", id, n.Level, level)
	}
	return s.withRecord(n)
}

// GetAny returns a node of unknown level. Callers must hold AllLevels.
func (s *Store) GetAny(id uint64) (Entry, error) {
	var n Node
	if err := s.nodes().Get(storage.U64(id), &n); err != nil {
		return Entry{}, fmt.Errorf("node %d: %w", id, err)
	}
	return s.withRecord(n)
}

func (s *Store) withRecord(n Node) (Entry, error) {
	raw, err := s.levelBucket(n.Level).GetRaw(storage.U64(n.ID))
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, storage.Invariantf("node %d has no %s record", n.ID, n.Level)
	}
	if err != nil {
		return Entry{}, err
	}
	rec, err := decodeRecord(n.Level, raw)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Node: n, Record: rec}, nil
}

// Child returns the child of parent at index, if any.
func (s *Store) Child(parent uint64, index uint32) (Node, bool, error) {
	ids, err := s.nodes().Index(childIndex).Lookup(storage.Key(storage.U64(parent), storage.U32(index)))
	if err != nil || len(ids) == 0 {
		return Node{}, false, err
	}
	var n Node
	if err := s.nodes().Get(storage.U64(ids[0]), &n); err != nil {
		return Node{}, false, err
	}
	return n, true, nil
}

// Children returns the children of parent ordered by index.
func (s *Store) Children(parent uint64) ([]Node, error) {
	var out []Node
	err := s.nodes().Index(childIndex).Scan(storage.U64(parent), func(_ []byte, id uint64) error {
		var n Node
		if err := s.nodes().Get(storage.U64(id), &n); err != nil {
			return err
		}
		out = append(out, n)
		return nil
	})
	return out, err
}

// Path returns the child indices from the root down to id.
func (s *Store) Path(id uint64) ([]uint32, error) {
	var path []uint32
	for {
		var n Node
		if err := s.nodes().Get(storage.U64(id), &n); err != nil {
			return nil, fmt.Errorf("node %d: %w", id, err)
		}
		if n.Level == LevelRoot {
			break
		}
		path = append(path, n.Index)
		id = n.Parent
	}
	slices.Reverse(path)
	return path, nil
}

// Chain returns the record of a chain node.
func (s *Store) Chain(id uint64) (ChainRecord, error) {
	e, err := s.Get(id, LevelChain)
	if err != nil {
		return ChainRecord{}, err
	}
	return e.Record.(ChainRecord), nil
}

// SetDisplayCutoff raises the display cutoff of a chain. Lower values are
// ignored. It returns the stored cutoff.
func (s *Store) SetDisplayCutoff(chainID uint64, cutoff uint32) (uint32, error) {
	rec, err := s.Chain(chainID)
	if err != nil {
		return 0, err
	}
	if cutoff <= rec.DisplayCutoff {
		return rec.DisplayCutoff, nil
	}
	rec.DisplayCutoff = cutoff
	if err := s.levelBucket(LevelChain).Put(storage.U64(chainID), rec); err != nil {
		return 0, err
	}
	return cutoff, nil
}

// DeleteTree removes id and all of its descendants together with the key
// rows they reference. Callers must hold AllLevels and Keys.
func (s *Store) DeleteTree(id uint64) error {
	var n Node
	if err := s.nodes().Get(storage.U64(id), &n); err != nil {
		return fmt.Errorf("node %d: %w", id, err)
	}
	children, err := s.Children(id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := s.DeleteTree(c.ID); err != nil {
			return err
		}
	}

	for _, keyID := range []uint64{n.PublicKeyID, n.PrivateKeyID} {
		if keyID == 0 {
			continue
		}
		if err := s.keys().Delete(storage.U64(keyID)); err != nil {
			return err
		}
	}
	if n.Level != LevelRoot {
		if err := s.nodes().Index(childIndex).Remove(storage.Key(storage.U64(n.Parent), storage.U32(n.Index)), id); err != nil {
			return err
		}
	}
	if err := s.levelBucket(n.Level).Delete(storage.U64(id)); err != nil {
		return err
	}
	return s.nodes().Delete(storage.U64(id))
}

// Tree identifies the nodes created for a new account.
type Tree struct {
	Root    uint64
	Account uint64
	// Chains maps chain index to chain node id.
	Chains map[uint32]uint64
}

// TreeSpec describes the account subtree to create.
type TreeSpec struct {
	Account     uint32
	Name        string
	RootPrivate uint64 // key id of the sealed root key, 0 for watch-only
	AccountPub  uint64 // key id of the account public key
}

// CreateAccountTree creates root, purpose, coin type, account and the
// external, internal and staking chain nodes.
func (s *Store) CreateAccountTree(spec TreeSpec) (Tree, error) {
	root, err := s.CreateRoot(0, spec.RootPrivate)
	if err != nil {
		return Tree{}, err
	}
	purpose, err := s.AddChild(root.ID, LevelRoot, ChildSpec{Index: keys.PurposeLedger, Record: PurposeRecord{}})
	if err != nil {
		return Tree{}, err
	}
	coin, err := s.AddChild(purpose.ID, LevelPurpose, ChildSpec{Index: keys.CoinTypeKlingnet, Record: CoinTypeRecord{}})
	if err != nil {
		return Tree{}, err
	}
	account, err := s.AddChild(coin.ID, LevelCoinType, ChildSpec{
		Index:       keys.Hardened + spec.Account,
		Record:      AccountRecord{Name: spec.Name},
		PublicKeyID: spec.AccountPub,
	})
	if err != nil {
		return Tree{}, err
	}

	chains, err := s.AddChildren(account.ID, LevelAccount, []ChildSpec{
		{Index: keys.ChainExternal, Record: ChainRecord{}},
		{Index: keys.ChainInternal, Record: ChainRecord{}},
		{Index: keys.ChainStaking, Record: ChainRecord{}},
	})
	if err != nil {
		return Tree{}, err
	}

	t := Tree{Root: root.ID, Account: account.ID, Chains: make(map[uint32]uint64, len(chains))}
	for _, c := range chains {
		t.Chains[c.Index] = c.ID
	}
	return t, nil
}
