package derivation

import (
	"context"
	"testing"

	"github.com/Klingon-tech/klingnet-ledger/internal/keys"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/stretchr/testify/require"
)

const testWallet = 1

var allTables = AllLevels.Union(Keys)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func update(t *testing.T, s *storage.Store, locks storage.TableSet, fn func(d *Store) error) error {
	t.Helper()
	return s.Update(context.Background(), storage.Op{Name: t.Name(), Locks: locks}, func(tx *storage.Tx) error {
		return fn(New(tx, testWallet))
	})
}

func createTree(t *testing.T, s *storage.Store) Tree {
	t.Helper()
	var tree Tree
	err := update(t, s, allTables, func(d *Store) error {
		pub, err := d.PutKey(Key{Kind: KeyPublic, Value: []byte("xpub")})
		if err != nil {
			return err
		}
		tree, err = d.CreateAccountTree(TreeSpec{Name: "main", AccountPub: pub})
		return err
	})
	require.NoError(t, err)
	return tree
}

func TestCreateAccountTree(t *testing.T) {
	s := newTestStore(t)
	tree := createTree(t, s)

	require.Len(t, tree.Chains, 3)

	err := update(t, s, allTables, func(d *Store) error {
		path, err := d.Path(tree.Chains[keys.ChainInternal])
		require.NoError(t, err)
		require.Equal(t, []uint32{keys.PurposeLedger, keys.CoinTypeKlingnet, keys.Hardened, keys.ChainInternal}, path)

		acct, err := d.Get(tree.Account, LevelAccount)
		require.NoError(t, err)
		require.Equal(t, AccountRecord{Name: "main"}, acct.Record)
		require.NotZero(t, acct.PublicKeyID)

		children, err := d.Children(tree.Account)
		require.NoError(t, err)
		require.Len(t, children, 3)
		for i, c := range children {
			require.Equal(t, uint32(i), c.Index)
			require.Equal(t, LevelChain, c.Level)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAddChild_UniqueIndex(t *testing.T) {
	s := newTestStore(t)
	tree := createTree(t, s)
	chain := tree.Chains[keys.ChainExternal]

	locks := KnownLevel(LevelChain, LevelAddress)
	err := update(t, s, locks, func(d *Store) error {
		_, err := d.AddChild(chain, LevelChain, ChildSpec{Index: 0, Record: AddressRecord{}})
		return err
	})
	require.NoError(t, err)

	err = update(t, s, locks, func(d *Store) error {
		_, err := d.AddChild(chain, LevelChain, ChildSpec{Index: 0, Record: AddressRecord{}})
		return err
	})
	require.ErrorIs(t, err, ErrDuplicateChild)
}

func TestAddChild_WrongLevel(t *testing.T) {
	s := newTestStore(t)
	tree := createTree(t, s)

	err := update(t, s, allTables, func(d *Store) error {
		_, err := d.AddChild(tree.Account, LevelAccount, ChildSpec{Index: 0, Record: AddressRecord{}})
		return err
	})
	require.Error(t, err)
}

func TestGet_KnownLevelLocks(t *testing.T) {
	s := newTestStore(t)
	tree := createTree(t, s)

	// Looking up a chain node needs only the base table and the chain table.
	err := update(t, s, KnownLevel(LevelChain), func(d *Store) error {
		_, err := d.Get(tree.Chains[0], LevelChain)
		return err
	})
	require.NoError(t, err)

	// Reading an account record without its table is a violation.
	err = update(t, s, KnownLevel(LevelChain), func(d *Store) error {
		_, err := d.Get(tree.Account, LevelAccount)
		return err
	})
	require.ErrorIs(t, err, storage.ErrLockSafety)

	err = update(t, s, AllLevels, func(d *Store) error {
		e, err := d.GetAny(tree.Root)
		require.Equal(t, LevelRoot, e.Level)
		return err
	})
	require.NoError(t, err)
}

func TestSetDisplayCutoff_Monotonic(t *testing.T) {
	s := newTestStore(t)
	tree := createTree(t, s)
	chain := tree.Chains[keys.ChainExternal]

	err := update(t, s, KnownLevel(LevelChain), func(d *Store) error {
		got, err := d.SetDisplayCutoff(chain, 5)
		require.NoError(t, err)
		require.Equal(t, uint32(5), got)

		got, err = d.SetDisplayCutoff(chain, 2)
		require.NoError(t, err)
		require.Equal(t, uint32(5), got, "cutoff must never move backwards")

		rec, err := d.Chain(chain)
		require.Equal(t, uint32(5), rec.DisplayCutoff)
		return err
	})
	require.NoError(t, err)
}

func TestDeleteTree(t *testing.T) {
	s := newTestStore(t)
	tree := createTree(t, s)

	err := update(t, s, allTables, func(d *Store) error {
		for i := uint32(0); i < 3; i++ {
			if _, err := d.AddChild(tree.Chains[0], LevelChain, ChildSpec{Index: i, Record: AddressRecord{}}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = update(t, s, allTables, func(d *Store) error {
		return d.DeleteTree(tree.Root)
	})
	require.NoError(t, err)

	err = update(t, s, allTables, func(d *Store) error {
		_, err := d.GetAny(tree.Chains[0])
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = d.GetAny(tree.Root)
		require.ErrorIs(t, err, storage.ErrNotFound)
		children, err := d.Children(tree.Chains[0])
		require.Empty(t, children)
		return err
	})
	require.NoError(t, err)
}

func TestPublicKey(t *testing.T) {
	s := newTestStore(t)

	master, err := keys.NewMasterKey(make([]byte, keys.SeedSize))
	require.NoError(t, err)
	account, err := master.Derive(keys.AccountPath(0))
	require.NoError(t, err)
	xpub := account.Neuter()

	err = update(t, s, Keys, func(d *Store) error {
		id, err := d.PutKey(Key{Kind: KeyPublic, Value: []byte(xpub.String())})
		require.NoError(t, err)

		got, err := d.PublicKey(id)
		require.NoError(t, err)
		require.Equal(t, xpub.PublicKeyBytes(), got.PublicKeyBytes())

		sealed, err := d.PutKey(Key{Kind: KeyPrivate, Value: []byte("sealed"), Sealed: true})
		require.NoError(t, err)
		_, err = d.PublicKey(sealed)
		require.ErrorIs(t, err, storage.ErrInvariant)
		return nil
	})
	require.NoError(t, err)
}
