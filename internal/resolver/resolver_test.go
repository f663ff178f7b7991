package resolver

import (
	"context"
	"testing"

	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
	"github.com/stretchr/testify/require"
)

const (
	testWallet = 1
	testNode   = 42
)

func cred(b byte) types.Credential {
	var c types.Credential
	for i := range c {
		c[i] = b
	}
	return c
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func withResolver(t *testing.T, s *storage.Store, fn func(r *Resolver)) {
	t.Helper()
	op := storage.Op{Name: t.Name(), Locks: Footprint}
	err := s.Update(context.Background(), op, func(tx *storage.Tx) error {
		fn(New(tx, testWallet))
		return nil
	})
	require.NoError(t, err)
}

func TestResolve_CanonicalAlias(t *testing.T) {
	s := newTestStore(t)

	canonical := types.NewSingleAddress(cred(1))
	foreignStake := types.NewGroupedAddress(cred(1), cred(9))

	var canonicalID uint64
	withResolver(t, s, func(r *Resolver) {
		owned := make(OwnedSet)
		ids, err := r.RegisterOwned(testNode, owned, canonical)
		require.NoError(t, err)
		canonicalID = ids[0]
	})

	withResolver(t, s, func(r *Resolver) {
		owned, err := r.LoadOwned()
		require.NoError(t, err)
		require.True(t, owned.Has(canonicalID))

		res, err := r.Resolve([]string{foreignStake.String()}, owned)
		require.NoError(t, err)

		aliasID, ok := res.Owned[foreignStake.String()]
		require.True(t, ok, "grouped address with owned spending key must be owned")
		require.NotEqual(t, canonicalID, aliasID)
		require.True(t, owned.Has(aliasID), "alias must join the owned set")

		node, ok, err := r.Mapping(aliasID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(testNode), node)

		ids, err := r.NodeAddresses(testNode)
		require.NoError(t, err)
		require.ElementsMatch(t, []uint64{canonicalID, aliasID}, ids)
	})
}

func TestResolve_ForeignInsertedOnce(t *testing.T) {
	s := newTestStore(t)
	foreign := types.NewSingleAddress(cred(7))
	unknown := "ab12ffnotanaddress"

	var first Resolution
	withResolver(t, s, func(r *Resolver) {
		owned := make(OwnedSet)
		var err error
		first, err = r.Resolve([]string{foreign.Hex(), foreign.Hex(), unknown}, owned)
		require.NoError(t, err)
		require.Empty(t, first.Owned)
		require.Len(t, first.IDs, 2)
		require.Empty(t, owned)
	})

	withResolver(t, s, func(r *Resolver) {
		// The bech32 form normalizes to the same row as the hex form.
		res, err := r.Resolve([]string{foreign.String(), unknown}, make(OwnedSet))
		require.NoError(t, err)
		require.Equal(t, first.IDs[foreign.Hex()], res.IDs[foreign.String()])
		require.Equal(t, first.IDs[unknown], res.IDs[unknown])

		a, err := r.Get(res.IDs[unknown])
		require.NoError(t, err)
		require.Equal(t, types.KindUnknown, a.Kind)
		require.Equal(t, unknown, a.Raw)
	})
}

func TestResolve_ForeignCanonicalStaysForeign(t *testing.T) {
	s := newTestStore(t)
	// Canonical form exists but is not owned.
	withResolver(t, s, func(r *Resolver) {
		owned := make(OwnedSet)
		_, err := r.Resolve([]string{types.NewSingleAddress(cred(3)).Hex()}, owned)
		require.NoError(t, err)

		res, err := r.Resolve([]string{types.NewGroupedAddress(cred(3), cred(4)).Hex()}, owned)
		require.NoError(t, err)
		require.Empty(t, res.Owned)
		require.Len(t, res.IDs, 1)
	})
}

func TestResolve_Idempotent(t *testing.T) {
	s := newTestStore(t)
	canonical := types.NewSingleAddress(cred(1))
	alias := types.NewGroupedAddress(cred(1), cred(2))

	var res1, res2 Resolution
	withResolver(t, s, func(r *Resolver) {
		owned := make(OwnedSet)
		_, err := r.RegisterOwned(testNode, owned, canonical)
		require.NoError(t, err)

		res1, err = r.Resolve([]string{alias.Hex()}, owned)
		require.NoError(t, err)
		res2, err = r.Resolve([]string{alias.Hex()}, owned)
		require.NoError(t, err)
	})
	require.Equal(t, res1, res2)
}

func TestRegisterOwned_ConflictingNode(t *testing.T) {
	s := newTestStore(t)
	addr := types.NewSingleAddress(cred(5))

	op := storage.Op{Name: "conflict", Locks: Footprint}
	err := s.Update(context.Background(), op, func(tx *storage.Tx) error {
		r := New(tx, testWallet)
		if _, err := r.RegisterOwned(1, nil, addr); err != nil {
			return err
		}
		_, err := r.RegisterOwned(2, nil, addr)
		return err
	})
	require.ErrorIs(t, err, storage.ErrInvariant)
}

func TestResolve_RequiresLocks(t *testing.T) {
	s := newTestStore(t)
	op := storage.Op{Name: "no-mapping-lock", Locks: storage.Tables(storage.TableAddress)}
	err := s.Update(context.Background(), op, func(tx *storage.Tx) error {
		_, err := New(tx, testWallet).LoadOwned()
		return err
	})
	require.ErrorIs(t, err, storage.ErrLockSafety)
}
