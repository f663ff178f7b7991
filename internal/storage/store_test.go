package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRow struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func testEngines(t *testing.T) map[string]Engine {
	t.Helper()
	dir := t.TempDir()

	mem, err := NewMemory()
	require.NoError(t, err)
	badgerDB, err := NewBadger(filepath.Join(dir, "badger"))
	require.NoError(t, err)
	boltDB, err := NewBolt(filepath.Join(dir, "ledger.bolt"))
	require.NoError(t, err)
	sqliteDB, err := NewSQLite(filepath.Join(dir, "ledger.sqlite"))
	require.NoError(t, err)

	engines := map[string]Engine{
		EngineMemory: mem,
		EngineBadger: badgerDB,
		EngineBolt:   boltDB,
		EngineSQLite: sqliteDB,
	}
	t.Cleanup(func() {
		for _, e := range engines {
			e.Close()
		}
	})
	return engines
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEngines(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			testStoreSuite(t, engine)
		})
	}
}

// testStoreSuite runs the shared test suite against an engine.
func testStoreSuite(t *testing.T, engine Engine) {
	t.Helper()
	ctx := context.Background()

	s, err := Open(engine)
	require.NoError(t, err)

	op := Op{Name: "test", Locks: Tables(TableAddress)}

	t.Run("PutAndGet", func(t *testing.T) {
		err := s.Update(ctx, op, func(tx *Tx) error {
			return tx.Bucket(TableAddress, 1).Put(U64(1), testRow{Name: "a", Value: 1})
		})
		require.NoError(t, err)

		var got testRow
		err = s.View(ctx, func(tx *Tx) error {
			return tx.Bucket(TableAddress, 1).Get(U64(1), &got)
		})
		require.NoError(t, err)
		require.Equal(t, testRow{Name: "a", Value: 1}, got)
	})

	t.Run("WalletIsolation", func(t *testing.T) {
		err := s.View(ctx, func(tx *Tx) error {
			var row testRow
			return tx.Bucket(TableAddress, 2).Get(U64(1), &row)
		})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ForEachOrdered", func(t *testing.T) {
		err := s.Update(ctx, op, func(tx *Tx) error {
			b := tx.Bucket(TableAddress, 3)
			for _, id := range []uint64{5, 2, 9} {
				if err := b.Put(U64(id), testRow{Value: int(id)}); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		var seen []int
		err = s.View(ctx, func(tx *Tx) error {
			return tx.Bucket(TableAddress, 3).ForEach(nil, func(key, raw []byte) error {
				var row testRow
				if err := Decode(raw, &row); err != nil {
					return err
				}
				require.Equal(t, uint64(row.Value), ReadU64(key))
				seen = append(seen, row.Value)
				return nil
			})
		})
		require.NoError(t, err)
		require.Equal(t, []int{2, 5, 9}, seen)
	})

	t.Run("NextID", func(t *testing.T) {
		var ids []uint64
		for i := 0; i < 3; i++ {
			err := s.Update(ctx, op, func(tx *Tx) error {
				id, err := tx.Bucket(TableAddress, 4).NextID()
				ids = append(ids, id)
				return err
			})
			require.NoError(t, err)
		}
		require.Equal(t, []uint64{1, 2, 3}, ids)
	})

	t.Run("Index", func(t *testing.T) {
		err := s.Update(ctx, op, func(tx *Tx) error {
			ix := tx.Bucket(TableAddress, 5).Index('d')
			require.NoError(t, ix.Add(U64(77), 3))
			require.NoError(t, ix.Add(U64(77), 1))
			require.NoError(t, ix.Add(U64(78), 2))
			return nil
		})
		require.NoError(t, err)

		err = s.View(ctx, func(tx *Tx) error {
			ids, err := tx.Bucket(TableAddress, 5).Index('d').Lookup(U64(77))
			require.NoError(t, err)
			require.Equal(t, []uint64{1, 3}, ids)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Update(ctx, op, func(tx *Tx) error {
			if err := tx.Bucket(TableAddress, 6).Put(U64(1), testRow{}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		err = s.View(ctx, func(tx *Tx) error {
			ok, err := tx.Bucket(TableAddress, 6).Has(U64(1))
			require.False(t, ok)
			return err
		})
		require.NoError(t, err)
	})

	t.Run("Clear", func(t *testing.T) {
		err := s.Update(ctx, op, func(tx *Tx) error {
			b := tx.Bucket(TableAddress, 7)
			require.NoError(t, b.Put(U64(1), testRow{}))
			require.NoError(t, b.Index('d').Add(U64(1), 1))
			return b.Clear()
		})
		require.NoError(t, err)

		err = s.View(ctx, func(tx *Tx) error {
			b := tx.Bucket(TableAddress, 7)
			ok, err := b.Has(U64(1))
			require.False(t, ok)
			ids, _ := b.Index('d').Lookup(U64(1))
			require.Empty(t, ids)
			return err
		})
		require.NoError(t, err)
	})
}

func TestUpdate_UndeclaredTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := Op{Name: "undeclared", Locks: Tables(TableTransaction)}
	err := s.Update(ctx, op, func(tx *Tx) error {
		if err := tx.Bucket(TableTransaction, 1).Put(U64(1), testRow{Name: "tx"}); err != nil {
			return err
		}
		// Swallowing the error must not let the transaction commit.
		_ = tx.Bucket(TableUtxoOutput, 1).Put(U64(1), testRow{Name: "out"})
		return nil
	})
	require.ErrorIs(t, err, ErrLockSafety)

	var lerr *LockSafetyError
	require.ErrorAs(t, err, &lerr)
	require.True(t, lerr.Touched.Has(TableUtxoOutput))

	err = s.View(ctx, func(tx *Tx) error {
		ok, err := tx.Bucket(TableTransaction, 1).Has(U64(1))
		require.False(t, ok, "write before the violation must be discarded")
		return err
	})
	require.NoError(t, err)
}

func TestUpdate_FootprintCheck(t *testing.T) {
	s := newTestStore(t)

	called := false
	op := Op{
		Name:       "footprint",
		Locks:      Tables(TableTransaction),
		Footprints: []TableSet{Tables(TableTransaction, TableBlock)},
	}
	err := s.Update(context.Background(), op, func(tx *Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrLockSafety)
	require.False(t, called, "operation must not run when footprints are not covered")
}

func TestView_RejectsWrites(t *testing.T) {
	s := newTestStore(t)
	err := s.View(context.Background(), func(tx *Tx) error {
		return tx.Bucket(TableBlock, 1).Put(U64(1), testRow{})
	})
	require.ErrorIs(t, err, ErrLockSafety)
}

func TestUpdate_Serializes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := Op{Name: "counter", Locks: Tables(TableMeta, TableBlock)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, op, func(tx *Tx) error {
				b := tx.Bucket(TableBlock, 1)
				var row testRow
				err := b.Get(U64(1), &row)
				if err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
				row.Value++
				return b.Put(U64(1), row)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var row testRow
	err := s.View(ctx, func(tx *Tx) error {
		return tx.Bucket(TableBlock, 1).Get(U64(1), &row)
	})
	require.NoError(t, err)
	require.Equal(t, 8, row.Value)
}

func TestUpdate_ContextCancelledWhileWaiting(t *testing.T) {
	s := newTestStore(t)
	op := Op{Name: "holder", Locks: Tables(TableWatermark)}

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Update(context.Background(), op, func(tx *Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Update(ctx, Op{Name: "waiter", Locks: Tables(TableBlock, TableWatermark)}, func(tx *Tx) error {
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)

	// The partially acquired block lock must have been released.
	err = s.Update(context.Background(), Op{Name: "after", Locks: Tables(TableBlock)}, func(tx *Tx) error {
		return nil
	})
	require.NoError(t, err)
}

func TestTableSet(t *testing.T) {
	set := Tables(TableBlock, TableAddress)
	require.True(t, set.Has(TableBlock))
	require.False(t, set.Has(TableWallet))
	require.Equal(t, 2, set.Len())
	require.Equal(t, []Table{TableAddress, TableBlock}, set.List())
	require.Equal(t, Tables(TableWallet), set.Missing(Tables(TableWallet, TableBlock)))
	require.True(t, set.Missing(Tables(TableBlock)).Empty())
	require.Equal(t, "{address,block}", set.String())
	require.True(t, AllTables.Has(TableWatermark))
	require.True(t, AllTables.Has(TableMeta))
}

func TestDigest_StableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.bolt")

	engine, err := NewBolt(path)
	require.NoError(t, err)
	s1, err := Open(engine)
	require.NoError(t, err)
	d1 := s1.Digest("60abcdef")
	require.NotEqual(t, d1, s1.Digest("60abcdee"))
	require.NoError(t, s1.Close())

	engine, err = NewBolt(path)
	require.NoError(t, err)
	s2, err := Open(engine)
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, d1, s2.Digest("60abcdef"))
}
