// Package wallet manages the wallets of a ledger store: creation, loading
// with the capabilities their key material allows, removal, and the
// scheduled sync of every loaded wallet.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/config"
	"github.com/Klingon-tech/klingnet-ledger/internal/backend"
	"github.com/Klingon-tech/klingnet-ledger/internal/derivation"
	"github.com/Klingon-tech/klingnet-ledger/internal/keys"
	"github.com/Klingon-tech/klingnet-ledger/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/metrics"
	"github.com/Klingon-tech/klingnet-ledger/internal/resolver"
	"github.com/Klingon-tech/klingnet-ledger/internal/scan"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/internal/syncer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// AccountDepth is the depth of an account-level extended key.
const AccountDepth = 3

var (
	// createFootprint is the lock set of wallet creation.
	createFootprint = storage.Tables(storage.TableWallet).
			Union(derivation.AllLevels, derivation.Keys, resolver.Footprint)

	// removeFootprint covers every table holding wallet rows.
	removeFootprint = createFootprint.Union(ledger.Footprint, syncer.WatermarkFootprint)
)

// Config holds the wallet manager settings.
type Config struct {
	Scan scan.Config
	Sync syncer.Config

	// Interval between scheduled sync rounds.
	Interval time.Duration
	// Concurrency bounds the wallets synced at once. Zero means no bound.
	Concurrency int
}

// NewConfig maps the sync section of the node configuration.
func NewConfig(sc config.SyncConfig) Config {
	return Config{
		Scan:        scan.Config{GapLimit: sc.GapLimit, RequestSize: sc.RequestSize},
		Sync:        syncer.Config{StabilityWindow: sc.StabilityWindow, HistoryPageSize: sc.HistoryPageSize},
		Interval:    sc.Interval,
		Concurrency: sc.Concurrency,
	}
}

// Params are the dependencies of a Manager.
type Params struct {
	Store *storage.Store
	// Backend may be nil; wallets then load without a syncer.
	Backend backend.Backend
	Config  Config

	// Sealer defaults to Argon2id with the default parameters.
	Sealer keys.Sealer
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Ticker drives Run. It defaults to a ticker firing every Interval.
	Ticker ticker.Ticker
}

// Manager owns the loaded wallets of a store.
type Manager struct {
	store   *storage.Store
	backend backend.Backend
	cfg     Config
	sealer  keys.Sealer
	clock   clock.Clock
	metrics *metrics.Metrics
	ticker  ticker.Ticker
	log     zerolog.Logger

	mu      sync.RWMutex
	wallets map[uint32]*Wallet
}

// NewManager creates a manager with no wallets loaded.
func NewManager(p Params) *Manager {
	if p.Sealer == nil {
		p.Sealer = keys.NewSealer()
	}
	if p.Clock == nil {
		p.Clock = clock.NewDefaultClock()
	}
	if p.Metrics == nil {
		p.Metrics = metrics.New()
	}
	if p.Ticker == nil {
		p.Ticker = ticker.New(p.Config.Interval)
	}
	return &Manager{
		store:   p.Store,
		backend: p.Backend,
		cfg:     p.Config,
		sealer:  p.Sealer,
		clock:   p.Clock,
		metrics: p.Metrics,
		ticker:  p.Ticker,
		log:     klog.Wallet,
		wallets: make(map[uint32]*Wallet),
	}
}

// CreateRequest describes a wallet restored from a mnemonic.
type CreateRequest struct {
	Name     string
	Mnemonic string
	// Passphrase is the optional BIP-39 passphrase.
	Passphrase string
	// Password seals the root key.
	Password []byte
	Account  uint32
}

// Create stores a wallet derived from a mnemonic and loads it.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Wallet, error) {
	if len(req.Password) == 0 {
		return nil, ErrEmptyPassword
	}
	seed, err := keys.SeedFromMnemonic(req.Mnemonic, req.Passphrase)
	if err != nil {
		return nil, err
	}
	master, err := keys.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	acct, err := master.Derive(keys.AccountPath(req.Account))
	if err != nil {
		return nil, fmt.Errorf("derive account: %w", err)
	}
	sealed, err := m.sealer.Seal([]byte(master.String()), req.Password)
	if err != nil {
		return nil, fmt.Errorf("seal root key: %w", err)
	}
	return m.create(ctx, req.Name, req.Account, acct.Neuter(), sealed)
}

// CreateWatchOnly stores a wallet that only knows an account public key.
func (m *Manager) CreateWatchOnly(ctx context.Context, name, xpub string, account uint32) (*Wallet, error) {
	acct, err := keys.ParseExtendedKey(xpub)
	if err != nil {
		return nil, err
	}
	if acct.IsPrivate() {
		return nil, fmt.Errorf("expected an extended public key")
	}
	if acct.Depth() != AccountDepth {
		return nil, fmt.Errorf("expected an account key at depth %d, got depth %d", AccountDepth, acct.Depth())
	}
	return m.create(ctx, name, account, acct, nil)
}

func (m *Manager) create(ctx context.Context, name string, account uint32, acct *keys.HDKey, sealedRoot []byte) (*Wallet, error) {
	if name == "" {
		return nil, fmt.Errorf("wallet name must not be empty")
	}
	ak, err := keys.NewAccountKeys(acct)
	if err != nil {
		return nil, err
	}

	var rec Record
	op := storage.Op{
		Name:       "wallet-create",
		Locks:      createFootprint,
		Footprints: []storage.TableSet{derivation.AllLevels.Union(derivation.Keys), resolver.Footprint},
	}
	err = m.store.Update(ctx, op, func(tx *storage.Tx) error {
		ks := newKeystore(tx)
		id, err := ks.nextID()
		if err != nil {
			return err
		}
		now := m.clock.Now()
		d := derivation.New(tx, id)

		var rootKey uint64
		if sealedRoot != nil {
			rootKey, err = d.PutKey(derivation.Key{Kind: derivation.KeyPrivate, Value: sealedRoot, Sealed: true, UpdatedAt: now})
			if err != nil {
				return err
			}
		}
		pubKey, err := d.PutKey(derivation.Key{Kind: derivation.KeyPublic, Value: []byte(acct.String()), UpdatedAt: now})
		if err != nil {
			return err
		}
		tree, err := d.CreateAccountTree(derivation.TreeSpec{
			Account:     account,
			Name:        name,
			RootPrivate: rootKey,
			AccountPub:  pubKey,
		})
		if err != nil {
			return err
		}

		// The staking chain has a single key whose reward address is owned
		// from the start.
		stake, err := d.AddChild(tree.Chains[keys.ChainStaking], derivation.LevelChain,
			derivation.ChildSpec{Index: 0, Record: derivation.AddressRecord{}})
		if err != nil {
			return err
		}
		if _, err := resolver.New(tx, id).RegisterOwned(stake.ID, nil, ak.RewardAddress()); err != nil {
			return err
		}

		rec = Record{
			ID:          id,
			Name:        name,
			Account:     account,
			WatchOnly:   sealedRoot == nil,
			CreatedAt:   now,
			Root:        tree.Root,
			AccountNode: tree.Account,
			Chains:      tree.Chains,
		}
		return ks.create(rec)
	})
	if err != nil {
		return nil, err
	}

	m.log.Info().Uint32("wallet", rec.ID).Str("name", rec.Name).Bool("watch_only", rec.WatchOnly).Msg("Wallet created")
	return m.Load(ctx, rec.ID)
}

// Load loads a wallet, assembling its capabilities from the key material
// stored for it. Loading an already loaded wallet returns the same instance.
func (m *Manager) Load(ctx context.Context, id uint32) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[id]; ok {
		return w, nil
	}

	var (
		rec     Record
		acct    *keys.HDKey
		rootKey uint64
	)
	err := m.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		rec, err = newKeystore(tx).get(id)
		if err != nil {
			return err
		}
		d := derivation.New(tx, id)
		account, err := d.Get(rec.AccountNode, derivation.LevelAccount)
		if err != nil {
			return err
		}
		if account.PublicKeyID != 0 {
			if acct, err = d.PublicKey(account.PublicKeyID); err != nil {
				return err
			}
		}
		root, err := d.Get(rec.Root, derivation.LevelRoot)
		if err != nil {
			return err
		}
		rootKey = root.PrivateKeyID
		return nil
	})
	if err != nil {
		return nil, err
	}

	w := &Wallet{rec: rec, store: m.store, backend: m.backend, gapLimit: m.cfg.Scan.GapLimit}
	if acct != nil {
		ak, err := keys.NewAccountKeys(acct)
		if err != nil {
			return nil, err
		}
		var oracle scan.Oracle
		if m.backend != nil {
			oracle = m.backend.IsUsed
		}
		scanner := scan.NewScanner(m.store, id, ak, m.cfg.Scan, oracle)
		w.Public = ak
		w.Scanner = scanner

		if m.backend != nil {
			w.syncer = syncer.New(syncer.Params{
				Store:   m.store,
				Wallet:  id,
				Backend: m.backend,
				Scanner: scanner,
				Chains:  w.scanChains(),
				Config:  m.cfg.Sync,
				Clock:   m.clock,
				Metrics: m.metrics,
			})
		}
	}
	if rootKey != 0 {
		w.Private = &sealedRoot{store: m.store, wallet: id, keyID: rootKey, sealer: m.sealer, clock: m.clock}
	}

	m.wallets[id] = w
	m.log.Debug().
		Uint32("wallet", id).
		Bool("public", w.Public != nil).
		Bool("private", w.Private != nil).
		Bool("sync", w.syncer != nil).
		Msg("Wallet loaded")
	return w, nil
}

// LoadAll loads every stored wallet.
func (m *Manager) LoadAll(ctx context.Context) ([]*Wallet, error) {
	recs, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Wallet, 0, len(recs))
	for _, rec := range recs {
		w, err := m.Load(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("load wallet %d: %w", rec.ID, err)
		}
		out = append(out, w)
	}
	return out, nil
}

// List returns the registry rows of every stored wallet.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	var recs []Record
	err := m.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		recs, err = newKeystore(tx).list()
		return err
	})
	return recs, err
}

// Wallet returns a loaded wallet.
func (m *Manager) Wallet(id uint32) (*Wallet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[id]
	return w, ok
}

// Wallets returns the loaded wallets.
func (m *Manager) Wallets() []*Wallet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		out = append(out, w)
	}
	return out
}

// Remove deletes a wallet and everything stored for it. A running sync
// cycle of the wallet completes first.
func (m *Manager) Remove(ctx context.Context, id uint32) error {
	m.mu.Lock()
	w, ok := m.wallets[id]
	delete(m.wallets, id)
	m.mu.Unlock()
	if ok && w.syncer != nil {
		w.syncer.Close()
	}

	op := storage.Op{
		Name:  "wallet-remove",
		Locks: removeFootprint,
		Footprints: []storage.TableSet{
			derivation.AllLevels.Union(derivation.Keys),
			resolver.Footprint,
			ledger.Footprint,
			syncer.WatermarkFootprint,
		},
	}
	err := m.store.Update(ctx, op, func(tx *storage.Tx) error {
		ks := newKeystore(tx)
		rec, err := ks.get(id)
		if err != nil {
			return err
		}
		if err := derivation.New(tx, id).DeleteTree(rec.Root); err != nil {
			return err
		}
		// Row sequences outlive the rows DeleteTree removes.
		for _, t := range derivation.AllLevels.Union(derivation.Keys).List() {
			if err := tx.Bucket(t, id).Clear(); err != nil {
				return err
			}
		}
		if err := resolver.New(tx, id).Delete(); err != nil {
			return err
		}
		if err := ledger.New(tx, id).Delete(); err != nil {
			return err
		}
		if err := syncer.PutWatermark(tx, id, nil); err != nil {
			return err
		}
		return ks.remove(id)
	})
	if err != nil {
		if ok {
			// The wallet is still stored; bring it back with a fresh syncer.
			if _, lerr := m.Load(context.WithoutCancel(ctx), id); lerr != nil {
				m.log.Error().Err(lerr).Uint32("wallet", id).Msg("Reload after failed remove")
			}
		}
		return err
	}

	m.metrics.Forget(id)
	m.log.Info().Uint32("wallet", id).Msg("Wallet removed")
	return nil
}

// Run syncs every loaded wallet on each tick until ctx is done. Backend
// failures are retried on the next tick; lock safety and invariant
// violations stop the loop.
func (m *Manager) Run(ctx context.Context) error {
	m.ticker.Resume()
	defer m.ticker.Stop()

	m.log.Info().Dur("interval", m.cfg.Interval).Msg("Sync loop started")
	for {
		if err := m.SyncAll(ctx); err != nil {
			return err
		}
		select {
		case <-m.ticker.Ticks():
		case <-ctx.Done():
			m.log.Info().Msg("Sync loop stopped")
			return nil
		}
	}
}

// SyncAll runs one cycle for every loaded wallet with a backend, one
// goroutine per wallet.
func (m *Manager) SyncAll(ctx context.Context) error {
	defer klog.Benchmark("sync-all")()

	var g errgroup.Group
	if m.cfg.Concurrency > 0 {
		g.SetLimit(m.cfg.Concurrency)
	}
	for _, w := range m.Wallets() {
		if w.syncer == nil {
			continue
		}
		g.Go(func() error {
			_, err := w.syncer.SyncOnce(ctx)
			if errors.Is(err, storage.ErrLockSafety) || errors.Is(err, storage.ErrInvariant) {
				return fmt.Errorf("wallet %d: %w", w.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
