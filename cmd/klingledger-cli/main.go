// klingledger-cli manages the wallets of a klingledger data directory.
//
// It opens the store directly, so it cannot share a Badger store with a
// running klingledgerd.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-ledger/config"
	"github.com/Klingon-tech/klingnet-ledger/internal/backend"
	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/internal/wallet"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// decimals is the number of fractional digits of one coin.
const decimals = 12

func main() {
	app := cli.NewApp()

	app.Version = "0.1.0"
	app.Name = "klingledger-cli"
	app.Usage = "Manage and sync Klingnet ledger wallets"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "datadir",
			Usage: "data directory (default: ~/.klingledger)",
		},
		&cli.StringFlag{
			Name:  "network",
			Usage: "mainnet or testnet",
		},
		&cli.StringFlag{
			Name:  "config",
			Usage: "config file path",
		},
		&cli.StringFlag{
			Name:  "backend",
			Usage: "chain indexer JSON-RPC URL",
		},
		&cli.BoolFlag{
			Name:  "offline",
			Usage: "do not contact the backend",
		},
	}
	app.Commands = append(
		app.Commands,
		&walletCmd,
		&syncCmd,
		&balanceCmd,
		&historyCmd,
		&addressesCmd,
		&revealCmd,
		&verifyCmd,
	)

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// session is an opened store with its wallet manager.
type session struct {
	store   *storage.Store
	manager *wallet.Manager
}

func (s *session) Close() {
	s.store.Close()
}

// openSession resolves the configuration from the global flags and opens
// the store. Console logging is limited to warnings.
func openSession(c *cli.Context) (*session, error) {
	overrides := map[string]any{config.LogLevelKey: log.LevelWarn}
	if url := c.String("backend"); url != "" {
		overrides[config.BackendKey] = url
	}

	cfg, err := config.Resolve(config.Options{
		ConfigFile: c.String("config"),
		DataDir:    c.String("datadir"),
		Network:    config.NetworkType(c.String("network")),
		Overrides:  overrides,
		CreateDirs: true,
	})
	if err != nil {
		return nil, err
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, ""); err != nil {
		return nil, err
	}
	types.SetAddressHRP(cfg.Network.AddressHRP())

	engine, err := storage.OpenEngine(cfg.Storage.Engine, cfg.StoreDir())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	store, err := storage.Open(engine)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	p := wallet.Params{
		Store:  store,
		Config: wallet.NewConfig(cfg.Sync),
	}
	if !c.Bool("offline") {
		p.Backend = backend.NewRPCClient(backend.ClientConfig{
			URL:                cfg.Backend.URL,
			Timeout:            cfg.Backend.Timeout,
			RateLimit:          cfg.Backend.RateLimit,
			BreakerMinRequests: cfg.Backend.BreakerMinRequests,
			BreakerRatio:       cfg.Backend.BreakerRatio,
			BreakerCooldown:    cfg.Backend.BreakerCooldown,
		})
	}
	return &session{store: store, manager: wallet.NewManager(p)}, nil
}

// walletFlag selects a wallet by name or id.
var walletFlag = &cli.StringFlag{
	Name:     "wallet",
	Aliases:  []string{"w"},
	Usage:    "wallet name or id",
	Required: true,
}

// loadWallet opens the wallet named by --wallet.
func (s *session) loadWallet(ctx context.Context, ref string) (*wallet.Wallet, error) {
	recs, err := s.manager.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.Name == ref {
			return s.manager.Load(ctx, rec.ID)
		}
	}
	if id, err := strconv.ParseUint(ref, 10, 32); err == nil {
		return s.manager.Load(ctx, uint32(id))
	}
	return nil, fmt.Errorf("wallet %q: %w", ref, wallet.ErrNotFound)
}

// withWallet opens a session and the selected wallet, then runs fn.
func withWallet(fn func(c *cli.Context, s *session, w *wallet.Wallet) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer s.Close()

		w, err := s.loadWallet(c.Context, c.String("wallet"))
		if err != nil {
			return err
		}
		return fn(c, s, w)
	}
}

// formatAmount renders raw units as a decimal coin amount.
func formatAmount(units uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -decimals).StringFixed(decimals)
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[klingledger-cli] %v\n", err)
	os.Exit(1)
}
