// Klingnet ledger daemon. Keeps every wallet in the data directory in sync
// with a chain indexer.
//
// Usage:
//
//	klingledgerd [--testnet] [--backend=...]   Run the sync loop
//	klingledgerd --help                        Show help
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/config"
	"github.com/Klingon-tech/klingnet-ledger/internal/backend"
	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/metrics"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/internal/wallet"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

const version = "0.1.0"

func main() {
	cfg, flags, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if flags.Help {
		config.PrintUsage(os.Stdout)
		return
	}
	if flags.Version {
		fmt.Println("klingledgerd version " + version)
		return
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()
	logger := log.WithComponent("daemon")

	types.SetAddressHRP(cfg.Network.AddressHRP())

	engine, err := storage.OpenEngine(cfg.Storage.Engine, cfg.StoreDir())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	store, err := storage.Open(engine)
	if err != nil {
		engine.Close()
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	client := backend.NewRPCClient(backend.ClientConfig{
		URL:                cfg.Backend.URL,
		Timeout:            cfg.Backend.Timeout,
		RateLimit:          cfg.Backend.RateLimit,
		BreakerMinRequests: cfg.Backend.BreakerMinRequests,
		BreakerRatio:       cfg.Backend.BreakerRatio,
		BreakerCooldown:    cfg.Backend.BreakerCooldown,
	})

	m := metrics.New()
	mgr := wallet.NewManager(wallet.Params{
		Store:   store,
		Backend: client,
		Config:  wallet.NewConfig(cfg.Sync),
		Metrics: m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wallets, err := mgr.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load wallets: %w", err)
	}
	logger.Info().
		Str("network", string(cfg.Network)).
		Str("engine", cfg.Storage.Engine).
		Str("backend", cfg.Backend.URL).
		Int("wallets", len(wallets)).
		Msg("Ledger daemon started")

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsMux(m),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("listen", cfg.Metrics.Listen).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info().Str("listen", cfg.Metrics.Listen).Msg("Serving metrics")
	}

	err = mgr.Run(ctx)
	logger.Info().Msg("Ledger daemon stopped")
	return err
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}
