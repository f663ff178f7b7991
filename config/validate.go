package config

import (
	"fmt"
	"net/url"

	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
)

// Validate checks the configuration for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("missing datadir")
	}

	switch cfg.Storage.Engine {
	case storage.EngineBadger, storage.EngineBolt, storage.EngineSQLite, storage.EngineMemory:
	default:
		return fmt.Errorf("storage.engine must be badger, bolt, sqlite or memory, got %q", cfg.Storage.Engine)
	}

	if cfg.Backend.URL != "" {
		u, err := url.Parse(cfg.Backend.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("backend.url must be an http(s) URL, got %q", cfg.Backend.URL)
		}
	}
	if cfg.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if cfg.Backend.RateLimit < 0 {
		return fmt.Errorf("backend.ratelimit must not be negative")
	}
	if cfg.Backend.BreakerRatio <= 0 || cfg.Backend.BreakerRatio > 1 {
		return fmt.Errorf("backend.breaker.ratio must be in (0, 1]")
	}

	if cfg.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if cfg.Sync.StabilityWindow == 0 {
		return fmt.Errorf("sync.stabilitywindow must be positive")
	}
	if cfg.Sync.GapLimit <= 0 {
		return fmt.Errorf("sync.gaplimit must be positive")
	}
	if cfg.Sync.RequestSize < cfg.Sync.GapLimit {
		return fmt.Errorf("sync.requestsize (%d) must be at least sync.gaplimit (%d)",
			cfg.Sync.RequestSize, cfg.Sync.GapLimit)
	}
	if cfg.Sync.HistoryPageSize < 0 {
		return fmt.Errorf("sync.historypagesize must not be negative")
	}
	if cfg.Sync.Concurrency < 0 {
		return fmt.Errorf("sync.concurrency must not be negative")
	}

	switch cfg.Log.Level {
	case log.LevelDebug, log.LevelInfo, log.LevelWarn, log.LevelError:
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	return nil
}
