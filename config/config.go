// Package config handles daemon and CLI configuration.
//
// Settings are resolved in order of precedence:
//   - command-line flags
//   - KLINGLEDGER_* environment variables (dots become underscores)
//   - the klingledger.conf file (key = value)
//   - built-in defaults
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// AddressHRP returns the bech32 prefix of the network's addresses.
func (n NetworkType) AddressHRP() string {
	if n == Testnet {
		return types.TestnetHRP
	}
	return types.MainnetHRP
}

// Config holds the runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	Storage StorageConfig
	Backend BackendConfig
	Sync    SyncConfig
	Metrics MetricsConfig
	Log     LogConfig
}

// StorageConfig selects the ledger store engine.
type StorageConfig struct {
	Engine string `conf:"storage.engine"` // badger, bolt, sqlite or memory
}

// BackendConfig holds the remote indexer settings.
type BackendConfig struct {
	URL     string        `conf:"backend.url"`
	Timeout time.Duration `conf:"backend.timeout"`
	// RateLimit is in requests per second, 0 for no pacing.
	RateLimit          int           `conf:"backend.ratelimit"`
	BreakerMinRequests uint32        `conf:"backend.breaker.minrequests"`
	BreakerRatio       float64       `conf:"backend.breaker.ratio"`
	BreakerCooldown    time.Duration `conf:"backend.breaker.cooldown"`
}

// SyncConfig holds the synchronization parameters.
type SyncConfig struct {
	Interval time.Duration `conf:"sync.interval"`
	// StabilityWindow is K: blocks this deep are assumed final.
	StabilityWindow uint64 `conf:"sync.stabilitywindow"`
	GapLimit        int    `conf:"sync.gaplimit"`
	RequestSize     int    `conf:"sync.requestsize"`
	HistoryPageSize int    `conf:"sync.historypagesize"`
	Concurrency     int    `conf:"sync.concurrency"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `conf:"metrics.enabled"`
	Listen  string `conf:"metrics.listen"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingledger
//	macOS:   ~/Library/Application Support/Klingledger
//	Windows: %APPDATA%\Klingledger
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingledger"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingledger")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingledger")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingledger")
	default:
		return filepath.Join(home, ".klingledger")
	}
}

// NetworkDataDir returns the network-specific data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// StoreDir returns the ledger store directory.
func (c *Config) StoreDir() string {
	return filepath.Join(c.NetworkDataDir(), "ledger")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingledger.conf")
}
