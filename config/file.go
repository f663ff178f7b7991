package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by Resolve.
const EnvPrefix = "KLINGLEDGER"

// Options select where Resolve reads settings from.
type Options struct {
	// ConfigFile overrides the default <datadir>/klingledger.conf.
	ConfigFile string
	// DataDir and Network override every other source when set.
	DataDir string
	Network NetworkType
	// Overrides are applied last, keyed like the config file.
	Overrides map[string]any
	// CreateDirs creates the data directories and a default config file.
	CreateDirs bool
}

// Resolve builds the configuration from defaults, the config file, the
// environment and opts.Overrides, then validates it.
func Resolve(opts Options) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}
	if opts.DataDir != "" {
		v.Set(DataDirKey, opts.DataDir)
	}
	if opts.Network != "" {
		v.Set(NetworkKey, string(opts.Network))
	}

	// The data directory decides where the file is, so it can only come from
	// flags, the environment or the default.
	network := NetworkType(strings.ToLower(v.GetString(NetworkKey)))
	if network == "" {
		network = Mainnet
	}
	setDefaults(v, Default(network))

	base := &Config{DataDir: v.GetString(DataDirKey), Network: network}
	if opts.CreateDirs {
		if err := EnsureDataDirs(base); err != nil {
			return nil, fmt.Errorf("ensuring data dirs: %w", err)
		}
	}

	path := opts.ConfigFile
	if path == "" {
		path = base.ConfigFile()
	}
	if err := readFile(v, path); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// The file may switch networks; network defaults follow it.
	if fileNetwork := NetworkType(strings.ToLower(v.GetString(NetworkKey))); fileNetwork != network {
		setDefaults(v, Default(fileNetwork))
	}

	cfg := fromViper(v)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// readFile merges a key = value file into v. A missing file is not an error.
func readFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	return v.ReadInConfig()
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Network: NetworkType(strings.ToLower(v.GetString(NetworkKey))),
		DataDir: v.GetString(DataDirKey),
		Storage: StorageConfig{
			Engine: strings.ToLower(v.GetString(EngineKey)),
		},
		Backend: BackendConfig{
			URL:                v.GetString(BackendKey),
			Timeout:            v.GetDuration(TimeoutKey),
			RateLimit:          v.GetInt(RateKey),
			BreakerMinRequests: v.GetUint32(MinReqKey),
			BreakerRatio:       v.GetFloat64(RatioKey),
			BreakerCooldown:    v.GetDuration(CooldownKey),
		},
		Sync: SyncConfig{
			Interval:        v.GetDuration(IntervalKey),
			StabilityWindow: v.GetUint64(WindowKey),
			GapLimit:        v.GetInt(GapKey),
			RequestSize:     v.GetInt(RequestKey),
			HistoryPageSize: v.GetInt(PageKey),
			Concurrency:     v.GetInt(ParallelKey),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool(MetricsKey),
			Listen:  v.GetString(ListenKey),
		},
		Log: LogConfig{
			Level: v.GetString(LogLevelKey),
			File:  v.GetString(LogFileKey),
			JSON:  v.GetBool(LogJSONKey),
		},
	}
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. It is safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.NetworkDataDir(),
		cfg.StoreDir(),
		cfg.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	d := Default(network)
	content := `# Klingnet Ledger Configuration
#
# Every key can also be set through the environment, e.g.
# KLINGLEDGER_BACKEND_URL=http://indexer:8545

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingledger)
# datadir = ~/.klingledger

# ============================================================================
# Storage
# ============================================================================

# Engine: badger, bolt, sqlite or memory
storage.engine = ` + d.Storage.Engine + `

# ============================================================================
# Backend (chain indexer, JSON-RPC over HTTP)
# ============================================================================

backend.url = ` + d.Backend.URL + `
backend.timeout = ` + d.Backend.Timeout.String() + `
# Requests per second, 0 disables pacing
backend.ratelimit = ` + fmt.Sprint(d.Backend.RateLimit) + `
backend.breaker.minrequests = ` + fmt.Sprint(d.Backend.BreakerMinRequests) + `
backend.breaker.ratio = ` + fmt.Sprint(d.Backend.BreakerRatio) + `
backend.breaker.cooldown = ` + d.Backend.BreakerCooldown.String() + `

# ============================================================================
# Sync
# ============================================================================

sync.interval = ` + d.Sync.Interval.String() + `
# Blocks below the tip by this much are never rolled back
sync.stabilitywindow = ` + fmt.Sprint(d.Sync.StabilityWindow) + `
# Unused addresses kept ahead of the last used one
sync.gaplimit = ` + fmt.Sprint(d.Sync.GapLimit) + `
# Addresses per usage query, at least sync.gaplimit
sync.requestsize = ` + fmt.Sprint(d.Sync.RequestSize) + `
sync.historypagesize = ` + fmt.Sprint(d.Sync.HistoryPageSize) + `
sync.concurrency = ` + fmt.Sprint(d.Sync.Concurrency) + `

# ============================================================================
# Metrics
# ============================================================================

metrics.enabled = false
metrics.listen = ` + d.Metrics.Listen + `

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
