package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config keys.
const (
	NetworkKey  = "network"
	DataDirKey  = "datadir"
	EngineKey   = "storage.engine"
	BackendKey  = "backend.url"
	TimeoutKey  = "backend.timeout"
	RateKey     = "backend.ratelimit"
	MinReqKey   = "backend.breaker.minrequests"
	RatioKey    = "backend.breaker.ratio"
	CooldownKey = "backend.breaker.cooldown"
	IntervalKey = "sync.interval"
	WindowKey   = "sync.stabilitywindow"
	GapKey      = "sync.gaplimit"
	RequestKey  = "sync.requestsize"
	PageKey     = "sync.historypagesize"
	ParallelKey = "sync.concurrency"
	MetricsKey  = "metrics.enabled"
	ListenKey   = "metrics.listen"
	LogLevelKey = "log.level"
	LogFileKey  = "log.file"
	LogJSONKey  = "log.json"
)

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Storage: StorageConfig{
			Engine: "badger",
		},
		Backend: BackendConfig{
			URL:                "http://127.0.0.1:8545",
			Timeout:            10 * time.Second,
			RateLimit:          20,
			BreakerMinRequests: 10,
			BreakerRatio:       0.6,
			BreakerCooldown:    30 * time.Second,
		},
		Sync: SyncConfig{
			Interval:        30 * time.Second,
			StabilityWindow: 2160,
			GapLimit:        20,
			RequestSize:     50,
			HistoryPageSize: 500,
			Concurrency:     4,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9470",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Backend.URL = "http://127.0.0.1:8645"
	cfg.Metrics.Listen = "127.0.0.1:9471"
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}

// setDefaults registers every key of cfg as a viper default.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault(NetworkKey, string(cfg.Network))
	v.SetDefault(DataDirKey, cfg.DataDir)
	v.SetDefault(EngineKey, cfg.Storage.Engine)
	v.SetDefault(BackendKey, cfg.Backend.URL)
	v.SetDefault(TimeoutKey, cfg.Backend.Timeout)
	v.SetDefault(RateKey, cfg.Backend.RateLimit)
	v.SetDefault(MinReqKey, cfg.Backend.BreakerMinRequests)
	v.SetDefault(RatioKey, cfg.Backend.BreakerRatio)
	v.SetDefault(CooldownKey, cfg.Backend.BreakerCooldown)
	v.SetDefault(IntervalKey, cfg.Sync.Interval)
	v.SetDefault(WindowKey, cfg.Sync.StabilityWindow)
	v.SetDefault(GapKey, cfg.Sync.GapLimit)
	v.SetDefault(RequestKey, cfg.Sync.RequestSize)
	v.SetDefault(PageKey, cfg.Sync.HistoryPageSize)
	v.SetDefault(ParallelKey, cfg.Sync.Concurrency)
	v.SetDefault(MetricsKey, cfg.Metrics.Enabled)
	v.SetDefault(ListenKey, cfg.Metrics.Listen)
	v.SetDefault(LogLevelKey, cfg.Log.Level)
	v.SetDefault(LogFileKey, cfg.Log.File)
	v.SetDefault(LogJSONKey, cfg.Log.JSON)
}
