package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConf(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "test.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestResolve_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Resolve(Options{DataDir: dir})
	require.NoError(t, err)

	want := DefaultMainnet()
	want.DataDir = dir
	require.Equal(t, want, cfg)
}

func TestResolve_DefaultFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Resolve(Options{DataDir: dir, Network: Testnet, CreateDirs: true})
	require.NoError(t, err)

	require.FileExists(t, cfg.ConfigFile())
	require.DirExists(t, cfg.StoreDir())
	require.DirExists(t, cfg.LogsDir())

	want := DefaultTestnet()
	want.DataDir = dir
	require.Equal(t, want, cfg)
}

func TestResolve_File(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, `
# indexer on another host
storage.engine = sqlite
backend.url = https://indexer.example:8545
backend.timeout = 3s
backend.breaker.ratio = 0.5
sync.stabilitywindow = 100
sync.gaplimit = 10
sync.requestsize = 10
sync.interval = 1m
metrics.enabled = true
log.level = debug
`)
	cfg, err := Resolve(Options{DataDir: dir, ConfigFile: path})
	require.NoError(t, err)

	require.Equal(t, "sqlite", cfg.Storage.Engine)
	require.Equal(t, "https://indexer.example:8545", cfg.Backend.URL)
	require.Equal(t, 3*time.Second, cfg.Backend.Timeout)
	require.Equal(t, 0.5, cfg.Backend.BreakerRatio)
	require.Equal(t, uint64(100), cfg.Sync.StabilityWindow)
	require.Equal(t, 10, cfg.Sync.GapLimit)
	require.Equal(t, time.Minute, cfg.Sync.Interval)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, "debug", cfg.Log.Level)

	// Untouched keys keep their defaults.
	require.Equal(t, DefaultMainnet().Sync.HistoryPageSize, cfg.Sync.HistoryPageSize)
}

func TestResolve_FileSwitchesNetwork(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, "network = testnet\n")
	cfg, err := Resolve(Options{DataDir: dir, ConfigFile: path})
	require.NoError(t, err)
	require.Equal(t, Testnet, cfg.Network)
	require.Equal(t, DefaultTestnet().Backend.URL, cfg.Backend.URL)
}

func TestResolve_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, "sync.gaplimit = 10\nlog.level = warn\n")
	t.Setenv("KLINGLEDGER_SYNC_GAPLIMIT", "30")
	t.Setenv("KLINGLEDGER_LOG_LEVEL", "error")

	cfg, err := Resolve(Options{
		DataDir:    dir,
		ConfigFile: path,
		Overrides:  map[string]any{LogLevelKey: "debug"},
	})
	require.NoError(t, err)
	require.Equal(t, 30, cfg.Sync.GapLimit, "environment beats the file")
	require.Equal(t, "debug", cfg.Log.Level, "overrides beat the environment")
}

func TestResolve_Invalid(t *testing.T) {
	tests := []struct {
		name string
		conf string
	}{
		{"request below gap", "sync.gaplimit = 20\nsync.requestsize = 19\n"},
		{"zero window", "sync.stabilitywindow = 0\n"},
		{"unknown engine", "storage.engine = leveldb\n"},
		{"bad network", "network = regtest\n"},
		{"bad backend url", "backend.url = indexer:8545\n"},
		{"bad ratio", "backend.breaker.ratio = 1.5\n"},
		{"bad log level", "log.level = trace\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := Resolve(Options{DataDir: dir, ConfigFile: writeConf(t, dir, tt.conf)})
			require.Error(t, err)
		})
	}
}

func TestLoad_Flags(t *testing.T) {
	dir := t.TempDir()
	cfg, flags, err := Load([]string{
		"--datadir", dir,
		"--testnet",
		"--backend", "http://10.0.0.2:8645",
		"--storage-engine", "bolt",
		"--metrics",
		"--log-json",
	})
	require.NoError(t, err)
	require.Equal(t, "testnet", flags.Network)
	require.Equal(t, Testnet, cfg.Network)
	require.Equal(t, dir, cfg.DataDir)
	require.Equal(t, "http://10.0.0.2:8645", cfg.Backend.URL)
	require.Equal(t, "bolt", cfg.Storage.Engine)
	require.True(t, cfg.Metrics.Enabled)
	require.True(t, cfg.Log.JSON)
	require.FileExists(t, filepath.Join(dir, "klingledger.conf"))
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags([]string{"--help"})
	require.NoError(t, err)
	require.True(t, f.Help)

	_, err = ParseFlags([]string{"extra", "--metrics"})
	require.Error(t, err)

	_, err = ParseFlags([]string{"--no-such-flag"})
	require.Error(t, err)

	f, err = ParseFlags([]string{"--log-level", "warn"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{LogLevelKey: "warn"}, f.Overrides())
}
