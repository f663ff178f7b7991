package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// Flags holds parsed daemon command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// Storage
	Engine string

	// Backend
	BackendURL string

	// Metrics
	Metrics       bool
	MetricsListen string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetMetrics bool
	SetLogJSON bool
}

// ParseFlags parses daemon command-line flags.
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("klingledgerd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	testnet := fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// Storage
	fs.StringVar(&f.Engine, "storage-engine", "", "Storage engine (badger, bolt, sqlite, memory)")

	// Backend
	fs.StringVar(&f.BackendURL, "backend", "", "Chain indexer JSON-RPC URL")

	// Metrics
	fs.BoolVar(&f.Metrics, "metrics", false, "Serve Prometheus metrics")
	fs.StringVar(&f.MetricsListen, "metrics-listen", "", "Metrics listen address")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			f.Help = true
			return f, nil
		}
		return nil, err
	}

	if *testnet {
		f.Network = string(Testnet)
	}
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.Args = fs.Args()

	// Positional arguments stop the parser; flags after them would be lost.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// Overrides returns the flags that were set, keyed like the config file.
func (f *Flags) Overrides() map[string]any {
	out := make(map[string]any)
	if f.Engine != "" {
		out[EngineKey] = f.Engine
	}
	if f.BackendURL != "" {
		out[BackendKey] = f.BackendURL
	}
	if f.SetMetrics {
		out[MetricsKey] = f.Metrics
	}
	if f.MetricsListen != "" {
		out[ListenKey] = f.MetricsListen
	}
	if f.LogLevel != "" {
		out[LogLevelKey] = f.LogLevel
	}
	if f.LogFile != "" {
		out[LogFileKey] = f.LogFile
	}
	if f.SetLogJSON {
		out[LogJSONKey] = f.LogJSON
	}
	return out
}

// isFlagSet reports whether a flag was explicitly provided.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// PrintUsage writes the daemon usage text.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, `Klingnet Ledger Daemon

Usage:
  klingledgerd [options]

Core Options:
  --network <type>        Network: mainnet or testnet (default: mainnet)
  --testnet               Shorthand for --network=testnet
  --datadir <path>        Data directory (default: ~/.klingledger)
  -c, --config <file>     Config file path

Storage:
  --storage-engine <name> badger, bolt, sqlite or memory (default: badger)

Backend:
  --backend <url>         Chain indexer JSON-RPC URL

Metrics:
  --metrics               Serve Prometheus metrics
  --metrics-listen <addr> Metrics listen address

Logging:
  --log-level <level>     debug, info, warn, error (default: info)
  --log-file <path>       Log to a rotated file (always JSON)
  --log-json              Output logs as JSON

Every config key can also be set as KLINGLEDGER_<KEY>, dots replaced by
underscores (KLINGLEDGER_SYNC_GAPLIMIT=30).

Other:
  -h, --help              Show this help
  -v, --version           Show version
`)
}

// Load resolves the daemon configuration:
// 1. Defaults for the selected network
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Environment
// 5. Command-line flags
func Load(args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(args)
	if err != nil {
		return nil, nil, err
	}
	if flags.Help || flags.Version {
		return nil, flags, nil
	}

	cfg, err := Resolve(Options{
		ConfigFile: flags.Config,
		DataDir:    flags.DataDir,
		Network:    NetworkType(strings.ToLower(flags.Network)),
		Overrides:  flags.Overrides(),
		CreateDirs: true,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

// LoadEnv is Load for os.Args.
func LoadEnv() (*Config, *Flags, error) {
	return Load(os.Args[1:])
}
