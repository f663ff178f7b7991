// Package log provides structured, colored logging for the ledger daemon.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jrick/logrotate/rotator"
	"github.com/rs/zerolog"
)

// Level names accepted by Init.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Log file rotation settings.
const (
	rotateThresholdKB = 10 * 1024
	rotateMaxRolls    = 3
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the system.
var (
	Storage zerolog.Logger
	Ledger  zerolog.Logger
	Scan    zerolog.Logger
	Sync    zerolog.Logger
	Backend zerolog.Logger
	Wallet  zerolog.Logger
)

// logRotator is non-nil when logging to a file.
var logRotator *rotator.Rotator

func init() {
	// Default to colored console output
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init initializes the logger with the given configuration.
// When file is non-empty, logs are written to both the console (colored or
// JSON depending on jsonOutput) and a size-rotated file (always JSON).
func Init(level string, jsonOutput bool, file string) error {
	if file == "" {
		if jsonOutput {
			Logger = NewJSONLogger(os.Stdout, level)
		} else {
			Logger = NewConsoleLogger(os.Stdout, level)
		}
		initComponentLoggers()
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	r, err := rotator.New(file, rotateThresholdKB, false, rotateMaxRolls)
	if err != nil {
		return fmt.Errorf("create log rotator: %w", err)
	}
	Close()
	logRotator = r

	var consoleWriter io.Writer
	if jsonOutput {
		consoleWriter = os.Stdout
	} else {
		consoleWriter = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	multi := zerolog.MultiLevelWriter(consoleWriter, r)
	Logger = zerolog.New(multi).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()

	initComponentLoggers()
	return nil
}

// Close flushes and closes the log file, if any.
func Close() {
	if logRotator != nil {
		_ = logRotator.Close()
		logRotator = nil
	}
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
		NoColor:    false,
	}

	lvl := parseLevel(level)
	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	lvl := parseLevel(level)
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// SetLogger replaces the global logger and re-derives the component loggers.
// Tests use it to capture output.
func SetLogger(l zerolog.Logger) {
	Logger = l
	initComponentLoggers()
}

// parseLevel converts a string level to zerolog.Level.
func parseLevel(level string) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// initComponentLoggers initializes loggers for each component.
func initComponentLoggers() {
	Storage = Logger.With().Str("component", "storage").Logger()
	Ledger = Logger.With().Str("component", "ledger").Logger()
	Scan = Logger.With().Str("component", "scan").Logger()
	Sync = Logger.With().Str("component", "sync").Logger()
	Backend = Logger.With().Str("component", "backend").Logger()
	Wallet = Logger.With().Str("component", "wallet").Logger()
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithWallet returns a component logger tagged with a wallet id.
func WithWallet(l zerolog.Logger, walletID uint32) zerolog.Logger {
	return l.With().Uint32("wallet", walletID).Logger()
}

// Benchmark helper for timing operations.
func Benchmark(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug().
			Str("operation", name).
			Dur("duration", time.Since(start)).
			Msg("benchmark")
	}
}
