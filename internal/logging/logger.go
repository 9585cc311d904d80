// Package logging provides the unified application log for Helix.
// It configures zerolog with a console writer and a size-rotated file
// (logs/helix_app.log), and hands out component-scoped sub-loggers.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LOG LEVELS
// ═══════════════════════════════════════════════════════════════════════════════

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota // Detailed debugging information
	LevelInfo               // General operational information
	LevelWarn               // Warning conditions
	LevelError              // Error conditions
)

// String returns the string representation of a log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// zerolog maps the level onto zerolog's level type.
func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel converts a string to a Level. Unknown strings map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SETUP
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// AppLogMaxSizeMB is the rotation threshold of helix_app.log.
	AppLogMaxSizeMB = 5
	// AppLogBackups is the number of rotated generations kept.
	AppLogBackups = 3
)

// Config configures the application logger.
type Config struct {
	Level    Level  // Minimum level to log
	FilePath string // Rotating log file; empty disables file output
	Console  bool   // Write human-readable output to stderr
	NoColor  bool   // Disable ANSI colors on the console writer
}

// DefaultConfig returns the configuration used by the CLI.
func DefaultConfig(logDir string) *Config {
	return &Config{
		Level:    LevelInfo,
		FilePath: filepath.Join(logDir, "helix_app.log"),
		Console:  true,
	}
}

// VerboseConfig returns a debug-level configuration.
func VerboseConfig(logDir string) *Config {
	cfg := DefaultConfig(logDir)
	cfg.Level = LevelDebug
	return cfg
}

var (
	setupMu  sync.Mutex
	rotating *lumberjack.Logger
)

// Setup installs the global zerolog logger. It may be called more than once;
// each call closes the previous rotating file.
func Setup(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig("logs")
	}

	setupMu.Lock()
	defer setupMu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.Kitchen,
			NoColor:    cfg.NoColor,
		})
	}

	if rotating != nil {
		_ = rotating.Close()
		rotating = nil
	}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return err
		}
		rotating = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    AppLogMaxSizeMB,
			MaxBackups: AppLogBackups,
		}
		writers = append(writers, rotating)
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(cfg.Level.zerolog()).
		With().Timestamp().Logger()
	return nil
}

// SetLevel changes the global log level.
func SetLevel(level Level) {
	log.Logger = log.Logger.Level(level.zerolog())
}

// DisableConsoleOutput keeps only the file writer. Used while a TUI owns the
// terminal.
func DisableConsoleOutput() {
	setupMu.Lock()
	defer setupMu.Unlock()
	var w io.Writer = io.Discard
	if rotating != nil {
		w = rotating
	}
	log.Logger = log.Logger.Output(w)
}

// Close flushes and closes the rotating file.
func Close() error {
	setupMu.Lock()
	defer setupMu.Unlock()
	if rotating == nil {
		return nil
	}
	err := rotating.Close()
	rotating = nil
	return err
}

// Component returns a sub-logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
