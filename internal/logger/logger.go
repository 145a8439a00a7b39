// Package logger wraps zerolog with file rotation for the correlation engine.
package logger

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how log output is written.
type Config struct {
	Path       string
	Level      string
	Format     string // "json" or "console"
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger is a leveled, component-scoped logger over zerolog.
type Logger struct {
	base   zerolog.Logger
	writer io.Writer
}

var (
	once   sync.Once
	global *Logger
)

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	var w io.Writer = os.Stdout
	if cfg.Path != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 30),
			Compress:   cfg.Compress,
		}
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return &Logger{
		base:   zerolog.New(w).Level(level).With().Timestamp().Logger(),
		writer: w,
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Init installs the process-wide default logger. Safe to call once at startup.
func Init(cfg Config) *Logger {
	once.Do(func() {
		global = New(cfg)
	})
	return global
}

// Get returns the process-wide logger, falling back to a stdout default.
func Get() *Logger {
	if global == nil {
		return New(Config{Level: "info", Format: "console"})
	}
	return global
}

// WithComponent returns a child logger tagged with a component name, matching
// the way each correlator and decoder identifies its log lines.
func (l *Logger) WithComponent(name string) zerolog.Logger {
	return l.base.With().Str("component", name).Logger()
}

// Raw exposes the underlying zerolog.Logger for callers that want the full API.
func (l *Logger) Raw() zerolog.Logger {
	return l.base
}
