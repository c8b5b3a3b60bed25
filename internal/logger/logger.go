// Package logger holds the zone's structured logger. It discards everything
// until Init is called, so library users pay nothing for log calls they never
// enabled.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// L is the global logger instance. It's initialized to discard all output by default.
var L = slog.New(slog.DiscardHandler)

const (
	logPrefix     = "autozone-"
	logSuffix     = ".log"
	retentionDays = 30
)

// Options configures the logger initialization.
type Options struct {
	Enabled bool       // If false, all logging is discarded
	LogDir  string     // Directory for log files. Empty with Writer nil: stderr
	Writer  io.Writer  // Explicit destination; takes precedence over LogDir
	JSON    bool       // JSON records instead of key=value text
	Level   slog.Level // Minimum log level
}

// Init configures logging. If opts.Enabled is false, all log output is
// discarded.
func Init(opts Options) error {
	if !opts.Enabled {
		L = slog.New(slog.DiscardHandler)
		return nil
	}

	w := opts.Writer
	if w == nil && opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
			return err
		}

		// Best-effort; a stale log never blocks startup.
		cleanOldLogs(opts.LogDir)

		filename := filepath.Join(opts.LogDir, logPrefix+time.Now().Format("2006-01-02")+logSuffix)
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		w = f
		opts.JSON = true
	}
	if w == nil {
		w = os.Stderr
	}

	L = New(w, opts.Level, opts.JSON)
	return nil
}

// New builds a logger writing to w at the given level.
func New(w io.Writer, level slog.Level, json bool) *slog.Logger {
	ho := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, ho))
	}
	return slog.New(slog.NewTextHandler(w, ho))
}

// FromEnv enables logging when AUTOZONE_LOG is set. Accepted values are a
// level name ("debug", "info", "warn", "error"); anything else that is
// non-empty means debug. Records go to stderr, or to daily JSON files when
// AUTOZONE_LOG_DIR names a directory.
func FromEnv() error {
	v := strings.TrimSpace(os.Getenv("AUTOZONE_LOG"))
	if v == "" || v == "0" {
		return nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		level = slog.LevelDebug
	}
	return Init(Options{
		Enabled: true,
		LogDir:  strings.TrimSpace(os.Getenv("AUTOZONE_LOG_DIR")),
		Level:   level,
	})
}

// cleanOldLogs removes log files older than retentionDays.
func cleanOldLogs(logDir string) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, logPrefix) || !strings.HasSuffix(name, logSuffix) {
			continue
		}

		// autozone-2024-01-05.log
		dateStr := strings.TrimPrefix(strings.TrimSuffix(name, logSuffix), logPrefix)
		logDate, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}

		if logDate.Before(cutoff) {
			os.Remove(filepath.Join(logDir, name))
		}
	}
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) { L.Debug(msg, args...) }

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) { L.Info(msg, args...) }

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) { L.Warn(msg, args...) }

// Error logs an error message with optional key-value pairs.
func Error(msg string, args ...any) { L.Error(msg, args...) }
