// Package logger is a thin package-level wrapper over log/slog shared
// by the storage, proxy, and archive daemons and the controller CLI.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logger configuration.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	mu      sync.RWMutex
	slogger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	closer  io.Closer
)

// Init reconfigures the package logger. Output may be "stdout",
// "stderr", or a file path (opened append-only). Init may be called
// again to re-point output, e.g. after daemonizing.
func Init(cfg Config) error {
	var out io.Writer
	var c io.Closer
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = f
		c = f
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}

	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		closer.Close()
	}
	closer = c
	slogger = slog.New(h)
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "", "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

// Debug logs at debug level with alternating key-value args.
func Debug(msg string, args ...any) { get().Debug(msg, args...) }

// Info logs at info level with alternating key-value args.
func Info(msg string, args ...any) { get().Info(msg, args...) }

// Warn logs at warn level with alternating key-value args.
func Warn(msg string, args ...any) { get().Warn(msg, args...) }

// Error logs at error level with alternating key-value args.
func Error(msg string, args ...any) { get().Error(msg, args...) }

// With returns a slog.Logger carrying the given attributes, for
// components that log many lines with the same context (e.g. one
// protocol connection).
func With(args ...any) *slog.Logger { return get().With(args...) }
