// Package log configures the process-wide slog logger.
package log

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/flowguard/internal/config"
)

var (
	mu      sync.Mutex
	level   = new(slog.LevelVar)
	closers []io.Closer
)

// Init builds the global logger from cfg and installs it as slog's default.
// Stdout is always an output; file and Loki outputs are added when enabled.
// Outputs opened by a previous Init are closed once the new logger is live.
func Init(cfg config.LogConfig) error {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	writers := []io.Writer{os.Stdout}
	var opened []io.Closer

	if cfg.Outputs.File.Enabled {
		w, err := newFileWriter(cfg.Outputs.File)
		if err != nil {
			return fmt.Errorf("file output: %w", err)
		}
		writers = append(writers, w)
		opened = append(opened, w)
	}

	if cfg.Outputs.Loki.Enabled {
		w, err := newLokiOutput(cfg.Outputs.Loki)
		if err != nil {
			closeAll(opened)
			return fmt.Errorf("loki output: %w", err)
		}
		writers = append(writers, w)
		opened = append(opened, w)
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		closeAll(opened)
		return fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	mu.Lock()
	previous := closers
	closers = opened
	level.Set(lvl)
	slog.SetDefault(slog.New(handler))
	mu.Unlock()

	closeAll(previous)
	return nil
}

// SetLevel changes the level of the installed logger without rebuilding it.
func SetLevel(s string) error {
	lvl, err := parseLevel(s)
	if err != nil {
		return err
	}
	level.Set(lvl)
	return nil
}

// Level returns the current minimum level.
func Level() slog.Level {
	return level.Level()
}

// Get returns the process logger.
func Get() *slog.Logger {
	return slog.Default()
}

// Flush pushes buffered output, waiting for remote outputs to acknowledge.
func Flush() error {
	mu.Lock()
	cs := append([]io.Closer(nil), closers...)
	mu.Unlock()

	var errs []error
	for _, c := range cs {
		if f, ok := c.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close flushes and closes every output opened by Init. Stdout stays open,
// so logging after Close still works.
func Close() error {
	mu.Lock()
	cs := closers
	closers = nil
	mu.Unlock()
	return closeAll(cs)
}

func closeAll(cs []io.Closer) error {
	var errs []error
	for _, c := range cs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %q", s)
	}
}

func newFileWriter(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, errors.New("path is required")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}

func newLokiOutput(lc config.LokiOutputConfig) (*LokiWriter, error) {
	if lc.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	cfg := LokiConfig{
		Endpoint:  lc.Endpoint,
		Labels:    lc.Labels,
		BatchSize: lc.BatchSize,
	}
	if lc.BatchTimeout != "" {
		d, err := parseInterval(lc.BatchTimeout)
		if err != nil {
			return nil, err
		}
		cfg.FlushInterval = d
	}
	return NewLokiWriter(cfg)
}
