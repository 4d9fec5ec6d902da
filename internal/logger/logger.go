package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days

	DefaultWorkerLogName     = "workers.log"
	DefaultWorkerLogMaxBytes = 5 << 20
)

// Config describes where the orchestrator writes its own log and where the
// shared worker output sink lives.
// Rotation parameters for File follow lumberjack semantics.
type Config struct {
	Level      string // debug, info, warn, error (default info)
	NoColor    bool   // plain text on the console
	Dir        string // base directory for File (when relative) and the worker sink
	File       string // daemon log file; empty disables the JSON file log
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files

	WorkerLog         string // shared worker sink path (default Dir/workers.log)
	WorkerLogMaxBytes int64  // truncate the worker sink past this size
}

// FileWriter returns a lumberjack writer for the daemon log, or nil when File is empty.
func (c Config) FileWriter() io.WriteCloser {
	if c.File == "" {
		return nil
	}
	p := c.File
	if !filepath.IsAbs(p) && c.Dir != "" {
		p = filepath.Join(c.Dir, p)
	}
	return &lj.Logger{
		Filename:   p,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// WorkerLogPath resolves the shared worker sink location. Empty means disabled.
func (c Config) WorkerLogPath() string {
	if c.WorkerLog != "" {
		if !filepath.IsAbs(c.WorkerLog) && c.Dir != "" {
			return filepath.Join(c.Dir, c.WorkerLog)
		}
		return c.WorkerLog
	}
	if c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, DefaultWorkerLogName)
}

// ParseLevel maps a config string onto a slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the orchestrator logger: colored text on console, plus JSON
// records into the rotated daemon file when configured. The returned closer
// releases the file writer.
func New(c Config, console io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if console == nil {
		console = os.Stderr
	}
	var handlers []slog.Handler
	if c.NoColor {
		handlers = append(handlers, slog.NewTextHandler(console, opts))
	} else {
		handlers = append(handlers, NewColorTextHandler(console, opts, true))
	}
	var closer io.Closer = nopCloser{}
	if fw := c.FileWriter(); fw != nil {
		handlers = append(handlers, slog.NewJSONHandler(fw, opts))
		closer = fw
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer
	}
	return slog.New(fanout(handlers)), closer
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanout dispatches each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
