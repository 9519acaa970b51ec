package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes the process-wide loggers. Service and Version, when set,
// are attached to every record of the application logger.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Service     string
	Version     string
	AddSource   bool
	Audit       AuditConfig
}

// AuditConfig controls the run audit trail. Records are always JSON and are
// written to a size-rotated file.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

const (
	defaultAuditMaxSizeMB  = 100
	defaultAuditMaxBackups = 7
	defaultAuditMaxAgeDays = 30
)

var (
	mu       sync.RWMutex
	level    = new(slog.LevelVar)
	appLog   *slog.Logger
	auditLog *slog.Logger
	closers  []io.Closer
	inited   bool
)

// Init configures the global loggers. Only the first successful call takes
// effect; later calls return an error and leave the loggers untouched.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if inited {
		return errors.New("logger already initialised")
	}

	level.Set(parseLevel(cfg.Level))
	handler, err := buildHandler(cfg.Format, cfg.OutputPaths, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	if err != nil {
		return err
	}
	app := slog.New(handler)
	if base := baseAttrs(cfg); len(base) > 0 {
		app = app.With(base...)
	}

	audit := app
	if cfg.Audit.Enabled {
		if audit, err = buildAuditLogger(cfg.Audit); err != nil {
			return err
		}
		if base := baseAttrs(cfg); len(base) > 0 {
			audit = audit.With(base...)
		}
	}

	appLog, auditLog, inited = app, audit, true
	return nil
}

func baseAttrs(cfg Config) []any {
	var attrs []any
	if cfg.Service != "" {
		attrs = append(attrs, slog.String("service", cfg.Service))
	}
	if cfg.Version != "" {
		attrs = append(attrs, slog.String("version", cfg.Version))
	}
	return attrs
}

func buildHandler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, error) {
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		w, err := openOutput(out)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}

	w := writers[0]
	if len(writers) > 1 {
		w = io.MultiWriter(writers...)
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "console":
		return slog.NewTextHandler(w, opts), nil
	default:
		return slog.NewJSONHandler(w, opts), nil
	}
}

// openOutput resolves stdout/stderr or appends to a file, registering the
// file for Sync.
func openOutput(path string) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	closers = append(closers, file)
	return file, nil
}

func buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    positiveOr(cfg.MaxSizeMB, defaultAuditMaxSizeMB),
		MaxBackups: positiveOr(cfg.MaxBackups, defaultAuditMaxBackups),
		MaxAge:     positiveOr(cfg.MaxAgeDays, defaultAuditMaxAgeDays),
		Compress:   cfg.Compress,
	}
	closers = append(closers, rotator)
	return slog.New(slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// SetLevel changes the application log level at runtime.
func SetLevel(name string) {
	level.Set(parseLevel(name))
}

// L returns the application logger, falling back to a JSON logger on stdout
// when Init was never called.
func L() *slog.Logger {
	mu.RLock()
	l := appLog
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if appLog == nil {
		appLog = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return appLog
}

// Audit returns the audit logger, or the application logger when auditing
// is disabled.
func Audit() *slog.Logger {
	mu.RLock()
	l := auditLog
	mu.RUnlock()
	if l != nil {
		return l
	}
	return L()
}

// Named returns a child logger tagged with the provided component name.
func Named(component string) *slog.Logger {
	return L().With(slog.String("component", component))
}

// Sync closes every file opened by Init and flushes the audit rotator.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	closers = nil
	return err
}

// Replace swaps both global loggers, typically for a discarding logger in
// tests. The returned function restores the previous pair.
func Replace(l *slog.Logger) func() {
	mu.Lock()
	prevApp, prevAudit := appLog, auditLog
	appLog, auditLog = l, l
	mu.Unlock()
	return func() {
		mu.Lock()
		appLog, auditLog = prevApp, prevAudit
		mu.Unlock()
	}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
