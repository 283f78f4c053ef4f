// Package logging builds the slog loggers used across chanstore.
//
// Records are written as text or JSON to stderr, stdout, a rotating file or
// both stderr and the file. Attributes whose key names a secret are printed
// as [REDACTED].
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Level is a slog level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the record encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

var levelNames = map[string]Level{
	"":        LevelInfo,
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

var formatNames = map[string]Format{
	"":     FormatText,
	"text": FormatText,
	"json": FormatJSON,
}

// ParseLevel maps a level name, case-insensitively, to a Level. The empty
// string is info.
func ParseLevel(s string) (Level, error) {
	if lvl, ok := levelNames[strings.ToLower(s)]; ok {
		return lvl, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %s", s)
}

// ParseFormat maps "text" or "json" to a Format.
func ParseFormat(s string) (Format, error) {
	if f, ok := formatNames[strings.ToLower(s)]; ok {
		return f, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %s", s)
}

// LevelString is the inverse of ParseLevel.
func LevelString(level Level) string {
	switch {
	case level <= LevelDebug:
		return "debug"
	case level >= LevelError:
		return "error"
	case level >= LevelWarn:
		return "warn"
	}
	return "info"
}

// Config describes where and how records are written.
type Config struct {
	Level  Level
	Format Format

	// Output is "stdout", "stderr", "file" or "both" (stderr and file).
	// Anything else is stderr.
	Output string

	// Rotation settings, used when Output includes a file. MaxSize is in
	// megabytes and MaxAge in days.
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool

	AddSource bool

	// Component is attached to every record as the "component" attribute.
	Component string

	// Writer, when set, replaces Output.
	Writer io.Writer
}

// DefaultConfig logs info and above as text to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   defaultLogPath(),
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 5,
		Compress:   true,
		Component:  "chanstore",
	}
}

func defaultLogPath() string {
	home, _ := os.UserHomeDir()
	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(home, "Library", "Logs", "chanstore")
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = os.Getenv("APPDATA")
		}
		dir = filepath.Join(base, "chanstore", "logs")
	default:
		base := os.Getenv("XDG_STATE_HOME")
		if base == "" {
			base = filepath.Join(home, ".local", "state")
		}
		dir = filepath.Join(base, "chanstore")
	}
	return filepath.Join(dir, "chanstore.log")
}

// Logger is a slog.Logger that owns its log file, if it has one.
type Logger struct {
	*slog.Logger

	mu      sync.Mutex
	rotator *FileRotator
}

// New builds a Logger from cfg, or from DefaultConfig when cfg is nil.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	w, rotator, err := openOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	return &Logger{Logger: slog.New(h), rotator: rotator}, nil
}

// openOutput resolves cfg to a writer. The rotator is nil unless a file is
// part of the output.
func openOutput(cfg *Config) (io.Writer, *FileRotator, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil, nil
	}

	out := strings.ToLower(cfg.Output)
	if out == "stdout" {
		return os.Stdout, nil, nil
	}
	if out != "file" && out != "both" {
		return os.Stderr, nil, nil
	}

	r, err := NewFileRotator(cfg)
	if err != nil {
		return nil, nil, err
	}
	if out == "both" {
		return io.MultiWriter(os.Stderr, r), r, nil
	}
	return r, r, nil
}

var sensitiveKeys = []string{"password", "secret", "token", "credential", "hmac_key", "private"}

func shouldRedact(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// WithComponent returns a child logger tagged with name. The handler appends
// attributes, so the newest component is printed last.
func (l *Logger) WithComponent(name string) *slog.Logger {
	return l.With(slog.String("component", name))
}

// SetDefault installs l as the process-wide slog default.
func (l *Logger) SetDefault() {
	slog.SetDefault(l.Logger)
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	return l.withRotator((*FileRotator).Close)
}

// Sync flushes the log file, if any.
func (l *Logger) Sync() error {
	return l.withRotator((*FileRotator).Sync)
}

func (l *Logger) withRotator(fn func(*FileRotator) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator == nil {
		return nil
	}
	return fn(l.rotator)
}
