package config

import (
	"errors"
	"fmt"
	"strings"

	"chanstore/internal/hashing"
	"chanstore/internal/logging"
	"chanstore/internal/store"
)

// ErrInvalidConfig matches any non-empty ValidationErrors via errors.Is.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError is a problem with one field, named by its dotted path.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && len(e) > 0
}

func (e *ValidationErrors) addf(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateConfig checks every section and returns ValidationErrors, or nil.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs.addf("version", "unsupported version %d (current %d)", c.Version, Version)
	}
	checkStorage(&errs, &c.Storage)
	if c.Policy.MaxHistoryPerChannel < 0 {
		errs.addf("policy.max_history_per_channel", "cannot be negative")
	}
	checkSink(&errs, &c.Sink)
	checkLogging(&errs, &c.Logging)

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func checkStorage(errs *ValidationErrors, s *StorageConfig) {
	if s.CompressionThreshold < 1 {
		errs.addf("storage.compression_threshold", "must be at least 1")
	}
	if _, err := hashing.New(s.HashAlgorithm); err != nil {
		errs.addf("storage.hash_algorithm", "unknown algorithm %q (valid: sha256, sha3-256, blake3)", s.HashAlgorithm)
	}
}

func checkSink(errs *ValidationErrors, s *SinkConfig) {
	switch s.Type {
	case SinkNone, "":
	case SinkSQLite, SinkWAL:
		if s.Path == "" {
			errs.addf("sink.path", "path is required for sink type %s", s.Type)
		}
	default:
		errs.addf("sink.type", "invalid sink type: %s (valid: none, sqlite, wal)", s.Type)
	}
	if s.Type == SinkWAL && s.Secret == "" {
		errs.addf("sink.secret", "secret is required for the wal sink (set CHANSTORE_SINK_SECRET)")
	}
	if _, err := store.ParseCodec(s.BatchCodec); err != nil {
		errs.addf("sink.batch_codec", "invalid batch codec: %s (valid: raw, zstd, lz4, s2)", s.BatchCodec)
	}
}

func checkLogging(errs *ValidationErrors, l *LoggingConfig) {
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs.addf("logging.level", "invalid log level: %s (valid: debug, info, warn, error)", l.Level)
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs.addf("logging.format", "invalid log format: %s (valid: text, json)", l.Format)
	}

	switch out := strings.ToLower(l.Output); out {
	case "stdout", "stderr", "":
	case "file", "both":
		if l.FilePath == "" {
			errs.addf("logging.file_path", "file path is required when output includes a file")
		}
		if l.MaxSizeMB < 1 {
			errs.addf("logging.max_size_mb", "max size must be at least 1 MB")
		}
	default:
		errs.addf("logging.output", "invalid output: %s (valid: stdout, stderr, file, both)", l.Output)
	}

	if l.MaxBackups < 0 {
		errs.addf("logging.max_backups", "max backups cannot be negative")
	}
	if l.MaxAgeDays < 0 {
		errs.addf("logging.max_age_days", "max age cannot be negative")
	}
}
