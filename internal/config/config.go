// Package config loads, validates and watches chanstore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chanstore/internal/hashing"
	"chanstore/internal/logging"
	"chanstore/internal/storage"
)

// Version is the current configuration schema version.
const Version = 2

// Sink types.
const (
	SinkNone   = "none"
	SinkSQLite = "sqlite"
	SinkWAL    = "wal"
)

// Config holds the complete configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Policy   PolicyConfig   `toml:"policy" json:"policy" yaml:"policy"`
	Sink     SinkConfig     `toml:"sink" json:"sink" yaml:"sink"`
	Metadata MetadataConfig `toml:"metadata" json:"metadata" yaml:"metadata"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
}

// StorageConfig holds engine parameters.
type StorageConfig struct {
	// CompressionThreshold is the hot buffer length that triggers compaction.
	CompressionThreshold int `toml:"compression_threshold" json:"compression_threshold" yaml:"compression_threshold"`

	// RetentionPeriodSec is handed to the retention policy.
	RetentionPeriodSec uint64 `toml:"retention_period_sec" json:"retention_period_sec" yaml:"retention_period_sec"`

	// HashAlgorithm is one of "sha256", "sha3-256", "blake3".
	HashAlgorithm string `toml:"hash_algorithm" json:"hash_algorithm" yaml:"hash_algorithm"`
}

// PolicyConfig selects the admission policies.
type PolicyConfig struct {
	// EnforceRetention rejects transactions older than the retention period.
	EnforceRetention bool `toml:"enforce_retention" json:"enforce_retention" yaml:"enforce_retention"`

	// MaxHistoryPerChannel caps cold history length. Zero disables the cap.
	MaxHistoryPerChannel int `toml:"max_history_per_channel" json:"max_history_per_channel" yaml:"max_history_per_channel"`
}

// SinkConfig selects where commits are persisted.
type SinkConfig struct {
	// Type is "none", "sqlite" or "wal".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the database or log file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BatchCodec encodes folded compaction batches: "raw", "zstd", "lz4" or
	// "s2" (sqlite only).
	BatchCodec string `toml:"batch_codec" json:"batch_codec" yaml:"batch_codec"`

	// Secret keys the log's entry HMACs (wal only). Prefer CHANSTORE_SINK_SECRET.
	Secret string `toml:"secret,omitempty" json:"secret,omitempty" yaml:"secret,omitempty"`
}

// MetadataConfig configures metadata serialization.
type MetadataConfig struct {
	// SchemaPath is a JSON Schema every metadata value must satisfy.
	// Empty disables validation.
	SchemaPath string `toml:"schema_path" json:"schema_path" yaml:"schema_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			CompressionThreshold: 10,
			RetentionPeriodSec:   uint64((30 * 24 * time.Hour).Seconds()),
			HashAlgorithm:        hashing.SHA256,
		},
		Sink: SinkConfig{
			Type:       SinkNone,
			Path:       filepath.Join(dir, "chanstore.db"),
			BatchCodec: "zstd",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "logs", "chanstore.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// DataDir returns the base data directory. CHANSTORE_DATA_DIR overrides the
// platform default.
func DataDir() string {
	if envDir := os.Getenv("CHANSTORE_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from path, applying environment overrides.
// A missing file yields the defaults. The format follows the extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.Version < Version {
		if _, err := MigrateConfig(cfg, ""); err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies CHANSTORE_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CHANSTORE_COMPRESSION_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Storage.CompressionThreshold = n
		}
	}
	if v := os.Getenv("CHANSTORE_RETENTION_PERIOD_SEC"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Storage.RetentionPeriodSec = n
		}
	}
	if v := os.Getenv("CHANSTORE_HASH_ALGORITHM"); v != "" {
		c.Storage.HashAlgorithm = v
	}

	if v := os.Getenv("CHANSTORE_SINK_TYPE"); v != "" {
		c.Sink.Type = v
	}
	if v := os.Getenv("CHANSTORE_SINK_PATH"); v != "" {
		c.Sink.Path = v
	}
	if v := os.Getenv("CHANSTORE_SINK_BATCH_CODEC"); v != "" {
		c.Sink.BatchCodec = v
	}
	// Secrets from env.
	if v := os.Getenv("CHANSTORE_SINK_SECRET"); v != "" {
		c.Sink.Secret = v
	}

	if v := os.Getenv("CHANSTORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHANSTORE_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// EngineConfig returns the storage engine parameters.
func (c *Config) EngineConfig() storage.Config {
	return storage.Config{
		CompressionThreshold: c.Storage.CompressionThreshold,
		RetentionPeriod:      c.Storage.RetentionPeriodSec,
	}
}

// Hasher returns the configured hash algorithm.
func (c *Config) Hasher() (hashing.Hasher, error) {
	return hashing.New(c.Storage.HashAlgorithm)
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     strings.ToLower(c.Logging.Output),
		FilePath:   c.Logging.FilePath,
		MaxSize:    int64(c.Logging.MaxSizeMB),
		MaxAge:     c.Logging.MaxAgeDays,
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
		Component:  "chanstore",
	}, nil
}
