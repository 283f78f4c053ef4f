package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"chanstore/internal/security"
)

// format is one on-disk configuration syntax.
type format struct {
	name   string
	decode func([]byte, *Config) error
	encode func(*Config) ([]byte, error)
}

var (
	tomlFormat = format{
		name: "TOML",
		decode: func(data []byte, cfg *Config) error {
			_, err := toml.Decode(string(data), cfg)
			return err
		},
		encode: func(cfg *Config) ([]byte, error) {
			var buf bytes.Buffer
			err := toml.NewEncoder(&buf).Encode(cfg)
			return buf.Bytes(), err
		},
	}
	jsonFormat = format{
		name:   "JSON",
		decode: func(data []byte, cfg *Config) error { return json.Unmarshal(data, cfg) },
		encode: func(cfg *Config) ([]byte, error) { return json.MarshalIndent(cfg, "", "  ") },
	}
	yamlFormat = format{
		name:   "YAML",
		decode: func(data []byte, cfg *Config) error { return yaml.Unmarshal(data, cfg) },
		encode: func(cfg *Config) ([]byte, error) { return yaml.Marshal(cfg) },
	}

	formatsByExt = map[string]format{
		".toml": tomlFormat,
		".json": jsonFormat,
		".yaml": yamlFormat,
		".yml":  yamlFormat,
	}
)

// SupportedConfigFormats returns the supported config file extensions.
func SupportedConfigFormats() []string {
	return []string{".toml", ".json", ".yaml", ".yml"}
}

var errUnknownFormat = errors.New("unable to parse config file (tried TOML, JSON, YAML)")

// loadConfigFromFile parses path over the defaults. A missing file yields
// the defaults. Files without a known extension are tried in every format.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg *Config
	if f, ok := formatsByExt[filepath.Ext(path)]; ok {
		cfg = DefaultConfig()
		if err := f.decode(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.name, err)
		}
	} else if cfg, err = sniff(data); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// A secret in a file others can read is a leaked secret.
	if cfg.Sink.Secret != "" {
		if err := security.CheckPrivate(path); err != nil {
			return nil, fmt.Errorf("config holds sink.secret: %w", err)
		}
	}
	return cfg, nil
}

func sniff(data []byte) (*Config, error) {
	for _, f := range []format{tomlFormat, jsonFormat, yamlFormat} {
		cfg := DefaultConfig()
		if f.decode(data, cfg) == nil {
			return cfg, nil
		}
	}
	return nil, errUnknownFormat
}

// SaveConfig atomically writes cfg to path in the format named by its
// extension, TOML when unknown. The sink secret is never written.
func SaveConfig(cfg *Config, path string) error {
	out := cfg.Clone()
	out.Sink.Secret = ""

	f, ok := formatsByExt[filepath.Ext(path)]
	if !ok {
		f = tomlFormat
	}
	data, err := f.encode(out)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.name, err)
	}
	if err := security.WriteFileAtomic(path, data, security.PermSecretFile); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
