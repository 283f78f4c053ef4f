package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"chanstore/internal/hashing"
	"chanstore/internal/security"
)

// MigrationResult describes one MigrateConfig run.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// upgrades[v] rewrites a version v configuration into version v+1 and
// returns a line per changed field. Version 0 files are read as version 1.
var upgrades = map[int]func(*Config) []string{
	1: upgradeV1,
}

// MigrateConfig upgrades cfg in place to Version, backing up configPath
// first when it names an existing file. It returns nil when cfg is current.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}
	res := &MigrationResult{FromVersion: cfg.Version, ToVersion: Version}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("could not create backup: %v", err))
		}
		res.Backup = backup
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	for cfg.Version < Version {
		up, ok := upgrades[cfg.Version]
		if !ok {
			return res, fmt.Errorf("unknown version %d", cfg.Version)
		}
		res.Changes = append(res.Changes, up(cfg)...)
		cfg.Version++
	}
	return res, nil
}

// Version 1 accepted the bare "sha3" alias, an empty hash algorithm and an
// empty sink type.
func upgradeV1(cfg *Config) (changes []string) {
	switch {
	case strings.EqualFold(cfg.Storage.HashAlgorithm, "sha3"):
		cfg.Storage.HashAlgorithm = hashing.SHA3_256
		changes = append(changes, "storage.hash_algorithm: sha3 -> sha3-256")
	case cfg.Storage.HashAlgorithm == "":
		cfg.Storage.HashAlgorithm = hashing.SHA256
		changes = append(changes, "storage.hash_algorithm: set to sha256")
	}
	if cfg.Sink.Type == "" {
		cfg.Sink.Type = SinkNone
		changes = append(changes, "sink.type: set to none")
	}
	return changes
}

// backupConfig copies path next to itself with a timestamp suffix. A missing
// file needs no backup and yields "".
func backupConfig(path string) (string, error) {
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("read config: %w", err)
	}

	backup := fmt.Sprintf("%s.backup-%s", path, time.Now().Format("20060102-150405"))
	if err := security.WriteFileAtomic(backup, data, security.PermSecretFile); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backup, nil
}
