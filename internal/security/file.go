// Package security holds the file handling rules for chanstore's on-disk
// state: private directories, atomic writes, permission checks on files that
// carry secrets and exclusive locks on append-only logs.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// File permission constants
const (
	// PermSecretFile is owner read/write only.
	PermSecretFile os.FileMode = 0600

	// PermSecretDir is owner only.
	PermSecretDir os.FileMode = 0700
)

var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrLocked              = errors.New("security: file is locked by another process")
)

// AtomicFile writes to a temporary sibling and renames it over the target
// on Commit.
type AtomicFile struct {
	path     string
	tempFile *os.File
	tempPath string
}

// CreateAtomic starts an atomic write of path. The parent directory is
// created with PermSecretDir when missing.
func CreateAtomic(path string, perm os.FileMode) (*AtomicFile, error) {
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := clean + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return &AtomicFile{path: clean, tempFile: f, tempPath: tempPath}, nil
}

// Write writes to the temporary file.
func (a *AtomicFile) Write(p []byte) (int, error) {
	return a.tempFile.Write(p)
}

// Commit syncs the temporary file and renames it over the target.
func (a *AtomicFile) Commit() error {
	if err := a.tempFile.Sync(); err != nil {
		a.Abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := a.tempFile.Close(); err != nil {
		os.Remove(a.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(a.tempPath, a.path); err != nil {
		os.Remove(a.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// Abort discards the write.
func (a *AtomicFile) Abort() {
	a.tempFile.Close()
	os.Remove(a.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteFileAtomic replaces path with data so readers never see a partial
// file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	a, err := CreateAtomic(path, perm)
	if err != nil {
		return err
	}
	if _, err := a.Write(data); err != nil {
		a.Abort()
		return err
	}
	return a.Commit()
}

// CheckPrivate returns ErrInsecurePermissions when path is readable or
// writable by group or others. It is a no-op on Windows.
func CheckPrivate(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o, expected %04o",
			ErrInsecurePermissions, path, mode, PermSecretFile)
	}
	return nil
}

// EnsurePrivateDir creates path and its parents with PermSecretDir. An
// existing directory keeps its mode.
func EnsurePrivateDir(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return os.MkdirAll(path, PermSecretDir)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("security: %s is not a directory", path)
	}
	return nil
}

// Wipe zeroes b.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// LockFile takes a non-blocking exclusive lock on f, returning ErrLocked
// when another descriptor holds it. Closing f releases the lock.
func LockFile(f *os.File) error {
	return lockFile(f)
}

// UnlockFile releases a lock taken with LockFile.
func UnlockFile(f *os.File) error {
	return unlockFile(f)
}
