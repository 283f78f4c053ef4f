package wal

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/crypto/hkdf"

	"chanstore/internal/security"
)

const keyInfo = "chanstore wal hmac v1"

// ErrEmptySecret is returned when deriving a key from an empty secret.
var ErrEmptySecret = errors.New("wal: empty secret")

// DeriveKey derives the 32-byte HMAC key for a log from a device secret,
// salted with the log's device id.
func DeriveKey(secret []byte, deviceID [32]byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, deviceID[:], []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("wal: derive key: %w", err)
	}
	return key, nil
}

// OpenWithSecret opens the log at path with a key derived from secret. A new
// log gets a random device id; an existing log keeps the one in its header.
func OpenWithSecret(path string, secret []byte, logger *slog.Logger) (*WAL, error) {
	var deviceID [32]byte
	if Exists(path) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("wal: open file: %w", err)
		}
		header, err := readHeader(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		deviceID = header.DeviceID
	} else if _, err := rand.Read(deviceID[:]); err != nil {
		return nil, fmt.Errorf("wal: generate device id: %w", err)
	}

	key, err := DeriveKey(secret, deviceID)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(key)
	return Open(path, deviceID, key, logger)
}
