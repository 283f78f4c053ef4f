// Package hashing provides the fixed-width digest type and the hash
// primitives used to commit to channel history.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Size is the width of every digest, commitment and channel identifier.
const Size = 32

// Algorithm names accepted by New.
const (
	SHA256   = "sha256"
	SHA3_256 = "sha3-256"
	BLAKE3   = "blake3"
)

var (
	// ErrUnknownAlgorithm indicates a hash algorithm name that New does not support.
	ErrUnknownAlgorithm = errors.New("hashing: unknown algorithm")

	// ErrInvalidLength indicates an encoded value that is not exactly Size bytes.
	ErrInvalidLength = errors.New("hashing: invalid length")
)

// Bytes32 is an opaque fixed-width binary key. Channel ids, commitments,
// digests and Merkle roots all share it.
type Bytes32 [Size]byte

// Zero is the all-zero value. As a root it means "no history".
var Zero Bytes32

// IsZero reports whether b is the all-zero value.
func (b Bytes32) IsZero() bool {
	return b == Zero
}

// Compare orders values byte-wise.
func (b Bytes32) Compare(other Bytes32) int {
	return bytes.Compare(b[:], other[:])
}

// String returns the lowercase hex encoding.
func (b Bytes32) String() string {
	return hex.EncodeToString(b[:])
}

// Short returns the first eight hex characters, for log lines.
func (b Bytes32) Short() string {
	return hex.EncodeToString(b[:4])
}

// MarshalText implements encoding.TextMarshaler.
func (b Bytes32) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(Size))
	hex.Encode(out, b[:])
	return out, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Bytes32) UnmarshalText(text []byte) error {
	parsed, err := ParseBytes32(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// ParseBytes32 decodes a hex string, with or without a 0x prefix.
func ParseBytes32(s string) (Bytes32, error) {
	var out Bytes32
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("hashing: decode hex: %w", err)
	}
	if len(raw) != Size {
		return out, fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// FromSlice copies exactly Size bytes into a Bytes32.
func FromSlice(raw []byte) (Bytes32, error) {
	var out Bytes32
	if len(raw) != Size {
		return out, fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// Hasher is a fixed-output cryptographic hash together with the pair
// combinator used for internal Merkle nodes.
type Hasher interface {
	// Name returns the algorithm name as accepted by New.
	Name() string

	// Digest hashes an arbitrary byte sequence.
	Digest(data []byte) Bytes32

	// Pair hashes left || right. Operand order matters.
	Pair(left, right Bytes32) Bytes32
}

// New returns the hasher registered under name. An empty name selects SHA-256.
func New(name string) (Hasher, error) {
	switch strings.ToLower(name) {
	case "", SHA256:
		return sha256Hasher{}, nil
	case SHA3_256, "sha3":
		return sha3Hasher{}, nil
	case BLAKE3:
		return blake3Hasher{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

// Default returns the SHA-256 hasher.
func Default() Hasher {
	return sha256Hasher{}
}

// Digest hashes data with SHA-256.
func Digest(data []byte) Bytes32 {
	return sha256.Sum256(data)
}

// PairHash hashes left || right with SHA-256.
func PairHash(left, right Bytes32) Bytes32 {
	return sha256Hasher{}.Pair(left, right)
}

type sha256Hasher struct{}

func (sha256Hasher) Name() string { return SHA256 }

func (sha256Hasher) Digest(data []byte) Bytes32 {
	return sha256.Sum256(data)
}

func (sha256Hasher) Pair(left, right Bytes32) Bytes32 {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])

	var out Bytes32
	copy(out[:], h.Sum(nil))
	return out
}

type sha3Hasher struct{}

func (sha3Hasher) Name() string { return SHA3_256 }

func (sha3Hasher) Digest(data []byte) Bytes32 {
	return sha3.Sum256(data)
}

func (sha3Hasher) Pair(left, right Bytes32) Bytes32 {
	h := sha3.New256()
	h.Write(left[:])
	h.Write(right[:])

	var out Bytes32
	copy(out[:], h.Sum(nil))
	return out
}

type blake3Hasher struct{}

func (blake3Hasher) Name() string { return BLAKE3 }

func (blake3Hasher) Digest(data []byte) Bytes32 {
	return blake3.Sum256(data)
}

func (blake3Hasher) Pair(left, right Bytes32) Bytes32 {
	var buf [2 * Size]byte
	copy(buf[:Size], left[:])
	copy(buf[Size:], right[:])
	return blake3.Sum256(buf[:])
}
