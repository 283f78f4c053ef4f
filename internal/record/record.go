// Package record defines the compressed transaction: a fixed-shape,
// digest-bearing summary of one or more channel state transitions.
package record

import (
	"encoding/binary"
	"errors"

	"chanstore/internal/hashing"
)

// EncodedSize is the size of an encoded Transaction in bytes.
// Format: [8-byte Timestamp][32 OldCommitment][32 NewCommitment][32 MetadataHash][32 MerkleRoot]
const EncodedSize = 8 + 4*hashing.Size

// ErrInvalidData indicates corrupted or truncated record data.
var ErrInvalidData = errors.New("record: invalid data")

// Transaction is an immutable compressed transaction. MerkleRoot is a
// snapshot of the channel root taken before this record was appended.
type Transaction struct {
	Timestamp     uint64          `json:"timestamp"`
	OldCommitment hashing.Bytes32 `json:"old_commitment"`
	NewCommitment hashing.Bytes32 `json:"new_commitment"`
	MetadataHash  hashing.Bytes32 `json:"metadata_hash"`
	MerkleRoot    hashing.Bytes32 `json:"merkle_root"`
}

// Encode returns the fixed-width big-endian encoding of tx.
func (tx Transaction) Encode() []byte {
	buf := make([]byte, EncodedSize)
	tx.put(buf)
	return buf
}

func (tx Transaction) put(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], tx.Timestamp)
	copy(buf[8:40], tx.OldCommitment[:])
	copy(buf[40:72], tx.NewCommitment[:])
	copy(buf[72:104], tx.MetadataHash[:])
	copy(buf[104:136], tx.MerkleRoot[:])
}

// Decode reconstructs a transaction from its encoding.
func Decode(data []byte) (Transaction, error) {
	var tx Transaction
	if len(data) != EncodedSize {
		return tx, ErrInvalidData
	}
	tx.Timestamp = binary.BigEndian.Uint64(data[0:8])
	copy(tx.OldCommitment[:], data[8:40])
	copy(tx.NewCommitment[:], data[40:72])
	copy(tx.MetadataHash[:], data[72:104])
	copy(tx.MerkleRoot[:], data[104:136])
	return tx, nil
}

// EncodeBatch serializes a batch as a 4-byte count followed by each encoded
// record in order. It cannot fail.
func EncodeBatch(batch []Transaction) []byte {
	buf := make([]byte, 4+len(batch)*EncodedSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(batch)))
	for i, tx := range batch {
		tx.put(buf[4+i*EncodedSize:])
	}
	return buf
}

// DecodeBatch reverses EncodeBatch.
func DecodeBatch(data []byte) ([]Transaction, error) {
	if len(data) < 4 {
		return nil, ErrInvalidData
	}
	n := int(binary.BigEndian.Uint32(data[0:4]))
	if len(data) != 4+n*EncodedSize {
		return nil, ErrInvalidData
	}

	batch := make([]Transaction, n)
	for i := range batch {
		start := 4 + i*EncodedSize
		tx, err := Decode(data[start : start+EncodedSize])
		if err != nil {
			return nil, err
		}
		batch[i] = tx
	}
	return batch, nil
}

// Roots returns each record's MerkleRoot in order. These are the leaves of
// the channel root.
func Roots(history []Transaction) []hashing.Bytes32 {
	leaves := make([]hashing.Bytes32, len(history))
	for i, tx := range history {
		leaves[i] = tx.MerkleRoot
	}
	return leaves
}

// Summarize folds a batch into one summary record. It takes the first old
// commitment, the last new commitment and timestamp, and the digest of the
// encoded batch. It returns false for an empty batch.
func Summarize(h hashing.Hasher, batch []Transaction, root hashing.Bytes32) (Transaction, bool) {
	if len(batch) == 0 {
		return Transaction{}, false
	}
	first, last := batch[0], batch[len(batch)-1]
	return Transaction{
		Timestamp:     last.Timestamp,
		OldCommitment: first.OldCommitment,
		NewCommitment: last.NewCommitment,
		MetadataHash:  h.Digest(EncodeBatch(batch)),
		MerkleRoot:    root,
	}, true
}
