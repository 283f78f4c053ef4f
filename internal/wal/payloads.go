package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"chanstore/internal/hashing"
	"chanstore/internal/record"
	"chanstore/internal/storage"
)

var ErrInvalidPayload = errors.New("wal: invalid payload")

const (
	flagRecord  = 1 << 0
	flagSummary = 1 << 1

	commitHeaderSize = hashing.Size + 8 + 1
	rootPayloadSize  = 2 * hashing.Size
)

// EncodeCommit serializes a storage commit:
//
//	channel id (32) | seq (8) | flags (1) | record? (136) | summary? (136) | batch
//
// where batch is the record package's batch encoding.
func EncodeCommit(c *storage.Commit) []byte {
	size := commitHeaderSize + 4 + len(c.Batch)*record.EncodedSize
	var flags byte
	if c.Record != nil {
		flags |= flagRecord
		size += record.EncodedSize
	}
	if c.Summary != nil {
		flags |= flagSummary
		size += record.EncodedSize
	}

	buf := make([]byte, 0, size)
	buf = append(buf, c.ChannelID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, c.Seq)
	buf = append(buf, flags)
	if c.Record != nil {
		buf = append(buf, c.Record.Encode()...)
	}
	if c.Summary != nil {
		buf = append(buf, c.Summary.Encode()...)
	}
	return append(buf, record.EncodeBatch(c.Batch)...)
}

// DecodeCommit reverses EncodeCommit.
func DecodeCommit(data []byte) (*storage.Commit, error) {
	if len(data) < commitHeaderSize {
		return nil, fmt.Errorf("%w: commit payload too short", ErrInvalidPayload)
	}

	c := &storage.Commit{}
	copy(c.ChannelID[:], data[:hashing.Size])
	c.Seq = binary.BigEndian.Uint64(data[hashing.Size:])
	flags := data[hashing.Size+8]
	rest := data[commitHeaderSize:]

	next := func() (*record.Transaction, error) {
		if len(rest) < record.EncodedSize {
			return nil, fmt.Errorf("%w: commit payload truncated", ErrInvalidPayload)
		}
		tx, err := record.Decode(rest[:record.EncodedSize])
		if err != nil {
			return nil, err
		}
		rest = rest[record.EncodedSize:]
		return &tx, nil
	}

	var err error
	if flags&flagRecord != 0 {
		if c.Record, err = next(); err != nil {
			return nil, err
		}
	}
	if flags&flagSummary != 0 {
		if c.Summary, err = next(); err != nil {
			return nil, err
		}
	}

	batch, err := record.DecodeBatch(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: batch: %v", ErrInvalidPayload, err)
	}
	if len(batch) > 0 {
		c.Batch = batch
	}
	return c, nil
}

// EncodeRoot serializes a committed root as channel id followed by root.
func EncodeRoot(id, root hashing.Bytes32) []byte {
	buf := make([]byte, 0, rootPayloadSize)
	buf = append(buf, id[:]...)
	return append(buf, root[:]...)
}

// DecodeRoot reverses EncodeRoot.
func DecodeRoot(data []byte) (id, root hashing.Bytes32, err error) {
	if len(data) != rootPayloadSize {
		return id, root, fmt.Errorf("%w: root payload is %d bytes", ErrInvalidPayload, len(data))
	}
	copy(id[:], data[:hashing.Size])
	copy(root[:], data[hashing.Size:])
	return id, root, nil
}

// EncodeSnapshot serializes a channel's history base as channel id followed
// by the record package's batch encoding of the history.
func EncodeSnapshot(id hashing.Bytes32, history []record.Transaction) []byte {
	return append(append([]byte(nil), id[:]...), record.EncodeBatch(history)...)
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) (hashing.Bytes32, []record.Transaction, error) {
	var id hashing.Bytes32
	if len(data) < hashing.Size {
		return id, nil, fmt.Errorf("%w: snapshot payload too short", ErrInvalidPayload)
	}
	copy(id[:], data[:hashing.Size])
	history, err := record.DecodeBatch(data[hashing.Size:])
	if err != nil {
		return id, nil, fmt.Errorf("%w: snapshot: %v", ErrInvalidPayload, err)
	}
	return id, history, nil
}
