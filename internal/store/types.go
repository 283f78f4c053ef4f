// Package store persists channel history in SQLite. It is a storage.Sink
// and storage.Source, so an engine can write through it and restore from it.
package store

import (
	"fmt"

	"chanstore/internal/hashing"
	"chanstore/internal/record"
)

// Kind distinguishes per-transaction records from compaction summaries.
type Kind string

const (
	KindRecord  Kind = "record"
	KindSummary Kind = "summary"
)

// Codec names how a compaction batch blob is encoded.
type Codec string

const (
	CodecRaw  Codec = "raw"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
	CodecS2   Codec = "s2"
)

// ParseCodec returns the codec named s. An empty name selects zstd.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(s); c {
	case "":
		return CodecZstd, nil
	case CodecRaw, CodecZstd, CodecLZ4, CodecS2:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCodec, s)
	}
}

// Row is one stored history entry.
type Row struct {
	ChannelID hashing.Bytes32
	Position  uint64
	Kind      Kind
	record.Transaction
}

// Compaction is the batch folded into a summary row.
type Compaction struct {
	ChannelID hashing.Bytes32
	Position  uint64
	Codec     Codec
	CreatedAt int64
	Batch     []record.Transaction
}

// Stats summarizes the database contents.
type Stats struct {
	Channels       int64 `json:"channels"`
	Records        int64 `json:"records"`
	Summaries      int64 `json:"summaries"`
	CommittedRoots int64 `json:"committed_roots"`
	BatchBytes     int64 `json:"batch_bytes"`
}
