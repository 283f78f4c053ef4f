package storage

import (
	"slices"

	"chanstore/internal/hashing"
	"chanstore/internal/record"
)

// Commit describes every cold-tier change made by one engine operation.
type Commit struct {
	// ChannelID is the channel being written.
	ChannelID hashing.Bytes32

	// Seq is the length of the channel's cold history before the commit;
	// the first appended record takes this position.
	Seq uint64

	// Record is the new per-transaction record, nil for an explicit Compact.
	Record *record.Transaction

	// Summary is the compaction summary, nil when compaction did not fire.
	Summary *record.Transaction

	// Batch is the hot buffer folded into Summary.
	Batch []record.Transaction
}

// Appended returns the records added to cold history, in order. A summary
// precedes the record that triggered it.
func (c *Commit) Appended() []record.Transaction {
	out := make([]record.Transaction, 0, 2)
	if c.Summary != nil {
		out = append(out, *c.Summary)
	}
	if c.Record != nil {
		out = append(out, *c.Record)
	}
	return out
}

// Sink receives every change before the engine applies it in memory. An
// error aborts the operation with no in-memory change.
type Sink interface {
	Persist(c *Commit) error
	CommitRoot(id, root hashing.Bytes32) error
}

// Source restores cold history and committed roots.
type Source interface {
	Load() (map[hashing.Bytes32][]record.Transaction, map[hashing.Bytes32]hashing.Bytes32, error)
}

// NopSink discards every change.
type NopSink struct{}

// Persist implements Sink.
func (NopSink) Persist(*Commit) error { return nil }

// CommitRoot implements Sink.
func (NopSink) CommitRoot(hashing.Bytes32, hashing.Bytes32) error { return nil }

// MemorySink keeps every commit in memory. It is also a Source, which makes
// it useful for exercising restore paths.
type MemorySink struct {
	Commits []Commit
	Roots   map[hashing.Bytes32]hashing.Bytes32
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{Roots: make(map[hashing.Bytes32]hashing.Bytes32)}
}

// Persist implements Sink.
func (s *MemorySink) Persist(c *Commit) error {
	cp := *c
	cp.Batch = slices.Clone(c.Batch)
	s.Commits = append(s.Commits, cp)
	return nil
}

// CommitRoot implements Sink.
func (s *MemorySink) CommitRoot(id, root hashing.Bytes32) error {
	s.Roots[id] = root
	return nil
}

// Load implements Source by replaying commits in order.
func (s *MemorySink) Load() (map[hashing.Bytes32][]record.Transaction, map[hashing.Bytes32]hashing.Bytes32, error) {
	history := make(map[hashing.Bytes32][]record.Transaction)
	for i := range s.Commits {
		c := &s.Commits[i]
		history[c.ChannelID] = append(history[c.ChannelID], c.Appended()...)
	}
	roots := make(map[hashing.Bytes32]hashing.Bytes32, len(s.Roots))
	for id, root := range s.Roots {
		roots[id] = root
	}
	return history, roots, nil
}
