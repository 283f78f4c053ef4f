// Package cold implements the unbounded tier of the channel store: the full
// ordered history of compressed transactions per channel and the index of
// last committed roots.
package cold

import (
	"slices"

	"chanstore/internal/hashing"
	"chanstore/internal/merkle"
	"chanstore/internal/record"
)

// Store holds cold history. Entries are never deleted. It is not safe for
// concurrent use; the storage engine serializes access.
type Store struct {
	history map[hashing.Bytes32][]record.Transaction
	roots   map[hashing.Bytes32]hashing.Bytes32
	records int
}

// New creates an empty cold store.
func New() *Store {
	return &Store{
		history: make(map[hashing.Bytes32][]record.Transaction),
		roots:   make(map[hashing.Bytes32]hashing.Bytes32),
	}
}

// Append adds records to the end of a channel's history, creating it on
// first use.
func (s *Store) Append(id hashing.Bytes32, txs ...record.Transaction) {
	if len(txs) == 0 {
		return
	}
	s.history[id] = append(s.history[id], txs...)
	s.records += len(txs)
}

// History returns a copy of a channel's full history, oldest first.
func (s *Store) History(id hashing.Bytes32) []record.Transaction {
	h, ok := s.history[id]
	if !ok {
		return nil
	}
	return slices.Clone(h)
}

// Len returns the length of a channel's history.
func (s *Store) Len(id hashing.Bytes32) int {
	return len(s.history[id])
}

// Has reports whether a channel has any history.
func (s *Store) Has(id hashing.Bytes32) bool {
	_, ok := s.history[id]
	return ok
}

// Channels lists every channel with history in byte order.
func (s *Store) Channels() []hashing.Bytes32 {
	ids := make([]hashing.Bytes32, 0, len(s.history))
	for id := range s.history {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, hashing.Bytes32.Compare)
	return ids
}

// ChannelCount returns the number of channels with history.
func (s *Store) ChannelCount() int {
	return len(s.history)
}

// Records returns the number of records held across all channels.
func (s *Store) Records() int {
	return s.records
}

// ChannelRoot returns the Merkle root over the MerkleRoot fields of the
// channel's history, or the zero value when the channel has none.
func (s *Store) ChannelRoot(h hashing.Hasher, id hashing.Bytes32) hashing.Bytes32 {
	txs, ok := s.history[id]
	if !ok {
		return hashing.Zero
	}
	return merkle.Root(h, record.Roots(txs))
}

// SetCommittedRoot records the last committed root for a channel.
func (s *Store) SetCommittedRoot(id, root hashing.Bytes32) {
	s.roots[id] = root
}

// CommittedRoot returns the last committed root for a channel.
func (s *Store) CommittedRoot(id hashing.Bytes32) (hashing.Bytes32, bool) {
	root, ok := s.roots[id]
	return root, ok
}

// CommittedRoots returns the number of channels with a committed root.
func (s *Store) CommittedRoots() int {
	return len(s.roots)
}

// Load replaces the store contents. The maps are copied.
func (s *Store) Load(history map[hashing.Bytes32][]record.Transaction, roots map[hashing.Bytes32]hashing.Bytes32) {
	s.history = make(map[hashing.Bytes32][]record.Transaction, len(history))
	s.roots = make(map[hashing.Bytes32]hashing.Bytes32, len(roots))
	s.records = 0

	for id, txs := range history {
		if len(txs) == 0 {
			continue
		}
		s.history[id] = slices.Clone(txs)
		s.records += len(txs)
	}
	for id, root := range roots {
		s.roots[id] = root
	}
}
