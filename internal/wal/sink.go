package wal

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"chanstore/internal/hashing"
	"chanstore/internal/record"
	"chanstore/internal/storage"
)

var (
	_ storage.Sink   = (*WAL)(nil)
	_ storage.Source = (*WAL)(nil)
)

// Persist implements storage.Sink by appending an EntryCommit.
func (w *WAL) Persist(c *storage.Commit) error {
	return w.Append(EntryCommit, EncodeCommit(c))
}

// CommitRoot implements storage.Sink by appending an EntryRoot.
func (w *WAL) CommitRoot(id, root hashing.Bytes32) error {
	return w.Append(EntryRoot, EncodeRoot(id, root))
}

// Load implements storage.Source by replaying the log. Commits must arrive
// in sequence per channel; a gap means entries were lost.
func (w *WAL) Load() (map[hashing.Bytes32][]record.Transaction, map[hashing.Bytes32]hashing.Bytes32, error) {
	st := newReplayState()
	err := w.Replay(func(e *Entry) error {
		known, err := st.apply(e)
		if err == nil && !known {
			w.logger.Warn("skipping unknown entry type", "sequence", e.Sequence, "type", e.Type.String())
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return st.history, st.roots, nil
}

// replayState is the store state rebuilt from log entries.
type replayState struct {
	history map[hashing.Bytes32][]record.Transaction
	roots   map[hashing.Bytes32]hashing.Bytes32
}

func newReplayState() *replayState {
	return &replayState{
		history: make(map[hashing.Bytes32][]record.Transaction),
		roots:   make(map[hashing.Bytes32]hashing.Bytes32),
	}
}

// apply folds e into the state. It reports false for entry types it does not
// know, leaving the state unchanged.
func (s *replayState) apply(e *Entry) (bool, error) {
	switch e.Type {
	case EntryCommit:
		c, err := DecodeCommit(e.Payload)
		if err != nil {
			return true, fmt.Errorf("entry %d: %w", e.Sequence, err)
		}
		if have := uint64(len(s.history[c.ChannelID])); c.Seq != have {
			return true, fmt.Errorf("wal: entry %d: channel %s expects position %d, log holds %d",
				e.Sequence, c.ChannelID.Short(), c.Seq, have)
		}
		s.history[c.ChannelID] = append(s.history[c.ChannelID], c.Appended()...)
	case EntrySnapshot:
		id, history, err := DecodeSnapshot(e.Payload)
		if err != nil {
			return true, fmt.Errorf("entry %d: %w", e.Sequence, err)
		}
		if have := len(s.history[id]); have != 0 {
			return true, fmt.Errorf("wal: entry %d: snapshot for channel %s after %d records",
				e.Sequence, id.Short(), have)
		}
		s.history[id] = history
	case EntryRoot:
		id, root, err := DecodeRoot(e.Payload)
		if err != nil {
			return true, fmt.Errorf("entry %d: %w", e.Sequence, err)
		}
		s.roots[id] = root
	default:
		return false, nil
	}
	return true, nil
}

// entries returns the state as log entries: a snapshot per channel, then
// the committed roots, each in channel id order. Sequence and chain fields
// are left for the writer.
func (s *replayState) entries() []Entry {
	var out []Entry
	for _, id := range sortedIDs(s.history) {
		if h := s.history[id]; len(h) > 0 {
			out = append(out, Entry{Type: EntrySnapshot, Payload: EncodeSnapshot(id, h)})
		}
	}
	for _, id := range sortedIDs(s.roots) {
		out = append(out, Entry{Type: EntryRoot, Payload: EncodeRoot(id, s.roots[id])})
	}
	return out
}

func sortedIDs[V any](m map[hashing.Bytes32]V) []hashing.Bytes32 {
	ids := slices.Collect(maps.Keys(m))
	slices.SortFunc(ids, func(a, b hashing.Bytes32) int { return bytes.Compare(a[:], b[:]) })
	return ids
}
