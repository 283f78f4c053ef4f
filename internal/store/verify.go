package store

import (
	"fmt"

	"chanstore/internal/cold"
	"chanstore/internal/hashing"
	"chanstore/internal/record"
)

// Corruption describes one integrity failure found by VerifyHistory.
type Corruption struct {
	ChannelID hashing.Bytes32
	Position  uint64
	Reason    string
}

func (c Corruption) String() string {
	return fmt.Sprintf("channel %s position %d: %s", c.ChannelID.Short(), c.Position, c.Reason)
}

// VerifyHistory checks every channel's root chain and that every compaction batch
// digests to its summary's metadata hash. It returns the failures found.
func (s *Store) VerifyHistory(h hashing.Hasher) ([]Corruption, error) {
	ids, err := s.Channels()
	if err != nil {
		return nil, err
	}

	var corrupted []Corruption
	for _, id := range ids {
		found, err := s.verifyChannel(h, id)
		if err != nil {
			return nil, err
		}
		corrupted = append(corrupted, found...)
	}
	return corrupted, nil
}

func (s *Store) verifyChannel(h hashing.Hasher, id hashing.Bytes32) ([]Corruption, error) {
	rows, err := s.History(id)
	if err != nil {
		return nil, err
	}

	var corrupted []Corruption
	history := make([]record.Transaction, len(rows))
	for i, r := range rows {
		history[i] = r.Transaction
	}
	if i := cold.FirstMismatch(h, history); i >= 0 {
		corrupted = append(corrupted, Corruption{id, rows[i].Position, "merkle root does not match prior history"})
	}

	compactions, err := s.Compactions(id)
	if err != nil {
		return nil, err
	}
	for _, c := range compactions {
		if c.Position >= uint64(len(rows)) || rows[c.Position].Kind != KindSummary {
			corrupted = append(corrupted, Corruption{id, c.Position, "compaction without summary row"})
			continue
		}
		summary, ok := record.Summarize(h, c.Batch, rows[c.Position].MerkleRoot)
		if !ok || summary != rows[c.Position].Transaction {
			corrupted = append(corrupted, Corruption{id, c.Position, "summary does not match folded batch"})
		}
	}

	return corrupted, nil
}
