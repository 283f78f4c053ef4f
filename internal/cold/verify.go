package cold

import (
	"chanstore/internal/hashing"
	"chanstore/internal/merkle"
	"chanstore/internal/record"
)

// FirstMismatch checks that every record's MerkleRoot is the root of the
// records before it and returns the index of the first record that is not,
// or -1 when the history is consistent.
//
// A record written in the same step as a compaction summary is appended
// after the summary but carries the root computed before it, so a record
// whose predecessor has the same root may match the root that excludes its
// predecessor.
func FirstMismatch(h hashing.Hasher, history []record.Transaction) int {
	leaves := record.Roots(history)
	prev := hashing.Zero
	for i, tx := range history {
		root := merkle.Root(h, leaves[:i])
		switch {
		case tx.MerkleRoot == root:
		case i > 0 && history[i-1].MerkleRoot == tx.MerkleRoot && prev == tx.MerkleRoot:
		default:
			return i
		}
		prev = root
	}
	return -1
}
