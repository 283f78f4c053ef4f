// Package merkle computes binary Merkle roots over ordered 32-byte leaves.
//
// Each level is halved by hashing consecutive pairs left to right. A level
// with an odd number of nodes has its last node duplicated before pairing, so
// every parent is a pair hash and every level strictly shrinks. An empty leaf
// sequence has the all-zero root; a single leaf is its own root.
package merkle

import (
	"chanstore/internal/hashing"
)

// Root returns the Merkle root of leaves using h as the pair combinator.
// The leaves slice is not modified.
func Root(h hashing.Hasher, leaves []hashing.Bytes32) hashing.Bytes32 {
	if len(leaves) == 0 {
		return hashing.Zero
	}

	level := make([]hashing.Bytes32, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		level = nextLevel(h, level)
	}
	return level[0]
}

// nextLevel pairs the nodes of one level. It reuses the backing array of
// level, which must be owned by the caller.
func nextLevel(h hashing.Hasher, level []hashing.Bytes32) []hashing.Bytes32 {
	if len(level)%2 != 0 {
		level = append(level, level[len(level)-1])
	}
	for i := 0; i < len(level)/2; i++ {
		level[i] = h.Pair(level[2*i], level[2*i+1])
	}
	return level[:len(level)/2]
}
