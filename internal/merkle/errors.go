package merkle

import "errors"

var (
	// ErrEmptyTree indicates a proof request against an empty leaf sequence.
	ErrEmptyTree = errors.New("merkle: empty tree")

	// ErrIndexOutOfRange indicates a leaf index beyond the leaf count.
	ErrIndexOutOfRange = errors.New("merkle: index out of range")

	// ErrInvalidProof indicates truncated or malformed proof data.
	ErrInvalidProof = errors.New("merkle: invalid proof")
)
