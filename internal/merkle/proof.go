package merkle

import (
	"encoding/binary"
	"fmt"

	"chanstore/internal/hashing"
)

const proofFormatVersion = 1

// ProofElement is one step of an inclusion path.
type ProofElement struct {
	Hash   hashing.Bytes32 // Sibling hash
	IsLeft bool            // True if sibling is on the left
}

// Proof shows that a leaf sits at LeafIndex in a sequence of LeafCount leaves.
type Proof struct {
	LeafIndex uint64
	LeafCount uint64
	Leaf      hashing.Bytes32
	Path      []ProofElement
}

// Prove builds an inclusion proof for leaves[index] under the padding rule
// used by Root.
func Prove(h hashing.Hasher, leaves []hashing.Bytes32, index int) (*Proof, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("%w: %d (leaves %d)", ErrIndexOutOfRange, index, len(leaves))
	}

	p := &Proof{
		LeafIndex: uint64(index),
		LeafCount: uint64(len(leaves)),
		Leaf:      leaves[index],
	}

	level := make([]hashing.Bytes32, len(leaves))
	copy(level, leaves)

	pos := index
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		if pos%2 == 0 {
			p.Path = append(p.Path, ProofElement{Hash: level[pos+1], IsLeft: false})
		} else {
			p.Path = append(p.Path, ProofElement{Hash: level[pos-1], IsLeft: true})
		}
		level = nextLevel(h, level)
		pos /= 2
	}

	return p, nil
}

// Verify reports whether the proof leads from Leaf to root.
func (p *Proof) Verify(h hashing.Hasher, root hashing.Bytes32) bool {
	if p == nil || p.LeafCount == 0 || p.LeafIndex >= p.LeafCount {
		return false
	}
	if len(p.Path) != pathLength(p.LeafCount) {
		return false
	}

	current := p.Leaf
	pos := p.LeafIndex
	for _, elem := range p.Path {
		// The side of each sibling is fixed by the position.
		if elem.IsLeft != (pos%2 == 1) {
			return false
		}
		if elem.IsLeft {
			current = h.Pair(elem.Hash, current)
		} else {
			current = h.Pair(current, elem.Hash)
		}
		pos /= 2
	}
	return current == root
}

// pathLength is the number of levels above the leaves for n leaves.
func pathLength(n uint64) int {
	depth := 0
	for n > 1 {
		n = (n + 1) / 2
		depth++
	}
	return depth
}

// Encode converts the proof to a compact binary format.
// Format:
//
//	[1 byte version][8 bytes LeafIndex][8 bytes LeafCount][32 bytes Leaf]
//	[2 bytes PathLen][PathLen * 33 bytes (32 hash + 1 isLeft)]
func (p *Proof) Encode() []byte {
	buf := make([]byte, 1+8+8+32+2+len(p.Path)*33)
	offset := 0

	buf[offset] = proofFormatVersion
	offset++

	binary.BigEndian.PutUint64(buf[offset:], p.LeafIndex)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], p.LeafCount)
	offset += 8

	copy(buf[offset:], p.Leaf[:])
	offset += 32

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(p.Path)))
	offset += 2
	for _, elem := range p.Path {
		copy(buf[offset:], elem.Hash[:])
		offset += 32
		if elem.IsLeft {
			buf[offset] = 1
		}
		offset++
	}

	return buf
}

// DecodeProof reconstructs a proof produced by Encode.
func DecodeProof(data []byte) (*Proof, error) {
	const fixed = 1 + 8 + 8 + 32 + 2
	if len(data) < fixed {
		return nil, ErrInvalidProof
	}

	offset := 0
	if data[offset] != proofFormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidProof, data[offset])
	}
	offset++

	p := &Proof{}
	p.LeafIndex = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	p.LeafCount = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	copy(p.Leaf[:], data[offset:offset+32])
	offset += 32

	pathLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if len(data) != offset+pathLen*33 {
		return nil, ErrInvalidProof
	}

	p.Path = make([]ProofElement, pathLen)
	for i := range p.Path {
		copy(p.Path[i].Hash[:], data[offset:offset+32])
		offset += 32
		p.Path[i].IsLeft = data[offset] == 1
		offset++
	}

	return p, nil
}
