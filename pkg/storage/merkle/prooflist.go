// Copyright 2025 Exonum Core Contributors
//
// Package merkle implements the two proof-bearing index kinds used by the
// authenticated storage layer: ProofList, an append-only balanced binary
// Merkle tree, and ProofMap, a binary Patricia trie over 256-bit key
// paths. Both rebuild their hash tree on demand from the raw entries held
// in storage.Access, in the spirit of the teacher's non-incremental
// BuildTree: simplicity is preferred over maintaining an always-current
// tree in memory, since object_hash and proofs are computed only when a
// block commits or a client asks for one.
package merkle

import (
	"errors"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/storage"
)

// ErrIndexOutOfRange is returned by ProofList.Get for an index >= Len().
var ErrIndexOutOfRange = errors.New("merkle: index out of range")

// emptyHash stands in for a missing right child when a level has an odd
// number of nodes, per the domain-separated hashing scheme: "missing
// right child = hash of empty".
var emptyHash = crypto.HashBytes(nil)

// ProofList is an append-only list over a balanced binary Merkle tree.
// Leaves are tagged crypto.TagListLeaf, branches crypto.TagListBranch.
type ProofList struct {
	values *storage.List
}

// NewProofList opens a ProofList index under name, subject to the same
// IndexBusy checkout storage.NewList enforces.
func NewProofList(access storage.Access, name string) (*ProofList, error) {
	values, err := storage.NewList(access, "pl:"+name)
	if err != nil {
		return nil, err
	}
	return &ProofList{values: values}, nil
}

// Close releases the underlying index's Fork checkout.
func (p *ProofList) Close() { p.values.Close() }

func (p *ProofList) Len() (uint64, error) { return p.values.Len() }

func (p *ProofList) Get(i uint64) ([]byte, error) { return p.values.Get(i) }

func (p *ProofList) Push(value []byte) (uint64, error) { return p.values.Push(value) }

// levels rebuilds the full tree bottom-up from the current values and
// returns every level, level 0 being the leaf hashes.
func (p *ProofList) levels() ([][]crypto.Hash, error) {
	values, err := p.values.All()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	level := make([]crypto.Hash, len(values))
	for i, v := range values {
		level[i] = crypto.Tagged(crypto.TagListLeaf, v)
	}
	levels := [][]crypto.Hash{level}
	for len(level) > 1 {
		next := make([]crypto.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := emptyHash
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, crypto.Tagged(crypto.TagListBranch, left[:], right[:]))
		}
		levels = append(levels, next)
		level = next
	}
	return levels, nil
}

// ObjectHash returns the Merkle root, or the empty-list sentinel when no
// elements have been pushed.
func (p *ProofList) ObjectHash() (crypto.Hash, error) {
	levels, err := p.levels()
	if err != nil {
		return crypto.Hash{}, err
	}
	if len(levels) == 0 {
		return emptyHash, nil
	}
	top := levels[len(levels)-1]
	return top[0], nil
}

// RangeProof is the minimal set of sibling hashes needed to recompute the
// tree root given the values at [Lo, Hi).
type RangeProof struct {
	Lo, Hi uint64
	Total  uint64
	// Siblings holds, for each level from leaves upward (excluding the
	// root level), the boundary node hashes that fall outside [lo, hi)
	// at that level but are required to reconstruct the next level up.
	// A level may contribute a left entry, a right entry, both, or
	// neither.
	Siblings [][]boundaryHash
}

type boundaryHash struct {
	Index uint64
	Hash  crypto.Hash
}

// Proof builds a RangeProof for the half-open leaf range [lo, hi).
func (p *ProofList) Proof(lo, hi uint64) (*RangeProof, error) {
	levels, err := p.levels()
	if err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		return nil, errors.New("merkle: cannot prove an empty list")
	}
	n := uint64(len(levels[0]))
	if hi > n || lo >= hi {
		return nil, ErrIndexOutOfRange
	}

	proof := &RangeProof{Lo: lo, Hi: hi, Total: n}
	curLo, curHi := lo, hi
	for level := 0; level < len(levels)-1; level++ {
		nodes := levels[level]
		var bound []boundaryHash
		if curLo%2 == 1 {
			bound = append(bound, boundaryHash{curLo - 1, nodes[curLo-1]})
		}
		if curHi%2 == 1 && curHi < uint64(len(nodes)) {
			bound = append(bound, boundaryHash{curHi, nodes[curHi]})
		}
		proof.Siblings = append(proof.Siblings, bound)
		curLo /= 2
		curHi = (curHi + 1) / 2
	}
	return proof, nil
}

// VerifyRangeProof recomputes the root from the claimed leaf values and a
// RangeProof, reporting whether it matches root.
func VerifyRangeProof(values [][]byte, proof *RangeProof, root crypto.Hash) (bool, error) {
	if proof == nil {
		return false, errors.New("merkle: nil proof")
	}
	if uint64(len(values)) != proof.Hi-proof.Lo {
		return false, errors.New("merkle: value count does not match proof range")
	}

	current := make(map[uint64]crypto.Hash, len(values))
	for i, v := range values {
		current[proof.Lo+uint64(i)] = crypto.Tagged(crypto.TagListLeaf, v)
	}

	curLo, curHi, n := proof.Lo, proof.Hi, proof.Total
	for level := 0; level < len(proof.Siblings); level++ {
		for _, b := range proof.Siblings[level] {
			current[b.Index] = b.Hash
		}
		levelSize := levelSizeAt(n, level)
		next := make(map[uint64]crypto.Hash, len(current))
		parentLo, parentHi := curLo/2, (curHi+1)/2
		for parent := parentLo; parent < parentHi; parent++ {
			li, ri := parent*2, parent*2+1
			left, ok := current[li]
			if !ok {
				return false, errors.New("merkle: missing left child in proof")
			}
			right := emptyHash
			if ri < levelSize {
				rv, ok := current[ri]
				if !ok {
					return false, errors.New("merkle: missing right child in proof")
				}
				right = rv
			}
			next[parent] = crypto.Tagged(crypto.TagListBranch, left[:], right[:])
		}
		current = next
		curLo, curHi = parentLo, parentHi
	}

	got, ok := current[0]
	if !ok {
		return false, errors.New("merkle: proof did not resolve to a single root")
	}
	return crypto.ConstantTimeEqual(got[:], root[:]), nil
}

// levelSizeAt returns the number of nodes at the given level (0 = leaves)
// of a tree built from n leaves via repeated ceil(count/2) halving.
func levelSizeAt(n uint64, level int) uint64 {
	for i := 0; i < level; i++ {
		n = (n + 1) / 2
	}
	return n
}
