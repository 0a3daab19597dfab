// Copyright 2025 Exonum Core Contributors

package merkle

import (
	"crypto/sha256"
	"errors"
	"sort"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/storage"
)

// pathBits is the width, in bits, of a hashed map key.
const pathBits = 256

// ProofMap is a binary Patricia trie keyed by the SHA-256 digest of the
// caller's key. Branch and root hashes follow the domain-separated
// scheme: branch = H(0x04, left_path, left_hash, right_path, right_hash);
// root = H(0x03, child_path, child_hash). Leaves are tagged 0x02, folding
// in their full path so two equal values at different keys never collide.
type ProofMap struct {
	access  storage.Access
	prefix  []byte
	release func()
}

// NewProofMap opens a ProofMap index under name, subject to the same
// IndexBusy checkout storage.NewMap enforces.
func NewProofMap(access storage.Access, name string) (*ProofMap, error) {
	prefix := []byte("pm:" + name + ":")
	release, err := storage.Acquire(access, string(prefix))
	if err != nil {
		return nil, err
	}
	return &ProofMap{access: access, prefix: prefix, release: release}, nil
}

// Close releases the Fork checkout acquired by NewProofMap.
func (m *ProofMap) Close() { m.release() }

func pathOf(key []byte) [32]byte {
	return sha256.Sum256(key)
}

func (m *ProofMap) entryKey(path [32]byte) []byte {
	return append(append([]byte(nil), m.prefix...), path[:]...)
}

func (m *ProofMap) Get(key []byte) ([]byte, error) {
	return m.access.Get(m.entryKey(pathOf(key)))
}

func (m *ProofMap) Put(key, value []byte) error {
	return m.access.Put(m.entryKey(pathOf(key)), value)
}

func (m *ProofMap) Remove(key []byte) error {
	return m.access.Delete(m.entryKey(pathOf(key)))
}

type mapEntry struct {
	path  [32]byte
	value []byte
}

func (m *ProofMap) entries() ([]mapEntry, error) {
	var out []mapEntry
	plen := len(m.prefix)
	err := m.access.Iterate(m.prefix, func(k, v []byte) bool {
		if len(k) != plen+32 {
			return true
		}
		var e mapEntry
		copy(e.path[:], k[plen:])
		e.value = append([]byte(nil), v...)
		out = append(out, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return lessPath(out[i].path, out[j].path) })
	return out, nil
}

func lessPath(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func bitAt(path [32]byte, i int) byte {
	return (path[i/8] >> uint(7-i%8)) & 1
}

// trieNode is an in-memory node of the rebuilt Patricia trie.
type trieNode struct {
	isLeaf bool
	depth  int // bit-length of the prefix this node represents
	path   [32]byte
	hash   crypto.Hash
	value  []byte
	left   *trieNode
	right  *trieNode
}

func buildTrie(entries []mapEntry, depth int) *trieNode {
	if len(entries) == 1 {
		e := entries[0]
		h := crypto.Tagged(crypto.TagMapLeaf, encodePath(e.path, pathBits), e.value)
		return &trieNode{isLeaf: true, depth: pathBits, path: e.path, hash: h, value: e.value}
	}

	d := depth
	for d < pathBits {
		b := bitAt(entries[0].path, d)
		diverges := false
		for _, e := range entries[1:] {
			if bitAt(e.path, d) != b {
				diverges = true
				break
			}
		}
		if diverges {
			break
		}
		d++
	}

	var leftE, rightE []mapEntry
	for _, e := range entries {
		if bitAt(e.path, d) == 0 {
			leftE = append(leftE, e)
		} else {
			rightE = append(rightE, e)
		}
	}
	left := buildTrie(leftE, d+1)
	right := buildTrie(rightE, d+1)
	h := crypto.Tagged(crypto.TagMapBranch,
		encodePath(left.path, left.depth), left.hash[:],
		encodePath(right.path, right.depth), right.hash[:])
	return &trieNode{isLeaf: false, depth: d, path: entries[0].path, hash: h, left: left, right: right}
}

// ObjectHash returns the root hash of the trie, or a fixed empty-map
// sentinel when the index holds no entries.
func (m *ProofMap) ObjectHash() (crypto.Hash, error) {
	entries, err := m.entries()
	if err != nil {
		return crypto.Hash{}, err
	}
	if len(entries) == 0 {
		return crypto.Tagged(crypto.TagMapRoot), nil
	}
	root := buildTrie(entries, 0)
	return crypto.Tagged(crypto.TagMapRoot, encodePath(root.path, root.depth), root.hash[:]), nil
}

// BranchEntry is one step of sibling information collected while
// descending the trie toward a target key.
type BranchEntry struct {
	Depth          int
	SiblingPath    [32]byte
	SiblingDepth   int
	SiblingHash    crypto.Hash
	TargetWentLeft bool
}

// MapProof proves either the presence of key with a specific value
// (Found == true) or its absence (Found == false, carrying the
// neighboring leaf that occupies the position key would have taken).
type MapProof struct {
	Found        bool
	TerminalPath [32]byte
	Value        []byte      // set only when Found
	TerminalHash crypto.Hash // set only when !Found
	Branches     []BranchEntry
}

// ErrEmptyMap is returned by Prove against a ProofMap with no entries.
var ErrEmptyMap = errors.New("merkle: cannot prove against an empty map")

// Prove builds an inclusion or exclusion proof for key.
func (m *ProofMap) Prove(key []byte) (*MapProof, error) {
	entries, err := m.entries()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEmptyMap
	}
	target := pathOf(key)
	node := buildTrie(entries, 0)

	var branches []BranchEntry
	for !node.isLeaf {
		b := bitAt(target, node.depth)
		var next, sib *trieNode
		if b == 0 {
			next, sib = node.left, node.right
		} else {
			next, sib = node.right, node.left
		}
		branches = append(branches, BranchEntry{
			Depth:          node.depth,
			SiblingPath:    sib.path,
			SiblingDepth:   sib.depth,
			SiblingHash:    sib.hash,
			TargetWentLeft: b == 0,
		})
		node = next
	}

	if node.path == target {
		return &MapProof{Found: true, TerminalPath: node.path, Value: node.value, Branches: branches}, nil
	}
	return &MapProof{Found: false, TerminalPath: node.path, TerminalHash: node.hash, Branches: branches}, nil
}

// VerifyMapProof recomputes the root implied by proof for key and reports
// whether it matches root. When proof.Found is true, it additionally
// confirms the proof's terminal path equals key's hashed path.
func VerifyMapProof(key []byte, proof *MapProof, root crypto.Hash) (bool, error) {
	if proof == nil {
		return false, errors.New("merkle: nil proof")
	}
	target := pathOf(key)

	var curHash crypto.Hash
	var curPath [32]byte
	curDepth := pathBits

	if proof.Found {
		if proof.TerminalPath != target {
			return false, errors.New("merkle: proof terminal path does not match key")
		}
		curHash = crypto.Tagged(crypto.TagMapLeaf, encodePath(target, pathBits), proof.Value)
		curPath = target
	} else {
		if proof.TerminalPath == target {
			return false, errors.New("merkle: exclusion proof terminal path equals key")
		}
		curHash = proof.TerminalHash
		curPath = proof.TerminalPath
	}

	for i := len(proof.Branches) - 1; i >= 0; i-- {
		be := proof.Branches[i]
		var leftPath, rightPath [32]byte
		var leftDepth, rightDepth int
		var leftHash, rightHash crypto.Hash
		if be.TargetWentLeft {
			leftPath, leftDepth, leftHash = curPath, curDepth, curHash
			rightPath, rightDepth, rightHash = be.SiblingPath, be.SiblingDepth, be.SiblingHash
		} else {
			rightPath, rightDepth, rightHash = curPath, curDepth, curHash
			leftPath, leftDepth, leftHash = be.SiblingPath, be.SiblingDepth, be.SiblingHash
		}
		curHash = crypto.Tagged(crypto.TagMapBranch,
			encodePath(leftPath, leftDepth), leftHash[:],
			encodePath(rightPath, rightDepth), rightHash[:])
		curPath = target
		curDepth = be.Depth
	}

	got := crypto.Tagged(crypto.TagMapRoot, encodePath(curPath, curDepth), curHash[:])
	return crypto.ConstantTimeEqual(got[:], root[:]), nil
}

// encodePath serializes a ProofPath as (bit_length: leb128, bytes:
// ceil(bit_length/8)), masking unused trailing bits of the final byte so
// two entries sharing only a bit-prefix encode identically.
func encodePath(path [32]byte, bitLen int) []byte {
	nbytes := (bitLen + 7) / 8
	buf := make([]byte, nbytes)
	copy(buf, path[:nbytes])
	if bitLen%8 != 0 && nbytes > 0 {
		keep := uint(bitLen % 8)
		mask := byte(0xFF << (8 - keep))
		buf[nbytes-1] &= mask
	}
	out := leb128(uint64(bitLen))
	return append(out, buf...)
}

func leb128(n uint64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			break
		}
	}
	return out
}
