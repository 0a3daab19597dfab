// Copyright 2025 Exonum Core Contributors

package merkle

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/stretchr/testify/require"

	"github.com/exonumcore/exonum/pkg/storage"
)

func newFork(t *testing.T) *storage.Fork {
	t.Helper()
	db := storage.Open(dbm.NewMemDB())
	return db.Fork()
}

func TestProofListPushGetLen(t *testing.T) {
	fork := newFork(t)
	list, err := NewProofList(fork, "blocks")
	require.NoError(t, err)

	for _, v := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		_, err := list.Push(v)
		require.NoError(t, err)
	}

	n, err := list.Len()
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	v, err := list.Get(1)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), v)
}

func TestProofListObjectHashDeterministic(t *testing.T) {
	fork := newFork(t)
	list, err := NewProofList(fork, "items")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := list.Push([]byte{byte(i)})
		require.NoError(t, err)
	}
	h1, err := list.ObjectHash()
	require.NoError(t, err)
	h2, err := list.ObjectHash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestProofListRangeProofVerifies(t *testing.T) {
	fork := newFork(t)
	list, err := NewProofList(fork, "log")
	require.NoError(t, err)
	values := [][]byte{[]byte("v0"), []byte("v1"), []byte("v2"), []byte("v3"), []byte("v4")}
	for _, v := range values {
		_, err := list.Push(v)
		require.NoError(t, err)
	}
	root, err := list.ObjectHash()
	require.NoError(t, err)

	proof, err := list.Proof(1, 4)
	require.NoError(t, err)

	ok, err := VerifyRangeProof(values[1:4], proof, root)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProofListRangeProofRejectsWrongValue(t *testing.T) {
	fork := newFork(t)
	list, err := NewProofList(fork, "log")
	require.NoError(t, err)
	values := [][]byte{[]byte("v0"), []byte("v1"), []byte("v2")}
	for _, v := range values {
		_, err := list.Push(v)
		require.NoError(t, err)
	}
	root, err := list.ObjectHash()
	require.NoError(t, err)

	proof, err := list.Proof(0, 2)
	require.NoError(t, err)

	tampered := [][]byte{[]byte("v0"), []byte("WRONG")}
	ok, err := VerifyRangeProof(tampered, proof, root)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProofMapInclusionProof(t *testing.T) {
	fork := newFork(t)
	m, err := NewProofMap(fork, "wallets")
	require.NoError(t, err)
	require.NoError(t, m.Put([]byte("alice"), []byte("100")))
	require.NoError(t, m.Put([]byte("bob"), []byte("50")))
	require.NoError(t, m.Put([]byte("carol"), []byte("25")))

	root, err := m.ObjectHash()
	require.NoError(t, err)

	proof, err := m.Prove([]byte("bob"))
	require.NoError(t, err)
	require.True(t, proof.Found)
	require.Equal(t, []byte("50"), proof.Value)

	ok, err := VerifyMapProof([]byte("bob"), proof, root)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProofMapExclusionProof(t *testing.T) {
	fork := newFork(t)
	m, err := NewProofMap(fork, "wallets")
	require.NoError(t, err)
	require.NoError(t, m.Put([]byte("alice"), []byte("100")))
	require.NoError(t, m.Put([]byte("bob"), []byte("50")))

	root, err := m.ObjectHash()
	require.NoError(t, err)

	proof, err := m.Prove([]byte("dave"))
	require.NoError(t, err)
	require.False(t, proof.Found)

	ok, err := VerifyMapProof([]byte("dave"), proof, root)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProofMapAgreesWithDirectGet(t *testing.T) {
	fork := newFork(t)
	m, err := NewProofMap(fork, "accounts")
	require.NoError(t, err)
	keys := []string{"k1", "k2", "k3", "k4", "k5"}
	for i, k := range keys {
		require.NoError(t, m.Put([]byte(k), []byte{byte(i)}))
	}

	for i, k := range keys {
		direct, err := m.Get([]byte(k))
		require.NoError(t, err)

		proof, err := m.Prove([]byte(k))
		require.NoError(t, err)
		require.True(t, proof.Found)
		require.Equal(t, direct, proof.Value)
		require.Equal(t, []byte{byte(i)}, direct)
	}
}
