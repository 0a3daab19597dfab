// Copyright 2025 Exonum Core Contributors

package storage

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	return Open(dbm.NewMemDB())
}

func TestForkMergeRoundTrip(t *testing.T) {
	db := newTestDB(t)
	fork := db.Fork()
	require.NoError(t, fork.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, fork.Put([]byte("k2"), []byte("v2")))

	require.NoError(t, db.Merge(fork.IntoPatch()))

	snap := db.Snapshot()
	v, err := snap.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestSnapshotIsolatedFromLaterWrites(t *testing.T) {
	db := newTestDB(t)
	fork := db.Fork()
	require.NoError(t, fork.Put([]byte("k"), []byte("before")))
	require.NoError(t, db.Merge(fork.IntoPatch()))

	snap := db.Snapshot()

	fork2 := db.Fork()
	require.NoError(t, fork2.Put([]byte("k"), []byte("after")))
	require.NoError(t, db.Merge(fork2.IntoPatch()))

	v, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("before"), v, "snapshot taken before the second merge must not observe it")
}

func TestSnapshotRejectsWrites(t *testing.T) {
	db := newTestDB(t)
	snap := db.Snapshot()
	require.ErrorIs(t, snap.Put([]byte("k"), []byte("v")), ErrReadOnlyView)
	require.ErrorIs(t, snap.Delete([]byte("k")), ErrReadOnlyView)
}

func TestForkCheckpointRollbackUndoesOnlyThatScope(t *testing.T) {
	db := newTestDB(t)
	fork := db.Fork()
	require.NoError(t, fork.Put([]byte("persist"), []byte("1")))

	fork.Checkpoint()
	require.NoError(t, fork.Put([]byte("persist"), []byte("2")))
	require.NoError(t, fork.Put([]byte("scratch"), []byte("x")))
	fork.Rollback()

	v, err := fork.Get([]byte("persist"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v, "rollback must restore the pre-checkpoint value")

	v, err = fork.Get([]byte("scratch"))
	require.NoError(t, err)
	require.Nil(t, v, "rollback must undo a key created entirely within the checkpoint")
}

func TestForkCheckpointCommitKeepsWrites(t *testing.T) {
	db := newTestDB(t)
	fork := db.Fork()
	fork.Checkpoint()
	require.NoError(t, fork.Put([]byte("k"), []byte("v")))
	fork.Commit()

	v, err := fork.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestForkNestedCheckpoints(t *testing.T) {
	db := newTestDB(t)
	fork := db.Fork()
	require.NoError(t, fork.Put([]byte("k"), []byte("outer")))

	fork.Checkpoint()
	require.NoError(t, fork.Put([]byte("k"), []byte("mid")))
	fork.Checkpoint()
	require.NoError(t, fork.Put([]byte("k"), []byte("inner")))
	fork.Rollback() // undo inner, back to "mid"

	v, err := fork.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("mid"), v)

	fork.Rollback() // undo mid, back to "outer"
	v, err = fork.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("outer"), v)
}

func TestMergeNilPatchLeavesStoreUnchanged(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Merge(nil))

	snap := db.Snapshot()
	v, err := snap.Get([]byte("anything"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestIndexBusyOnDoubleCheckout(t *testing.T) {
	db := newTestDB(t)
	fork := db.Fork()

	require.NoError(t, fork.checkout("wallets"))
	require.ErrorIs(t, fork.checkout("wallets"), ErrIndexBusy)

	fork.release("wallets")
	require.NoError(t, fork.checkout("wallets"))
}

func TestMapPutGetDeleteIterate(t *testing.T) {
	db := newTestDB(t)
	fork := db.Fork()
	m, err := NewMap(fork, "accounts")
	require.NoError(t, err)
	require.NoError(t, m.Put([]byte("a"), []byte("1")))
	require.NoError(t, m.Put([]byte("b"), []byte("2")))

	v, err := m.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	var keys []string
	require.NoError(t, m.Iterate(func(k, v []byte) bool {
		keys = append(keys, string(k))
		return true
	}))
	require.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, m.Delete([]byte("a")))
	v, err = m.Get([]byte("a"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestListPushGetLenOrdering(t *testing.T) {
	db := newTestDB(t)
	fork := db.Fork()
	l, err := NewList(fork, "blocks")
	require.NoError(t, err)
	for _, v := range []string{"genesis", "h1", "h2"} {
		_, err := l.Push([]byte(v))
		require.NoError(t, err)
	}
	n, err := l.Len()
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	v, err := l.Get(0)
	require.NoError(t, err)
	require.Equal(t, []byte("genesis"), v)

	_, err = l.Get(3)
	require.ErrorIs(t, err, ErrIndexNotFound)
}

func TestSetAddContainsRemove(t *testing.T) {
	db := newTestDB(t)
	fork := db.Fork()
	s, err := NewSet(fork, "pool")
	require.NoError(t, err)
	require.NoError(t, s.Add([]byte("tx1")))

	ok, err := s.Contains([]byte("tx1"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Remove([]byte("tx1")))
	ok, err = s.Contains([]byte("tx1"))
	require.NoError(t, err)
	require.False(t, ok)
}
