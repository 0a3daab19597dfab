// Copyright 2025 Exonum Core Contributors

package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/schema"
)

type recordingBroadcaster struct {
	sent []crypto.Hash
}

func (r *recordingBroadcaster) BroadcastTransaction(tx *schema.Transaction) {
	r.sent = append(r.sent, tx.Hash())
}

func signedTx(t *testing.T, kp crypto.KeyPair, body string) *schema.Transaction {
	t.Helper()
	return schema.SignMessage(kp, 1, 1, []byte(body))
}

func TestSubmitDeduplicatesByHash(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	b := &recordingBroadcaster{}
	p := New(0, b, nil)

	tx := signedTx(t, kp, "hello")
	_, err = p.Submit(tx, nil)
	require.NoError(t, err)

	_, err = p.Submit(tx, nil)
	require.ErrorIs(t, err, ErrTxExists)
	require.Equal(t, 1, p.Len())
	require.Len(t, b.sent, 1)
}

func TestSubmitRejectsBadSignature(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	p := New(0, nil, nil)
	tx := signedTx(t, kp, "hello")

	lookup := func(tx *schema.Transaction) (crypto.PublicKey, bool) { return other.Public, true }
	_, err = p.Submit(tx, lookup)
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.Equal(t, 0, p.Len())
}

func TestPoolCapacityEnforced(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	p := New(1, nil, nil)

	_, err = p.Submit(signedTx(t, kp, "a"), nil)
	require.NoError(t, err)
	_, err = p.Submit(signedTx(t, kp, "b"), nil)
	require.ErrorIs(t, err, ErrPoolFull)
}

func TestProposeRespectsLimitAndOrder(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	p := New(0, nil, nil)

	var hashes []crypto.Hash
	for _, body := range []string{"a", "b", "c"} {
		h, err := p.Submit(signedTx(t, kp, body), nil)
		require.NoError(t, err)
		hashes = append(hashes, h)
	}

	got := p.Propose(2)
	require.Equal(t, hashes[:2], got)
}

func TestCommitRemovesIncludedTransactionsOnly(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	p := New(0, nil, nil)

	h1, err := p.Submit(signedTx(t, kp, "a"), nil)
	require.NoError(t, err)
	h2, err := p.Submit(signedTx(t, kp, "b"), nil)
	require.NoError(t, err)

	p.Commit([]crypto.Hash{h1})
	require.False(t, p.Has(h1))
	require.True(t, p.Has(h2))
}
