// Copyright 2025 Exonum Core Contributors

package execution

import (
	"errors"
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/stretchr/testify/require"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/schema"
	"github.com/exonumcore/exonum/pkg/storage"
	"github.com/exonumcore/exonum/pkg/storage/merkle"
)

// walletService is a minimal test service: it credits a key/value
// balance table by treating a transaction's body as "key=amount" in the
// simplest possible encoding (one byte key, one byte amount), rejecting
// anything else so failure paths can be exercised.
type walletService struct {
	id      uint16
	commits int
}

func newWalletService(id uint16) *walletService {
	return &walletService{id: id}
}

func (w *walletService) ServiceID() uint16 { return w.id }

func (w *walletService) ExecuteTx(fork *storage.Fork, tx *schema.Transaction) error {
	if len(tx.Body) != 2 {
		return errors.New("wallet: malformed body")
	}
	key := tx.Body[0:1]
	balances, err := storage.NewMap(fork, "wallet_balances")
	if err != nil {
		return err
	}
	defer balances.Close()
	cur := byte(0)
	if raw, _ := balances.Get(key); raw != nil {
		cur = raw[0]
	}
	return balances.Put(key, []byte{cur + tx.Body[1]})
}

func (w *walletService) AfterCommit(fork *storage.Fork) { w.commits++ }

func (w *walletService) StateHashContribution(fork *storage.Fork) (map[uint32]crypto.Hash, error) {
	balances, err := storage.NewMap(fork, "wallet_balances")
	if err != nil {
		return nil, err
	}
	defer balances.Close()
	pm, err := merkle.NewProofMap(fork, "wallet_balances_proof")
	if err != nil {
		return nil, err
	}
	defer pm.Close()
	var out []byte
	_ = balances.Iterate(func(k, v []byte) bool {
		out = append(out, v...)
		return true
	})
	_ = pm.Put([]byte("digest"), crypto.HashBytes(out).Bytes())
	h, err := pm.ObjectHash()
	if err != nil {
		return nil, err
	}
	return map[uint32]crypto.Hash{0: h}, nil
}

func newTestConfig(serviceID uint16) *schema.Configuration {
	return &schema.Configuration{
		Validators: make([]schema.ValidatorInfo, 4),
		Services:   map[uint16]string{serviceID: "wallet"},
	}
}

func TestCreatePatchAppliesTransactionsAndAdvancesHeight(t *testing.T) {
	db := storage.Open(dbm.NewMemDB())
	d := NewDispatcher(nil)
	svc := newWalletService(7)
	d.Register(svc)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tx := schema.SignMessage(kp, 7, 1, []byte{'a', 5})
	res, err := d.CreatePatch(db, newTestConfig(7), 1, crypto.ZeroHash, 0, []*schema.Transaction{tx})
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Block.Height)
	require.Len(t, res.Statuses, 1)
	require.True(t, res.Statuses[0].Success)
	require.Equal(t, 1, svc.commits)

	require.NoError(t, db.Merge(res.Patch))

	snap := db.Snapshot()
	s, err := schema.New(snap)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.BlockAt(0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Height)
	require.Equal(t, res.Block.Hash(), got.Hash())
}

func TestCreatePatchRollsBackFailedTransactionOnly(t *testing.T) {
	db := storage.Open(dbm.NewMemDB())
	d := NewDispatcher(nil)
	svc := newWalletService(7)
	d.Register(svc)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	good := schema.SignMessage(kp, 7, 1, []byte{'a', 5})
	bad := schema.SignMessage(kp, 7, 1, []byte("too-long-body"))

	res, err := d.CreatePatch(db, newTestConfig(7), 1, crypto.ZeroHash, 0, []*schema.Transaction{good, bad})
	require.NoError(t, err)
	require.True(t, res.Statuses[0].Success)
	require.False(t, res.Statuses[1].Success)
	require.NoError(t, db.Merge(res.Patch))

	snap := db.Snapshot()
	balances, err := storage.NewMap(snap, "wallet_balances")
	require.NoError(t, err)
	defer balances.Close()
	raw, err := balances.Get([]byte{'a'})
	require.NoError(t, err)
	require.Equal(t, byte(5), raw[0])
}

func TestCreatePatchRejectsUnknownService(t *testing.T) {
	db := storage.Open(dbm.NewMemDB())
	d := NewDispatcher(nil)
	d.Register(newWalletService(7))

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	tx := schema.SignMessage(kp, 99, 1, []byte{'a', 1})

	res, err := d.CreatePatch(db, newTestConfig(7), 1, crypto.ZeroHash, 0, []*schema.Transaction{tx})
	require.NoError(t, err)
	require.False(t, res.Statuses[0].Success)
	require.ErrorContains(t, errors.New(res.Statuses[0].Message), ErrUnknownService.Error())
}

func TestCreatePatchIsDeterministicAcrossIndependentRuns(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	txs := []*schema.Transaction{
		schema.SignMessage(kp, 7, 1, []byte{'a', 3}),
		schema.SignMessage(kp, 7, 1, []byte{'b', 4}),
	}

	run := func() crypto.Hash {
		db := storage.Open(dbm.NewMemDB())
		d := NewDispatcher(nil)
		d.Register(newWalletService(7))
		res, err := d.CreatePatch(db, newTestConfig(7), 1, crypto.ZeroHash, 0, txs)
		require.NoError(t, err)
		return res.Block.StateHash
	}

	h1 := run()
	h2 := run()
	require.Equal(t, h1, h2)
}
