// Copyright 2025 Exonum Core Contributors

package requester

import (
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/stretchr/testify/require"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/p2p"
	"github.com/exonumcore/exonum/pkg/schema"
	"github.com/exonumcore/exonum/pkg/storage"
)

// fakeSender records every directed send so tests can assert on retry
// behavior without a real TCP connection.
type fakeSender struct {
	peers []p2p.PeerInfo
	sent  []crypto.PublicKey
}

func (f *fakeSender) SendTo(target crypto.PublicKey, msg *schema.Message) bool {
	f.sent = append(f.sent, target)
	return true
}
func (f *fakeSender) Peers() []p2p.PeerInfo { return f.peers }

func newTestDB(t *testing.T) *storage.Database {
	t.Helper()
	db := storage.Open(dbm.NewMemDB())
	fork := db.Fork()
	sch, err := schema.New(fork)
	require.NoError(t, err)
	require.NoError(t, sch.PutBlock(&schema.Block{Height: 0, PrevHash: crypto.ZeroHash}))
	require.NoError(t, db.Merge(fork.IntoPatch()))
	return db
}

func TestRequesterRequestsNextMissingHeightOnStatus(t *testing.T) {
	db := newTestDB(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peerKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	sender := &fakeSender{peers: []p2p.PeerInfo{{PublicKey: peerKP.Public}}}
	r := New(db, kp, sender, time.Second, nil)

	r.OnStatus(peerKP.Public, 5)
	require.Len(t, sender.sent, 1)
	require.Equal(t, peerKP.Public, sender.sent[0])
}

func TestRequesterRetriesAgainstDifferentPeerOnDeadline(t *testing.T) {
	db := newTestDB(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peer1, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peer2, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	sender := &fakeSender{peers: []p2p.PeerInfo{{PublicKey: peer1.Public}, {PublicKey: peer2.Public}}}
	r := New(db, kp, sender, 10*time.Millisecond, nil)

	clock := int64(0)
	r.SetClock(func() int64 { return clock })

	r.OnStatus(peer1.Public, 5)
	r.OnStatus(peer2.Public, 5)
	require.Len(t, sender.sent, 1)
	first := sender.sent[0]

	clock += (11 * time.Millisecond).Nanoseconds()
	r.Tick()

	require.Len(t, sender.sent, 2)
	require.NotEqual(t, first, sender.sent[1])
}

func TestRequesterAppliesValidBlockResponse(t *testing.T) {
	db := newTestDB(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peerKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	v1, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	v2, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	cfg := &schema.Configuration{
		Validators: []schema.ValidatorInfo{
			{ConsensusKey: v1.Public, ServiceKey: v1.Public},
			{ConsensusKey: v2.Public, ServiceKey: v2.Public},
		},
	}

	sender := &fakeSender{peers: []p2p.PeerInfo{{PublicKey: peerKP.Public}}}
	r := New(db, kp, sender, time.Second, nil)
	r.OnStatus(peerKP.Public, 1)
	require.Len(t, sender.sent, 1)

	snap := db.Snapshot()
	snapSchema, err := schema.New(snap)
	require.NoError(t, err)
	genesisHash, err := snapSchema.BlockHash(0)
	require.NoError(t, err)

	block := &schema.Block{Height: 1, PrevHash: genesisHash, ProposerID: 0}
	blockHash := block.Hash()

	pc1 := &schema.Precommit{ValidatorID: 0, Height: 1, Round: 0, BlockHash: blockHash}
	pc1.Signature = v1.Sign(pc1.SignedPayload())
	pc2 := &schema.Precommit{ValidatorID: 1, Height: 1, Round: 0, BlockHash: blockHash}
	pc2.Signature = v2.Sign(pc2.SignedPayload())

	resp := &p2p.BlockResponse{Block: block, Precommits: []*schema.Precommit{pc1, pc2}}
	require.NoError(t, r.OnBlockResponse(peerKP.Public, resp, cfg))

	local, err := r.localHeight()
	require.NoError(t, err)
	require.Equal(t, uint64(1), local)
}

func TestRequesterRejectsInsufficientPrecommits(t *testing.T) {
	db := newTestDB(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peerKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	v1, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	v2, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	v3, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	v4, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	// Four validators: f = 1, so a quorum is 2f+1 = 3 and one precommit
	// falls short of it.
	cfg := &schema.Configuration{
		Validators: []schema.ValidatorInfo{
			{ConsensusKey: v1.Public, ServiceKey: v1.Public},
			{ConsensusKey: v2.Public, ServiceKey: v2.Public},
			{ConsensusKey: v3.Public, ServiceKey: v3.Public},
			{ConsensusKey: v4.Public, ServiceKey: v4.Public},
		},
	}

	sender := &fakeSender{peers: []p2p.PeerInfo{{PublicKey: peerKP.Public}}}
	r := New(db, kp, sender, time.Second, nil)
	r.OnStatus(peerKP.Public, 1)

	snap := db.Snapshot()
	snapSchema, err := schema.New(snap)
	require.NoError(t, err)
	genesisHash, err := snapSchema.BlockHash(0)
	require.NoError(t, err)
	block := &schema.Block{Height: 1, PrevHash: genesisHash}
	blockHash := block.Hash()

	pc1 := &schema.Precommit{ValidatorID: 0, Height: 1, Round: 0, BlockHash: blockHash}
	pc1.Signature = v1.Sign(pc1.SignedPayload())

	resp := &p2p.BlockResponse{Block: block, Precommits: []*schema.Precommit{pc1}}
	require.Error(t, r.OnBlockResponse(peerKP.Public, resp, cfg))
}
