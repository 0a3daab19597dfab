// Copyright 2025 Exonum Core Contributors

package consensus

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/stretchr/testify/require"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/execution"
	"github.com/exonumcore/exonum/pkg/pool"
	"github.com/exonumcore/exonum/pkg/schema"
	"github.com/exonumcore/exonum/pkg/storage"
	"github.com/exonumcore/exonum/pkg/storage/merkle"
)

// markerService is a minimal execution.Service used only to give
// create_patch something deterministic to aggregate into state_hash.
type markerService struct{ id uint16 }

func (m *markerService) ServiceID() uint16 { return m.id }
func (m *markerService) ExecuteTx(fork *storage.Fork, tx *schema.Transaction) error {
	marker, err := storage.NewMap(fork, "marker")
	if err != nil {
		return err
	}
	defer marker.Close()
	return marker.Put(tx.Hash().Bytes(), []byte{1})
}
func (m *markerService) AfterCommit(fork *storage.Fork) {}
func (m *markerService) StateHashContribution(fork *storage.Fork) (map[uint32]crypto.Hash, error) {
	pm, err := merkle.NewProofMap(fork, "marker_proof")
	if err != nil {
		return nil, err
	}
	defer pm.Close()
	h, err := pm.ObjectHash()
	if err != nil {
		return nil, err
	}
	return map[uint32]crypto.Hash{0: h}, nil
}

// bus delivers every broadcast message to all engines except the sender,
// queued rather than dispatched inline, so no engine's mutex is ever
// re-entered from within its own call stack.
type bus struct {
	engines []*Engine
	queue   []queued
}

type queued struct {
	sender int
	msg    *schema.Message
}

type nodeTransport struct {
	b    *bus
	self int
}

func (t *nodeTransport) Broadcast(msg *schema.Message) {
	t.b.queue = append(t.b.queue, queued{sender: t.self, msg: msg})
}
func (t *nodeTransport) RequestTransactions(hashes []crypto.Hash) {}
func (t *nodeTransport) RequestPropose(height uint64, round uint32, hash crypto.Hash)  {}
func (t *nodeTransport) RequestPrevotes(height uint64, round uint32, hash crypto.Hash) {}

func (b *bus) drain(t *testing.T) {
	t.Helper()
	for steps := 0; len(b.queue) > 0; steps++ {
		require.Less(t, steps, 1000, "message bus did not converge")
		next := b.queue[0]
		b.queue = b.queue[1:]
		for i, eng := range b.engines {
			if i == next.sender {
				continue
			}
			require.NoError(t, eng.HandleMessage(next.msg))
		}
	}
}

func setupCluster(t *testing.T, n int) (*bus, []*Engine, *schema.Configuration, []*storage.Database, crypto.Hash) {
	t.Helper()
	cfg := &schema.Configuration{Services: map[uint16]string{1: "marker"}, Params: schema.ConsensusParams{TxsBlockLimit: 10}}
	keys := make([]crypto.KeyPair, n)
	for i := range keys {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		keys[i] = kp
		cfg.Validators = append(cfg.Validators, schema.ValidatorInfo{ConsensusKey: kp.Public, ServiceKey: kp.Public})
	}

	b := &bus{}
	dbs := make([]*storage.Database, n)
	engines := make([]*Engine, n)
	p := pool.New(0, nil, nil)
	genesis := &schema.Block{Height: 0, PrevHash: crypto.ZeroHash}
	for i := 0; i < n; i++ {
		dbs[i] = storage.Open(dbm.NewMemDB())
		fork := dbs[i].Fork()
		sch, err := schema.New(fork)
		require.NoError(t, err)
		require.NoError(t, sch.PutBlock(genesis))
		require.NoError(t, dbs[i].Merge(fork.IntoPatch()))

		d := execution.NewDispatcher(nil)
		d.Register(&markerService{id: 1})
		engines[i] = NewEngine(dbs[i], d, cfg, keys[i], uint16(i), 0, genesis.Hash(), p, &nodeTransport{b: b, self: i}, nil, nil)
	}
	b.engines = engines
	return b, engines, cfg, dbs, genesis.Hash()
}

func TestEngineCommitsBlockOnPrecommitQuorum(t *testing.T) {
	b, engines, cfg, dbs, _ := setupCluster(t, 4)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	tx := schema.SignMessage(kp, 1, 1, []byte("hello"))

	leader := cfg.Proposer(1, 0)
	// Submit the transaction to the shared pool before proposing.
	require.NoError(t, submitTo(engines[leader], tx))

	engines[leader].MaybePropose()
	b.drain(t)

	for i, eng := range engines {
		require.Equal(t, uint64(1), eng.committedHeight, "engine %d did not commit", i)
	}

	snap := dbs[0].Snapshot()
	s, err := schema.New(snap)
	require.NoError(t, err)
	block, err := s.BlockAt(1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), block.TxCount)

	genesis, err := s.BlockAt(0)
	require.NoError(t, err)
	require.Equal(t, genesis.Hash(), block.PrevHash)

	for i := 1; i < len(dbs); i++ {
		other, err := schema.New(dbs[i].Snapshot())
		require.NoError(t, err)
		b2, err := other.BlockAt(1)
		require.NoError(t, err)
		require.Equal(t, block.Hash(), b2.Hash())
	}
}

// submitTo reaches into an engine's TxSource (the shared pool.Pool in
// this test) to admit tx, without exposing pool internals through Engine
// itself.
func submitTo(eng *Engine, tx *schema.Transaction) error {
	p, ok := eng.txSource.(*pool.Pool)
	if !ok {
		return nil
	}
	_, err := p.Submit(tx, nil)
	if err == pool.ErrTxExists {
		return nil
	}
	return err
}

func TestEngineDetectsEquivocatingProposer(t *testing.T) {
	b, engines, cfg, _, genesisHash := setupCluster(t, 4)
	leader := cfg.Proposer(1, 0)

	p1 := &Propose{ValidatorID: leader, Height: 1, Round: 0, PrevHash: genesisHash}
	p2 := &Propose{ValidatorID: leader, Height: 1, Round: 0, PrevHash: genesisHash, TxHashes: []crypto.Hash{crypto.HashBytes([]byte("x"))}}

	leaderKey := engines[leader].key
	msg1 := schema.SignMessage(leaderKey, ConsensusServiceID, MessageIDPropose, p1.Encode())
	msg2 := schema.SignMessage(leaderKey, ConsensusServiceID, MessageIDPropose, p2.Encode())

	victim := engines[(leader+1)%4]
	require.NoError(t, victim.HandleMessage(msg1))
	require.NoError(t, victim.HandleMessage(msg2))

	require.Len(t, victim.Equivocations(), 1)
	require.Equal(t, leader, victim.Equivocations()[0].ValidatorID)

	_ = b
}

func TestEngineRoundTimeoutAdvancesRound(t *testing.T) {
	_, engines, _, _, _ := setupCluster(t, 4)
	eng := engines[0]
	require.Equal(t, uint32(0), eng.Round())
	eng.OnRoundTimeout(eng.Height(), 0)
	require.Equal(t, uint32(1), eng.Round())

	eng.OnRoundTimeout(eng.Height(), 0) // stale round, ignored
	require.Equal(t, uint32(1), eng.Round())
}

func TestEngineResyncRebasesOntoCatchUpTip(t *testing.T) {
	_, engines, cfg, _, _ := setupCluster(t, 4)
	eng := engines[0]
	eng.OnRoundTimeout(eng.Height(), 0) // bump round so we can see it reset

	newTip := crypto.HashBytes([]byte("catch-up-block"))
	eng.Resync(5, newTip, cfg)

	require.Equal(t, uint64(6), eng.Height())
	require.Equal(t, uint32(0), eng.Round())
	require.Equal(t, uint64(5), eng.committedHeight)
	require.Equal(t, newTip, eng.prevHash)
}

func TestEngineResyncIgnoresStaleHeight(t *testing.T) {
	_, engines, cfg, _, _ := setupCluster(t, 4)
	eng := engines[0]

	newTip := crypto.HashBytes([]byte("catch-up-block"))
	eng.Resync(5, newTip, cfg)
	eng.Resync(3, crypto.HashBytes([]byte("older")), cfg)

	require.Equal(t, uint64(6), eng.Height())
	require.Equal(t, newTip, eng.prevHash)
}

func TestEngineServesProposalEnvelopeAndPrevotesForRecovery(t *testing.T) {
	b, engines, cfg, _, _ := setupCluster(t, 4)
	leader := cfg.Proposer(1, 0)

	// Take the leader's broadcast proposal straight off the bus and hand
	// it to one peer, stopping short of a full drain so the height is
	// never committed out from under the envelope/prevote archives.
	engines[leader].MaybePropose()
	require.Len(t, b.queue, 1)
	proposeMsg := b.queue[0].msg
	b.queue = nil

	victim := engines[(leader+1)%4]
	require.NoError(t, victim.HandleMessage(proposeMsg))

	p, err := DecodePropose(proposeMsg.Body)
	require.NoError(t, err)
	hash := p.Hash()

	envelope, ok := victim.ProposalEnvelope(1, 0, hash)
	require.True(t, ok, "victim has no envelope for the proposal it just voted on")
	require.Equal(t, ConsensusServiceID, envelope.ServiceID)

	votes := victim.Prevotes(1, 0, hash)
	require.NotEmpty(t, votes, "victim holds no prevotes for its own round")

	_, ok = victim.ProposalEnvelope(2, 0, hash)
	require.False(t, ok, "envelope lookup must not cross into a different height")
}
