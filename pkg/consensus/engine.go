// Copyright 2025 Exonum Core Contributors
//
// Package consensus implements the round-based BFT state machine (spec
// §4.5): proposer rotation, prevote/precommit supermajorities, the
// Tendermint-style lock, round and status timeouts, and equivocation
// evidence. The engine itself is driven by an outer single-threaded
// event dispatcher (spec §4.8) which owns the only goroutine that calls
// into it — Engine does not start its own loop or timers, so every
// method below assumes single-threaded, non-reentrant invocation and
// only takes its own mutex as a guard against accidental concurrent use,
// not as a scheduling primitive.
//
// Adapted from pkg/consensus/bft_integration.go's App-wiring idiom (one
// struct owning db/dispatcher/keys, handlers keyed by message kind) and
// pkg/consensus/health_monitor.go's timeout/callback shape
// (OnStallDetected-style hooks become OnRoundTimeout/OnStatusTimeout
// here), translated from ABCI/CometBFT's externally-driven consensus
// onto a from-scratch propose/prevote/precommit loop in the manner of
// BigBossBooling's hand-rolled engine.
package consensus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/execution"
	"github.com/exonumcore/exonum/pkg/metrics"
	"github.com/exonumcore/exonum/pkg/schema"
	"github.com/exonumcore/exonum/pkg/storage"
)

// TxSource is the subset of pkg/pool.Pool the engine depends on: proposal
// assembly, completeness checks, and commit-time eviction.
type TxSource interface {
	Has(hash crypto.Hash) bool
	Get(hash crypto.Hash) (*schema.Transaction, bool)
	Propose(limit int) []crypto.Hash
	Commit(committed []crypto.Hash)
}

// Transport sends signed consensus messages to peers and asks for
// transactions this node is missing (spec §4.5 "request missing ones").
// pkg/p2p implements this.
type Transport interface {
	Broadcast(msg *schema.Message)
	RequestTransactions(hashes []crypto.Hash)
	// RequestPropose and RequestPrevotes recover from a prevote
	// supermajority reached on data this node never received (spec §4.5,
	// §6's Propose/PrevotesRequest), asking peers to relay the proposal
	// envelope and its supporting prevotes at (height, round, hash).
	RequestPropose(height uint64, round uint32, hash crypto.Hash)
	RequestPrevotes(height uint64, round uint32, hash crypto.Hash)
}

// Engine is the per-node round state machine for one validator.
type Engine struct {
	mu sync.Mutex

	db         *storage.Database
	dispatcher *execution.Dispatcher
	cfg        *schema.Configuration
	key        crypto.KeyPair
	validator  uint16

	txSource  TxSource
	transport Transport
	log       *logrus.Entry
	now       func() int64

	committedHeight uint64
	prevHash        crypto.Hash
	state           *heightState

	onCommit func(*schema.Block, []*schema.Precommit)
	metrics  *metrics.Metrics
}

// NewEngine builds an Engine resuming from committedHeight with prevHash
// as the chain tip (the genesis block's own hash, or crypto.ZeroHash
// before genesis is committed).
func NewEngine(
	db *storage.Database,
	dispatcher *execution.Dispatcher,
	cfg *schema.Configuration,
	key crypto.KeyPair,
	validatorID uint16,
	committedHeight uint64,
	prevHash crypto.Hash,
	txSource TxSource,
	transport Transport,
	log *logrus.Entry,
	onCommit func(*schema.Block, []*schema.Precommit),
) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		db:              db,
		dispatcher:      dispatcher,
		cfg:             cfg,
		key:             key,
		validator:       validatorID,
		txSource:        txSource,
		transport:       transport,
		log:             log.WithField("component", "consensus"),
		now:             func() int64 { return time.Now().UnixNano() },
		committedHeight: committedHeight,
		prevHash:        prevHash,
		state:           newHeightState(committedHeight + 1),
		onCommit:        onCommit,
	}
}

// SetMetrics attaches m as the engine's metrics sink. Optional: an
// engine with no metrics attached simply reports nothing, since every
// metrics.Metrics method is nil-receiver-safe.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// SetClock overrides the engine's time source; used by tests so
// precommit timestamps are reproducible.
func (e *Engine) SetClock(now func() int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Height returns the height currently being agreed upon.
func (e *Engine) Height() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.height
}

// Round returns the current round within Height().
func (e *Engine) Round() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.round
}

// Equivocations returns every equivocation witnessed at the current
// height, for submission as evidence.
func (e *Engine) Equivocations() []Evidence {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Evidence, len(e.state.equivocations))
	copy(out, e.state.equivocations)
	return out
}

// ProposalEnvelope returns the signed message a proposal arrived in, for
// replay to a peer asking via ProposeRequest. Only proposals for the
// current height are retained.
func (e *Engine) ProposalEnvelope(height uint64, round uint32, hash crypto.Hash) (*schema.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if height != e.state.height {
		return nil, false
	}
	return e.state.envelopeFor(round, hash)
}

// Prevotes returns this node's held prevotes for (height, round, hash),
// for replay to a peer asking via PrevotesRequest.
func (e *Engine) Prevotes(height uint64, round uint32, hash crypto.Hash) []*Prevote {
	e.mu.Lock()
	defer e.mu.Unlock()
	if height != e.state.height {
		return nil
	}
	return e.state.prevotesFor(round, hash)
}

// Resync rebases the engine onto a height/tip the catch-up requester
// applied out of band, handing control back to active consensus (spec
// §4.7): without this, a node that falls behind and catches up through
// pkg/requester would stay permanently stuck voting on a height no other
// validator is still proposing for.
func (e *Engine) Resync(committedHeight uint64, prevHash crypto.Hash, cfg *schema.Configuration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if committedHeight <= e.committedHeight {
		return
	}
	e.committedHeight = committedHeight
	e.prevHash = prevHash
	if cfg != nil {
		e.cfg = cfg
	}
	e.state = newHeightState(committedHeight + 1)
	e.log.WithField("height", committedHeight).Info("resynced after catch-up")
}

// IsLeader reports whether this node leads the current height at round.
func (e *Engine) IsLeader(round uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Proposer(e.state.height, round) == e.validator
}

// MaybePropose assembles and broadcasts a proposal if this node leads
// the current round and has not already proposed for it (spec §4.5
// "Enter round r... if local node is leader... assemble a proposal").
func (e *Engine) MaybePropose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeProposeLocked()
}

func (e *Engine) maybeProposeLocked() {
	round := e.state.round
	if e.cfg.Proposer(e.state.height, round) != e.validator {
		return
	}
	if len(e.state.proposalsByValidator[round][e.validator]) > 0 {
		return // already proposed this round
	}

	limit := int(e.cfg.Params.TxsBlockLimit)
	hashes := e.txSource.Propose(limit)

	p := &Propose{
		ValidatorID: e.validator,
		Height:      e.state.height,
		Round:       round,
		PrevHash:    e.prevHash,
		TxHashes:    hashes,
	}
	e.log.WithFields(logrus.Fields{"height": p.Height, "round": p.Round, "txs": len(hashes)}).Debug("proposing block")
	e.transport.Broadcast(schema.SignMessage(e.key, ConsensusServiceID, MessageIDPropose, p.Encode()))

	if _, isNew, _ := e.state.recordProposal(p); isNew {
		e.tryPrevoteLocked(round)
	}
}

// HandleMessage routes an inbound consensus message to its handler.
// Messages for other services are ignored, not errors.
func (e *Engine) HandleMessage(msg *schema.Message) error {
	if msg.ServiceID != ConsensusServiceID {
		return nil
	}
	switch msg.MessageID {
	case MessageIDPropose:
		p, err := DecodePropose(msg.Body)
		if err != nil {
			return err
		}
		return e.handlePropose(p, msg)
	case MessageIDPrevote:
		v, err := DecodePrevote(msg.Body)
		if err != nil {
			return err
		}
		return e.handlePrevote(v)
	case MessageIDPrecommit:
		pc, err := schema.DecodePrecommit(msg.Body)
		if err != nil {
			return err
		}
		return e.handlePrecommit(pc)
	case MessageIDStatus:
		_, err := DecodeStatus(msg.Body)
		return err
	}
	return nil
}

func (e *Engine) validatorKey(id uint16) (crypto.PublicKey, bool) {
	if int(id) >= len(e.cfg.Validators) {
		return crypto.PublicKey{}, false
	}
	return e.cfg.Validators[id].ConsensusKey, true
}

func (e *Engine) handlePropose(p *Propose, msg *schema.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.Height < e.state.height {
		return ErrStaleHeight
	}
	if p.Height != e.state.height {
		return nil // future height: left to the catch-up requester
	}
	pub, ok := e.validatorKey(p.ValidatorID)
	if !ok {
		return ErrUnknownValidator
	}
	if !msg.Verify(pub) {
		return crypto.ErrInvalidSignature
	}
	if e.cfg.Proposer(p.Height, p.Round) != p.ValidatorID {
		return ErrWrongProposer
	}
	if p.PrevHash != e.prevHash {
		return ErrStalePrevHash
	}

	_, isNew, equivocation := e.state.recordProposal(p)
	if equivocation != nil {
		e.log.WithFields(logrus.Fields{
			"validator_id": equivocation.ValidatorID,
			"round":        equivocation.Round,
		}).Warn("equivocating proposer: retaining first proposal for voting, recording evidence")
		e.metrics.ObserveEquivocation()
	}
	if !isNew {
		return nil
	}
	e.state.storeEnvelope(p.Round, p.Hash(), msg)

	e.tryPrevoteLocked(p.Round)
	e.checkPrevoteQuorumLocked(p.Round, p.Hash())
	return nil
}

// missingTx returns the subset of p's referenced transactions this node
// does not yet hold.
func (e *Engine) missingTx(p *Propose) []crypto.Hash {
	var missing []crypto.Hash
	for _, h := range p.TxHashes {
		if !e.txSource.Has(h) {
			missing = append(missing, h)
		}
	}
	return missing
}

// tryPrevoteLocked attempts to cast this node's prevote for round, per
// spec §4.5: vote for the just-evaluated proposal, unless locked on a
// different one at a lower round, in which case the locked proposal is
// voted for instead. Must be called with mu held.
func (e *Engine) tryPrevoteLocked(round uint32) {
	if round != e.state.round || e.state.prevoted[round] {
		return
	}

	var target *Propose
	var lockedRound *uint32
	if e.state.lockedProposal != nil {
		target = e.state.proposals[*e.state.lockedRound][*e.state.lockedProposal]
		r := *e.state.lockedRound
		lockedRound = &r
	} else {
		target = e.state.firstProposalForRound(round)
	}
	if target == nil {
		return
	}

	if missing := e.missingTx(target); len(missing) > 0 {
		e.transport.RequestTransactions(missing)
		return
	}

	hash := target.Hash()
	vote := &Prevote{ValidatorID: e.validator, Height: e.state.height, Round: round, ProposalHash: hash, LockedRound: lockedRound}
	vote.Signature = e.key.Sign(vote.SignedPayload())
	e.state.recordPrevote(vote)
	e.state.prevoted[round] = true
	e.transport.Broadcast(schema.SignMessage(e.key, ConsensusServiceID, MessageIDPrevote, vote.Encode()))

	e.checkPrevoteQuorumLocked(round, hash)
}

// OnTransactionAvailable retries prevoting at the current round, called
// whenever the pool admits a transaction the engine was waiting on.
func (e *Engine) OnTransactionAvailable(crypto.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tryPrevoteLocked(e.state.round)
}

func (e *Engine) handlePrevote(v *Prevote) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v.Height != e.state.height {
		return nil
	}
	pub, ok := e.validatorKey(v.ValidatorID)
	if !ok {
		return ErrUnknownValidator
	}
	if !v.Verify(pub) {
		return crypto.ErrInvalidSignature
	}
	e.state.recordPrevote(v)
	e.checkPrevoteQuorumLocked(v.Round, v.ProposalHash)
	return nil
}

// checkPrevoteQuorumLocked acquires the Tendermint-style lock once
// prevotes for hash at round reach 2f+1, executes the proposal, and
// broadcasts this node's precommit. Must be called with mu held.
func (e *Engine) checkPrevoteQuorumLocked(round uint32, hash crypto.Hash) {
	if e.state.lockedRound != nil && *e.state.lockedRound >= round && *e.state.lockedProposal != hash {
		return
	}
	if e.state.prevoteCount(round, hash) < e.cfg.QuorumSize() {
		return
	}

	r, h := round, hash
	e.state.lockedRound = &r
	e.state.lockedProposal = &h

	if e.state.precommited[round] {
		return
	}
	propose := e.state.proposals[round][hash]
	if propose == nil {
		// Quorum reached on a proposal this node hasn't received yet: ask
		// the peers that voted for it to relay the proposal itself.
		e.transport.RequestPropose(e.state.height, round, hash)
		e.transport.RequestPrevotes(e.state.height, round, hash)
		return
	}

	result, err := e.executeLocked(propose)
	if err != nil {
		e.log.WithError(err).Error("create_patch failed for locked proposal")
		return
	}

	pc := &schema.Precommit{
		ValidatorID:  e.validator,
		Height:       e.state.height,
		Round:        round,
		ProposalHash: hash,
		BlockHash:    result.Block.Hash(),
		Time:         e.now(),
	}
	pc.Signature = e.key.Sign(pc.SignedPayload())
	e.state.recordPrecommit(pc)
	e.state.precommited[round] = true
	e.transport.Broadcast(schema.SignMessage(e.key, ConsensusServiceID, MessageIDPrecommit, pc.Encode()))

	e.checkPrecommitQuorumLocked(round, pc.BlockHash)
}

// executeLocked runs create_patch for propose, memoizing the result so a
// later commit does not re-execute it. Must be called with mu held.
func (e *Engine) executeLocked(propose *Propose) (*execution.Result, error) {
	hash := propose.Hash()
	if cached, ok := e.state.executed[hash]; ok {
		return cached.result, nil
	}
	txs := make([]*schema.Transaction, 0, len(propose.TxHashes))
	for _, h := range propose.TxHashes {
		tx, ok := e.txSource.Get(h)
		if !ok {
			return nil, ErrMalformedMessage
		}
		txs = append(txs, tx)
	}
	result, err := e.dispatcher.CreatePatch(e.db, e.cfg, propose.Height, propose.PrevHash, propose.ValidatorID, txs)
	if err != nil {
		return nil, err
	}
	e.state.executed[hash] = &executedProposal{result: result}
	return result, nil
}

func (e *Engine) handlePrecommit(pc *schema.Precommit) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pc.Height != e.state.height {
		return nil
	}
	pub, ok := e.validatorKey(pc.ValidatorID)
	if !ok {
		return ErrUnknownValidator
	}
	if !pc.Verify(pub) {
		return crypto.ErrInvalidSignature
	}
	e.state.recordPrecommit(pc)
	e.checkPrecommitQuorumLocked(pc.Round, pc.BlockHash)
	return nil
}

// checkPrecommitQuorumLocked commits the block once precommits for
// blockHash at round reach 2f+1 (spec §4.5 "Precommit supermajority").
// Must be called with mu held.
func (e *Engine) checkPrecommitQuorumLocked(round uint32, blockHash crypto.Hash) {
	set := e.state.precommitSet(round, blockHash)
	if len(set) < e.cfg.QuorumSize() {
		return
	}
	if e.state.lockedProposal == nil {
		return
	}
	cached, ok := e.state.executed[*e.state.lockedProposal]
	if !ok || cached.result.Block.Hash() != blockHash {
		return
	}
	e.commitLocked(round, cached.result, set)
}

// commitLocked persists the executed patch, persists the certifying
// precommit set, evicts committed transactions from the pool, and
// advances to the next height at round 0 (spec §4.5 "Commit").
func (e *Engine) commitLocked(round uint32, result *execution.Result, precommits []*schema.Precommit) {
	if err := e.db.Merge(result.Patch); err != nil {
		e.log.WithError(err).Error("merge committed patch")
		return
	}

	e.persistCommitMeta(result.Block.Height, precommits, e.state.equivocations)

	propose := e.state.proposals[round][*e.state.lockedProposal]
	e.txSource.Commit(propose.TxHashes)

	e.prevHash = result.Block.Hash()
	e.committedHeight = result.Block.Height
	e.state = newHeightState(result.Block.Height + 1)

	e.log.WithFields(logrus.Fields{"height": result.Block.Height, "txs": result.Block.TxCount}).Info("committed block")
	e.metrics.ObserveCommit(result.Block.Height)
	if e.onCommit != nil {
		e.onCommit(result.Block, precommits)
	}
}

// persistCommitMeta writes the precommit quorum and any equivocation
// evidence witnessed at height into a fresh Fork. Failures here are
// logged but non-fatal: the block itself is already merged by the time
// this runs, so the chain still advances.
func (e *Engine) persistCommitMeta(height uint64, precommits []*schema.Precommit, equivocations []Evidence) {
	fork := e.db.Fork()
	sch, err := schema.New(fork)
	if err != nil {
		e.log.WithError(err).Error("open schema for commit")
		return
	}
	defer sch.Close()

	if err := sch.PutPrecommits(height, precommits); err != nil {
		e.log.WithError(err).Error("persist precommit set")
		return
	}
	if err := sch.PutEvidence(height, equivocations); err != nil {
		e.log.WithError(err).Error("persist equivocation evidence")
		return
	}
	if err := e.db.Merge(fork.IntoPatch()); err != nil {
		e.log.WithError(err).Error("merge precommit patch")
	}
}

// OnRoundTimeout advances past a round with no proposal or no
// supermajority (spec §4.5 "Round timeout"). height/round identify the
// timer that fired, so a timer outliving a commit or an earlier round
// advance is silently dropped as stale.
func (e *Engine) OnRoundTimeout(height uint64, round uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if height != e.state.height || round != e.state.round {
		return
	}
	e.state.round++
	e.log.WithFields(logrus.Fields{"height": height, "round": e.state.round}).Debug("round timeout, advancing")
	e.metrics.ObserveRoundTimeout()
	e.tryPrevoteLocked(e.state.round)
	e.maybeProposeLocked()
}

// OnStatusTimeout builds a Status heartbeat for the last committed
// height (spec §4.5 "Status timeout").
func (e *Engine) OnStatusTimeout() *schema.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := &Status{ValidatorID: e.validator, Height: e.committedHeight, LastHash: e.prevHash}
	return schema.SignMessage(e.key, ConsensusServiceID, MessageIDStatus, st.Encode())
}
