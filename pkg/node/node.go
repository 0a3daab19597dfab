// Copyright 2025 Exonum Core Contributors
//
// Package node is the single-threaded cooperative event dispatcher of
// spec §4.8: it owns the round/status/requester timers and the network
// inbound channel, and is the only goroutine that ever calls into
// pkg/consensus.Engine or pkg/requester.Requester, satisfying spec §5's
// "only the dispatcher thread opens Forks."
//
// Adapted from pkg/consensus/bft_integration.go's App-wiring idiom (one
// struct gluing storage, consensus, and transport) generalized from a
// single ABCI callback surface onto an explicit multiplexing loop, since
// this spec's consensus is not externally driven by CometBFT.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/exonumcore/exonum/pkg/consensus"
	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/p2p"
	"github.com/exonumcore/exonum/pkg/pool"
	"github.com/exonumcore/exonum/pkg/requester"
	"github.com/exonumcore/exonum/pkg/schema"
	"github.com/exonumcore/exonum/pkg/storage"
	"github.com/exonumcore/exonum/pkg/storage/merkle"
)

// Timeouts bundles the timer periods spec §3's consensus_params name;
// Node reads them once at construction rather than re-deriving them
// from Configuration on every tick, since a configuration change only
// takes effect at its own ActualFrom height.
type Timeouts struct {
	Round     time.Duration
	Status    time.Duration
	Requester time.Duration
}

// Node multiplexes inbound network frames, expired timers, and (via
// pkg/api, which writes directly into Pool under its own mutex) client
// submissions into calls against the consensus engine and requester.
type Node struct {
	db        *storage.Database
	pool      *pool.Pool
	engine    *consensus.Engine
	host      *p2p.Host
	requester *requester.Requester
	key       crypto.KeyPair
	timeouts  Timeouts
	log       *logrus.Entry
}

// New builds a Node. requester may be nil for a single-node test chain
// that never needs catch-up.
func New(
	db *storage.Database,
	p *pool.Pool,
	engine *consensus.Engine,
	host *p2p.Host,
	req *requester.Requester,
	key crypto.KeyPair,
	timeouts Timeouts,
	log *logrus.Entry,
) *Node {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Node{
		db:        db,
		pool:      p,
		engine:    engine,
		host:      host,
		requester: req,
		key:       key,
		timeouts:  timeouts,
		log:       log.WithField("component", "node"),
	}
}

// Run drives the event loop until ctx is canceled. It is the only
// goroutine that touches n.engine or n.requester.
func (n *Node) Run(ctx context.Context) {
	roundTimer := time.NewTimer(n.timeouts.Round)
	defer roundTimer.Stop()
	statusTicker := time.NewTicker(n.timeouts.Status)
	defer statusTicker.Stop()

	var requesterC <-chan time.Time
	if n.requester != nil && n.timeouts.Requester > 0 {
		t := time.NewTicker(n.timeouts.Requester)
		defer t.Stop()
		requesterC = t.C
	}

	n.engine.MaybePropose()

	for {
		select {
		case <-ctx.Done():
			return
		case im := <-n.host.Inbound():
			n.handleInbound(im)
		case <-roundTimer.C:
			h, r := n.engine.Height(), n.engine.Round()
			n.engine.OnRoundTimeout(h, r)
			roundTimer.Reset(n.timeouts.Round)
		case <-statusTicker.C:
			n.host.Broadcast(n.engine.OnStatusTimeout())
		case <-requesterC:
			n.requester.Tick()
		}
	}
}

func (n *Node) handleInbound(im p2p.InboundMessage) {
	switch im.Msg.ServiceID {
	case consensus.ConsensusServiceID:
		if im.Msg.MessageID == consensus.MessageIDStatus {
			n.handleStatus(im)
			return
		}
		if err := n.engine.HandleMessage(im.Msg); err != nil {
			n.log.WithError(err).Debug("rejected consensus message")
		}
	case p2p.ServiceID:
		n.handleControl(im)
	default:
		n.handleTransaction(im.Msg)
	}
}

// handleTransaction admits a gossiped application transaction; an
// anonymous submitter's key is checked by the execution dispatcher at
// block-execution time, not here (same rule pkg/api's submit endpoint
// follows).
func (n *Node) handleTransaction(tx *schema.Transaction) {
	if n.pool.Has(tx.Hash()) {
		return
	}
	if _, err := n.pool.Submit(tx, nil); err != nil {
		return
	}
	n.engine.OnTransactionAvailable(tx.Hash())
}

func (n *Node) handleControl(im p2p.InboundMessage) {
	switch im.Msg.MessageID {
	case p2p.MessageIDTransactionsRequest:
		n.serveTransactionsRequest(im)
	case p2p.MessageIDBlockRequest:
		n.serveBlockRequest(im)
	case p2p.MessageIDBlockResponse:
		n.handleBlockResponse(im)
	case p2p.MessageIDProposeRequest:
		n.serveProposeRequest(im)
	case p2p.MessageIDPrevotesRequest:
		n.servePrevotesRequest(im)
	case p2p.MessageIDPrevotesResponse:
		n.handlePrevotesResponse(im)
	}
}

// serveProposeRequest answers with the signed Propose envelope this node
// holds for the requested (height, round, hash), letting a validator that
// reached a prevote supermajority on data it never received recover it
// (spec §4.5, §6).
func (n *Node) serveProposeRequest(im p2p.InboundMessage) {
	req, err := p2p.DecodeProposeRequest(im.Msg.Body)
	if err != nil {
		return
	}
	envelope, ok := n.engine.ProposalEnvelope(req.Height, req.Round, req.ProposalHash)
	if !ok {
		return
	}
	n.host.SendTo(im.From, envelope)
}

// servePrevotesRequest answers with every prevote this node holds for the
// requested (height, round, hash), the companion recovery path to
// serveProposeRequest.
func (n *Node) servePrevotesRequest(im p2p.InboundMessage) {
	req, err := p2p.DecodePrevotesRequest(im.Msg.Body)
	if err != nil {
		return
	}
	votes := n.engine.Prevotes(req.Height, req.Round, req.ProposalHash)
	if len(votes) == 0 {
		return
	}
	resp := &p2p.PrevotesResponse{}
	for _, v := range votes {
		resp.Prevotes = append(resp.Prevotes, v.Encode())
	}
	msg := schema.SignMessage(n.key, p2p.ServiceID, p2p.MessageIDPrevotesResponse, resp.Encode())
	n.host.SendTo(im.From, msg)
}

// handlePrevotesResponse replays every relayed prevote through the engine
// exactly as if it had arrived individually; each carries its own
// validator signature, so the relaying peer's identity is irrelevant.
func (n *Node) handlePrevotesResponse(im p2p.InboundMessage) {
	resp, err := p2p.DecodePrevotesResponse(im.Msg.Body)
	if err != nil {
		return
	}
	for _, raw := range resp.Prevotes {
		msg := schema.SignMessage(n.key, consensus.ConsensusServiceID, consensus.MessageIDPrevote, raw)
		if err := n.engine.HandleMessage(msg); err != nil {
			n.log.WithError(err).Debug("rejected relayed prevote")
		}
	}
}

func (n *Node) serveTransactionsRequest(im p2p.InboundMessage) {
	req, err := p2p.DecodeTransactionsRequest(im.Msg.Body)
	if err != nil {
		return
	}
	for _, h := range req.Hashes {
		if tx, ok := n.pool.Get(h); ok {
			n.host.SendTo(im.From, tx)
		}
	}
}

// serveBlockRequest answers a BlockRequest with the header, its
// certifying precommits, and every transaction it committed, read back
// in the exact order execution.CreatePatch recorded them in the
// per-height block_txs_<height> ProofList.
func (n *Node) serveBlockRequest(im p2p.InboundMessage) {
	req, err := p2p.DecodeBlockRequest(im.Msg.Body)
	if err != nil {
		return
	}
	snap := n.db.Snapshot()
	s, err := schema.New(snap)
	if err != nil {
		return
	}
	defer s.Close()
	block, err := s.BlockAt(req.Height)
	if err != nil {
		return
	}
	precommits, err := s.Precommits(req.Height)
	if err != nil && err != schema.ErrPrecommitNotFound {
		return
	}

	list, err := merkle.NewProofList(snap, fmt.Sprintf("block_txs_%d", req.Height))
	if err != nil {
		return
	}
	defer list.Close()
	count, err := list.Len()
	if err != nil {
		return
	}
	txs := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		raw, err := list.Get(i)
		if err != nil {
			return
		}
		hash, err := crypto.HashFromBytes(raw)
		if err != nil {
			return
		}
		txBytes, err := s.Transaction(hash)
		if err != nil {
			return
		}
		txs = append(txs, txBytes)
	}

	resp := &p2p.BlockResponse{Block: block, Precommits: precommits, Transactions: txs}
	msg := schema.SignMessage(n.key, p2p.ServiceID, p2p.MessageIDBlockResponse, resp.Encode())
	n.host.SendTo(im.From, msg)
}

func (n *Node) handleBlockResponse(im p2p.InboundMessage) {
	if n.requester == nil {
		return
	}
	resp, err := p2p.DecodeBlockResponse(im.Msg.Body)
	if err != nil {
		return
	}
	cfg, err := activeConfigAt(n.db, resp.Block.Height)
	if err != nil {
		n.log.WithError(err).Warn("no active configuration for catch-up block")
		return
	}
	if err := n.requester.OnBlockResponse(im.From, resp, cfg); err != nil {
		n.log.WithError(err).Warn("rejected catch-up block")
		return
	}
	n.engine.Resync(resp.Block.Height, resp.Block.Hash(), cfg)
	n.engine.MaybePropose()
}

func (n *Node) handleStatus(im p2p.InboundMessage) {
	if n.requester == nil {
		return
	}
	st, err := consensus.DecodeStatus(im.Msg.Body)
	if err != nil {
		return
	}
	n.requester.OnStatus(im.From, st.Height)
}

func activeConfigAt(db *storage.Database, height uint64) (*schema.Configuration, error) {
	snap := db.Snapshot()
	s, err := schema.New(snap)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.ActiveConfigAt(height)
}
