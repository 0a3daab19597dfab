// Copyright 2025 Exonum Core Contributors
//
// Package requester implements the catch-up protocol of spec §4.7: once
// a peer's Status advertises a height beyond what this node has
// committed, it requests the missing blocks one at a time — header,
// precommits, and referenced transactions together — validates the
// response against the configuration active at that height, and applies
// it. A request that outlives its deadline is retried against a
// different peer.
//
// Grounded on the timeout/retry-against-a-different-target idiom of
// pkg/consensus/health_monitor.go's StatusFetcher polling loop (ticker
// driven, callback on failure), translated from "probe for liveness"
// onto "probe for missing blocks."
package requester

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/p2p"
	"github.com/exonumcore/exonum/pkg/schema"
	"github.com/exonumcore/exonum/pkg/storage"
)

// Sender is the subset of pkg/p2p.Host the requester depends on:
// directed delivery and the current peer set.
type Sender interface {
	SendTo(target crypto.PublicKey, msg *schema.Message) bool
	Peers() []p2p.PeerInfo
}

// inFlight tracks the single outstanding BlockRequest the requester
// issues at a time; catch-up is strictly sequential (spec §4.7 "the
// block at the next missing height"), so there is never more than one.
type inFlight struct {
	height   uint64
	target   crypto.PublicKey
	tried    map[crypto.PublicKey]bool
	deadline int64
}

// Requester drives sequential catch-up for one node.
type Requester struct {
	db        *storage.Database
	key       crypto.KeyPair
	transport Sender
	log       *logrus.Entry
	now       func() int64
	timeout   time.Duration

	mu         sync.Mutex
	peerHeight map[crypto.PublicKey]uint64
	current    *inFlight
}

// New builds a Requester. timeout bounds how long a BlockRequest may go
// unanswered before Tick retries it against a different peer.
func New(db *storage.Database, key crypto.KeyPair, transport Sender, timeout time.Duration, log *logrus.Entry) *Requester {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Requester{
		db:         db,
		key:        key,
		transport:  transport,
		log:        log.WithField("component", "requester"),
		now:        func() int64 { return time.Now().UnixNano() },
		timeout:    timeout,
		peerHeight: make(map[crypto.PublicKey]uint64),
	}
}

// SetClock overrides the requester's time source, for deterministic
// deadline tests.
func (r *Requester) SetClock(now func() int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Requester) localHeight() (uint64, error) {
	snap := r.db.Snapshot()
	s, err := schema.New(snap)
	if err != nil {
		return 0, err
	}
	defer s.Close()
	h, err := s.Height()
	if err != nil {
		return 0, err
	}
	if h == 0 {
		return 0, nil
	}
	return h - 1, nil
}

// OnStatus records a peer's advertised height and, if this node is
// behind and no request is outstanding, starts catch-up.
func (r *Requester) OnStatus(from crypto.PublicKey, height uint64) {
	r.mu.Lock()
	r.peerHeight[from] = height
	r.mu.Unlock()
	r.maybeRequestNext()
}

func (r *Requester) maybeRequestNext() {
	local, err := r.localHeight()
	if err != nil {
		r.log.WithError(err).Error("read local height")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return
	}
	next := local + 1
	target, ok := r.pickPeerLocked(next, nil)
	if !ok {
		return
	}
	r.sendRequestLocked(next, target, map[crypto.PublicKey]bool{})
}

// pickPeerLocked returns a connected peer known to be at or past height,
// excluding any already tried for the current request. Must be called
// with mu held.
func (r *Requester) pickPeerLocked(height uint64, tried map[crypto.PublicKey]bool) (crypto.PublicKey, bool) {
	for _, info := range r.transport.Peers() {
		if tried[info.PublicKey] {
			continue
		}
		if h, ok := r.peerHeight[info.PublicKey]; ok && h >= height {
			return info.PublicKey, true
		}
	}
	return crypto.PublicKey{}, false
}

func (r *Requester) sendRequestLocked(height uint64, target crypto.PublicKey, tried map[crypto.PublicKey]bool) {
	req := &p2p.BlockRequest{Height: height}
	msg := schema.SignMessage(r.key, p2p.ServiceID, p2p.MessageIDBlockRequest, req.Encode())
	r.transport.SendTo(target, msg)
	tried[target] = true
	r.current = &inFlight{
		height:   height,
		target:   target,
		tried:    tried,
		deadline: r.now() + r.timeout.Nanoseconds(),
	}
	r.log.WithFields(logrus.Fields{"height": height, "peer": target.String()}).Debug("requesting block")
}

// Tick retries the outstanding request against a different peer once
// its deadline has passed (spec §4.7 "a lapsed request is retried
// against a different peer"). Call this periodically from the event
// dispatcher's timer source.
func (r *Requester) Tick() {
	r.mu.Lock()
	cur := r.current
	if cur == nil || r.now() < cur.deadline {
		r.mu.Unlock()
		return
	}
	height, tried := cur.height, cur.tried
	target, ok := r.pickPeerLocked(height, tried)
	if !ok {
		r.current = nil
		r.mu.Unlock()
		r.maybeRequestNext()
		return
	}
	r.sendRequestLocked(height, target, tried)
	r.mu.Unlock()
}

// OnBlockResponse validates and applies resp, which must answer the
// currently outstanding request. cfg is the configuration active at
// resp.Block.Height (the caller looks this up via the schema's own
// config history, since the requester must not trust a response to name
// its own validator set).
func (r *Requester) OnBlockResponse(from crypto.PublicKey, resp *p2p.BlockResponse, cfg *schema.Configuration) error {
	r.mu.Lock()
	cur := r.current
	if cur == nil || cur.target != from || cur.height != resp.Block.Height {
		r.mu.Unlock()
		return nil // stale or unsolicited, ignore
	}
	r.mu.Unlock()

	local, err := r.localHeight()
	if err != nil {
		return err
	}
	expectedHeight := local + 1
	if resp.Block.Height != expectedHeight {
		return fmt.Errorf("requester: expected height %d, got %d", expectedHeight, resp.Block.Height)
	}

	snap := r.db.Snapshot()
	s, err := schema.New(snap)
	if err != nil {
		return err
	}
	defer s.Close()
	prevHash, err := s.BlockHash(resp.Block.Height - 1)
	if err != nil {
		return fmt.Errorf("requester: read prev block hash: %w", err)
	}
	if resp.Block.PrevHash != prevHash {
		return fmt.Errorf("requester: prev_hash mismatch at height %d", resp.Block.Height)
	}

	blockHash := resp.Block.Hash()
	if err := verifyPrecommitQuorum(cfg, resp.Block.Height, blockHash, resp.Precommits); err != nil {
		return err
	}

	fork := r.db.Fork()
	sch, err := schema.New(fork)
	if err != nil {
		return err
	}
	defer sch.Close()
	if err := sch.PutBlock(resp.Block); err != nil {
		return err
	}
	if err := sch.PutPrecommits(resp.Block.Height, resp.Precommits); err != nil {
		return err
	}
	for _, raw := range resp.Transactions {
		tx, err := schema.DecodeMessage(raw)
		if err != nil {
			return fmt.Errorf("requester: decode transaction: %w", err)
		}
		if err := sch.PutTransaction(tx.Hash(), raw); err != nil {
			return err
		}
	}
	sch.Close()
	if err := r.db.Merge(fork.IntoPatch()); err != nil {
		return err
	}

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()

	r.log.WithField("height", resp.Block.Height).Info("applied catch-up block")
	r.maybeRequestNext()
	return nil
}

// verifyPrecommitQuorum checks that precommits contains signatures from
// at least cfg.QuorumSize() distinct validators, each genuinely signing
// blockHash at height, under cfg's validator keys (spec §4.7 "precommit
// quorum against the configuration active at that height").
func verifyPrecommitQuorum(cfg *schema.Configuration, height uint64, blockHash crypto.Hash, precommits []*schema.Precommit) error {
	seen := make(map[uint16]bool)
	for _, pc := range precommits {
		if pc.Height != height || pc.BlockHash != blockHash {
			continue
		}
		if int(pc.ValidatorID) >= len(cfg.Validators) {
			continue
		}
		if !pc.Verify(cfg.Validators[pc.ValidatorID].ConsensusKey) {
			continue
		}
		seen[pc.ValidatorID] = true
	}
	if len(seen) < cfg.QuorumSize() {
		return fmt.Errorf("requester: only %d valid precommits for height %d, need %d", len(seen), height, cfg.QuorumSize())
	}
	return nil
}
