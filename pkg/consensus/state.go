// Copyright 2025 Exonum Core Contributors
//
// Per-height round state: the vote/proposal archives spec §4.5 requires
// ("proposals[h], prevotes[h][r][proposal_hash], precommits[h][r]
// [block_hash]"), plus the Tendermint-style lock and equivocation
// evidence tracking.
package consensus

import (
	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/execution"
	"github.com/exonumcore/exonum/pkg/schema"
)

// Evidence records that a single leader signed two distinct proposals for
// the same (height, round) — retained per spec §4.5's tie-break rule; the
// first-received proposal is still used for voting. schema.Evidence is
// the persisted form committed alongside precommits, the same reuse
// Precommit already gets.
type Evidence = schema.Evidence

// executedProposal caches the result of executing a proposal's
// transaction list, keyed by proposal hash, so a prevote supermajority
// does not re-run create_patch if the proposal was already executed
// speculatively (or re-executed after a round change lands on the same
// locked proposal).
type executedProposal struct {
	result *execution.Result
}

// heightState holds every message and lock relevant to the height
// currently being agreed upon. It is discarded and rebuilt on commit.
type heightState struct {
	height uint64
	round  uint32

	lockedRound    *uint32
	lockedProposal *crypto.Hash

	// proposals[round][proposal_hash]
	proposals map[uint32]map[crypto.Hash]*Propose
	// proposalsByValidator[round][validator_id] lists every distinct
	// proposal_hash that validator signed for this round, in arrival
	// order — length > 1 is equivocation.
	proposalsByValidator map[uint32]map[uint16][]crypto.Hash
	// envelopes[round][proposal_hash] retains the signed schema.Message a
	// Propose arrived in, so a ProposeRequest responder can relay the
	// proposer's own signature rather than one this node never held.
	envelopes map[uint32]map[crypto.Hash]*schema.Message

	// prevotes[round][proposal_hash][validator_id]
	prevotes map[uint32]map[crypto.Hash]map[uint16]*Prevote
	// precommits[round][block_hash][validator_id]
	precommits map[uint32]map[crypto.Hash]map[uint16]*schema.Precommit

	executed map[crypto.Hash]*executedProposal

	equivocations []Evidence

	// prevoted/precommitted record this node's own votes so it never
	// double-votes for a given round.
	prevoted    map[uint32]bool
	precommited map[uint32]bool
}

func newHeightState(height uint64) *heightState {
	return &heightState{
		height:               height,
		proposals:            make(map[uint32]map[crypto.Hash]*Propose),
		proposalsByValidator: make(map[uint32]map[uint16][]crypto.Hash),
		envelopes:            make(map[uint32]map[crypto.Hash]*schema.Message),
		prevotes:             make(map[uint32]map[crypto.Hash]map[uint16]*Prevote),
		precommits:           make(map[uint32]map[crypto.Hash]map[uint16]*schema.Precommit),
		executed:             make(map[crypto.Hash]*executedProposal),
		prevoted:             make(map[uint32]bool),
		precommited:          make(map[uint32]bool),
	}
}

func (hs *heightState) recordProposal(p *Propose) (hash crypto.Hash, isNew bool, equivocated *Evidence) {
	hash = p.Hash()

	byRound, ok := hs.proposals[p.Round]
	if !ok {
		byRound = make(map[crypto.Hash]*Propose)
		hs.proposals[p.Round] = byRound
	}
	if _, exists := byRound[hash]; !exists {
		byRound[hash] = p
		isNew = true
	}

	byValidator, ok := hs.proposalsByValidator[p.Round]
	if !ok {
		byValidator = make(map[uint16][]crypto.Hash)
		hs.proposalsByValidator[p.Round] = byValidator
	}
	hashes := byValidator[p.ValidatorID]
	for _, h := range hashes {
		if h == hash {
			return hash, isNew, nil // retransmission of a hash we've already seen from this signer
		}
	}
	byValidator[p.ValidatorID] = append(hashes, hash)
	if len(hashes) >= 1 {
		eq := &Evidence{
			ValidatorID: p.ValidatorID,
			Height:      hs.height,
			Round:       p.Round,
			FirstHash:   hashes[0],
			SecondHash:  hash,
		}
		hs.equivocations = append(hs.equivocations, *eq)
		equivocated = eq
	}
	return hash, isNew, equivocated
}

// storeEnvelope retains the signed message a newly accepted proposal
// arrived in, for later replay to a peer that asks for it by hash.
func (hs *heightState) storeEnvelope(round uint32, hash crypto.Hash, msg *schema.Message) {
	byRound, ok := hs.envelopes[round]
	if !ok {
		byRound = make(map[crypto.Hash]*schema.Message)
		hs.envelopes[round] = byRound
	}
	if _, exists := byRound[hash]; !exists {
		byRound[hash] = msg
	}
}

func (hs *heightState) envelopeFor(round uint32, hash crypto.Hash) (*schema.Message, bool) {
	msg, ok := hs.envelopes[round][hash]
	return msg, ok
}

// prevotesFor returns every prevote this node holds for (round, hash), in
// no particular order.
func (hs *heightState) prevotesFor(round uint32, hash crypto.Hash) []*Prevote {
	byHash := hs.prevotes[round][hash]
	out := make([]*Prevote, 0, len(byHash))
	for _, v := range byHash {
		out = append(out, v)
	}
	return out
}

// firstProposalForRound returns the first proposal received for round r,
// for use when this node is not the one voting on an equivocated leader.
func (hs *heightState) firstProposalForRound(r uint32) *Propose {
	byValidator := hs.proposalsByValidator[r]
	var earliest crypto.Hash
	var found bool
	for _, hashes := range byValidator {
		if len(hashes) == 0 {
			continue
		}
		if !found {
			earliest = hashes[0]
			found = true
		}
	}
	if !found {
		return nil
	}
	return hs.proposals[r][earliest]
}

func (hs *heightState) recordPrevote(v *Prevote) {
	byRound, ok := hs.prevotes[v.Round]
	if !ok {
		byRound = make(map[crypto.Hash]map[uint16]*Prevote)
		hs.prevotes[v.Round] = byRound
	}
	byHash, ok := byRound[v.ProposalHash]
	if !ok {
		byHash = make(map[uint16]*Prevote)
		byRound[v.ProposalHash] = byHash
	}
	byHash[v.ValidatorID] = v
}

// prevoteCount returns how many distinct validators prevoted for hash at
// round r.
func (hs *heightState) prevoteCount(r uint32, hash crypto.Hash) int {
	byRound, ok := hs.prevotes[r]
	if !ok {
		return 0
	}
	return len(byRound[hash])
}

func (hs *heightState) recordPrecommit(p *schema.Precommit) {
	byRound, ok := hs.precommits[p.Round]
	if !ok {
		byRound = make(map[crypto.Hash]map[uint16]*schema.Precommit)
		hs.precommits[p.Round] = byRound
	}
	byHash, ok := byRound[p.BlockHash]
	if !ok {
		byHash = make(map[uint16]*schema.Precommit)
		byRound[p.BlockHash] = byHash
	}
	byHash[p.ValidatorID] = p
}

func (hs *heightState) precommitSet(r uint32, hash crypto.Hash) []*schema.Precommit {
	byRound, ok := hs.precommits[r]
	if !ok {
		return nil
	}
	byHash := byRound[hash]
	out := make([]*schema.Precommit, 0, len(byHash))
	for _, p := range byHash {
		out = append(out, p)
	}
	return out
}
