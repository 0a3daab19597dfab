// Copyright 2025 Exonum Core Contributors
//
// Wire payloads exchanged by the round-based state machine (spec §4.5,
// §6): Propose, Prevote, Status. Precommit reuses schema.Precommit
// directly since the vote it carries is identical to the certifying
// precommit persisted at commit time. Each payload is carried as the
// Body of a signed schema.Message; MessageID below identifies which
// payload Body holds.
package consensus

import (
	"github.com/exonumcore/exonum/pkg/codec"
	"github.com/exonumcore/exonum/pkg/crypto"
)

// Message IDs for service_id 0 (the consensus service itself).
const (
	MessageIDPropose   uint16 = 1
	MessageIDPrevote   uint16 = 2
	MessageIDPrecommit uint16 = 3
	MessageIDStatus    uint16 = 4
)

// ConsensusServiceID is the reserved service_id consensus messages carry.
const ConsensusServiceID uint16 = 0

// Propose is a leader's proposal for height h, round r: the ordered list
// of transaction hashes to execute, referencing the previous block.
type Propose struct {
	ValidatorID uint16
	Height      uint64
	Round       uint32
	PrevHash    crypto.Hash
	TxHashes    []crypto.Hash
}

func (p *Propose) Encode() []byte {
	e := codec.NewEncoder()
	e.PutUint16(p.ValidatorID)
	e.PutUint64(p.Height)
	e.PutUint32(p.Round)
	e.PutFixed(p.PrevHash[:])
	var tail []byte
	for _, h := range p.TxHashes {
		tail = append(tail, h[:]...)
	}
	e.PutVar(tail)
	return e.Bytes()
}

// Hash is the proposal's identity: a content-addressed digest of its
// (validator_id, height, round, prev_hash, tx list), independent of who
// retransmits it.
func (p *Propose) Hash() crypto.Hash {
	return crypto.Tagged(crypto.TagMessageDigest, p.Encode())
}

func DecodePropose(buf []byte) (*Propose, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	p := &Propose{}
	if p.ValidatorID, err = d.GetUint16(); err != nil {
		return nil, err
	}
	if p.Height, err = d.GetUint64(); err != nil {
		return nil, err
	}
	if p.Round, err = d.GetUint32(); err != nil {
		return nil, err
	}
	prev, err := d.GetFixed(crypto.HashSize)
	if err != nil {
		return nil, err
	}
	if p.PrevHash, err = crypto.HashFromBytes(prev); err != nil {
		return nil, err
	}
	tail, err := d.GetVar()
	if err != nil {
		return nil, err
	}
	if len(tail)%crypto.HashSize != 0 {
		return nil, ErrMalformedMessage
	}
	for i := 0; i < len(tail); i += crypto.HashSize {
		h, err := crypto.HashFromBytes(tail[i : i+crypto.HashSize])
		if err != nil {
			return nil, err
		}
		p.TxHashes = append(p.TxHashes, h)
	}
	return p, nil
}

// Prevote is a validator's vote that a proposal is complete and valid for
// its height and round. LockedRound is nil unless this vote is cast for a
// proposal the validator is already locked on from an earlier round (spec
// §6's locked_round), letting peers see why a validator voted for a
// proposal that isn't this round's first.
type Prevote struct {
	ValidatorID  uint16
	Height       uint64
	Round        uint32
	ProposalHash crypto.Hash
	LockedRound  *uint32
	Signature    crypto.Signature
}

// SignedPayload is what the validator's signature covers.
func (v *Prevote) SignedPayload() []byte {
	e := codec.NewEncoder()
	e.PutUint16(v.ValidatorID)
	e.PutUint64(v.Height)
	e.PutUint32(v.Round)
	e.PutFixed(v.ProposalHash[:])
	putOptionalRound(e, v.LockedRound)
	return e.Bytes()
}

func (v *Prevote) Encode() []byte {
	e := codec.NewEncoder()
	e.PutUint16(v.ValidatorID)
	e.PutUint64(v.Height)
	e.PutUint32(v.Round)
	e.PutFixed(v.ProposalHash[:])
	putOptionalRound(e, v.LockedRound)
	e.PutFixed(v.Signature[:])
	return e.Bytes()
}

func (v *Prevote) Verify(pub crypto.PublicKey) bool {
	return crypto.Verify(pub, v.SignedPayload(), v.Signature)
}

func DecodePrevote(buf []byte) (*Prevote, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	v := &Prevote{}
	if v.ValidatorID, err = d.GetUint16(); err != nil {
		return nil, err
	}
	if v.Height, err = d.GetUint64(); err != nil {
		return nil, err
	}
	if v.Round, err = d.GetUint32(); err != nil {
		return nil, err
	}
	ph, err := d.GetFixed(crypto.HashSize)
	if err != nil {
		return nil, err
	}
	if v.ProposalHash, err = crypto.HashFromBytes(ph); err != nil {
		return nil, err
	}
	if v.LockedRound, err = getOptionalRound(d); err != nil {
		return nil, err
	}
	sig, err := d.GetFixed(crypto.SignatureSize)
	if err != nil {
		return nil, err
	}
	copy(v.Signature[:], sig)
	return v, nil
}

// putOptionalRound writes a presence byte followed by the round value (0
// when absent), the same presence-flag idiom schema.TxStatus uses for its
// own optional field.
func putOptionalRound(e *codec.Encoder, r *uint32) {
	if r == nil {
		e.PutByte(0)
		e.PutUint32(0)
		return
	}
	e.PutByte(1)
	e.PutUint32(*r)
}

func getOptionalRound(d *codec.Decoder) (*uint32, error) {
	present, err := d.GetByte()
	if err != nil {
		return nil, err
	}
	r, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	return &r, nil
}

// Status is a heartbeat broadcast on the status timeout, letting peers
// detect they have fallen behind (spec §4.5 "Status timeout", §4.7).
type Status struct {
	ValidatorID uint16
	Height      uint64
	LastHash    crypto.Hash
}

func (s *Status) Encode() []byte {
	e := codec.NewEncoder()
	e.PutUint16(s.ValidatorID)
	e.PutUint64(s.Height)
	e.PutFixed(s.LastHash[:])
	return e.Bytes()
}

func DecodeStatus(buf []byte) (*Status, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	s := &Status{}
	if s.ValidatorID, err = d.GetUint16(); err != nil {
		return nil, err
	}
	if s.Height, err = d.GetUint64(); err != nil {
		return nil, err
	}
	lh, err := d.GetFixed(crypto.HashSize)
	if err != nil {
		return nil, err
	}
	if s.LastHash, err = crypto.HashFromBytes(lh); err != nil {
		return nil, err
	}
	return s, nil
}
