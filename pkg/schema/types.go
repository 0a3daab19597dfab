// Copyright 2025 Exonum Core Contributors
//
// Package schema defines the core wire/storage structures — Message,
// Block, Precommit, Configuration — and the named indexes that persist
// them, per the spec's data model (§3) and persisted-state layout (§6).
//
// Adapted from pkg/ledger/types.go: the same "one struct per persisted
// concept, encode/decode pair, sentinel errors" shape, but carrying the
// core's Block/Precommit/Configuration rather than Certen's anchor
// ledger metadata.
package schema

import (
	"errors"

	"github.com/exonumcore/exonum/pkg/codec"
	"github.com/exonumcore/exonum/pkg/crypto"
)

// Message is the tagged, signed envelope shared by every consensus and
// transport payload (spec §3 "Message").
type Message struct {
	ServiceID uint16
	MessageID uint16
	Body      []byte
	Signature crypto.Signature
}

// SignedPayload returns the bytes a signature covers: everything except
// the signature slot itself.
func (m *Message) SignedPayload() []byte {
	e := codec.NewEncoder()
	e.PutUint16(m.ServiceID)
	e.PutUint16(m.MessageID)
	e.PutVar(m.Body)
	return e.Bytes()
}

// Encode returns the full canonical encoding, signature included.
func (m *Message) Encode() []byte {
	e := codec.NewEncoder()
	e.PutUint16(m.ServiceID)
	e.PutUint16(m.MessageID)
	e.PutVar(m.Body)
	e.PutFixed(m.Signature[:])
	return e.Bytes()
}

// DecodeMessage parses the encoding produced by Encode.
func DecodeMessage(buf []byte) (*Message, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	m := &Message{}
	if m.ServiceID, err = d.GetUint16(); err != nil {
		return nil, err
	}
	if m.MessageID, err = d.GetUint16(); err != nil {
		return nil, err
	}
	if m.Body, err = d.GetVar(); err != nil {
		return nil, err
	}
	sig, err := d.GetFixed(crypto.SignatureSize)
	if err != nil {
		return nil, err
	}
	copy(m.Signature[:], sig)
	return m, nil
}

// Hash returns the message's identity: the domain-tagged hash of its
// full signed encoding.
func (m *Message) Hash() crypto.Hash {
	return crypto.Tagged(crypto.TagMessageDigest, m.Encode())
}

// SignMessage builds and signs a Message over (serviceID, messageID, body).
func SignMessage(kp crypto.KeyPair, serviceID, messageID uint16, body []byte) *Message {
	m := &Message{ServiceID: serviceID, MessageID: messageID, Body: body}
	m.Signature = kp.Sign(m.SignedPayload())
	return m
}

// Verify reports whether pub signed m's payload.
func (m *Message) Verify(pub crypto.PublicKey) bool {
	return crypto.Verify(pub, m.SignedPayload(), m.Signature)
}

// Transaction is a Message whose body is interpreted by a service; its
// identity is its message hash (spec §3 "Transaction").
type Transaction = Message

// Block is the per-height commitment header (spec §3 "Block").
type Block struct {
	Height     uint64
	PrevHash   crypto.Hash
	TxHash     crypto.Hash
	StateHash  crypto.Hash
	ProposerID uint16
	TxCount    uint32
}

func (b *Block) Encode() []byte {
	e := codec.NewEncoder()
	e.PutUint64(b.Height)
	e.PutFixed(b.PrevHash[:])
	e.PutFixed(b.TxHash[:])
	e.PutFixed(b.StateHash[:])
	e.PutUint16(b.ProposerID)
	e.PutUint32(b.TxCount)
	return e.Bytes()
}

func DecodeBlock(buf []byte) (*Block, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	b := &Block{}
	if b.Height, err = d.GetUint64(); err != nil {
		return nil, err
	}
	if b.PrevHash, err = getHash(d); err != nil {
		return nil, err
	}
	if b.TxHash, err = getHash(d); err != nil {
		return nil, err
	}
	if b.StateHash, err = getHash(d); err != nil {
		return nil, err
	}
	if b.ProposerID, err = d.GetUint16(); err != nil {
		return nil, err
	}
	if b.TxCount, err = d.GetUint32(); err != nil {
		return nil, err
	}
	return b, nil
}

// Hash is the block's identity used as the next block's prev_hash.
func (b *Block) Hash() crypto.Hash {
	return crypto.Tagged(crypto.TagMessageDigest, b.Encode())
}

func getHash(d *codec.Decoder) (crypto.Hash, error) {
	b, err := d.GetFixed(crypto.HashSize)
	if err != nil {
		return crypto.Hash{}, err
	}
	return crypto.HashFromBytes(b)
}

// Precommit is a validator's signed vote for a specific block at a given
// height and round (spec §3 "Precommit").
type Precommit struct {
	ValidatorID  uint16
	Height       uint64
	Round        uint32
	ProposalHash crypto.Hash
	BlockHash    crypto.Hash
	Time         int64
	Signature    crypto.Signature
}

// SignedPayload is what the validator's signature covers.
func (p *Precommit) SignedPayload() []byte {
	e := codec.NewEncoder()
	e.PutUint16(p.ValidatorID)
	e.PutUint64(p.Height)
	e.PutUint32(p.Round)
	e.PutFixed(p.ProposalHash[:])
	e.PutFixed(p.BlockHash[:])
	e.PutUint64(uint64(p.Time))
	return e.Bytes()
}

func (p *Precommit) Encode() []byte {
	e := codec.NewEncoder()
	e.PutUint16(p.ValidatorID)
	e.PutUint64(p.Height)
	e.PutUint32(p.Round)
	e.PutFixed(p.ProposalHash[:])
	e.PutFixed(p.BlockHash[:])
	e.PutUint64(uint64(p.Time))
	e.PutFixed(p.Signature[:])
	return e.Bytes()
}

func DecodePrecommit(buf []byte) (*Precommit, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	p := &Precommit{}
	if p.ValidatorID, err = d.GetUint16(); err != nil {
		return nil, err
	}
	if p.Height, err = d.GetUint64(); err != nil {
		return nil, err
	}
	if p.Round, err = d.GetUint32(); err != nil {
		return nil, err
	}
	if p.ProposalHash, err = getHash(d); err != nil {
		return nil, err
	}
	if p.BlockHash, err = getHash(d); err != nil {
		return nil, err
	}
	t, err := d.GetUint64()
	if err != nil {
		return nil, err
	}
	p.Time = int64(t)
	sig, err := d.GetFixed(crypto.SignatureSize)
	if err != nil {
		return nil, err
	}
	copy(p.Signature[:], sig)
	return p, nil
}

// Verify checks the precommit's signature against a validator's
// consensus key.
func (p *Precommit) Verify(pub crypto.PublicKey) bool {
	return crypto.Verify(pub, p.SignedPayload(), p.Signature)
}

// ValidatorInfo names one validator's consensus and service keys.
type ValidatorInfo struct {
	ConsensusKey crypto.PublicKey
	ServiceKey   crypto.PublicKey
}

// ConsensusParams are the tunables governing round/status timing and
// block assembly limits (spec §3 "consensus_params").
type ConsensusParams struct {
	RoundTimeoutMS      uint64
	StatusTimeoutMS     uint64
	PeersTimeoutMS      uint64
	TxsBlockLimit       uint32
	MaxMessageLen       uint32
	MinProposeTimeoutMS uint64
	MaxProposeTimeoutMS uint64
}

// Configuration is the immutable, committed validator set and parameter
// bundle in force from a given height (spec §3 "Validator set").
type Configuration struct {
	Validators      []ValidatorInfo
	Params          ConsensusParams
	PreviousCfgHash crypto.Hash
	ActualFrom      uint64
	Services        map[uint16]string
}

func (c *Configuration) Encode() []byte {
	e := codec.NewEncoder()
	e.PutUint32(uint32(len(c.Validators)))
	for _, v := range c.Validators {
		e.PutFixed(v.ConsensusKey[:])
		e.PutFixed(v.ServiceKey[:])
	}
	e.PutUint64(c.Params.RoundTimeoutMS)
	e.PutUint64(c.Params.StatusTimeoutMS)
	e.PutUint64(c.Params.PeersTimeoutMS)
	e.PutUint32(c.Params.TxsBlockLimit)
	e.PutUint32(c.Params.MaxMessageLen)
	e.PutUint64(c.Params.MinProposeTimeoutMS)
	e.PutUint64(c.Params.MaxProposeTimeoutMS)
	e.PutFixed(c.PreviousCfgHash[:])
	e.PutUint64(c.ActualFrom)

	ids := make([]uint16, 0, len(c.Services))
	for id := range c.Services {
		ids = append(ids, id)
	}
	sortUint16(ids)
	e.PutUint32(uint32(len(ids)))
	for _, id := range ids {
		e.PutUint16(id)
		e.PutVar([]byte(c.Services[id]))
	}
	return e.Bytes()
}

func sortUint16(ids []uint16) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

func DecodeConfiguration(buf []byte) (*Configuration, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	c := &Configuration{Services: map[uint16]string{}}
	nv, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nv; i++ {
		var v ValidatorInfo
		ck, err := d.GetFixed(crypto.PublicKeySize)
		if err != nil {
			return nil, err
		}
		copy(v.ConsensusKey[:], ck)
		sk, err := d.GetFixed(crypto.PublicKeySize)
		if err != nil {
			return nil, err
		}
		copy(v.ServiceKey[:], sk)
		c.Validators = append(c.Validators, v)
	}
	if c.Params.RoundTimeoutMS, err = d.GetUint64(); err != nil {
		return nil, err
	}
	if c.Params.StatusTimeoutMS, err = d.GetUint64(); err != nil {
		return nil, err
	}
	if c.Params.PeersTimeoutMS, err = d.GetUint64(); err != nil {
		return nil, err
	}
	if c.Params.TxsBlockLimit, err = d.GetUint32(); err != nil {
		return nil, err
	}
	if c.Params.MaxMessageLen, err = d.GetUint32(); err != nil {
		return nil, err
	}
	if c.Params.MinProposeTimeoutMS, err = d.GetUint64(); err != nil {
		return nil, err
	}
	if c.Params.MaxProposeTimeoutMS, err = d.GetUint64(); err != nil {
		return nil, err
	}
	if c.PreviousCfgHash, err = getHash(d); err != nil {
		return nil, err
	}
	if c.ActualFrom, err = d.GetUint64(); err != nil {
		return nil, err
	}
	ns, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < ns; i++ {
		id, err := d.GetUint16()
		if err != nil {
			return nil, err
		}
		name, err := d.GetVar()
		if err != nil {
			return nil, err
		}
		c.Services[id] = string(name)
	}
	return c, nil
}

// Hash is the configuration's identity (cfg_hash).
func (c *Configuration) Hash() crypto.Hash {
	return crypto.Tagged(crypto.TagMessageDigest, c.Encode())
}

// N returns the validator set size.
func (c *Configuration) N() int { return len(c.Validators) }

// F returns the maximum tolerated Byzantine count for N = 3f+1.
func (c *Configuration) F() int { return (len(c.Validators) - 1) / 3 }

// QuorumSize returns 2f+1, the precommit/prevote supermajority threshold.
func (c *Configuration) QuorumSize() int { return 2*c.F() + 1 }

// Proposer returns the validator index leading height h, round r.
func (c *Configuration) Proposer(h uint64, r uint32) uint16 {
	n := uint64(len(c.Validators))
	if n == 0 {
		return 0
	}
	return uint16((h + uint64(r)) % n)
}

// TxStatus is the recorded outcome of applying one transaction.
type TxStatus struct {
	Success bool
	Code    uint32
	Message string
}

func (s *TxStatus) Encode() []byte {
	e := codec.NewEncoder()
	if s.Success {
		e.PutByte(1)
	} else {
		e.PutByte(0)
	}
	e.PutUint32(s.Code)
	e.PutVar([]byte(s.Message))
	return e.Bytes()
}

func DecodeTxStatus(buf []byte) (*TxStatus, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	s := &TxStatus{}
	b, err := d.GetByte()
	if err != nil {
		return nil, err
	}
	s.Success = b == 1
	if s.Code, err = d.GetUint32(); err != nil {
		return nil, err
	}
	msg, err := d.GetVar()
	if err != nil {
		return nil, err
	}
	s.Message = string(msg)
	return s, nil
}

// ErrDecode wraps malformed persisted/wire data that fails to parse.
var ErrDecode = errors.New("schema: malformed encoding")
