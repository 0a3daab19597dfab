// Copyright 2025 Exonum Core Contributors
//
// Wire payloads owned by the transport layer itself rather than by the
// consensus or pool: the Connect handshake and the catch-up request
// types named in spec.md §6. Like pkg/consensus's messages, each is
// carried as the Body of a signed schema.Message so the same envelope,
// signature, and framing rules apply uniformly to every message kind a
// node ever sends.
package p2p

import (
	"github.com/exonumcore/exonum/pkg/codec"
	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/schema"
)

// ServiceID is the reserved service_id for transport-layer control
// messages, distinct from consensus.ConsensusServiceID (0) and any
// application service id a Configuration names.
const ServiceID uint16 = 0xFFFF

const (
	MessageIDConnect            uint16 = 1
	MessageIDTransactionsRequest uint16 = 2
	MessageIDProposeRequest      uint16 = 3
	MessageIDPrevotesRequest     uint16 = 4
	MessageIDBlockRequest        uint16 = 5
	MessageIDPeersRequest        uint16 = 6
	MessageIDBlockResponse       uint16 = 7
	MessageIDPrevotesResponse    uint16 = 8
)

// Connect is the handshake every outbound connection opens with: the
// dialing node's public key, the address it itself listens on (so the
// peer can dial back), and a monotonic timestamp that lets the receiver
// reject a replayed handshake.
type Connect struct {
	PublicKey    crypto.PublicKey
	ListenAddr   string
	TimestampNS  int64
}

func (c *Connect) Encode() []byte {
	e := codec.NewEncoder()
	e.PutFixed(c.PublicKey[:])
	e.PutVar([]byte(c.ListenAddr))
	e.PutUint64(uint64(c.TimestampNS))
	return e.Bytes()
}

func DecodeConnect(buf []byte) (*Connect, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	c := &Connect{}
	pub, err := d.GetFixed(crypto.PublicKeySize)
	if err != nil {
		return nil, err
	}
	copy(c.PublicKey[:], pub)
	addr, err := d.GetVar()
	if err != nil {
		return nil, err
	}
	c.ListenAddr = string(addr)
	ts, err := d.GetUint64()
	if err != nil {
		return nil, err
	}
	c.TimestampNS = int64(ts)
	return c, nil
}

// TransactionsRequest asks a peer for the raw bytes of the named
// transactions, used when a proposal references hashes this node has
// not seen (spec §4.5 "request missing ones").
type TransactionsRequest struct {
	Hashes []crypto.Hash
}

func (r *TransactionsRequest) Encode() []byte {
	e := codec.NewEncoder()
	var tail []byte
	for _, h := range r.Hashes {
		tail = append(tail, h[:]...)
	}
	e.PutVar(tail)
	return e.Bytes()
}

func DecodeTransactionsRequest(buf []byte) (*TransactionsRequest, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	tail, err := d.GetVar()
	if err != nil {
		return nil, err
	}
	if len(tail)%crypto.HashSize != 0 {
		return nil, errMalformed
	}
	r := &TransactionsRequest{}
	for i := 0; i < len(tail); i += crypto.HashSize {
		h, err := crypto.HashFromBytes(tail[i : i+crypto.HashSize])
		if err != nil {
			return nil, err
		}
		r.Hashes = append(r.Hashes, h)
	}
	return r, nil
}

// BlockRequest asks a peer to serve the block at height (and its
// precommits and transactions), used by pkg/requester to catch up.
type BlockRequest struct {
	Height uint64
}

func (r *BlockRequest) Encode() []byte {
	e := codec.NewEncoder()
	e.PutUint64(r.Height)
	return e.Bytes()
}

func DecodeBlockRequest(buf []byte) (*BlockRequest, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	h, err := d.GetUint64()
	if err != nil {
		return nil, err
	}
	return &BlockRequest{Height: h}, nil
}

// ProposeRequest asks a peer to relay the signed Propose envelope it holds
// for (height, round, proposal_hash), used when a prevote supermajority
// is reached on a proposal this node never received (spec §4.5, §6).
type ProposeRequest struct {
	Height       uint64
	Round        uint32
	ProposalHash crypto.Hash
}

func (r *ProposeRequest) Encode() []byte {
	e := codec.NewEncoder()
	e.PutUint64(r.Height)
	e.PutUint32(r.Round)
	e.PutFixed(r.ProposalHash[:])
	return e.Bytes()
}

func DecodeProposeRequest(buf []byte) (*ProposeRequest, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	r := &ProposeRequest{}
	if r.Height, err = d.GetUint64(); err != nil {
		return nil, err
	}
	if r.Round, err = d.GetUint32(); err != nil {
		return nil, err
	}
	ph, err := d.GetFixed(crypto.HashSize)
	if err != nil {
		return nil, err
	}
	if r.ProposalHash, err = crypto.HashFromBytes(ph); err != nil {
		return nil, err
	}
	return r, nil
}

// PrevotesRequest asks a peer for the prevotes it holds for (height,
// round, proposal_hash), the companion to ProposeRequest for a validator
// catching up on a supermajority it was not part of.
type PrevotesRequest struct {
	Height       uint64
	Round        uint32
	ProposalHash crypto.Hash
}

func (r *PrevotesRequest) Encode() []byte {
	e := codec.NewEncoder()
	e.PutUint64(r.Height)
	e.PutUint32(r.Round)
	e.PutFixed(r.ProposalHash[:])
	return e.Bytes()
}

func DecodePrevotesRequest(buf []byte) (*PrevotesRequest, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	r := &PrevotesRequest{}
	if r.Height, err = d.GetUint64(); err != nil {
		return nil, err
	}
	if r.Round, err = d.GetUint32(); err != nil {
		return nil, err
	}
	ph, err := d.GetFixed(crypto.HashSize)
	if err != nil {
		return nil, err
	}
	if r.ProposalHash, err = crypto.HashFromBytes(ph); err != nil {
		return nil, err
	}
	return r, nil
}

// PrevotesResponse carries every prevote a peer held for the request's
// (height, round, proposal_hash), each re-encoded with its own embedded
// signature so the requester can verify them exactly as if they had
// arrived individually.
type PrevotesResponse struct {
	Prevotes [][]byte
}

func (r *PrevotesResponse) Encode() []byte {
	e := codec.NewEncoder()
	e.PutUint32(uint32(len(r.Prevotes)))
	for _, v := range r.Prevotes {
		e.PutVar(v)
	}
	return e.Bytes()
}

func DecodePrevotesResponse(buf []byte) (*PrevotesResponse, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	n, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	r := &PrevotesResponse{}
	for i := uint32(0); i < n; i++ {
		v, err := d.GetVar()
		if err != nil {
			return nil, err
		}
		r.Prevotes = append(r.Prevotes, v)
	}
	return r, nil
}

// PeersRequest asks a peer to share the addresses it knows about, for
// peer discovery beyond the statically configured bootstrap list.
type PeersRequest struct{}

func (r *PeersRequest) Encode() []byte { return nil }

// BlockResponse answers a BlockRequest with everything pkg/requester
// needs to validate and apply the block without a further round trip:
// the header, its certifying precommits, and the raw bytes of every
// transaction it referenced (spec §6 "Block{block_header, precommits[],
// transactions[]}").
type BlockResponse struct {
	Block        *schema.Block
	Precommits   []*schema.Precommit
	Transactions [][]byte
}

func (r *BlockResponse) Encode() []byte {
	e := codec.NewEncoder()
	e.PutVar(r.Block.Encode())
	e.PutUint32(uint32(len(r.Precommits)))
	for _, pc := range r.Precommits {
		e.PutVar(pc.Encode())
	}
	e.PutUint32(uint32(len(r.Transactions)))
	for _, tx := range r.Transactions {
		e.PutVar(tx)
	}
	return e.Bytes()
}

func DecodeBlockResponse(buf []byte) (*BlockResponse, error) {
	d, err := codec.NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	blockBytes, err := d.GetVar()
	if err != nil {
		return nil, err
	}
	block, err := schema.DecodeBlock(blockBytes)
	if err != nil {
		return nil, err
	}
	r := &BlockResponse{Block: block}

	npc, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < npc; i++ {
		pcBytes, err := d.GetVar()
		if err != nil {
			return nil, err
		}
		pc, err := schema.DecodePrecommit(pcBytes)
		if err != nil {
			return nil, err
		}
		r.Precommits = append(r.Precommits, pc)
	}

	ntx, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < ntx; i++ {
		tx, err := d.GetVar()
		if err != nil {
			return nil, err
		}
		r.Transactions = append(r.Transactions, tx)
	}
	return r, nil
}
