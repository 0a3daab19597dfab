// Copyright 2025 Exonum Core Contributors
//
// Schema wires the core's persisted-state layout (spec §6) onto the
// named indexes provided by pkg/storage: blocks, transactions,
// transaction_results, transactions_pool, precommits, configs,
// configs_actual_from, and the state_hash_aggregator.
//
// CONCURRENCY: a Schema built over a Fork is written only from the event
// dispatcher's single thread during block execution (spec §5). A Schema
// built over a Snapshot is read-only and safe to share with worker
// goroutines (API queries, catch-up responses).
package schema

import (
	"encoding/binary"
	"sort"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/storage"
	"github.com/exonumcore/exonum/pkg/storage/merkle"
)

// Schema is the typed view over one Access (Snapshot or Fork).
type Schema struct {
	access storage.Access

	blocks              *merkle.ProofList
	blockHashesByHeight *storage.Map
	transactions        *storage.Map
	transactionResults  *merkle.ProofMap
	transactionsPool    *storage.Set
	precommits          *storage.Map
	evidence            *storage.Map
	configs             *merkle.ProofMap
	configsActualFrom   *storage.List
	stateHashAggregator *merkle.ProofMap
}

// New builds a Schema over the given storage access. Each of its backing
// indexes checks out its name against access (a no-op for a read-only
// Snapshot); call Close once done with the Schema to release them.
func New(access storage.Access) (*Schema, error) {
	s := &Schema{access: access}
	var err error
	if s.blocks, err = merkle.NewProofList(access, "blocks"); err != nil {
		return nil, err
	}
	if s.blockHashesByHeight, err = storage.NewMap(access, "block_hashes_by_height"); err != nil {
		return nil, err
	}
	if s.transactions, err = storage.NewMap(access, "transactions"); err != nil {
		return nil, err
	}
	if s.transactionResults, err = merkle.NewProofMap(access, "transaction_results"); err != nil {
		return nil, err
	}
	if s.transactionsPool, err = storage.NewSet(access, "transactions_pool"); err != nil {
		return nil, err
	}
	if s.precommits, err = storage.NewMap(access, "precommits"); err != nil {
		return nil, err
	}
	if s.evidence, err = storage.NewMap(access, "evidence"); err != nil {
		return nil, err
	}
	if s.configs, err = merkle.NewProofMap(access, "configs"); err != nil {
		return nil, err
	}
	if s.configsActualFrom, err = storage.NewList(access, "configs_actual_from"); err != nil {
		return nil, err
	}
	if s.stateHashAggregator, err = merkle.NewProofMap(access, "state_hash_aggregator"); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases every backing index's Fork checkout. Safe to call on a
// Schema built over a Snapshot.
func (s *Schema) Close() {
	s.blocks.Close()
	s.blockHashesByHeight.Close()
	s.transactions.Close()
	s.transactionResults.Close()
	s.transactionsPool.Close()
	s.precommits.Close()
	s.evidence.Close()
	s.configs.Close()
	s.configsActualFrom.Close()
	s.stateHashAggregator.Close()
}

// Blocks returns the proof-bearing list of committed block headers.
func (s *Schema) Blocks() *merkle.ProofList { return s.blocks }

// TransactionResults returns the proof-bearing hash→status map.
func (s *Schema) TransactionResults() *merkle.ProofMap { return s.transactionResults }

// TransactionsPool returns the set of pending transaction hashes.
func (s *Schema) TransactionsPool() *storage.Set { return s.transactionsPool }

// StateHashAggregator returns the (service_id, table_index)→root_hash map
// whose object_hash is the block's state_hash.
func (s *Schema) StateHashAggregator() *merkle.ProofMap { return s.stateHashAggregator }

// Height returns the number of committed blocks.
func (s *Schema) Height() (uint64, error) { return s.blocks.Len() }

// BlockAt returns the committed block header at height.
func (s *Schema) BlockAt(height uint64) (*Block, error) {
	raw, err := s.blocks.Get(height)
	if err != nil {
		return nil, err
	}
	return DecodeBlock(raw)
}

// PutBlock appends block to the blocks list and indexes its hash.
func (s *Schema) PutBlock(block *Block) error {
	if _, err := s.blocks.Push(block.Encode()); err != nil {
		return err
	}
	return s.blockHashesByHeight.Put(heightKey(block.Height), block.Hash().Bytes())
}

// BlockHash returns the hash of the committed block at height.
func (s *Schema) BlockHash(height uint64) (crypto.Hash, error) {
	raw, err := s.blockHashesByHeight.Get(heightKey(height))
	if err != nil {
		return crypto.Hash{}, err
	}
	if raw == nil {
		return crypto.Hash{}, ErrBlockNotFound
	}
	return crypto.HashFromBytes(raw)
}

// PutTransaction stores a transaction's raw encoding by hash.
func (s *Schema) PutTransaction(hash crypto.Hash, raw []byte) error {
	return s.transactions.Put(hash.Bytes(), raw)
}

// Transaction fetches a transaction's raw encoding by hash.
func (s *Schema) Transaction(hash crypto.Hash) ([]byte, error) {
	return s.transactions.Get(hash.Bytes())
}

// PutTransactionResult records the execution outcome for a transaction at
// its position in the block.
func (s *Schema) PutTransactionResult(hash crypto.Hash, status *TxStatus) error {
	return s.transactionResults.Put(hash.Bytes(), status.Encode())
}

// TransactionResult fetches the recorded outcome for hash.
func (s *Schema) TransactionResult(hash crypto.Hash) (*TxStatus, error) {
	raw, err := s.transactionResults.Get(hash.Bytes())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return DecodeTxStatus(raw)
}

// PutPrecommits stores the quorum of precommits that certify the block at
// height.
func (s *Schema) PutPrecommits(height uint64, precommits []*Precommit) error {
	e := encodePrecommits(precommits)
	return s.precommits.Put(heightKey(height), e)
}

// Precommits returns the certifying precommit set for height.
func (s *Schema) Precommits(height uint64) ([]*Precommit, error) {
	raw, err := s.precommits.Get(heightKey(height))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrPrecommitNotFound
	}
	return decodePrecommits(raw)
}

// Evidence is a single leader's double-proposal caught at consensus time:
// two distinct proposals signed for the same (height, round). Persisted
// alongside the precommits that certified the block where it was
// witnessed, so an auditor or light client can retrieve why a validator
// was at fault, not just that it was.
type Evidence struct {
	ValidatorID uint16
	Height      uint64
	Round       uint32
	FirstHash   crypto.Hash
	SecondHash  crypto.Hash
}

func (e *Evidence) encode() []byte {
	var b [2 + 8 + 4 + 32 + 32]byte
	binary.BigEndian.PutUint16(b[0:2], e.ValidatorID)
	binary.BigEndian.PutUint64(b[2:10], e.Height)
	binary.BigEndian.PutUint32(b[10:14], e.Round)
	copy(b[14:46], e.FirstHash[:])
	copy(b[46:78], e.SecondHash[:])
	return b[:]
}

func decodeEvidence(buf []byte) (*Evidence, error) {
	if len(buf) != 2+8+4+32+32 {
		return nil, ErrDecode
	}
	e := &Evidence{
		ValidatorID: binary.BigEndian.Uint16(buf[0:2]),
		Height:      binary.BigEndian.Uint64(buf[2:10]),
		Round:       binary.BigEndian.Uint32(buf[10:14]),
	}
	var err error
	if e.FirstHash, err = crypto.HashFromBytes(buf[14:46]); err != nil {
		return nil, err
	}
	if e.SecondHash, err = crypto.HashFromBytes(buf[46:78]); err != nil {
		return nil, err
	}
	return e, nil
}

// PutEvidence records every equivocation witnessed while committing
// height, a no-op if items is empty.
func (s *Schema) PutEvidence(height uint64, items []Evidence) error {
	if len(items) == 0 {
		return nil
	}
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(items)))
	out := append([]byte{}, count[:]...)
	for i := range items {
		out = append(out, items[i].encode()...)
	}
	return s.evidence.Put(heightKey(height), out)
}

// EvidenceAt returns the equivocations witnessed while committing height,
// or nil if none were recorded.
func (s *Schema) EvidenceAt(height uint64) ([]Evidence, error) {
	raw, err := s.evidence.Get(heightKey(height))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	if len(raw) < 4 {
		return nil, ErrDecode
	}
	count := binary.BigEndian.Uint32(raw[:4])
	raw = raw[4:]
	const entryLen = 2 + 8 + 4 + 32 + 32
	out := make([]Evidence, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(raw) < entryLen {
			return nil, ErrDecode
		}
		e, err := decodeEvidence(raw[:entryLen])
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
		raw = raw[entryLen:]
	}
	return out, nil
}

// PutConfig persists a committed configuration and records the height
// from which it becomes active, preserving prior configs for
// ActiveConfigAt lookups against historical heights.
func (s *Schema) PutConfig(cfg *Configuration) error {
	h := cfg.Hash()
	if err := s.configs.Put(h.Bytes(), cfg.Encode()); err != nil {
		return err
	}
	var rec [40]byte
	binary.BigEndian.PutUint64(rec[:8], cfg.ActualFrom)
	copy(rec[8:], h[:])
	_, err := s.configsActualFrom.Push(rec[:])
	return err
}

// ActiveConfigAt returns the configuration in force at height: the
// config with the largest actual_from <= height.
func (s *Schema) ActiveConfigAt(height uint64) (*Configuration, error) {
	n, err := s.configsActualFrom.Len()
	if err != nil {
		return nil, err
	}
	var best crypto.Hash
	var bestFrom uint64
	found := false
	for i := uint64(0); i < n; i++ {
		rec, err := s.configsActualFrom.Get(i)
		if err != nil {
			return nil, err
		}
		from := binary.BigEndian.Uint64(rec[:8])
		if from > height {
			continue
		}
		if !found || from >= bestFrom {
			found = true
			bestFrom = from
			copy(best[:], rec[8:])
		}
	}
	if !found {
		return nil, ErrConfigNotFound
	}
	raw, err := s.configs.Get(best.Bytes())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrConfigNotFound
	}
	return DecodeConfiguration(raw)
}

// ConfigHistoryEntry is one committed (actual_from height, cfg_hash) pair.
type ConfigHistoryEntry struct {
	ActualFrom uint64
	CfgHash    crypto.Hash
}

// ConfigHistory lists every configuration ever committed, oldest first.
func (s *Schema) ConfigHistory() ([]ConfigHistoryEntry, error) {
	n, err := s.configsActualFrom.Len()
	if err != nil {
		return nil, err
	}
	out := make([]ConfigHistoryEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		rec, err := s.configsActualFrom.Get(i)
		if err != nil {
			return nil, err
		}
		var e ConfigHistoryEntry
		e.ActualFrom = binary.BigEndian.Uint64(rec[:8])
		copy(e.CfgHash[:], rec[8:])
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActualFrom < out[j].ActualFrom })
	return out, nil
}

func heightKey(h uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h)
	return b[:]
}

func encodePrecommits(precommits []*Precommit) []byte {
	var out []byte
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(precommits)))
	out = append(out, count[:]...)
	for _, p := range precommits {
		enc := p.Encode()
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(enc)))
		out = append(out, l[:]...)
		out = append(out, enc...)
	}
	return out
}

func decodePrecommits(buf []byte) ([]*Precommit, error) {
	if len(buf) < 4 {
		return nil, ErrDecode
	}
	count := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	out := make([]*Precommit, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 4 {
			return nil, ErrDecode
		}
		l := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint64(len(buf)) < uint64(l) {
			return nil, ErrDecode
		}
		p, err := DecodePrecommit(buf[:l])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
		buf = buf[l:]
	}
	return out, nil
}
