// Copyright 2025 Exonum Core Contributors
//
// Package execution implements block assembly: create_patch (spec §4.4),
// the pure function of (prev_state, T, current_configuration) that turns
// an ordered list of transactions into a Patch plus a block
// header. Services are registered in a Dispatcher keyed by service_id,
// replacing dynamic dispatch / trait objects with a capability table per
// the spec's redesign note (§7): execute_tx, after_commit, and
// state_hash_contribution are looked up by id, not resolved through an
// interface hierarchy.
//
// Adapted from pkg/consensus/abci_validator.go's CheckTx/FinalizeBlock/
// Commit sequencing (validate, apply per-tx, finalize, compute app hash)
// translated from ABCI's verbs onto the spec's create_patch verbs.
package execution

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/schema"
	"github.com/exonumcore/exonum/pkg/storage"
	"github.com/exonumcore/exonum/pkg/storage/merkle"
)

// ErrUnknownService is returned when a transaction names a service_id not
// present in the active configuration's capability table.
var ErrUnknownService = errors.New("execution: unknown service_id")

// Service is the capability set a registered service exposes to the
// dispatcher (spec §7 "replace trait objects with a Dispatcher that maps
// service_id to a registered executor capability set").
type Service interface {
	// ServiceID identifies the service in Configuration.Services and in
	// every Transaction's ServiceID field.
	ServiceID() uint16
	// ExecuteTx applies tx's effects within fork. A returned error marks
	// the transaction as failed; its partial state changes are rolled
	// back by the caller via a sub-checkpoint, not by ExecuteTx itself.
	ExecuteTx(fork *storage.Fork, tx *schema.Transaction) error
	// AfterCommit runs once per block, after every transaction has been
	// applied, within the same fork. Side effects accumulate.
	AfterCommit(fork *storage.Fork)
	// StateHashContribution returns this service's proof-bearing table
	// indexes and their current object_hash, for aggregation into the
	// block's state_hash.
	StateHashContribution(fork *storage.Fork) (map[uint32]crypto.Hash, error)
}

// Dispatcher holds the registered services, keyed by service_id.
type Dispatcher struct {
	services map[uint16]Service
	log      *logrus.Entry
}

// NewDispatcher builds an empty Dispatcher.
func NewDispatcher(log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{services: make(map[uint16]Service), log: log.WithField("component", "dispatcher")}
}

// Register adds svc to the capability table. Registering the same
// service_id twice replaces the prior registration.
func (d *Dispatcher) Register(svc Service) {
	d.services[svc.ServiceID()] = svc
}

// Lookup returns the service registered for id, if any.
func (d *Dispatcher) Lookup(id uint16) (Service, bool) {
	svc, ok := d.services[id]
	return svc, ok
}

// sortedIDs returns the registered service ids in ascending order, so
// that after_commit invocation and state_hash aggregation are
// deterministic across nodes (spec §4.4's non-determinism prohibition).
func (d *Dispatcher) sortedIDs() []uint16 {
	ids := make([]uint16, 0, len(d.services))
	for id := range d.services {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Result is the outcome of executing one block's transaction list.
type Result struct {
	Block    *schema.Block
	Patch    *storage.Patch
	Statuses []*schema.TxStatus
}

// CreatePatch implements spec §4.4: obtain a Fork from the latest
// snapshot, dispatch every transaction in order with per-transaction
// sub-checkpoint rollback on error, run every service's after_commit
// hook, aggregate state_hash, and construct the block header. It is a
// pure function of (db's latest snapshot, txs, cfg, height, prevHash,
// proposerID) — no wall-clock reads, no unordered-container iteration.
func (d *Dispatcher) CreatePatch(
	db *storage.Database,
	cfg *schema.Configuration,
	height uint64,
	prevHash crypto.Hash,
	proposerID uint16,
	txs []*schema.Transaction,
) (*Result, error) {
	fork := db.Fork()
	s, err := schema.New(fork)
	if err != nil {
		return nil, fmt.Errorf("execution: open schema: %w", err)
	}
	defer s.Close()

	statuses := make([]*schema.TxStatus, len(txs))
	txHashes := make([]crypto.Hash, len(txs))

	for i, tx := range txs {
		hash := tx.Hash()
		txHashes[i] = hash

		fork.Checkpoint()
		status := d.applyOne(fork, cfg, tx)
		if status.Success {
			fork.Commit()
		} else {
			fork.Rollback()
		}
		statuses[i] = status

		if err := s.PutTransaction(hash, tx.Encode()); err != nil {
			return nil, fmt.Errorf("execution: put transaction: %w", err)
		}
		if err := s.PutTransactionResult(hash, status); err != nil {
			return nil, fmt.Errorf("execution: put transaction result: %w", err)
		}
	}

	for _, id := range d.sortedIDs() {
		d.services[id].AfterCommit(fork)
	}

	stateHash, err := d.aggregateStateHash(fork, s)
	if err != nil {
		return nil, fmt.Errorf("execution: aggregate state hash: %w", err)
	}

	txHash, err := blockTxHash(fork, height, txHashes)
	if err != nil {
		return nil, fmt.Errorf("execution: block tx hash: %w", err)
	}

	block := &schema.Block{
		Height:     height,
		PrevHash:   prevHash,
		TxHash:     txHash,
		StateHash:  stateHash,
		ProposerID: proposerID,
		TxCount:    uint32(len(txs)),
	}
	if err := s.PutBlock(block); err != nil {
		return nil, fmt.Errorf("execution: put block: %w", err)
	}

	return &Result{Block: block, Patch: fork.IntoPatch(), Statuses: statuses}, nil
}

// applyOne dispatches a single transaction to its owning service,
// producing the recorded status. Unknown service_ids and execution
// errors are both non-fatal to the block: they are recorded as a failed
// status rather than propagated.
func (d *Dispatcher) applyOne(fork *storage.Fork, cfg *schema.Configuration, tx *schema.Transaction) *schema.TxStatus {
	if _, active := cfg.Services[tx.ServiceID]; !active {
		return &schema.TxStatus{Success: false, Code: 1, Message: ErrUnknownService.Error()}
	}
	svc, ok := d.Lookup(tx.ServiceID)
	if !ok {
		return &schema.TxStatus{Success: false, Code: 1, Message: ErrUnknownService.Error()}
	}
	if err := svc.ExecuteTx(fork, tx); err != nil {
		return &schema.TxStatus{Success: false, Code: 2, Message: err.Error()}
	}
	return &schema.TxStatus{Success: true, Code: 0}
}

// aggregateStateHash builds the (service_id, table_index) → object_hash
// ProofMap described in spec §4.2 "State aggregation" and returns its
// object_hash as the block's state_hash.
func (d *Dispatcher) aggregateStateHash(fork *storage.Fork, s *schema.Schema) (crypto.Hash, error) {
	agg := s.StateHashAggregator()
	for _, id := range d.sortedIDs() {
		contrib, err := d.services[id].StateHashContribution(fork)
		if err != nil {
			return crypto.Hash{}, err
		}
		tables := make([]uint32, 0, len(contrib))
		for t := range contrib {
			tables = append(tables, t)
		}
		sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
		for _, table := range tables {
			key := aggregatorKey(id, table)
			h := contrib[table]
			if err := agg.Put(key, h.Bytes()); err != nil {
				return crypto.Hash{}, err
			}
		}
	}
	return agg.ObjectHash()
}

func aggregatorKey(serviceID uint16, tableIndex uint32) []byte {
	key := make([]byte, 6)
	key[0] = byte(serviceID >> 8)
	key[1] = byte(serviceID)
	key[2] = byte(tableIndex >> 24)
	key[3] = byte(tableIndex >> 16)
	key[4] = byte(tableIndex >> 8)
	key[5] = byte(tableIndex)
	return key
}

// blockTxHash commits the block's transaction hashes, in order, to a
// per-height ProofList and returns its object_hash, giving clients a
// Merkle proof of a transaction's inclusion in a specific block (spec §6
// "prove a transaction's inclusion in a committed block").
func blockTxHash(fork *storage.Fork, height uint64, txHashes []crypto.Hash) (crypto.Hash, error) {
	list, err := merkle.NewProofList(fork, fmt.Sprintf("block_txs_%d", height))
	if err != nil {
		return crypto.Hash{}, err
	}
	defer list.Close()
	for _, h := range txHashes {
		if _, err := list.Push(h.Bytes()); err != nil {
			return crypto.Hash{}, err
		}
	}
	return list.ObjectHash()
}
