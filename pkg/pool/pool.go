// Copyright 2025 Exonum Core Contributors
//
// Package pool implements the transaction pool (spec §4.3): a
// deduplicated, bounded pending set keyed by transaction hash, gossiped
// to peers on insertion and drained as blocks commit.
//
// Adapted from BigBossBooling's mempool.go (hex-keyed map guarded by a
// single mutex, ErrTxExists sentinel) and the teacher's
// pkg/batch/collector.go accumulation idiom, generalized from anchor
// batches to arbitrary signed transactions.
package pool

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/schema"
)

var (
	// ErrTxExists is returned when a transaction with the same hash is
	// already pending.
	ErrTxExists = errors.New("pool: transaction already pending")
	// ErrPoolFull is returned when the pool is at capacity and cannot
	// admit another transaction.
	ErrPoolFull = errors.New("pool: at capacity")
	// ErrInvalidSignature is returned when a submitted transaction's
	// signature does not verify.
	ErrInvalidSignature = errors.New("pool: invalid signature")
)

// Broadcaster gossips a newly admitted transaction to peers. The P2P
// layer implements this; tests may supply a no-op.
type Broadcaster interface {
	BroadcastTransaction(tx *schema.Transaction)
}

// Pool holds pending transactions, deduplicated by hash, until they are
// included in a committed block.
type Pool struct {
	mu       sync.RWMutex
	pending  map[crypto.Hash]*schema.Transaction
	order    []crypto.Hash // admission order, preserved across eviction
	capacity int
	log      *logrus.Entry
	bcast    Broadcaster
}

// New creates a Pool bounded to capacity pending transactions. A capacity
// of 0 means unbounded.
func New(capacity int, bcast Broadcaster, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		pending:  make(map[crypto.Hash]*schema.Transaction),
		capacity: capacity,
		log:      log.WithField("component", "pool"),
		bcast:    bcast,
	}
}

// pubKeyLookup resolves a (service_id, message_id) pair's signer key, so
// the pool can verify a transaction's signature before admitting it.
// Services outside the pool's knowledge are validated again by the
// execution dispatcher; the pool only needs to keep spam out.
type pubKeyLookup func(tx *schema.Transaction) (crypto.PublicKey, bool)

// Submit verifies, deduplicates, and admits tx, then gossips it. lookup
// resolves the verification key for tx; if it returns ok=false the
// signature check is skipped and left to the execution layer (used for
// services whose key material lives outside the pool, e.g. anonymous
// submission endpoints).
func (p *Pool) Submit(tx *schema.Transaction, lookup pubKeyLookup) (crypto.Hash, error) {
	hash := tx.Hash()

	if lookup != nil {
		if pub, ok := lookup(tx); ok && !tx.Verify(pub) {
			return hash, ErrInvalidSignature
		}
	}

	p.mu.Lock()
	if _, exists := p.pending[hash]; exists {
		p.mu.Unlock()
		return hash, ErrTxExists
	}
	if p.capacity > 0 && len(p.pending) >= p.capacity {
		p.mu.Unlock()
		return hash, ErrPoolFull
	}
	p.pending[hash] = tx
	p.order = append(p.order, hash)
	p.mu.Unlock()

	p.log.WithField("tx_hash", hash.String()).Debug("admitted transaction")
	if p.bcast != nil {
		p.bcast.BroadcastTransaction(tx)
	}
	return hash, nil
}

// Has reports whether hash is currently pending.
func (p *Pool) Has(hash crypto.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.pending[hash]
	return ok
}

// Get returns the pending transaction for hash, if any.
func (p *Pool) Get(hash crypto.Hash) (*schema.Transaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tx, ok := p.pending[hash]
	return tx, ok
}

// Len reports the number of pending transactions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// Propose returns up to limit pending transaction hashes, in admission
// order, for a leader assembling a proposal. A limit of 0 means
// unbounded.
func (p *Pool) Propose(limit int) []crypto.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := len(p.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]crypto.Hash, 0, n)
	for _, h := range p.order {
		if _, ok := p.pending[h]; !ok {
			continue // already committed and removed
		}
		out = append(out, h)
		if len(out) == n {
			break
		}
	}
	return out
}

// Commit removes every hash in committed from the pool — called once
// their block has been persisted. Hashes not present are ignored, since
// a transaction may have been evicted before inclusion.
func (p *Pool) Commit(committed []crypto.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range committed {
		delete(p.pending, h)
	}
	p.compactLocked()
}

// compactLocked drops evicted/committed hashes from the order slice. It
// must be called with mu held.
func (p *Pool) compactLocked() {
	if len(p.order) < 2*len(p.pending)+16 {
		return // amortize: only rebuild once garbage dominates
	}
	fresh := make([]crypto.Hash, 0, len(p.pending))
	for _, h := range p.order {
		if _, ok := p.pending[h]; ok {
			fresh = append(fresh, h)
		}
	}
	p.order = fresh
}
