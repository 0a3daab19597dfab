// Copyright 2025 Exonum Core Contributors
//
// Package storage implements MerkleDB: the authenticated, versioned
// key-value layer described in the spec's "Authenticated storage"
// component. A Database opens immutable Snapshots and mutable Forks; a
// Fork accumulates writes into an overlay and, once execution completes,
// is turned into a Patch that the Database merges atomically.
//
// Adapted from pkg/kvdb/adapter.go, which wraps a cometbft-db dbm.DB
// behind a narrow KV interface for the same reason: the node never talks
// to the underlying storage engine directly, only through this package.
package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"

	dbm "github.com/cometbft/cometbft-db"
)

// ErrReadOnlyView is returned when a write is attempted against a
// Snapshot-backed Access.
var ErrReadOnlyView = errors.New("storage: view is read-only")

// ErrIndexBusy is returned when a Fork is asked to check out an index
// name that is already checked out and not yet released.
var ErrIndexBusy = errors.New("storage: index already open in this fork")

// ErrStorage wraps unexpected underlying I/O failures. Per the spec's
// error-handling design, these are fatal to the operation in progress;
// callers at the dispatcher level should treat them as unrecoverable.
var ErrStorage = errors.New("storage: underlying I/O failure")

// Access is the narrow interface Map/List/Set/ProofList/ProofMap indexes
// are built on. A Snapshot implements it read-only (Put/Delete always
// fail); a Fork implements it read-write.
type Access interface {
	Get(key []byte) ([]byte, error)
	Iterate(prefix []byte, fn func(key, value []byte) bool) error
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Database owns the single underlying KV engine. Per the concurrency
// model, only the event dispatcher opens Forks; Snapshots may be handed
// to read-only worker goroutines and outlive a single handler call.
type Database struct {
	db dbm.DB
}

// Open wraps an already-constructed cometbft-db backend (MemDB, GoLevelDB,
// BoltDB, ...) as a Database.
func Open(db dbm.DB) *Database {
	return &Database{db: db}
}

// Snapshot returns an immutable read view of the store. Multiple
// concurrent snapshots may coexist.
func (d *Database) Snapshot() *Snapshot {
	return &Snapshot{db: d.db}
}

// Fork returns a mutable view layered on a fresh snapshot.
func (d *Database) Fork() *Fork {
	return &Fork{
		snapshot: d.Snapshot(),
		overlay:  make(map[string]change),
		busy:     make(map[string]bool),
	}
}

// Merge applies a Patch atomically. On failure the store is left
// unchanged, since the underlying batch write is itself atomic.
func (d *Database) Merge(p *Patch) error {
	if p == nil || len(p.changes) == 0 {
		return nil
	}
	batch := d.db.NewBatch()
	defer batch.Close()

	keys := make([]string, 0, len(p.changes))
	for k := range p.changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		c := p.changes[k]
		var err error
		if c.deleted {
			err = batch.Delete([]byte(k))
		} else {
			err = batch.Set([]byte(k), c.value)
		}
		if err != nil {
			return errors.Join(ErrStorage, err)
		}
	}
	if err := batch.WriteSync(); err != nil {
		return errors.Join(ErrStorage, err)
	}
	return nil
}

// Close releases the underlying storage engine.
func (d *Database) Close() error {
	return d.db.Close()
}

// Snapshot is an immutable read view of storage at a block boundary.
type Snapshot struct {
	db dbm.DB
}

func (s *Snapshot) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key)
	if err != nil {
		return nil, errors.Join(ErrStorage, err)
	}
	return v, nil
}

func (s *Snapshot) Has(key []byte) (bool, error) {
	ok, err := s.db.Has(key)
	if err != nil {
		return false, errors.Join(ErrStorage, err)
	}
	return ok, nil
}

// Iterate walks every key with the given prefix in byte order, invoking
// fn(key, value) until it returns false.
func (s *Snapshot) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	end := prefixUpperBound(prefix)
	it, err := s.db.Iterator(prefix, end)
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if !fn(k, v) {
			break
		}
	}
	return it.Error()
}

func (s *Snapshot) Put(key, value []byte) error { return ErrReadOnlyView }
func (s *Snapshot) Delete(key []byte) error      { return ErrReadOnlyView }

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, or nil if the prefix is all 0xff bytes (meaning
// "iterate to the end").
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// change records a pending write or deletion in a Fork's overlay.
type change struct {
	value        []byte
	deleted      bool
	fromSnapshot bool // checkpoint bookkeeping: key was untouched before this checkpoint
}

// Fork is a mutable, layered overlay over a Snapshot. Writes accumulate
// in memory until IntoPatch consumes the Fork. Nested Checkpoint/Commit/
// Rollback pairs let the block executor undo exactly the writes made by
// a single failing transaction without discarding the rest of the block.
type Fork struct {
	snapshot *Snapshot
	overlay  map[string]change

	mu          sync.Mutex
	busy        map[string]bool
	checkpoints []map[string]change
}

func (f *Fork) Get(key []byte) ([]byte, error) {
	if c, ok := f.overlay[string(key)]; ok {
		if c.deleted {
			return nil, nil
		}
		return c.value, nil
	}
	return f.snapshot.Get(key)
}

func (f *Fork) Put(key, value []byte) error {
	f.recordPrior(key)
	f.overlay[string(key)] = change{value: append([]byte(nil), value...)}
	return nil
}

func (f *Fork) Delete(key []byte) error {
	f.recordPrior(key)
	f.overlay[string(key)] = change{deleted: true}
	return nil
}

// recordPrior saves the pre-checkpoint state of key the first time it is
// touched since the current checkpoint was opened.
func (f *Fork) recordPrior(key []byte) {
	if len(f.checkpoints) == 0 {
		return
	}
	top := f.checkpoints[len(f.checkpoints)-1]
	k := string(key)
	if _, already := top[k]; already {
		return
	}
	if prior, ok := f.overlay[k]; ok {
		top[k] = prior
	} else {
		top[k] = change{fromSnapshot: true}
	}
}

// Checkpoint opens a new nested rollback point.
func (f *Fork) Checkpoint() {
	f.checkpoints = append(f.checkpoints, make(map[string]change))
}

// Commit discards the current checkpoint, folding its writes permanently
// into the Fork (or into the parent checkpoint, if nested).
func (f *Fork) Commit() {
	n := len(f.checkpoints)
	if n == 0 {
		return
	}
	if n == 1 {
		f.checkpoints = f.checkpoints[:0]
		return
	}
	top := f.checkpoints[n-1]
	parent := f.checkpoints[n-2]
	for k, v := range top {
		if _, ok := parent[k]; !ok {
			parent[k] = v
		}
	}
	f.checkpoints = f.checkpoints[:n-1]
}

// Rollback undoes every write made since the matching Checkpoint call.
func (f *Fork) Rollback() {
	n := len(f.checkpoints)
	if n == 0 {
		return
	}
	top := f.checkpoints[n-1]
	for k, prior := range top {
		if prior.fromSnapshot {
			delete(f.overlay, k)
		} else {
			f.overlay[k] = prior
		}
	}
	f.checkpoints = f.checkpoints[:n-1]
}

// Iterate walks overlay and snapshot keys with the given prefix in
// merged byte order, never relying on map iteration order.
func (f *Fork) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	type kv struct {
		k string
		v []byte
	}
	seen := make(map[string]bool, len(f.overlay))
	items := make([]kv, 0, len(f.overlay))

	p := string(prefix)
	for k, c := range f.overlay {
		if !strings.HasPrefix(k, p) {
			continue
		}
		seen[k] = true
		if !c.deleted {
			items = append(items, kv{k, c.value})
		}
	}
	if err := f.snapshot.Iterate(prefix, func(k, v []byte) bool {
		ks := string(k)
		if seen[ks] {
			return true
		}
		items = append(items, kv{ks, v})
		return true
	}); err != nil {
		return err
	}

	sort.Slice(items, func(i, j int) bool { return items[i].k < items[j].k })
	for _, it := range items {
		if !fn([]byte(it.k), it.v) {
			break
		}
	}
	return nil
}

// checkout marks name as exclusively held by this Fork, failing with
// ErrIndexBusy if it is already checked out.
func (f *Fork) checkout(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[name] {
		return ErrIndexBusy
	}
	f.busy[name] = true
	return nil
}

func (f *Fork) release(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.busy, name)
}

// Acquire checks out name against access's Fork, enforcing the IndexBusy
// contract that two index handles may never simultaneously write the same
// named table within one Fork. A Snapshot has no such restriction, since
// it never accepts writes, so Acquire is a no-op release in that case.
// Every Map/List/Set/ProofList/ProofMap constructor calls this; the
// returned release must run (via the index's Close) once the caller is
// done with it.
func Acquire(access Access, name string) (release func(), err error) {
	f, ok := access.(*Fork)
	if !ok {
		return func() {}, nil
	}
	if err := f.checkout(name); err != nil {
		return nil, err
	}
	return func() { f.release(name) }, nil
}

// IntoPatch consumes the Fork, producing an atomic write batch. The Fork
// must not be used after this call.
func (f *Fork) IntoPatch() *Patch {
	changes := make(map[string]change, len(f.overlay))
	for k, v := range f.overlay {
		changes[k] = v
	}
	return &Patch{changes: changes}
}

// Patch is an atomic batch of writes produced from a Fork.
type Patch struct {
	changes map[string]change
}

// Len reports the number of distinct keys touched by the patch.
func (p *Patch) Len() int { return len(p.changes) }
