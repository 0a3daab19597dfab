// Copyright 2025 Exonum Core Contributors

package storage

import (
	"encoding/binary"
	"errors"
)

// ErrIndexNotFound signals a List.Get past the end of the list. A Map key
// with no entry is not an error: Map.Get returns a nil value for it.
var ErrIndexNotFound = errors.New("storage: index entry not found")

func namePrefix(kind byte, name string) []byte {
	p := make([]byte, 0, len(name)+2)
	p = append(p, kind, ':')
	p = append(p, name...)
	p = append(p, ':')
	return p
}

const (
	kindMap  byte = 'm'
	kindList byte = 'l'
	kindSet  byte = 's'
)

// Map is a flat key-value index scoped under its own name, so that many
// maps can share one Database without colliding.
type Map struct {
	access  Access
	prefix  []byte
	release func()
}

// NewMap opens a Map index backed by access. When access is a Fork, the
// name is checked out for exclusive use until Close is called, failing
// with ErrIndexBusy if another live Map/List/Set already holds it.
func NewMap(access Access, name string) (*Map, error) {
	prefix := namePrefix(kindMap, name)
	release, err := Acquire(access, string(prefix))
	if err != nil {
		return nil, err
	}
	return &Map{access: access, prefix: prefix, release: release}, nil
}

// Close releases the Fork checkout acquired by NewMap. Safe to call on a
// Map opened over a Snapshot.
func (m *Map) Close() { m.release() }

func (m *Map) key(k []byte) []byte {
	return append(append([]byte(nil), m.prefix...), k...)
}

func (m *Map) Get(k []byte) ([]byte, error) {
	return m.access.Get(m.key(k))
}

func (m *Map) Put(k, v []byte) error {
	return m.access.Put(m.key(k), v)
}

func (m *Map) Delete(k []byte) error {
	return m.access.Delete(m.key(k))
}

// Iterate walks every entry in key order.
func (m *Map) Iterate(fn func(key, value []byte) bool) error {
	plen := len(m.prefix)
	return m.access.Iterate(m.prefix, func(k, v []byte) bool {
		return fn(k[plen:], v)
	})
}

// List is an append-only sequence index. Elements are addressed by a
// dense zero-based index and a persisted length counter.
type List struct {
	access  Access
	prefix  []byte
	release func()
}

// NewList opens a List index backed by access, subject to the same
// IndexBusy checkout as NewMap.
func NewList(access Access, name string) (*List, error) {
	prefix := namePrefix(kindList, name)
	release, err := Acquire(access, string(prefix))
	if err != nil {
		return nil, err
	}
	return &List{access: access, prefix: prefix, release: release}, nil
}

// Close releases the Fork checkout acquired by NewList.
func (l *List) Close() { l.release() }

func (l *List) lenKey() []byte { return append(append([]byte(nil), l.prefix...), "len"...) }

func (l *List) elemKey(i uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i)
	return append(append([]byte(nil), l.prefix...), append([]byte("e:"), b[:]...)...)
}

// Len returns the number of elements pushed so far.
func (l *List) Len() (uint64, error) {
	v, err := l.access.Get(l.lenKey())
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

// Get returns the element at index i, or ErrIndexNotFound if i is past
// the current length.
func (l *List) Get(i uint64) ([]byte, error) {
	n, err := l.Len()
	if err != nil {
		return nil, err
	}
	if i >= n {
		return nil, ErrIndexNotFound
	}
	return l.access.Get(l.elemKey(i))
}

// Push appends v, returning its new index.
func (l *List) Push(v []byte) (uint64, error) {
	n, err := l.Len()
	if err != nil {
		return 0, err
	}
	if err := l.access.Put(l.elemKey(n), v); err != nil {
		return 0, err
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n+1)
	if err := l.access.Put(l.lenKey(), b[:]); err != nil {
		return 0, err
	}
	return n, nil
}

// All materializes the full element slice, in index order.
func (l *List) All() ([][]byte, error) {
	n, err := l.Len()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := l.Get(i)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Set is a key-presence index: it stores no payload, only membership.
type Set struct {
	access  Access
	prefix  []byte
	release func()
}

// NewSet opens a Set index backed by access, subject to the same
// IndexBusy checkout as NewMap.
func NewSet(access Access, name string) (*Set, error) {
	prefix := namePrefix(kindSet, name)
	release, err := Acquire(access, string(prefix))
	if err != nil {
		return nil, err
	}
	return &Set{access: access, prefix: prefix, release: release}, nil
}

// Close releases the Fork checkout acquired by NewSet.
func (s *Set) Close() { s.release() }

func (s *Set) key(k []byte) []byte {
	return append(append([]byte(nil), s.prefix...), k...)
}

func (s *Set) Add(k []byte) error {
	return s.access.Put(s.key(k), []byte{1})
}

func (s *Set) Remove(k []byte) error {
	return s.access.Delete(s.key(k))
}

func (s *Set) Contains(k []byte) (bool, error) {
	v, err := s.access.Get(s.key(k))
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Iterate walks every member key in order.
func (s *Set) Iterate(fn func(key []byte) bool) error {
	plen := len(s.prefix)
	return s.access.Iterate(s.prefix, func(k, v []byte) bool {
		return fn(k[plen:])
	})
}
