// Copyright 2025 Exonum Core Contributors
//
// Backend selection for the underlying key-value engine. Adapted from
// pkg/kvdb/adapter.go's role of handing CometBFT's storage driver to the
// rest of the node: rather than wrapping a single fixed dbm.DB, this file
// lets the node config pick among cometbft-db's pluggable backends.
package storage

import (
	dbm "github.com/cometbft/cometbft-db"
)

// BackendType names a pluggable storage engine.
type BackendType string

const (
	BackendMemory   BackendType = "memdb"
	BackendGoLevelDB BackendType = "goleveldb"
)

// OpenBackend constructs the named dbm.DB backend. name becomes the
// database's file or directory name under dir; for BackendMemory, dir is
// ignored.
func OpenBackend(kind BackendType, name, dir string) (dbm.DB, error) {
	switch kind {
	case BackendMemory:
		return dbm.NewMemDB(), nil
	case BackendGoLevelDB:
		return dbm.NewGoLevelDB(name, dir)
	default:
		return dbm.NewDB(name, dbm.BackendType(kind), dir)
	}
}
