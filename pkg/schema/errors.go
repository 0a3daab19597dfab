// Copyright 2025 Exonum Core Contributors
//
// Sentinel errors for schema lookups: explicit "not found" values instead
// of (nil, nil) returns.

package schema

import "errors"

var (
	ErrBlockNotFound     = errors.New("schema: block not found")
	ErrConfigNotFound    = errors.New("schema: configuration not found")
	ErrPrecommitNotFound = errors.New("schema: precommit set not found")
)
