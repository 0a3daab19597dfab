// Copyright 2025 Exonum Core Contributors

package consensus

import "errors"

var (
	// ErrMalformedMessage is returned when a consensus wire payload fails
	// to decode or has an inconsistent internal length.
	ErrMalformedMessage = errors.New("consensus: malformed message")
	// ErrWrongProposer is returned when a Propose is signed by a
	// validator who is not the leader for its (height, round).
	ErrWrongProposer = errors.New("consensus: signer is not the proposer for this round")
	// ErrStalePrevHash is returned when a Propose's prev_hash does not
	// match the locally committed chain tip.
	ErrStalePrevHash = errors.New("consensus: prev_hash does not match chain tip")
	// ErrUnknownValidator is returned when a vote names a validator_id
	// outside the active configuration.
	ErrUnknownValidator = errors.New("consensus: unknown validator_id")
	// ErrStaleHeight is returned when a Propose names a height the
	// engine has already committed past.
	ErrStaleHeight = errors.New("consensus: message height already committed")
)
