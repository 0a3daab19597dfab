// Copyright 2025 Exonum Core Contributors

package p2p

import "errors"

var (
	errMalformed      = errors.New("p2p: malformed frame")
	errFrameTooLarge  = errors.New("p2p: frame exceeds max_message_len")
	errReplayedConnect = errors.New("p2p: handshake timestamp did not advance")
	errSelfConnect    = errors.New("p2p: refusing to connect to self")
)
