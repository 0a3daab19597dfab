// Copyright 2025 Exonum Core Contributors

package api

import (
	"encoding/hex"
	"strconv"
	"strings"
)

func parseHeightSuffix(path, prefix string) (uint64, bool) {
	suffix := strings.TrimPrefix(path, prefix)
	if suffix == "" {
		return 0, false
	}
	h, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return h, true
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
