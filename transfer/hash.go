// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest. Chunk hashes are always computed
// over uncompressed bytes, so integrity checks are independent of
// the codec a chunk happened to travel with.
type Hash [32]byte

// HashBytes returns the BLAKE3 digest of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// String returns the digest as 64 lowercase hex characters.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash parses the hex form produced by [Hash.String].
func ParseHash(s string) (Hash, error) {
	if len(s) != 64 {
		return Hash{}, fmt.Errorf("hash must be 64 hex characters, got %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decoding hash: %w", err)
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}
