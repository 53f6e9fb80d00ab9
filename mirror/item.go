// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// MaxInlineBytes bounds clipboard payloads synced through the backend
// record. Larger content is for the transfer package.
const MaxInlineBytes = 64 << 10

// Item is one synced clipboard state.
type Item struct {
	// Hash is the hex BLAKE3 digest of Data.
	Hash string

	// MIME is the content type.
	MIME string

	// Data is the payload, at most MaxInlineBytes.
	Data []byte

	// Origin is the device that set this content.
	Origin string

	// SetAt is when the origin device set it, by its own clock.
	SetAt time.Time
}

// HashContent returns the hex BLAKE3 digest of data. Item hashes,
// echo-suppression entries, and record integrity checks all use it.
func HashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// wireItem is the JSON payload of the pair's clipboard record.
type wireItem struct {
	Hash   string `json:"hash"`
	MIME   string `json:"mimeType"`
	Data   []byte `json:"data"`
	Origin string `json:"origin"`
	SetAt  int64  `json:"setAt"`
}

// parseItem decodes and validates a clipboard record. The declared
// hash must match the payload; a mismatch means the record was
// corrupted or truncated in flight.
func parseItem(value json.RawMessage) (Item, error) {
	var wire wireItem
	if err := json.Unmarshal(value, &wire); err != nil {
		return Item{}, fmt.Errorf("decoding clipboard record: %w", err)
	}
	if wire.Origin == "" {
		return Item{}, fmt.Errorf("clipboard record has no origin device")
	}
	if wire.MIME == "" {
		return Item{}, fmt.Errorf("clipboard record has no MIME type")
	}
	if wire.SetAt <= 0 {
		return Item{}, fmt.Errorf("clipboard record has no timestamp")
	}
	if len(wire.Data) > MaxInlineBytes {
		return Item{}, fmt.Errorf("clipboard record payload is %d bytes, limit %d",
			len(wire.Data), MaxInlineBytes)
	}
	if got := HashContent(wire.Data); got != wire.Hash {
		return Item{}, fmt.Errorf("clipboard record hash %.12s does not match payload hash %.12s",
			wire.Hash, got)
	}

	return Item{
		Hash:   wire.Hash,
		MIME:   wire.MIME,
		Data:   wire.Data,
		Origin: wire.Origin,
		SetAt:  time.UnixMilli(wire.SetAt),
	}, nil
}
