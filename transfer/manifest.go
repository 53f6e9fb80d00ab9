// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Protocol constants.
const (
	// ChunkSize is the fixed payload size a sender splits files
	// into. Chunks are keyed by index, so any chunk can be placed
	// the moment it arrives regardless of order.
	ChunkSize = 256 << 10

	// maxChunkSize bounds the chunk size a manifest may declare.
	// Each chunk is buffered in memory during receive, so this
	// caps the allocation a single record can force.
	maxChunkSize = 4 << 20

	// maxTransferSize bounds the total file size a manifest may
	// declare. The receiver holds all chunks in memory until the
	// file hash verifies.
	maxTransferSize = 1 << 30
)

// Manifest announces one file transfer. It is written before any
// chunk so the receiving side can size its buffers and report
// progress from the first record.
type Manifest struct {
	// ID is the backend record key, unique per transfer.
	ID string
	// Name is the original file name, a single path element.
	Name string
	// MIME is the declared content type.
	MIME string
	// Size is the file length in bytes.
	Size int64
	// FileHash is the BLAKE3 digest of the complete file.
	FileHash Hash
	// ChunkSize is the split size every chunk except the last
	// uses.
	ChunkSize int
	// ChunkCount is the number of chunk records to expect.
	ChunkCount int
	// Compression is the codec the sender chose for the file.
	// Individual chunks may still fall back to none.
	Compression Compression
	// From is the sending device ID.
	From string
	// SentAt is when the sender announced the transfer.
	SentAt time.Time
}

type wireManifest struct {
	Name        string `json:"name"`
	MIME        string `json:"mimeType"`
	Size        int64  `json:"size"`
	FileHash    string `json:"fileHash"`
	ChunkSize   int    `json:"chunkSize"`
	ChunkCount  int    `json:"chunkCount"`
	Compression string `json:"compression"`
	From        string `json:"from"`
	SentAt      int64  `json:"sentAt"`
}

type wireChunk struct {
	Hash        string `json:"hash"`
	Data        []byte `json:"data"`
	Size        int    `json:"size"`
	Compression string `json:"compression"`
}

// chunk is a decoded, field-validated chunk record. Data is still
// compressed; Size and Hash describe the uncompressed bytes.
type chunk struct {
	Hash        Hash
	Data        []byte
	Size        int
	Compression Compression
}

func manifestsPath(pairID string) string {
	return "transfers/" + pairID + "/manifests"
}

func chunksPath(pairID, transferID string) string {
	return "transfers/" + pairID + "/chunks/" + transferID
}

// validName reports whether name is usable as a spool file name. A
// manifest name is attacker-adjacent input; anything that could
// escape the spool directory is rejected outright.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

func parseManifest(key string, value json.RawMessage) (Manifest, error) {
	var wire wireManifest
	if err := json.Unmarshal(value, &wire); err != nil {
		return Manifest{}, fmt.Errorf("decoding manifest: %w", err)
	}
	if !validName(wire.Name) {
		return Manifest{}, fmt.Errorf("manifest name %q is not a valid file name", wire.Name)
	}
	if wire.MIME == "" {
		return Manifest{}, fmt.Errorf("manifest for %q has no MIME type", wire.Name)
	}
	if wire.Size <= 0 {
		return Manifest{}, fmt.Errorf("manifest for %q declares size %d", wire.Name, wire.Size)
	}
	if wire.Size > maxTransferSize {
		return Manifest{}, fmt.Errorf("manifest for %q declares %d bytes, limit is %d", wire.Name, wire.Size, maxTransferSize)
	}
	fileHash, err := ParseHash(wire.FileHash)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest file hash: %w", err)
	}
	if wire.ChunkSize <= 0 || wire.ChunkSize > maxChunkSize {
		return Manifest{}, fmt.Errorf("manifest chunk size %d outside (0, %d]", wire.ChunkSize, maxChunkSize)
	}
	want := int((wire.Size + int64(wire.ChunkSize) - 1) / int64(wire.ChunkSize))
	if wire.ChunkCount != want {
		return Manifest{}, fmt.Errorf("manifest declares %d chunks, %d bytes at %d per chunk needs %d", wire.ChunkCount, wire.Size, wire.ChunkSize, want)
	}
	comp := Compression(wire.Compression)
	if !comp.Valid() {
		return Manifest{}, fmt.Errorf("manifest declares unknown compression %q", wire.Compression)
	}
	if wire.From == "" {
		return Manifest{}, fmt.Errorf("manifest for %q has no sender", wire.Name)
	}
	if wire.SentAt <= 0 {
		return Manifest{}, fmt.Errorf("manifest for %q has no timestamp", wire.Name)
	}
	return Manifest{
		ID:          key,
		Name:        wire.Name,
		MIME:        wire.MIME,
		Size:        wire.Size,
		FileHash:    fileHash,
		ChunkSize:   wire.ChunkSize,
		ChunkCount:  wire.ChunkCount,
		Compression: comp,
		From:        wire.From,
		SentAt:      time.UnixMilli(wire.SentAt),
	}, nil
}

func parseChunk(value json.RawMessage) (chunk, error) {
	var wire wireChunk
	if err := json.Unmarshal(value, &wire); err != nil {
		return chunk{}, fmt.Errorf("decoding chunk: %w", err)
	}
	hash, err := ParseHash(wire.Hash)
	if err != nil {
		return chunk{}, fmt.Errorf("chunk hash: %w", err)
	}
	if len(wire.Data) == 0 {
		return chunk{}, fmt.Errorf("chunk has no payload")
	}
	if wire.Size <= 0 {
		return chunk{}, fmt.Errorf("chunk declares size %d", wire.Size)
	}
	comp := Compression(wire.Compression)
	if !comp.Valid() {
		return chunk{}, fmt.Errorf("chunk declares unknown compression %q", wire.Compression)
	}
	return chunk{
		Hash:        hash,
		Data:        wire.Data,
		Size:        wire.Size,
		Compression: comp,
	}, nil
}

// IntegrityError reports a BLAKE3 mismatch in a received transfer.
// Chunk is the failing chunk index, or -1 when the assembled file
// does not match the manifest's hash.
type IntegrityError struct {
	TransferID string
	Chunk      int
	Want       Hash
	Got        Hash
}

func (e *IntegrityError) Error() string {
	if e.Chunk < 0 {
		return fmt.Sprintf("transfer %s: assembled file hashes to %.12s, manifest declares %.12s", e.TransferID, e.Got, e.Want)
	}
	return fmt.Sprintf("transfer %s: chunk %d hashes to %.12s, record declares %.12s", e.TransferID, e.Chunk, e.Got, e.Want)
}
