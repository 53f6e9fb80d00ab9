// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func validWireManifest() wireManifest {
	return wireManifest{
		Name:        "IMG_2041.jpg",
		MIME:        "image/jpeg",
		Size:        600 * 1024,
		FileHash:    HashBytes([]byte("file content")).String(),
		ChunkSize:   ChunkSize,
		ChunkCount:  3,
		Compression: "none",
		From:        "phone-1",
		SentAt:      1770000000000,
	}
}

func marshalManifest(t *testing.T, wire wireManifest) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("marshaling manifest: %v", err)
	}
	return raw
}

func TestParseManifest(t *testing.T) {
	wire := validWireManifest()
	m, err := parseManifest("t-1", marshalManifest(t, wire))
	if err != nil {
		t.Fatalf("parseManifest failed: %v", err)
	}

	if m.ID != "t-1" {
		t.Errorf("ID = %q, want t-1", m.ID)
	}
	if m.Name != wire.Name {
		t.Errorf("Name = %q, want %q", m.Name, wire.Name)
	}
	if m.MIME != wire.MIME {
		t.Errorf("MIME = %q, want %q", m.MIME, wire.MIME)
	}
	if m.Size != wire.Size {
		t.Errorf("Size = %d, want %d", m.Size, wire.Size)
	}
	if m.FileHash.String() != wire.FileHash {
		t.Errorf("FileHash = %s, want %s", m.FileHash, wire.FileHash)
	}
	if m.ChunkSize != ChunkSize || m.ChunkCount != 3 {
		t.Errorf("chunking = (%d, %d), want (%d, 3)", m.ChunkSize, m.ChunkCount, ChunkSize)
	}
	if m.Compression != CompressionNone {
		t.Errorf("Compression = %s, want none", m.Compression)
	}
	if m.From != "phone-1" {
		t.Errorf("From = %q, want phone-1", m.From)
	}
	if !m.SentAt.Equal(time.UnixMilli(wire.SentAt)) {
		t.Errorf("SentAt = %v, want %v", m.SentAt, time.UnixMilli(wire.SentAt))
	}
}

func TestParseManifestRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*wireManifest)
	}{
		{"name with slash", func(w *wireManifest) { w.Name = "photos/IMG.jpg" }},
		{"name with backslash", func(w *wireManifest) { w.Name = `photos\IMG.jpg` }},
		{"name dot dot", func(w *wireManifest) { w.Name = ".." }},
		{"empty name", func(w *wireManifest) { w.Name = "" }},
		{"empty mime", func(w *wireManifest) { w.MIME = "" }},
		{"zero size", func(w *wireManifest) { w.Size = 0; w.ChunkCount = 0 }},
		{"negative size", func(w *wireManifest) { w.Size = -1 }},
		{"oversized", func(w *wireManifest) {
			w.Size = maxTransferSize + 1
			w.ChunkCount = int((w.Size + int64(w.ChunkSize) - 1) / int64(w.ChunkSize))
		}},
		{"bad file hash", func(w *wireManifest) { w.FileHash = "abc123" }},
		{"zero chunk size", func(w *wireManifest) { w.ChunkSize = 0 }},
		{"huge chunk size", func(w *wireManifest) { w.ChunkSize = maxChunkSize + 1 }},
		{"wrong chunk count", func(w *wireManifest) { w.ChunkCount = 2 }},
		{"unknown compression", func(w *wireManifest) { w.Compression = "gzip" }},
		{"missing sender", func(w *wireManifest) { w.From = "" }},
		{"missing timestamp", func(w *wireManifest) { w.SentAt = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := validWireManifest()
			tt.mutate(&wire)
			if _, err := parseManifest("t-1", marshalManifest(t, wire)); err == nil {
				t.Error("parseManifest should fail")
			}
		})
	}

	t.Run("bad json", func(t *testing.T) {
		if _, err := parseManifest("t-1", json.RawMessage(`"just a string"`)); err == nil {
			t.Error("parseManifest should fail")
		}
	})
}

func TestParseChunk(t *testing.T) {
	payload := []byte("chunk payload")
	wire := wireChunk{
		Hash:        HashBytes(payload).String(),
		Data:        payload,
		Size:        len(payload),
		Compression: "none",
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("marshaling chunk: %v", err)
	}

	c, err := parseChunk(raw)
	if err != nil {
		t.Fatalf("parseChunk failed: %v", err)
	}
	if c.Hash != HashBytes(payload) {
		t.Errorf("Hash = %s, want %s", c.Hash, HashBytes(payload))
	}
	if string(c.Data) != string(payload) {
		t.Errorf("Data = %q, want %q", c.Data, payload)
	}
	if c.Size != len(payload) {
		t.Errorf("Size = %d, want %d", c.Size, len(payload))
	}
	if c.Compression != CompressionNone {
		t.Errorf("Compression = %s, want none", c.Compression)
	}
}

func TestParseChunkRejectsMalformed(t *testing.T) {
	payload := []byte("chunk payload")
	tests := []struct {
		name   string
		mutate func(*wireChunk)
	}{
		{"bad hash", func(w *wireChunk) { w.Hash = "deadbeef" }},
		{"no payload", func(w *wireChunk) { w.Data = nil }},
		{"zero size", func(w *wireChunk) { w.Size = 0 }},
		{"unknown compression", func(w *wireChunk) { w.Compression = "brotli" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := wireChunk{
				Hash:        HashBytes(payload).String(),
				Data:        payload,
				Size:        len(payload),
				Compression: "none",
			}
			tt.mutate(&wire)
			raw, err := json.Marshal(wire)
			if err != nil {
				t.Fatalf("marshaling chunk: %v", err)
			}
			if _, err := parseChunk(raw); err == nil {
				t.Error("parseChunk should fail")
			}
		})
	}

	t.Run("bad json", func(t *testing.T) {
		if _, err := parseChunk(json.RawMessage(`42`)); err == nil {
			t.Error("parseChunk should fail")
		}
	})
}

func TestIntegrityErrorMessage(t *testing.T) {
	want := HashBytes([]byte("want"))
	got := HashBytes([]byte("got"))

	chunkErr := &IntegrityError{TransferID: "t-1", Chunk: 3, Want: want, Got: got}
	if msg := chunkErr.Error(); !strings.Contains(msg, "chunk 3") || !strings.Contains(msg, "t-1") {
		t.Errorf("chunk error message %q should name the transfer and chunk", msg)
	}

	fileErr := &IntegrityError{TransferID: "t-1", Chunk: -1, Want: want, Got: got}
	if msg := fileErr.Error(); !strings.Contains(msg, "file") || !strings.Contains(msg, "t-1") {
		t.Errorf("file error message %q should name the transfer and the file", msg)
	}
}
