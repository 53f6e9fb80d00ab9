// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestCompressionValid(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		if !c.Valid() {
			t.Errorf("Compression(%q).Valid() = false", c)
		}
	}
	for _, c := range []Compression{"", "gzip", "bg4_lz4"} {
		if c.Valid() {
			t.Errorf("Compression(%q).Valid() = true", c)
		}
	}
}

func TestChooseCompression(t *testing.T) {
	tests := []struct {
		mime string
		want Compression
	}{
		{"text/plain", CompressionZstd},
		{"text/html; charset=utf-8", CompressionZstd},
		{"application/json", CompressionZstd},
		{"application/xml", CompressionZstd},
		{"image/svg+xml", CompressionZstd},
		{"image/jpeg", CompressionNone},
		{"image/png", CompressionNone},
		{"video/mp4", CompressionNone},
		{"audio/mpeg", CompressionNone},
		{"application/zip", CompressionNone},
		{"application/pdf", CompressionNone},
		{"application/octet-stream", CompressionLZ4},
		{"application/x-sqlite3", CompressionLZ4},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			got := ChooseCompression(tt.mime)
			if got != tt.want {
				t.Errorf("ChooseCompression(%q) = %s, want %s", tt.mime, got, tt.want)
			}
		})
	}
}

func TestCompressChunkNone(t *testing.T) {
	data := []byte("uncompressed data should pass through unchanged")

	compressed, actual, err := compressChunk(data, CompressionNone)
	if err != nil {
		t.Fatalf("compressChunk(none) failed: %v", err)
	}
	if actual != CompressionNone {
		t.Errorf("actual codec = %s, want none", actual)
	}

	// CompressionNone should hand back the same slice, not a copy.
	if &compressed[0] != &data[0] {
		t.Error("CompressionNone should return the same slice")
	}

	decompressed, err := decompressChunk(compressed, CompressionNone, len(data))
	if err != nil {
		t.Fatalf("decompressChunk(none) failed: %v", err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Error("none roundtrip mismatch")
	}
}

func TestCompressChunkNoneSizeMismatch(t *testing.T) {
	data := []byte("five bytes extra")

	_, err := decompressChunk(data, CompressionNone, len(data)+5)
	if err == nil {
		t.Error("decompressChunk(none) should fail when size does not match")
	}
}

func TestCompressChunkLZ4(t *testing.T) {
	// Compressible data: repeated pattern.
	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i % 17)
	}

	compressed, actual, err := compressChunk(data, CompressionLZ4)
	if err != nil {
		t.Fatalf("compressChunk(lz4) failed: %v", err)
	}
	if actual != CompressionLZ4 {
		t.Fatalf("actual codec = %s, want lz4", actual)
	}
	if len(compressed) >= len(data) {
		t.Errorf("LZ4 did not compress: %d bytes to %d bytes", len(data), len(compressed))
	}

	decompressed, err := decompressChunk(compressed, CompressionLZ4, len(data))
	if err != nil {
		t.Fatalf("decompressChunk(lz4) failed: %v", err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Error("LZ4 roundtrip mismatch")
	}
}

func TestCompressChunkZstd(t *testing.T) {
	// Text-like data: repeated JSON.
	record := []byte(`{"address":"+15550100","preview":"lunch tomorrow?","lastActivity":1770000000000}`)
	data := make([]byte, 0, 64*1024)
	for len(data) < 64*1024 {
		data = append(data, record...)
	}

	compressed, actual, err := compressChunk(data, CompressionZstd)
	if err != nil {
		t.Fatalf("compressChunk(zstd) failed: %v", err)
	}
	if actual != CompressionZstd {
		t.Fatalf("actual codec = %s, want zstd", actual)
	}
	if len(compressed) >= len(data) {
		t.Errorf("zstd did not compress: %d bytes to %d bytes", len(data), len(compressed))
	}

	decompressed, err := decompressChunk(compressed, CompressionZstd, len(data))
	if err != nil {
		t.Fatalf("decompressChunk(zstd) failed: %v", err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Error("zstd roundtrip mismatch")
	}
}

func TestCompressChunkIncompressibleFallsBack(t *testing.T) {
	// Random data is incompressible; the chunk should travel as-is
	// under either codec.
	data := make([]byte, 64*1024)
	rand.Read(data)

	for _, chosen := range []Compression{CompressionLZ4, CompressionZstd} {
		t.Run(string(chosen), func(t *testing.T) {
			compressed, actual, err := compressChunk(data, chosen)
			if err != nil {
				t.Fatalf("compressChunk(%s) failed: %v", chosen, err)
			}
			if actual != CompressionNone {
				t.Errorf("actual codec = %s, want none for random data", actual)
			}
			if !bytes.Equal(compressed, data) {
				t.Error("fallback should transmit the original bytes")
			}
		})
	}
}

func TestCompressChunkUnsupported(t *testing.T) {
	_, _, err := compressChunk([]byte("data"), Compression("gzip"))
	if err == nil {
		t.Error("compressChunk with unknown codec should fail")
	}
}

func TestDecompressChunkUnsupported(t *testing.T) {
	_, err := decompressChunk([]byte("data"), Compression("gzip"), 4)
	if err == nil {
		t.Error("decompressChunk with unknown codec should fail")
	}
}

func TestDecompressChunkRejectsTruncated(t *testing.T) {
	data := make([]byte, 8*1024)
	for i := range data {
		data[i] = byte(i % 7)
	}
	compressed, actual, err := compressChunk(data, CompressionLZ4)
	if err != nil {
		t.Fatalf("compressChunk failed: %v", err)
	}
	if actual != CompressionLZ4 {
		t.Fatalf("actual codec = %s, want lz4", actual)
	}

	_, err = decompressChunk(compressed[:len(compressed)/2], CompressionLZ4, len(data))
	if err == nil {
		t.Error("decompressChunk should fail on a truncated payload")
	}
}
