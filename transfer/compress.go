// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the codec a chunk payload travels with.
type Compression string

const (
	// CompressionNone transmits chunk bytes as-is.
	CompressionNone Compression = "none"
	// CompressionLZ4 uses LZ4 block compression. Fast with modest
	// ratios, the default for general binary content.
	CompressionLZ4 Compression = "lz4"
	// CompressionZstd uses zstandard. Better ratios at higher cost,
	// chosen for text-like content.
	CompressionZstd Compression = "zstd"
)

// Valid reports whether c names a known codec.
func (c Compression) Valid() bool {
	switch c {
	case CompressionNone, CompressionLZ4, CompressionZstd:
		return true
	}
	return false
}

// ChooseCompression picks the codec for a file from its MIME type.
// Text-like content compresses well under zstd. Media formats carry
// their own compression, so recompressing them burns CPU for
// nothing. Everything else gets LZ4: cheap enough that a miss costs
// little, and every chunk still falls back to none when the codec
// fails to shrink it.
func ChooseCompression(mime string) Compression {
	switch mime {
	case "application/json", "application/x-ndjson", "application/xml",
		"application/sql", "image/svg+xml":
		return CompressionZstd
	case "application/zip", "application/gzip", "application/x-bzip2",
		"application/x-xz", "application/zstd", "application/pdf":
		return CompressionNone
	}
	switch {
	case strings.HasPrefix(mime, "text/"):
		return CompressionZstd
	case strings.HasPrefix(mime, "image/"),
		strings.HasPrefix(mime, "video/"),
		strings.HasPrefix(mime, "audio/"):
		return CompressionNone
	}
	return CompressionLZ4
}

// errIncompressible reports that a codec produced output no smaller
// than its input.
var errIncompressible = errors.New("data is incompressible")

// Shared zstd state. Both types are safe for concurrent use with
// EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("initializing zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("initializing zstd decoder: %v", err))
	}
}

// compressChunk compresses data with the chosen codec and returns
// the bytes to transmit together with the codec actually used. When
// the codec cannot shrink the data the chunk travels uncompressed,
// so each chunk records its own effective codec.
func compressChunk(data []byte, chosen Compression) ([]byte, Compression, error) {
	switch chosen {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		compressed, err := compressLZ4(data)
		if errors.Is(err, errIncompressible) {
			return data, CompressionNone, nil
		}
		if err != nil {
			return nil, "", err
		}
		return compressed, CompressionLZ4, nil
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return data, CompressionNone, nil
		}
		return compressed, CompressionZstd, nil
	default:
		return nil, "", fmt.Errorf("unsupported compression %q", chosen)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dest := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, dest, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compression: %w", err)
	}
	// CompressBlock returns 0 when the output would exceed the
	// input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return dest[:written], nil
}

// decompressChunk reverses compressChunk. size is the expected
// uncompressed length; anything else is rejected so a truncated or
// padded payload cannot slip through to reassembly.
func decompressChunk(data []byte, comp Compression, size int) ([]byte, error) {
	switch comp {
	case CompressionNone:
		if len(data) != size {
			return nil, fmt.Errorf("chunk holds %d bytes, expected %d", len(data), size)
		}
		return data, nil
	case CompressionLZ4:
		dest := make([]byte, size)
		n, err := lz4.UncompressBlock(data, dest)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 chunk decompressed to %d bytes, expected %d", n, size)
		}
		return dest, nil
	case CompressionZstd:
		dest, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompression: %w", err)
		}
		if len(dest) != size {
			return nil, fmt.Errorf("zstd chunk decompressed to %d bytes, expected %d", len(dest), size)
		}
		return dest, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", comp)
	}
}
