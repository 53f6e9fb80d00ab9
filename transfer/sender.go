// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/sidecall-project/sidecall/lib/clock"
	"github.com/sidecall-project/sidecall/rtdb"
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Channel is the backend connection shared by the pair.
	Channel rtdb.Channel
	// PairID namespaces the transfer collections.
	PairID string
	// DeviceID identifies this device in manifests it writes.
	DeviceID string
	// ChunkSize overrides the split size. Zero means the standard
	// 256 KiB; receivers reject anything past their allocation cap.
	ChunkSize int
	// Compression forces one codec for every file. Empty means the
	// codec follows each file's MIME type.
	Compression Compression
	// Clock stamps manifests. Defaults to the real clock.
	Clock clock.Clock
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Sender splits files into verified chunks and writes them to the
// pair's transfer collections.
type Sender struct {
	channel     rtdb.Channel
	pairID      string
	deviceID    string
	chunkSize   int
	compression Compression
	clock       clock.Clock
	logger      *slog.Logger
}

// NewSender validates the configuration and returns a Sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("transfer sender requires a channel")
	}
	if cfg.PairID == "" {
		return nil, fmt.Errorf("transfer sender requires a pair ID")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("transfer sender requires a device ID")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = ChunkSize
	}
	if cfg.ChunkSize < 0 || cfg.ChunkSize > maxChunkSize {
		return nil, fmt.Errorf("chunk size %d outside (0, %d]", cfg.ChunkSize, maxChunkSize)
	}
	if cfg.Compression != "" && !cfg.Compression.Valid() {
		return nil, fmt.Errorf("unknown compression %q", cfg.Compression)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sender{
		channel:     cfg.Channel,
		pairID:      cfg.PairID,
		deviceID:    cfg.DeviceID,
		chunkSize:   cfg.ChunkSize,
		compression: cfg.Compression,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}, nil
}

// SendFile reads the file at path and sends it, deriving the name
// from the path and the MIME type from the extension.
func (s *Sender) SendFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return s.Send(ctx, filepath.Base(path), contentType, data)
}

// Send announces a manifest for data and writes every chunk record.
// It returns the transfer ID the receiving side reports progress
// under. The manifest goes first so the receiver can track the
// transfer from its first chunk.
func (s *Sender) Send(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	if !validName(name) {
		return "", fmt.Errorf("%q is not a valid file name", name)
	}
	if mimeType == "" {
		return "", fmt.Errorf("transfer %q needs a MIME type", name)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("transfer %q has no content", name)
	}
	if len(data) > maxTransferSize {
		return "", fmt.Errorf("transfer %q is %d bytes, limit is %d", name, len(data), maxTransferSize)
	}

	id := uuid.NewString()
	comp := s.compression
	if comp == "" {
		comp = ChooseCompression(mimeType)
	}
	chunkCount := (len(data) + s.chunkSize - 1) / s.chunkSize

	manifest := wireManifest{
		Name:        name,
		MIME:        mimeType,
		Size:        int64(len(data)),
		FileHash:    HashBytes(data).String(),
		ChunkSize:   s.chunkSize,
		ChunkCount:  chunkCount,
		Compression: string(comp),
		From:        s.deviceID,
		SentAt:      s.clock.Now().UnixMilli(),
	}
	if err := s.channel.Put(ctx, manifestsPath(s.pairID)+"/"+id, manifest); err != nil {
		return "", fmt.Errorf("writing manifest: %w", err)
	}

	for index := 0; index < chunkCount; index++ {
		start := index * s.chunkSize
		end := min(start+s.chunkSize, len(data))
		raw := data[start:end]

		payload, actual, err := compressChunk(raw, comp)
		if err != nil {
			return "", fmt.Errorf("compressing chunk %d: %w", index, err)
		}
		record := wireChunk{
			Hash:        HashBytes(raw).String(),
			Data:        payload,
			Size:        len(raw),
			Compression: string(actual),
		}
		path := chunksPath(s.pairID, id) + "/" + strconv.Itoa(index)
		if err := s.channel.Put(ctx, path, record); err != nil {
			return "", fmt.Errorf("writing chunk %d: %w", index, err)
		}
		s.logger.Debug("wrote transfer chunk",
			"transfer", id,
			"chunk", index,
			"bytes", len(raw),
			"wire_bytes", len(payload),
			"compression", actual)
	}

	s.logger.Info("transfer sent",
		"transfer", id,
		"name", name,
		"mime", mimeType,
		"bytes", len(data),
		"chunks", chunkCount,
		"compression", comp)
	return id, nil
}
