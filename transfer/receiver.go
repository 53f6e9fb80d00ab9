// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sidecall-project/sidecall/rtdb"
)

// State is a transfer's position in the receive lifecycle.
type State string

const (
	// StateReceiving means chunks are still arriving.
	StateReceiving State = "receiving"
	// StateDone means the file verified and is in the spool.
	StateDone State = "done"
	// StateFailed means the transfer ended with an error.
	StateFailed State = "failed"
)

// Progress describes one tracked transfer for display.
type Progress struct {
	ID         string
	Name       string
	MIME       string
	From       string
	Size       int64
	ChunkCount int
	ChunksDone int
	// BytesDone counts uncompressed bytes verified so far.
	BytesDone int64
	State     State
	// Path is the spool location once State is StateDone.
	Path string
	// Err is the terminal error once State is StateFailed.
	Err    error
	SentAt time.Time
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// Channel is the backend connection shared by the pair.
	Channel rtdb.Channel
	// PairID namespaces the transfer collections.
	PairID string
	// DeviceID is this device; manifests it wrote are skipped.
	DeviceID string
	// SpoolDir is where completed files land.
	SpoolDir string
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Receiver watches the pair's manifest collection and reassembles
// incoming transfers into the spool directory.
type Receiver struct {
	channel  rtdb.Channel
	pairID   string
	deviceID string
	spoolDir string
	logger   *slog.Logger

	updates chan struct{}

	mu        sync.Mutex
	transfers map[string]Progress
}

// NewReceiver validates the configuration and returns a Receiver.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("transfer receiver requires a channel")
	}
	if cfg.PairID == "" {
		return nil, fmt.Errorf("transfer receiver requires a pair ID")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("transfer receiver requires a device ID")
	}
	if cfg.SpoolDir == "" {
		return nil, fmt.Errorf("transfer receiver requires a spool directory")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Receiver{
		channel:   cfg.Channel,
		pairID:    cfg.PairID,
		deviceID:  cfg.DeviceID,
		spoolDir:  cfg.SpoolDir,
		logger:    cfg.Logger,
		updates:   make(chan struct{}, 1),
		transfers: make(map[string]Progress),
	}, nil
}

// Updates signals after any tracked transfer changes. The channel
// coalesces: a pending signal covers every change since the last
// receive. Read current state with Transfers.
func (r *Receiver) Updates() <-chan struct{} {
	return r.updates
}

// Transfers returns a snapshot of every tracked transfer, newest
// first.
func (r *Receiver) Transfers() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]Progress, 0, len(r.transfers))
	for _, p := range r.transfers {
		list = append(list, p)
	}
	slices.SortFunc(list, func(a, b Progress) int {
		if c := b.SentAt.Compare(a.SentAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return list
}

// Transfer returns the tracked transfer with the given ID.
func (r *Receiver) Transfer(id string) (Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.transfers[id]
	return p, ok
}

// Run watches for manifests until ctx is cancelled. Each inbound
// transfer is received on its own goroutine; Run waits for them to
// wind down before returning.
func (r *Receiver) Run(ctx context.Context) error {
	sub, err := r.channel.Subscribe(ctx, manifestsPath(r.pairID), rtdb.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("subscribing to transfer manifests: %w", err)
	}
	defer sub.Close()

	var wg sync.WaitGroup
	defer wg.Wait()

	r.logger.Info("transfer receiver started",
		"pair", r.pairID,
		"spool", r.spoolDir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("transfer manifest stream ended: %w", sub.Err())
			}
			if record.Kind == rtdb.KindRemoved {
				continue
			}
			manifest, err := parseManifest(record.Key, record.Value)
			if err != nil {
				r.logger.Warn("dropping malformed transfer manifest",
					"key", record.Key,
					"error", err)
				continue
			}
			if manifest.From == r.deviceID {
				continue
			}
			if !r.track(manifest) {
				continue
			}
			r.logger.Info("transfer inbound",
				"transfer", manifest.ID,
				"name", manifest.Name,
				"from", manifest.From,
				"bytes", manifest.Size,
				"chunks", manifest.ChunkCount)
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.receive(ctx, manifest)
			}()
		}
	}
}

// track registers a transfer, reporting false when it is already
// known so a rewritten manifest cannot start a second receive.
func (r *Receiver) track(m Manifest) bool {
	r.mu.Lock()
	_, known := r.transfers[m.ID]
	if !known {
		r.transfers[m.ID] = Progress{
			ID:         m.ID,
			Name:       m.Name,
			MIME:       m.MIME,
			From:       m.From,
			Size:       m.Size,
			ChunkCount: m.ChunkCount,
			State:      StateReceiving,
			SentAt:     m.SentAt,
		}
	}
	r.mu.Unlock()
	if !known {
		r.signal()
	}
	return !known
}

func (r *Receiver) advance(id string, chunkBytes int) {
	r.mu.Lock()
	p, ok := r.transfers[id]
	if ok {
		p.ChunksDone++
		p.BytesDone += int64(chunkBytes)
		r.transfers[id] = p
	}
	r.mu.Unlock()
	r.signal()
}

func (r *Receiver) finish(id, path string) {
	r.mu.Lock()
	p, ok := r.transfers[id]
	if ok && p.State == StateReceiving {
		p.State = StateDone
		p.Path = path
		r.transfers[id] = p
	}
	r.mu.Unlock()
	r.signal()
}

func (r *Receiver) fail(id string, err error) {
	r.mu.Lock()
	p, ok := r.transfers[id]
	if ok && p.State == StateReceiving {
		p.State = StateFailed
		p.Err = err
		r.transfers[id] = p
	}
	r.mu.Unlock()
	r.signal()
}

func (r *Receiver) signal() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

func (r *Receiver) receive(ctx context.Context, m Manifest) {
	err := r.collect(ctx, m)
	if err == nil {
		return
	}
	// Shutdown is not a transfer failure: the records are still on
	// the backend, so the replay after the next start resumes it.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	r.fail(m.ID, err)
	r.logger.Error("transfer failed",
		"transfer", m.ID,
		"name", m.Name,
		"error", err)
}

func (r *Receiver) collect(ctx context.Context, m Manifest) error {
	sub, err := r.channel.Subscribe(ctx, chunksPath(r.pairID, m.ID), rtdb.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("subscribing to chunks: %w", err)
	}
	defer sub.Close()

	chunks := make([][]byte, m.ChunkCount)
	received := 0
	for received < m.ChunkCount {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("chunk stream ended: %w", sub.Err())
			}
			if record.Kind == rtdb.KindRemoved {
				continue
			}
			index, err := strconv.Atoi(record.Key)
			if err != nil || index < 0 || index >= m.ChunkCount {
				return fmt.Errorf("chunk key %q outside 0..%d", record.Key, m.ChunkCount-1)
			}
			if chunks[index] != nil {
				continue
			}
			data, err := r.verifyChunk(m, index, record.Value)
			if err != nil {
				return err
			}
			chunks[index] = data
			received++
			r.advance(m.ID, len(data))
			r.logger.Debug("received transfer chunk",
				"transfer", m.ID,
				"chunk", index,
				"bytes", len(data))
		}
	}

	file := make([]byte, 0, m.Size)
	for _, c := range chunks {
		file = append(file, c...)
	}
	if got := HashBytes(file); got != m.FileHash {
		return &IntegrityError{TransferID: m.ID, Chunk: -1, Want: m.FileHash, Got: got}
	}

	path, err := r.spool(m, file)
	if err != nil {
		return err
	}
	r.cleanup(ctx, m)
	r.finish(m.ID, path)
	r.logger.Info("transfer received",
		"transfer", m.ID,
		"name", m.Name,
		"bytes", len(file),
		"path", path)
	return nil
}

// verifyChunk decodes one chunk record, checks its declared size
// against the slot the manifest assigns it, decompresses, and
// verifies the uncompressed bytes against the record's hash.
func (r *Receiver) verifyChunk(m Manifest, index int, value []byte) ([]byte, error) {
	c, err := parseChunk(value)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", index, err)
	}
	expected := m.ChunkSize
	if index == m.ChunkCount-1 {
		expected = int(m.Size - int64(m.ChunkSize)*int64(m.ChunkCount-1))
	}
	if c.Size != expected {
		return nil, fmt.Errorf("chunk %d declares %d bytes, slot holds %d", index, c.Size, expected)
	}
	data, err := decompressChunk(c.Data, c.Compression, c.Size)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", index, err)
	}
	if got := HashBytes(data); got != c.Hash {
		return nil, &IntegrityError{TransferID: m.ID, Chunk: index, Want: c.Hash, Got: got}
	}
	return data, nil
}

// spool writes the verified file under a name prefixed with the
// transfer ID, so two transfers of files with the same name never
// collide. Write-then-rename keeps partial files out of the spool.
func (r *Receiver) spool(m Manifest, file []byte) (string, error) {
	if err := os.MkdirAll(r.spoolDir, 0o755); err != nil {
		return "", fmt.Errorf("creating spool directory: %w", err)
	}
	final := filepath.Join(r.spoolDir, m.ID+"_"+m.Name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, file, 0o644); err != nil {
		return "", fmt.Errorf("writing spool file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("placing spool file: %w", err)
	}
	return final, nil
}

// cleanup removes a finished transfer's backend records. The
// manifest goes first: if cleanup is interrupted partway, leftover
// chunks without a manifest are inert, whereas a manifest without
// chunks would start a receive that can never finish.
func (r *Receiver) cleanup(ctx context.Context, m Manifest) {
	if err := r.channel.Delete(ctx, manifestsPath(r.pairID)+"/"+m.ID); err != nil {
		r.logger.Warn("removing transfer manifest",
			"transfer", m.ID,
			"error", err)
		return
	}
	base := chunksPath(r.pairID, m.ID)
	for i := 0; i < m.ChunkCount; i++ {
		if err := r.channel.Delete(ctx, base+"/"+strconv.Itoa(i)); err != nil {
			r.logger.Warn("removing transfer chunks",
				"transfer", m.ID,
				"chunk", i,
				"error", err)
			return
		}
	}
}
