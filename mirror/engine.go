// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sidecall-project/sidecall/lib/clock"
	"github.com/sidecall-project/sidecall/rtdb"
)

// appliedHashLimit bounds the echo-suppression set. Applies coalesce
// into at most one local change event each, so only a short tail of
// hashes is ever outstanding.
const appliedHashLimit = 16

// EngineConfig holds the dependencies for a clipboard engine.
type EngineConfig struct {
	// Channel is the backend connection.
	Channel rtdb.Channel

	// Clipboard is the local clipboard device.
	Clipboard Clipboard

	// PairID names the backend namespace shared by the pair.
	PairID string

	// DeviceID identifies this device; it stamps published items and
	// filters out records this device published itself.
	DeviceID string

	// Clock stamps published items. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Engine syncs the local clipboard with the pair's backend record in
// both directions. Run drives it; there is no other entry point.
type Engine struct {
	channel   rtdb.Channel
	clipboard Clipboard
	pairID    string
	deviceID  string
	clock     clock.Clock
	logger    *slog.Logger

	// applied and lastSet are owned by the Run loop.
	applied *appliedSet
	lastSet time.Time

	mu         sync.Mutex
	current    Item
	hasCurrent bool
}

// NewEngine validates the configuration and returns an engine.
// Nothing runs until Run is called.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("clipboard engine: Channel is required")
	}
	if cfg.Clipboard == nil {
		return nil, fmt.Errorf("clipboard engine: Clipboard is required")
	}
	if cfg.PairID == "" {
		return nil, fmt.Errorf("clipboard engine: PairID is required")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("clipboard engine: DeviceID is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		channel:   cfg.Channel,
		clipboard: cfg.Clipboard,
		pairID:    cfg.PairID,
		deviceID:  cfg.DeviceID,
		clock:     clk,
		logger:    logger,
		applied:   newAppliedSet(appliedHashLimit),
	}, nil
}

func (e *Engine) path() string {
	return "clipboard/" + e.pairID
}

// Current returns the last item the engine applied or published.
func (e *Engine) Current() (Item, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.hasCurrent
}

func (e *Engine) setCurrent(item Item) {
	e.mu.Lock()
	e.current = item
	e.hasCurrent = true
	e.mu.Unlock()
}

// Run syncs until ctx is cancelled or either side of the loop dies.
// The backend replays the pair's current clipboard on subscribe, so a
// fresh start adopts whatever the pair last shared.
func (e *Engine) Run(ctx context.Context) error {
	sub, err := e.channel.Subscribe(ctx, e.path(), rtdb.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("subscribing to clipboard: %w", err)
	}
	defer sub.Close()

	e.logger.Info("clipboard sync started", "path", e.path(), "device", e.deviceID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("clipboard stream ended: %w", sub.Err())
			}
			e.applyRemote(ctx, record)
		case content, ok := <-e.clipboard.Changes():
			if !ok {
				return fmt.Errorf("clipboard device closed")
			}
			e.publishLocal(ctx, content)
		}
	}
}

// applyRemote folds one backend record into the local clipboard.
// Records this device published, and records older than the newest
// content already seen, are dropped.
func (e *Engine) applyRemote(ctx context.Context, record rtdb.Record) {
	if record.Kind == rtdb.KindRemoved {
		return
	}
	item, err := parseItem(record.Value)
	if err != nil {
		e.logger.Warn("dropping malformed clipboard record",
			"path", record.ChildPath(), "error", err)
		return
	}
	if item.Origin == e.deviceID {
		return
	}
	if !item.SetAt.After(e.lastSet) {
		e.logger.Debug("ignoring stale clipboard record",
			"origin", item.Origin, "setAt", item.SetAt, "have", e.lastSet)
		return
	}

	e.mu.Lock()
	sameContent := e.hasCurrent && e.current.Hash == item.Hash
	e.mu.Unlock()

	if !sameContent {
		if err := e.clipboard.Set(ctx, Content{MIME: item.MIME, Data: item.Data}); err != nil {
			e.logger.Error("applying remote clipboard",
				"origin", item.Origin, "error", err)
			return
		}
		// The Set above fires a change event; remembering the hash
		// keeps that echo from being published back.
		e.applied.add(item.Hash)
		e.logger.Debug("applied remote clipboard",
			"origin", item.Origin, "mimeType", item.MIME, "bytes", len(item.Data))
	}

	e.lastSet = item.SetAt
	e.setCurrent(item)
}

// publishLocal pushes new local content to the pair's record. Empty
// content, oversized content, and echoes of applied remote items are
// not published.
func (e *Engine) publishLocal(ctx context.Context, content Content) {
	if len(content.Data) == 0 {
		return
	}
	if len(content.Data) > MaxInlineBytes {
		e.logger.Warn("clipboard content too large to sync",
			"bytes", len(content.Data), "limit", MaxInlineBytes)
		return
	}

	hash := HashContent(content.Data)
	if e.applied.take(hash) {
		return
	}

	mime := content.MIME
	if mime == "" {
		mime = "text/plain"
	}
	item := Item{
		Hash:   hash,
		MIME:   mime,
		Data:   content.Data,
		Origin: e.deviceID,
		SetAt:  e.clock.Now(),
	}

	// The local clipboard already holds this content; lastSet
	// advances even when the publish fails so an older remote record
	// cannot undo it.
	e.lastSet = item.SetAt
	e.setCurrent(item)

	wire := wireItem{
		Hash:   item.Hash,
		MIME:   item.MIME,
		Data:   item.Data,
		Origin: item.Origin,
		SetAt:  item.SetAt.UnixMilli(),
	}
	if err := e.channel.Put(ctx, e.path()+"/current", wire); err != nil {
		e.logger.Error("publishing clipboard", "error", err)
		return
	}
	e.logger.Debug("published clipboard",
		"mimeType", item.MIME, "bytes", len(item.Data))
}

// appliedSet remembers recently applied content hashes, oldest first.
// Owned by the Run loop; no locking.
type appliedSet struct {
	hashes []string
	limit  int
}

func newAppliedSet(limit int) *appliedSet {
	return &appliedSet{limit: limit}
}

func (s *appliedSet) add(hash string) {
	s.hashes = append(s.hashes, hash)
	if len(s.hashes) > s.limit {
		s.hashes = slices.Delete(s.hashes, 0, len(s.hashes)-s.limit)
	}
}

// take removes the hash if present. Each applied item suppresses at
// most one echo; copying the same content again later syncs normally.
func (s *appliedSet) take(hash string) bool {
	for i, h := range s.hashes {
		if h == hash {
			s.hashes = slices.Delete(s.hashes, i, i+1)
			return true
		}
	}
	return false
}
