// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sidecall-project/sidecall/lib/delta"
	"github.com/sidecall-project/sidecall/rtdb"
)

// defaultLimit bounds the visible call log.
const defaultLimit = 200

// SyncerConfig holds the dependencies for a history syncer.
type SyncerConfig struct {
	// Channel is the backend connection.
	Channel rtdb.Channel

	// Store is the durable mirror. The syncer drives all writes; the
	// caller keeps ownership and closes it after Run returns.
	Store *Store

	// PhoneDeviceID is the paired phone whose call log to mirror.
	PhoneDeviceID string

	// Limit bounds the visible list. Defaults to 200.
	Limit int

	// Logger receives operational messages. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Syncer mirrors the phone's call log. Run seeds the visible list
// from the store, subscribes to the backend from the persisted
// cursor, and then folds every record into the list and the store.
// Readers call Snapshot and wake on the Updates signal.
type Syncer struct {
	channel rtdb.Channel
	store   *Store
	path    string
	limit   int
	logger  *slog.Logger

	list    *delta.List[Entry]
	updates chan struct{}
}

// NewSyncer validates the configuration and returns a syncer. Nothing
// runs until Run is called.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("history syncer: Channel is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("history syncer: Store is required")
	}
	if cfg.PhoneDeviceID == "" {
		return nil, fmt.Errorf("history syncer: PhoneDeviceID is required")
	}

	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Syncer{
		channel: cfg.Channel,
		store:   cfg.Store,
		path:    "devices/" + cfg.PhoneDeviceID + "/history",
		limit:   limit,
		logger:  logger,
		list:    delta.NewList[Entry](limit),
		updates: make(chan struct{}, 1),
	}, nil
}

// Snapshot returns the visible call log, newest first.
func (s *Syncer) Snapshot() []Entry {
	return s.list.Snapshot()
}

// Updates returns a coalescing signal channel: a receive means the
// visible list changed since the last receive. Pair each receive with
// a Snapshot call.
func (s *Syncer) Updates() <-chan struct{} {
	return s.updates
}

// Run mirrors until ctx is cancelled or the subscription dies. The
// store must remain open for the duration.
func (s *Syncer) Run(ctx context.Context) error {
	seed, err := s.store.Recent(ctx, s.limit)
	if err != nil {
		return fmt.Errorf("seeding call log: %w", err)
	}
	if len(seed) > 0 {
		s.list.Reset(seed)
		s.signal()
	}

	// The cursor is the timestamp of the last applied record, so the
	// replay starts one past it. Records mutated while this device
	// was offline carry fresh timestamps and replay normally; only
	// deletions that happened offline are missed, and those reconcile
	// on the next full replay.
	cursor := s.store.Cursor()
	opts := rtdb.SubscribeOptions{}
	if cursor > 0 {
		opts.StartAt = cursor + 1
	}
	sub, err := s.channel.Subscribe(ctx, s.path, opts)
	if err != nil {
		return fmt.Errorf("subscribing to call log: %w", err)
	}
	defer sub.Close()

	s.logger.Info("call log sync started",
		"path", s.path, "cursor", cursor, "seeded", len(seed))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("call log stream ended: %w", sub.Err())
			}
			s.apply(ctx, record)
		}
	}
}

// apply folds one backend record into the list and the mirror, then
// advances the cursor. Malformed records are dropped but still move
// the cursor: a record that cannot be parsed today will not parse
// after a restart either.
func (s *Syncer) apply(ctx context.Context, record rtdb.Record) {
	changed := false
	switch record.Kind {
	case rtdb.KindAdded, rtdb.KindChanged:
		entry, err := parseEntry(record.Key, record.Value)
		if err != nil {
			s.logger.Warn("dropping malformed call log record",
				"path", record.ChildPath(), "error", err)
			break
		}
		if record.Kind == rtdb.KindAdded {
			changed = s.list.Add(entry)
		} else {
			changed = s.list.Change(entry)
		}
		if err := s.store.Upsert(ctx, entry); err != nil {
			s.logger.Error("mirroring call log entry",
				"id", entry.ID, "error", err)
		}
	case rtdb.KindRemoved:
		changed = s.list.Remove(record.Key)
		if err := s.store.Delete(ctx, record.Key); err != nil {
			s.logger.Error("deleting mirrored call log entry",
				"id", record.Key, "error", err)
		}
	}

	if err := s.store.SaveCursor(record.Timestamp); err != nil {
		s.logger.Error("persisting call log cursor", "error", err)
	}
	if changed {
		s.signal()
	}
}

// signal nudges Updates without blocking. Coalesced: one pending
// signal is enough, readers re-snapshot anyway.
func (s *Syncer) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
