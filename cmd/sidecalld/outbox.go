// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sidecall-project/sidecall/lib/clock"
	"github.com/sidecall-project/sidecall/transfer"
)

const outboxPollInterval = 2 * time.Second

// outboxWatcher sends files dropped into the outbox directory to the
// paired phone. Each file is sent once its size holds still for one
// poll interval, then moved into the sent/ subdirectory.
type outboxWatcher struct {
	dir    string
	sender *transfer.Sender
	clock  clock.Clock
	logger *slog.Logger

	// pending maps file names seen last sweep to their size. A file
	// is picked up only after two sweeps observe the same size, so a
	// copy still in progress is never sent half-written.
	pending map[string]int64
}

func newOutboxWatcher(dir string, sender *transfer.Sender, clk clock.Clock, logger *slog.Logger) *outboxWatcher {
	return &outboxWatcher{
		dir:     dir,
		sender:  sender,
		clock:   clk,
		logger:  logger,
		pending: make(map[string]int64),
	}
}

func (w *outboxWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, "sent"), 0o755); err != nil {
		return fmt.Errorf("creating outbox directory: %w", err)
	}
	ticker := w.clock.NewTicker(outboxPollInterval)
	defer ticker.Stop()

	w.logger.Info("outbox watcher started", "dir", w.dir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *outboxWatcher) sweep(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("reading outbox", "error", err)
		return
	}

	seen := make(map[string]int64, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		seen[name] = info.Size()

		previous, known := w.pending[name]
		if !known || previous != info.Size() {
			continue
		}

		path := filepath.Join(w.dir, name)
		id, err := w.sender.SendFile(ctx, path)
		if err != nil {
			w.logger.Error("sending outbox file", "file", name, "error", err)
			continue
		}
		if err := os.Rename(path, filepath.Join(w.dir, "sent", name)); err != nil {
			w.logger.Warn("archiving sent file", "file", name, "error", err)
		}
		w.logger.Info("outbox file sent", "file", name, "transfer", id)
		delete(seen, name)
	}
	w.pending = seen
}
