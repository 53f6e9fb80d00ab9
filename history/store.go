// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sidecall-project/sidecall/lib/codec"
	"github.com/sidecall-project/sidecall/lib/sqlitepool"
)

// storeSchema is applied to every pool connection. All statements are
// idempotent.
const storeSchema = `
CREATE TABLE IF NOT EXISTS call_history (
	id               TEXT PRIMARY KEY,
	phone_number     TEXT NOT NULL,
	contact_name     TEXT NOT NULL DEFAULT '',
	call_type        TEXT NOT NULL,
	call_date        INTEGER NOT NULL,
	duration_seconds INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS call_history_by_date
	ON call_history (call_date DESC);
`

// StoreConfig holds the parameters for opening a history store.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist; the file is created on first open.
	Path string

	// StatePath is the CBOR file holding the sync cursor. Defaults
	// to Path + ".cursor".
	StatePath string

	// PoolSize is the connection pool size. Defaults to 2: the
	// syncer writes, the UI reads.
	PoolSize int

	// Logger receives operational messages. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Store is the durable SQLite mirror of the phone's call log, plus
// the sync cursor that lets a restarted syncer skip backend records
// it already applied. Unlike the in-memory list, the mirror is
// unbounded: rows leave only when the phone deletes them.
type Store struct {
	pool      *sqlitepool.Pool
	logger    *slog.Logger
	statePath string

	mu     sync.Mutex
	cursor int64
}

// cursorState is the CBOR payload of the state file.
type cursorState struct {
	Cursor int64 `cbor:"cursor"`
}

// OpenStore opens the mirror database, creating the schema if needed,
// and loads the persisted cursor. An unreadable or corrupt state file
// resets the cursor to zero, which costs a full replay but never
// blocks startup.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("history store: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	statePath := cfg.StatePath
	if statePath == "" {
		statePath = cfg.Path + ".cursor"
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}

	return &Store{
		pool:      pool,
		logger:    logger,
		statePath: statePath,
		cursor:    loadCursor(statePath, logger),
	}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Upsert writes entry to the mirror, replacing any previous row with
// the same ID.
func (s *Store) Upsert(ctx context.Context, entry Entry) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("history store: upsert: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO call_history
		(id, phone_number, contact_name, call_type, call_date, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			phone_number     = excluded.phone_number,
			contact_name     = excluded.contact_name,
			call_type        = excluded.call_type,
			call_date        = excluded.call_date,
			duration_seconds = excluded.duration_seconds`,
		&sqlitex.ExecOptions{
			Args: []any{
				entry.ID,
				entry.PhoneNumber,
				entry.ContactName,
				string(entry.Type),
				entry.Date.UnixMilli(),
				entry.DurationSeconds,
			},
		})
	if err != nil {
		return fmt.Errorf("history store: upsert %s: %w", entry.ID, err)
	}
	return nil
}

// Delete removes the row with the given ID. Deleting an absent ID is
// not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("history store: delete: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM call_history WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("history store: delete %s: %w", id, err)
	}
	return nil
}

// Recent returns the newest entries by call date, newest first. Equal
// dates break toward the larger ID, matching the in-memory list. A
// limit of zero or less returns every row.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		// SQLite treats a negative LIMIT as no limit.
		limit = -1
	}

	var entries []Entry
	err = sqlitex.Execute(conn, `SELECT
			id, phone_number, contact_name, call_type, call_date, duration_seconds
		FROM call_history
		ORDER BY call_date DESC, id DESC
		LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, Entry{
					ID:              stmt.ColumnText(0),
					PhoneNumber:     stmt.ColumnText(1),
					ContactName:     stmt.ColumnText(2),
					Type:            CallType(stmt.ColumnText(3)),
					Date:            time.UnixMilli(stmt.ColumnInt64(4)),
					DurationSeconds: stmt.ColumnInt(5),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	return entries, nil
}

// Cursor returns the last applied backend timestamp, zero when
// nothing has been applied yet.
func (s *Store) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// SaveCursor durably records the last applied backend timestamp. The
// state file is replaced atomically so a crash never leaves a torn
// cursor.
func (s *Store) SaveCursor(cursor int64) error {
	s.mu.Lock()
	s.cursor = cursor
	s.mu.Unlock()

	data, err := codec.Marshal(cursorState{Cursor: cursor})
	if err != nil {
		return fmt.Errorf("history store: encoding cursor: %w", err)
	}

	tmpPath := s.statePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("history store: writing cursor: %w", err)
	}
	if err := os.Rename(tmpPath, s.statePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("history store: replacing cursor: %w", err)
	}
	return nil
}

// loadCursor reads the persisted cursor. Missing files are the normal
// first run; anything else unreadable costs a replay, not a failure.
func loadCursor(path string, logger *slog.Logger) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("unreadable sync cursor, replaying from scratch",
				"path", path, "error", err)
		}
		return 0
	}

	var state cursorState
	if err := codec.Unmarshal(data, &state); err != nil {
		logger.Warn("corrupt sync cursor, replaying from scratch",
			"path", path, "error", err)
		return 0
	}
	return state.Cursor
}
