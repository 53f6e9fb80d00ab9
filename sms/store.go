// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package sms

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
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	direction       TEXT NOT NULL,
	body            TEXT NOT NULL DEFAULT '',
	sent_at         INTEGER NOT NULL,
	status          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS messages_by_conversation
	ON messages (conversation_id, sent_at DESC);
`

// StoreConfig holds the parameters for opening a message store.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist; the file is created on first open.
	Path string

	// StatePath is the CBOR file holding the per-conversation sync
	// cursors. Defaults to Path + ".cursor".
	StatePath string

	// PoolSize is the connection pool size. Defaults to 2.
	PoolSize int

	// Logger receives operational messages. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Store is the durable SQLite mirror of the phone's messages, one
// table across all conversations, plus the per-conversation cursors
// that let restarted threads skip records they already applied.
type Store struct {
	pool      *sqlitepool.Pool
	logger    *slog.Logger
	statePath string

	mu      sync.Mutex
	cursors map[string]int64

	// fileMu serializes state file replacement; threads save
	// cursors concurrently.
	fileMu sync.Mutex
}

// cursorState is the CBOR payload of the state file.
type cursorState struct {
	Cursors map[string]int64 `cbor:"cursors"`
}

// OpenStore opens the mirror database, creating the schema if needed,
// and loads the persisted cursors. An unreadable or corrupt state
// file resets all cursors, which costs a replay but never blocks
// startup.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sms store: Path is required")
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
		return nil, fmt.Errorf("sms store: %w", err)
	}

	return &Store{
		pool:      pool,
		logger:    logger,
		statePath: statePath,
		cursors:   loadCursors(statePath, logger),
	}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// UpsertMessage writes message to the mirror, replacing any previous
// row with the same ID.
func (s *Store) UpsertMessage(ctx context.Context, message Message) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sms store: upsert: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO messages
		(id, conversation_id, direction, body, sent_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			direction       = excluded.direction,
			body            = excluded.body,
			sent_at         = excluded.sent_at,
			status          = excluded.status`,
		&sqlitex.ExecOptions{
			Args: []any{
				message.ID,
				message.ConversationID,
				string(message.Direction),
				message.Body,
				message.SentAt.UnixMilli(),
				string(message.Status),
			},
		})
	if err != nil {
		return fmt.Errorf("sms store: upsert %s: %w", message.ID, err)
	}
	return nil
}

// DeleteMessage removes the row with the given ID. Deleting an absent
// ID is not an error.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sms store: delete: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM messages WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("sms store: delete %s: %w", id, err)
	}
	return nil
}

// DeleteConversation removes every mirrored message of a conversation
// and forgets its cursor. Called when the phone deletes the thread.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sms store: delete conversation: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM messages WHERE conversation_id = ?`,
		&sqlitex.ExecOptions{Args: []any{conversationID}})
	if err != nil {
		return fmt.Errorf("sms store: delete conversation %s: %w", conversationID, err)
	}

	s.mu.Lock()
	delete(s.cursors, conversationID)
	s.mu.Unlock()
	if err := s.saveCursors(); err != nil {
		return err
	}
	return nil
}

// RecentMessages returns a conversation's newest messages by send
// time, newest first. Equal times break toward the larger ID,
// matching the in-memory list. A limit of zero or less returns every
// row.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sms store: recent: %w", err)
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		// SQLite treats a negative LIMIT as no limit.
		limit = -1
	}

	var messages []Message
	err = sqlitex.Execute(conn, `SELECT
			id, conversation_id, direction, body, sent_at, status
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{conversationID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				messages = append(messages, Message{
					ID:             stmt.ColumnText(0),
					ConversationID: stmt.ColumnText(1),
					Direction:      Direction(stmt.ColumnText(2)),
					Body:           stmt.ColumnText(3),
					SentAt:         time.UnixMilli(stmt.ColumnInt64(4)),
					Status:         Status(stmt.ColumnText(5)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sms store: recent for %s: %w", conversationID, err)
	}
	return messages, nil
}

// Cursor returns the last applied backend timestamp for a
// conversation, zero when nothing has been applied yet.
func (s *Store) Cursor(conversationID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[conversationID]
}

// SaveCursor durably records the last applied backend timestamp for a
// conversation. The state file is replaced atomically so a crash
// never leaves a torn cursor.
func (s *Store) SaveCursor(conversationID string, cursor int64) error {
	s.mu.Lock()
	s.cursors[conversationID] = cursor
	s.mu.Unlock()
	return s.saveCursors()
}

func (s *Store) saveCursors() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	s.mu.Lock()
	state := cursorState{Cursors: make(map[string]int64, len(s.cursors))}
	for id, cursor := range s.cursors {
		state.Cursors[id] = cursor
	}
	s.mu.Unlock()

	data, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("sms store: encoding cursors: %w", err)
	}

	tmpPath := s.statePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("sms store: writing cursors: %w", err)
	}
	if err := os.Rename(tmpPath, s.statePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sms store: replacing cursors: %w", err)
	}
	return nil
}

// loadCursors reads the persisted cursor map. Missing files are the
// normal first run; anything else unreadable costs a replay, not a
// failure.
func loadCursors(path string, logger *slog.Logger) map[string]int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("unreadable sync cursors, replaying from scratch",
				"path", path, "error", err)
		}
		return make(map[string]int64)
	}

	var state cursorState
	if err := codec.Unmarshal(data, &state); err != nil {
		logger.Warn("corrupt sync cursors, replaying from scratch",
			"path", path, "error", err)
		return make(map[string]int64)
	}
	if state.Cursors == nil {
		return make(map[string]int64)
	}
	return state.Cursors
}
