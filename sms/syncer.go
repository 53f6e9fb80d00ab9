// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package sms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sidecall-project/sidecall/lib/clock"
	"github.com/sidecall-project/sidecall/lib/delta"
	"github.com/sidecall-project/sidecall/rtdb"
)

const (
	// defaultConversationLimit bounds the visible conversation list.
	defaultConversationLimit = 200
	// defaultMessageLimit bounds each thread's visible messages.
	defaultMessageLimit = 200
)

// SyncerConfig holds the dependencies for an sms syncer.
type SyncerConfig struct {
	// Channel is the backend connection.
	Channel rtdb.Channel

	// Store is the durable message mirror. The syncer drives all
	// writes; the caller keeps ownership and closes it after Run
	// returns.
	Store *Store

	// PhoneDeviceID is the paired phone whose messages to mirror.
	PhoneDeviceID string

	// ConversationLimit bounds the visible conversation list.
	// Defaults to 200.
	ConversationLimit int

	// MessageLimit bounds each thread's visible messages. Defaults
	// to 200.
	MessageLimit int

	// Clock stamps outbox records. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Syncer mirrors the phone's messages. Run maintains the conversation
// list; Thread opens a live per-conversation message view backed by
// the SQLite mirror; SendText queues outbound texts for the phone to
// transmit.
type Syncer struct {
	channel       rtdb.Channel
	store         *Store
	phoneDeviceID string
	convLimit     int
	messageLimit  int
	clock         clock.Clock
	logger        *slog.Logger

	conversations *delta.List[Conversation]
	updates       chan struct{}

	mu      sync.Mutex
	runCtx  context.Context
	threads map[string]*Thread
}

// NewSyncer validates the configuration and returns a syncer. Nothing
// runs until Run is called.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("sms syncer: Channel is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("sms syncer: Store is required")
	}
	if cfg.PhoneDeviceID == "" {
		return nil, fmt.Errorf("sms syncer: PhoneDeviceID is required")
	}

	convLimit := cfg.ConversationLimit
	if convLimit <= 0 {
		convLimit = defaultConversationLimit
	}
	messageLimit := cfg.MessageLimit
	if messageLimit <= 0 {
		messageLimit = defaultMessageLimit
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Syncer{
		channel:       cfg.Channel,
		store:         cfg.Store,
		phoneDeviceID: cfg.PhoneDeviceID,
		convLimit:     convLimit,
		messageLimit:  messageLimit,
		clock:         clk,
		logger:        logger,
		conversations: delta.NewList[Conversation](convLimit),
		updates:       make(chan struct{}, 1),
		threads:       make(map[string]*Thread),
	}, nil
}

// Conversations returns the visible conversation list, most recently
// active first.
func (s *Syncer) Conversations() []Conversation {
	return s.conversations.Snapshot()
}

// Updates returns a coalescing signal channel: a receive means the
// conversation list changed since the last receive. Pair each receive
// with a Conversations call.
func (s *Syncer) Updates() <-chan struct{} {
	return s.updates
}

// Run maintains the conversation list until ctx is cancelled or the
// subscription dies. Threads opened while Run is active stop when it
// returns. The store must remain open for the duration.
//
// Conversation summaries are not cursored: the phone rewrites them in
// place, the collection is small, and stale unread counts are worse
// than a cheap full replay.
func (s *Syncer) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	path := "devices/" + s.phoneDeviceID + "/conversations"
	sub, err := s.channel.Subscribe(ctx, path, rtdb.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("subscribing to conversations: %w", err)
	}
	defer sub.Close()

	s.logger.Info("message sync started", "path", path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("conversation stream ended: %w", sub.Err())
			}
			s.applyConversation(ctx, record)
		}
	}
}

// applyConversation folds one summary record into the list. A changed
// record whose activity timestamp moved re-enters the list instead of
// replacing in place, so the thread bubbles to the top; this also
// resurfaces a conversation that had fallen off the bound.
func (s *Syncer) applyConversation(ctx context.Context, record rtdb.Record) {
	changed := false
	switch record.Kind {
	case rtdb.KindAdded, rtdb.KindChanged:
		conversation, err := parseConversation(record.Key, record.Value)
		if err != nil {
			s.logger.Warn("dropping malformed conversation record",
				"path", record.ChildPath(), "error", err)
			return
		}
		existing, known := s.conversations.Get(conversation.ID)
		switch {
		case known && existing.LastActivity.Equal(conversation.LastActivity):
			changed = s.conversations.Change(conversation)
		case known:
			s.conversations.Remove(conversation.ID)
			s.conversations.Add(conversation)
			changed = true
		default:
			changed = s.conversations.Add(conversation)
		}
	case rtdb.KindRemoved:
		changed = s.conversations.Remove(record.Key)
		// The phone deleted the whole thread: drop its mirrored
		// messages too. Its message removals may never replay if
		// this device was offline for the deletion.
		if err := s.store.DeleteConversation(ctx, record.Key); err != nil {
			s.logger.Error("purging deleted conversation",
				"conversation", record.Key, "error", err)
		}
	}
	if changed {
		s.signal()
	}
}

func (s *Syncer) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// outboxMessage is the payload pushed for the phone to transmit.
type outboxMessage struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
	QueuedAt       int64  `json:"queuedAt"`
}

// SendText queues body for the phone to send in the given
// conversation. The backend acknowledges the queue write; carrier
// progress comes back as a message record whose status advances
// through sending, sent, and delivered or failed.
func (s *Syncer) SendText(ctx context.Context, conversationID, body string) error {
	if conversationID == "" {
		return fmt.Errorf("sms: conversation ID is required")
	}
	if body == "" {
		return fmt.Errorf("sms: message body is empty")
	}

	payload := outboxMessage{
		ConversationID: conversationID,
		Body:           body,
		QueuedAt:       s.clock.Now().UnixMilli(),
	}
	path := "devices/" + s.phoneDeviceID + "/outbox"
	if _, err := s.channel.Push(ctx, path, payload); err != nil {
		return fmt.Errorf("queueing text for %s: %w", conversationID, err)
	}
	return nil
}

// Thread is the live message view of one conversation: a bounded
// newest-first list seeded from the mirror, advanced by backend
// records. Obtained from [Syncer.Thread]; Close drops the
// subscription when the UI stops watching the conversation.
type Thread struct {
	conversationID string
	messages       *delta.List[Message]
	updates        chan struct{}

	cancel context.CancelFunc
	drop   func()
	done   chan struct{}
}

// ConversationID returns the conversation this thread follows.
func (t *Thread) ConversationID() string {
	return t.conversationID
}

// Snapshot returns the visible messages, newest first.
func (t *Thread) Snapshot() []Message {
	return t.messages.Snapshot()
}

// Updates returns a coalescing signal channel: a receive means the
// visible messages changed since the last receive.
func (t *Thread) Updates() <-chan struct{} {
	return t.updates
}

// Close stops the thread's subscription and waits for its loop to
// exit. Safe to call more than once.
func (t *Thread) Close() {
	t.drop()
	t.cancel()
	<-t.done
}

func (t *Thread) signal() {
	select {
	case t.updates <- struct{}{}:
	default:
	}
}

// Thread returns the live view of one conversation, starting it on
// first use. Threads follow the syncer's Run lifetime; callers that
// stop watching should Close to drop the subscription. Requires Run
// to be active.
func (s *Syncer) Thread(conversationID string) (*Thread, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("sms: conversation ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runCtx == nil || s.runCtx.Err() != nil {
		return nil, fmt.Errorf("sms: syncer is not running")
	}
	if existing, ok := s.threads[conversationID]; ok {
		return existing, nil
	}

	ctx, cancel := context.WithCancel(s.runCtx)
	thread := &Thread{
		conversationID: conversationID,
		messages:       delta.NewList[Message](s.messageLimit),
		updates:        make(chan struct{}, 1),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	thread.drop = func() { s.dropThread(thread) }
	s.threads[conversationID] = thread

	go s.runThread(ctx, thread)
	return thread, nil
}

// dropThread removes a thread from the registry. Guarded by identity
// so a late exit never evicts a newer thread for the same
// conversation.
func (s *Syncer) dropThread(thread *Thread) {
	s.mu.Lock()
	if s.threads[thread.conversationID] == thread {
		delete(s.threads, thread.conversationID)
	}
	s.mu.Unlock()
}

// runThread seeds a thread from the mirror, then follows its message
// collection from the persisted cursor until the thread is closed or
// the syncer stops.
func (s *Syncer) runThread(ctx context.Context, thread *Thread) {
	defer close(thread.done)
	defer s.dropThread(thread)

	seed, err := s.store.RecentMessages(ctx, thread.conversationID, s.messageLimit)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("seeding thread",
			"conversation", thread.conversationID, "error", err)
	} else if len(seed) > 0 {
		thread.messages.Reset(seed)
		thread.signal()
	}

	cursor := s.store.Cursor(thread.conversationID)
	opts := rtdb.SubscribeOptions{}
	if cursor > 0 {
		opts.StartAt = cursor + 1
	}
	path := "devices/" + s.phoneDeviceID + "/messages/" + thread.conversationID
	sub, err := s.channel.Subscribe(ctx, path, opts)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("subscribing to thread",
				"conversation", thread.conversationID, "error", err)
		}
		return
	}
	defer sub.Close()

	s.logger.Info("thread opened",
		"conversation", thread.conversationID, "cursor", cursor, "seeded", len(seed))

	for {
		select {
		case <-ctx.Done():
			return
		case record, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil && ctx.Err() == nil {
					s.logger.Error("thread stream ended",
						"conversation", thread.conversationID, "error", err)
				}
				return
			}
			s.applyMessage(ctx, thread, record)
		}
	}
}

// applyMessage folds one message record into the thread and the
// mirror, then advances the conversation's cursor. Malformed records
// are dropped but still move the cursor: a record that cannot be
// parsed today will not parse after a restart either.
func (s *Syncer) applyMessage(ctx context.Context, thread *Thread, record rtdb.Record) {
	changed := false
	switch record.Kind {
	case rtdb.KindAdded, rtdb.KindChanged:
		message, err := parseMessage(thread.conversationID, record.Key, record.Value)
		if err != nil {
			s.logger.Warn("dropping malformed message record",
				"path", record.ChildPath(), "error", err)
			break
		}
		if record.Kind == rtdb.KindAdded {
			changed = thread.messages.Add(message)
		} else {
			changed = thread.messages.Change(message)
		}
		if err := s.store.UpsertMessage(ctx, message); err != nil {
			s.logger.Error("mirroring message",
				"id", message.ID, "error", err)
		}
	case rtdb.KindRemoved:
		changed = thread.messages.Remove(record.Key)
		if err := s.store.DeleteMessage(ctx, record.Key); err != nil {
			s.logger.Error("deleting mirrored message",
				"id", record.Key, "error", err)
		}
	}

	if err := s.store.SaveCursor(thread.conversationID, record.Timestamp); err != nil {
		s.logger.Error("persisting thread cursor",
			"conversation", thread.conversationID, "error", err)
	}
	if changed {
		thread.signal()
	}
}
