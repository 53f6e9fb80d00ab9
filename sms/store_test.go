// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package sms

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return openTestStore(t, dir), dir
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := OpenStore(StoreConfig{
		Path:   filepath.Join(dir, "messages.db"),
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sentAt(minutes int) time.Time {
	return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute)
}

func testMessage(id, conversationID string, minutes int) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		Direction:      DirectionIncoming,
		Body:           "hello from " + id,
		SentAt:         sentAt(minutes),
	}
}

func TestStoreUpsertAndRecentMessages(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, message := range []Message{
		testMessage("m2", "conv-1", 2),
		testMessage("m1", "conv-1", 1),
		testMessage("m3", "conv-1", 3),
		testMessage("other", "conv-2", 9),
	} {
		if err := store.UpsertMessage(ctx, message); err != nil {
			t.Fatalf("UpsertMessage(%s): %v", message.ID, err)
		}
	}

	messages, err := store.RecentMessages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("len = %d, want 3", len(messages))
	}
	for i, want := range []string{"m3", "m2", "m1"} {
		if messages[i].ID != want {
			t.Fatalf("messages[%d].ID = %q, want %q", i, messages[i].ID, want)
		}
	}
	if got := messages[0]; got.ConversationID != "conv-1" ||
		got.Direction != DirectionIncoming || got.Body != "hello from m3" ||
		!got.SentAt.Equal(sentAt(3)) {
		t.Errorf("round-tripped message = %+v", got)
	}

	top, err := store.RecentMessages(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("RecentMessages(2): %v", err)
	}
	if len(top) != 2 || top[0].ID != "m3" || top[1].ID != "m2" {
		t.Fatalf("RecentMessages(2) = %v", top)
	}
}

func TestStoreUpsertReplacesStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	message := testMessage("m1", "conv-1", 1)
	message.Direction = DirectionOutgoing
	message.Status = StatusSending
	if err := store.UpsertMessage(ctx, message); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}

	message.Status = StatusDelivered
	if err := store.UpsertMessage(ctx, message); err != nil {
		t.Fatalf("second UpsertMessage: %v", err)
	}

	messages, err := store.RecentMessages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("len = %d, want 1", len(messages))
	}
	if messages[0].Status != StatusDelivered {
		t.Errorf("Status = %q, want %q", messages[0].Status, StatusDelivered)
	}
}

func TestStoreDeleteMessage(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertMessage(ctx, testMessage("m1", "conv-1", 1)); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}
	if err := store.DeleteMessage(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if err := store.DeleteMessage(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMessage of absent row: %v", err)
	}

	messages, err := store.RecentMessages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("len = %d, want 0", len(messages))
	}
}

func TestStoreDeleteConversationPurges(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, message := range []Message{
		testMessage("m1", "conv-1", 1),
		testMessage("m2", "conv-1", 2),
		testMessage("kept", "conv-2", 3),
	} {
		if err := store.UpsertMessage(ctx, message); err != nil {
			t.Fatalf("UpsertMessage: %v", err)
		}
	}
	if err := store.SaveCursor("conv-1", 42); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}

	if err := store.DeleteConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}

	gone, err := store.RecentMessages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(gone) != 0 {
		t.Fatalf("conv-1 still has %d messages", len(gone))
	}
	kept, err := store.RecentMessages(ctx, "conv-2", 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("conv-2 lost its messages")
	}
	if got := store.Cursor("conv-1"); got != 0 {
		t.Fatalf("Cursor(conv-1) = %d, want 0", got)
	}
}

func TestStoreCursorsPersistAcrossReopen(t *testing.T) {
	store, dir := newTestStore(t)

	if got := store.Cursor("conv-1"); got != 0 {
		t.Fatalf("fresh Cursor() = %d, want 0", got)
	}
	if err := store.SaveCursor("conv-1", 100); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	if err := store.SaveCursor("conv-2", 200); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestStore(t, dir)
	if got := reopened.Cursor("conv-1"); got != 100 {
		t.Fatalf("Cursor(conv-1) = %d, want 100", got)
	}
	if got := reopened.Cursor("conv-2"); got != 200 {
		t.Fatalf("Cursor(conv-2) = %d, want 200", got)
	}
}
