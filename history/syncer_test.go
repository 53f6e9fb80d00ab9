// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sidecall-project/sidecall/rtdb"
)

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startSyncer runs a syncer for phone-1 over the given channel and
// store until the test ends.
func startSyncer(t *testing.T, channel rtdb.Channel, store *Store, limit int) *Syncer {
	t.Helper()
	syncer, err := NewSyncer(SyncerConfig{
		Channel:       channel,
		Store:         store,
		PhoneDeviceID: "phone-1",
		Limit:         limit,
		Logger:        discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		syncer.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return syncer
}

func putHistoryRecord(t *testing.T, channel rtdb.Channel, key string, minutes int) {
	t.Helper()
	err := channel.Put(context.Background(), "devices/phone-1/history/"+key, wireEntry{
		PhoneNumber:     "+15550100",
		ContactName:     "Alice",
		CallType:        string(TypeIncoming),
		CallDate:        testDate(minutes).UnixMilli(),
		DurationSeconds: 42,
	})
	if err != nil {
		t.Fatalf("Put history record: %v", err)
	}
}

func snapshotIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// drainUpdates consumes update signals until the channel stays quiet
// for 100ms, long past the syncer's gap between a mutation becoming
// visible and its signal landing.
func drainUpdates(syncer *Syncer) {
	for {
		select {
		case <-syncer.Updates():
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func TestSyncerMirrorsLiveRecords(t *testing.T) {
	channel := rtdb.NewMemory(nil)
	defer channel.Close()
	store, _ := newTestStore(t)
	syncer := startSyncer(t, channel, store, 0)

	putHistoryRecord(t, channel, "a", 1)
	putHistoryRecord(t, channel, "c", 3)
	putHistoryRecord(t, channel, "b", 2)

	waitFor(t, "three entries", func() bool { return len(syncer.Snapshot()) == 3 })

	got := snapshotIDs(syncer.Snapshot())
	for i, want := range []string{"c", "b", "a"} {
		if got[i] != want {
			t.Fatalf("snapshot = %v, want [c b a]", got)
		}
	}

	select {
	case <-syncer.Updates():
	default:
		t.Fatal("no update signal pending")
	}

	mirrored, err := store.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(mirrored) != 3 || mirrored[0].ID != "c" {
		t.Fatalf("mirror = %v", snapshotIDs(mirrored))
	}
	if store.Cursor() == 0 {
		t.Fatal("cursor never advanced")
	}
}

func TestSyncerSeedsFromStore(t *testing.T) {
	channel := rtdb.NewMemory(nil)
	defer channel.Close()
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, entry := range []Entry{testEntry("old-1", 1), testEntry("old-2", 2)} {
		if err := store.Upsert(ctx, entry); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	syncer := startSyncer(t, channel, store, 0)

	waitFor(t, "seeded entries", func() bool { return len(syncer.Snapshot()) == 2 })
	got := snapshotIDs(syncer.Snapshot())
	if got[0] != "old-2" || got[1] != "old-1" {
		t.Fatalf("snapshot = %v, want [old-2 old-1]", got)
	}
}

func TestSyncerResumesFromCursor(t *testing.T) {
	channel := rtdb.NewMemory(nil)
	defer channel.Close()
	dir := t.TempDir()

	// First session: mirror two entries, then stop.
	store1 := openTestStore(t, dir)
	func() {
		syncer, err := NewSyncer(SyncerConfig{
			Channel:       channel,
			Store:         store1,
			PhoneDeviceID: "phone-1",
			Logger:        discardLogger(),
		})
		if err != nil {
			t.Fatalf("NewSyncer: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			syncer.Run(ctx)
		}()
		putHistoryRecord(t, channel, "a", 1)
		putHistoryRecord(t, channel, "b", 2)
		waitFor(t, "first session mirror", func() bool { return len(syncer.Snapshot()) == 2 })
		cancel()
		<-done
	}()
	cursor := store1.Cursor()
	if cursor == 0 {
		t.Fatal("first session left no cursor")
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A record arrives while this device is offline.
	putHistoryRecord(t, channel, "c", 3)

	// Second session: seed from SQLite, replay from the cursor.
	store2 := openTestStore(t, dir)
	if got := store2.Cursor(); got != cursor {
		t.Fatalf("reloaded cursor = %d, want %d", got, cursor)
	}
	syncer := startSyncer(t, channel, store2, 0)

	waitFor(t, "resumed mirror", func() bool { return len(syncer.Snapshot()) == 3 })
	got := snapshotIDs(syncer.Snapshot())
	for i, want := range []string{"c", "b", "a"} {
		if got[i] != want {
			t.Fatalf("snapshot = %v, want [c b a]", got)
		}
	}
	if store2.Cursor() <= cursor {
		t.Fatalf("cursor did not advance past %d", cursor)
	}
}

func TestSyncerDropsMalformedRecords(t *testing.T) {
	channel := rtdb.NewMemory(nil)
	defer channel.Close()
	store, _ := newTestStore(t)
	syncer := startSyncer(t, channel, store, 0)

	if err := channel.Put(context.Background(), "devices/phone-1/history/junk", "not an entry"); err != nil {
		t.Fatalf("Put junk: %v", err)
	}
	putHistoryRecord(t, channel, "good", 1)

	waitFor(t, "valid entry", func() bool { return len(syncer.Snapshot()) == 1 })
	if got := syncer.Snapshot()[0].ID; got != "good" {
		t.Fatalf("entry ID = %q, want good", got)
	}

	// The malformed record still advanced the cursor so it is never
	// replayed.
	if store.Cursor() == 0 {
		t.Fatal("cursor never advanced")
	}
}

func TestSyncerChangeReplacesEntry(t *testing.T) {
	channel := rtdb.NewMemory(nil)
	defer channel.Close()
	store, _ := newTestStore(t)
	syncer := startSyncer(t, channel, store, 0)

	putHistoryRecord(t, channel, "a", 1)
	waitFor(t, "entry", func() bool { return len(syncer.Snapshot()) == 1 })

	err := channel.Put(context.Background(), "devices/phone-1/history/a", wireEntry{
		PhoneNumber:     "+15550100",
		ContactName:     "Alice Smith",
		CallType:        string(TypeIncoming),
		CallDate:        testDate(1).UnixMilli(),
		DurationSeconds: 42,
	})
	if err != nil {
		t.Fatalf("Put changed record: %v", err)
	}

	waitFor(t, "renamed contact", func() bool {
		snapshot := syncer.Snapshot()
		return len(snapshot) == 1 && snapshot[0].ContactName == "Alice Smith"
	})

	mirrored, err := store.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(mirrored) != 1 || mirrored[0].ContactName != "Alice Smith" {
		t.Fatalf("mirror = %+v", mirrored)
	}
}

func TestSyncerRemoveDeletesEverywhere(t *testing.T) {
	channel := rtdb.NewMemory(nil)
	defer channel.Close()
	store, _ := newTestStore(t)
	syncer := startSyncer(t, channel, store, 0)

	putHistoryRecord(t, channel, "a", 1)
	putHistoryRecord(t, channel, "b", 2)
	waitFor(t, "two entries", func() bool { return len(syncer.Snapshot()) == 2 })

	if err := channel.Delete(context.Background(), "devices/phone-1/history/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	waitFor(t, "one entry", func() bool { return len(syncer.Snapshot()) == 1 })
	if got := syncer.Snapshot()[0].ID; got != "b" {
		t.Fatalf("remaining = %q, want b", got)
	}

	waitFor(t, "mirror delete", func() bool {
		mirrored, err := store.Recent(context.Background(), 0)
		return err == nil && len(mirrored) == 1
	})
}

func TestSyncerBoundsVisibleListNotMirror(t *testing.T) {
	channel := rtdb.NewMemory(nil)
	defer channel.Close()
	store, _ := newTestStore(t)
	syncer := startSyncer(t, channel, store, 3)

	for i := 1; i <= 5; i++ {
		putHistoryRecord(t, channel, fmt.Sprintf("e%d", i), i)
	}

	waitFor(t, "mirror of five entries", func() bool {
		mirrored, err := store.Recent(context.Background(), 0)
		return err == nil && len(mirrored) == 5
	})

	got := snapshotIDs(syncer.Snapshot())
	if len(got) != 3 {
		t.Fatalf("visible = %v, want 3 newest", got)
	}
	for i, want := range []string{"e5", "e4", "e3"} {
		if got[i] != want {
			t.Fatalf("visible = %v, want [e5 e4 e3]", got)
		}
	}

	// An entry older than the whole window mirrors durably but does
	// not disturb the visible list or signal an update.
	drainUpdates(syncer)
	putHistoryRecord(t, channel, "ancient", 0)
	waitFor(t, "mirror of ancient entry", func() bool {
		mirrored, err := store.Recent(context.Background(), 0)
		return err == nil && len(mirrored) == 6
	})

	if got := len(syncer.Snapshot()); got != 3 {
		t.Fatalf("visible length = %d, want 3", got)
	}
	select {
	case <-syncer.Updates():
		t.Fatal("invisible change signaled an update")
	default:
	}
}
