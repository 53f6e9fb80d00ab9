// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package rtdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// collect drains n records from the subscription, failing the test if
// they do not arrive within the deadline.
func collect(t *testing.T, sub *Subscription, n int) []Record {
	t.Helper()
	var records []Record
	timeout := time.After(5 * time.Second)
	for len(records) < n {
		select {
		case record, ok := <-sub.Events():
			if !ok {
				t.Fatalf("events channel closed after %d of %d records (err: %v)",
					len(records), n, sub.Err())
			}
			records = append(records, record)
		case <-timeout:
			t.Fatalf("timed out after %d of %d records", len(records), n)
		}
	}
	return records
}

// expectNoRecord asserts that nothing is immediately pending on the
// subscription.
func expectNoRecord(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case record := <-sub.Events():
		t.Fatalf("unexpected record: %+v", record)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryReplayThenDelta(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(nil)
	defer mem.Close()

	// Two children exist before the subscription.
	if err := mem.Put(ctx, "users/p1/callHistory/a", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := mem.Put(ctx, "users/p1/callHistory/b", map[string]any{"n": 2}); err != nil {
		t.Fatalf("Put b: %v", err)
	}

	sub, err := mem.Subscribe(ctx, "users/p1/callHistory", SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// A delta lands after the subscription.
	if err := mem.Put(ctx, "users/p1/callHistory/c", map[string]any{"n": 3}); err != nil {
		t.Fatalf("Put c: %v", err)
	}

	records := collect(t, sub, 3)

	// Replay comes first, in timestamp order, then the live delta.
	wantKeys := []string{"a", "b", "c"}
	for i, want := range wantKeys {
		if records[i].Key != want {
			t.Errorf("record %d key = %q, want %q", i, records[i].Key, want)
		}
		if records[i].Kind != KindAdded {
			t.Errorf("record %d kind = %q, want %q", i, records[i].Kind, KindAdded)
		}
	}
	if records[0].Timestamp >= records[1].Timestamp || records[1].Timestamp >= records[2].Timestamp {
		t.Errorf("timestamps not strictly increasing: %d, %d, %d",
			records[0].Timestamp, records[1].Timestamp, records[2].Timestamp)
	}
}

func TestMemoryStartAtFiltersReplay(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(nil)
	defer mem.Close()

	if err := mem.Put(ctx, "users/p1/callHistory/old", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Put old: %v", err)
	}

	// Find the cutoff: everything at or after the second record.
	probe, err := mem.Subscribe(ctx, "users/p1/callHistory", SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe probe: %v", err)
	}
	oldTS := collect(t, probe, 1)[0].Timestamp
	probe.Close()

	if err := mem.Put(ctx, "users/p1/callHistory/new", map[string]any{"n": 2}); err != nil {
		t.Fatalf("Put new: %v", err)
	}

	sub, err := mem.Subscribe(ctx, "users/p1/callHistory", SubscribeOptions{StartAt: oldTS + 1})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	records := collect(t, sub, 1)
	if records[0].Key != "new" {
		t.Errorf("replayed key = %q, want %q", records[0].Key, "new")
	}
	expectNoRecord(t, sub)
}

func TestMemoryPutKinds(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(nil)
	defer mem.Close()

	sub, err := mem.Subscribe(ctx, "devices/d1/calls", SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := mem.Put(ctx, "devices/d1/calls/c1", map[string]any{"state": "ringing"}); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := mem.Put(ctx, "devices/d1/calls/c1", map[string]any{"state": "connected"}); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if err := mem.Delete(ctx, "devices/d1/calls/c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	records := collect(t, sub, 3)
	wantKinds := []RecordKind{KindAdded, KindChanged, KindRemoved}
	for i, want := range wantKinds {
		if records[i].Kind != want {
			t.Errorf("record %d kind = %q, want %q", i, records[i].Kind, want)
		}
	}
	if len(records[2].Value) != 0 {
		t.Errorf("removed record carries value %s", records[2].Value)
	}

	var state struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(records[1].Value, &state); err != nil {
		t.Fatalf("decoding changed value: %v", err)
	}
	if state.State != "connected" {
		t.Errorf("changed value state = %q, want %q", state.State, "connected")
	}
}

func TestMemoryDeleteAbsentIsNoop(t *testing.T) {
	mem := NewMemory(nil)
	defer mem.Close()

	if err := mem.Delete(context.Background(), "devices/d1/calls/ghost"); err != nil {
		t.Fatalf("Delete of absent child: %v", err)
	}
}

func TestMemoryPushGeneratesDistinctKeys(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(nil)
	defer mem.Close()

	sub, err := mem.Subscribe(ctx, "devices/d1/commands", SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	key1, err := mem.Push(ctx, "devices/d1/commands", map[string]any{"action": "answer"})
	if err != nil {
		t.Fatalf("Push 1: %v", err)
	}
	key2, err := mem.Push(ctx, "devices/d1/commands", map[string]any{"action": "end"})
	if err != nil {
		t.Fatalf("Push 2: %v", err)
	}

	if key1 == "" || key2 == "" {
		t.Fatal("Push returned an empty key")
	}
	if key1 == key2 {
		t.Fatalf("Push returned duplicate key %q", key1)
	}

	records := collect(t, sub, 2)
	if records[0].Key != key1 || records[1].Key != key2 {
		t.Errorf("event keys = %q, %q; want %q, %q",
			records[0].Key, records[1].Key, key1, key2)
	}
}

func TestMemorySubscriberIsolation(t *testing.T) {
	// A subscriber that never drains must not stall delivery to other
	// subscribers on the same collection.
	ctx := context.Background()
	mem := NewMemory(nil)
	defer mem.Close()

	stalled, err := mem.Subscribe(ctx, "devices/d1/calls", SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe stalled: %v", err)
	}
	defer stalled.Close()

	live, err := mem.Subscribe(ctx, "devices/d1/calls", SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe live: %v", err)
	}
	defer live.Close()

	// Push well past any channel buffer without draining `stalled`.
	for i := 0; i < 100; i++ {
		if _, err := mem.Push(ctx, "devices/d1/calls", map[string]any{"n": i}); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	records := collect(t, live, 100)
	if len(records) != 100 {
		t.Fatalf("live subscriber received %d records, want 100", len(records))
	}
}

func TestMemoryCloseFailsSubscriptions(t *testing.T) {
	mem := NewMemory(nil)
	sub, err := mem.Subscribe(context.Background(), "devices/d1/calls", SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := mem.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The events channel must close and Err must report ErrClosed.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				if !errors.Is(sub.Err(), ErrClosed) {
					t.Fatalf("Err() = %v, want ErrClosed", sub.Err())
				}
				return
			}
		case <-timeout:
			t.Fatal("events channel did not close after Close")
		}
	}
}

func TestMemoryOperationsAfterClose(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(nil)
	mem.Close()

	if err := mem.Put(ctx, "a/b", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after close: %v, want ErrClosed", err)
	}
	if _, err := mem.Push(ctx, "a", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Push after close: %v, want ErrClosed", err)
	}
	if err := mem.Delete(ctx, "a/b"); !errors.Is(err, ErrClosed) {
		t.Errorf("Delete after close: %v, want ErrClosed", err)
	}
	if _, err := mem.Subscribe(ctx, "a", SubscribeOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after close: %v, want ErrClosed", err)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path       string
		wantParent string
		wantKey    string
		wantErr    bool
	}{
		{path: "devices/d1/calls/c1", wantParent: "devices/d1/calls", wantKey: "c1"},
		{path: "a/b", wantParent: "a", wantKey: "b"},
		{path: "nokey", wantErr: true},
		{path: "", wantErr: true},
		{path: "a//b", wantErr: true},
		{path: "/a/b", wantErr: true},
		{path: "a/b/", wantErr: true},
	}

	for _, tt := range tests {
		parent, key, err := SplitPath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("SplitPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if parent != tt.wantParent || key != tt.wantKey {
			t.Errorf("SplitPath(%q) = %q, %q; want %q, %q",
				tt.path, parent, key, tt.wantParent, tt.wantKey)
		}
	}
}

func TestIsBackendError(t *testing.T) {
	err := fmt.Errorf("putting users/p1/clipboard/current: %w",
		&BackendError{Code: ErrCodePermissionDenied, Message: "nope"})
	if !IsBackendError(err, ErrCodePermissionDenied) {
		t.Error("IsBackendError should match through wrapping")
	}
	if IsBackendError(err, ErrCodeUnavailable) {
		t.Error("IsBackendError matched the wrong code")
	}
	if IsBackendError(errors.New("plain"), ErrCodePermissionDenied) {
		t.Error("IsBackendError matched a plain error")
	}
}
