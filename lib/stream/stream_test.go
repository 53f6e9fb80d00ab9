// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"testing"
	"time"
)

func TestFeedDeliversInOrder(t *testing.T) {
	feed := NewFeed[int]()
	for i := 0; i < 100; i++ {
		feed.Push(i)
	}
	feed.Close()

	got := make([]int, 0, 100)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case value, ok := <-feed.Out():
			if !ok {
				if len(got) != 100 {
					t.Fatalf("received %d values, want 100", len(got))
				}
				for i, value := range got {
					if value != i {
						t.Fatalf("got[%d] = %d", i, value)
					}
				}
				return
			}
			got = append(got, value)
		case <-deadline:
			t.Fatalf("timed out after %d values", len(got))
		}
	}
}

func TestFeedPushNeverBlocks(t *testing.T) {
	feed := NewFeed[int]()
	defer feed.Close()

	// Nobody drains Out. Pushing far past the channel buffer must
	// still return.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			feed.Push(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Push blocked on an undrained consumer")
	}

	// Drain so the pump exits.
	go func() {
		feed.Close()
	}()
	for range feed.Out() {
	}
}

func TestFeedCloseDrainsPending(t *testing.T) {
	feed := NewFeed[string]()
	feed.Push("before")
	feed.Close()
	feed.Push("after")

	var got []string
	for value := range feed.Out() {
		got = append(got, value)
	}
	if len(got) != 1 || got[0] != "before" {
		t.Fatalf("drained %v, want [before]", got)
	}
}

func TestFeedCloseIsIdempotent(t *testing.T) {
	feed := NewFeed[int]()
	feed.Close()
	feed.Close()
	for range feed.Out() {
	}
}
