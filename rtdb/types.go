// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package rtdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// RecordKind classifies a child mutation.
type RecordKind string

const (
	// KindAdded reports a new child, both for live inserts and for
	// the replay of children that existed before Subscribe.
	KindAdded RecordKind = "added"
	// KindChanged reports an overwrite of an existing child.
	KindChanged RecordKind = "changed"
	// KindRemoved reports a deleted child. Value is empty.
	KindRemoved RecordKind = "removed"
)

// Record is one child mutation in a collection.
type Record struct {
	// Kind is the mutation type.
	Kind RecordKind `json:"kind"`
	// Path is the collection the child belongs to.
	Path string `json:"path"`
	// Key is the child key within the collection.
	Key string `json:"key"`
	// Value is the child's JSON payload. Empty for KindRemoved.
	Value json.RawMessage `json:"value,omitempty"`
	// Timestamp is the server clock at the mutation, Unix millis.
	// Strictly increasing per collection.
	Timestamp int64 `json:"ts"`
}

// ChildPath returns the full path of the record's child.
func (r Record) ChildPath() string {
	return r.Path + "/" + r.Key
}

// SubscribeOptions tunes a subscription.
type SubscribeOptions struct {
	// StartAt filters the initial replay server-side: only children
	// whose Timestamp is >= StartAt are replayed. Zero replays
	// everything. Live deltas are never filtered.
	StartAt int64
}

// Channel is the backend channel. All cross-device record flows go
// through one Channel. Implementations are safe for concurrent use.
type Channel interface {
	// Subscribe opens a subscription on a collection path. Current
	// children replay as Added records first (oldest timestamp
	// first), then live deltas stream in mutation order.
	Subscribe(ctx context.Context, path string, opts SubscribeOptions) (*Subscription, error)

	// Put writes the child at path (parent collection + child key),
	// creating or overwriting it. Returns after the server ack.
	Put(ctx context.Context, path string, value any) error

	// Push appends a child to the collection at path under a
	// generated key and returns that key.
	Push(ctx context.Context, path string, value any) (string, error)

	// Delete removes the child at path. Deleting an absent child is
	// not an error.
	Delete(ctx context.Context, path string) error

	// Close tears down the channel. Active subscriptions fail with
	// ErrClosed.
	Close() error
}

// Subscription is a live record stream for one collection. Records
// arrive on Events in delivery order. The channel closes when the
// subscription ends; Err reports why (nil after a local Close).
//
// Each subscription buffers undelivered records internally, so a
// consumer that stops draining stalls only its own stream.
type Subscription struct {
	path   string
	events chan Record
	notify chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	pending []Record
	err     error

	closeOnce sync.Once
	// detach unregisters the subscription from its channel. Set by
	// the owning Channel implementation.
	detach func()
}

// newSubscription creates a subscription and starts its pump. The
// detach callback runs once, on the first Close or fail.
func newSubscription(path string, detach func()) *Subscription {
	s := &Subscription{
		path:   path,
		events: make(chan Record, 16),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		detach: detach,
	}
	go s.pump()
	return s
}

// Events returns the record stream. Closed when the subscription
// ends; check Err afterwards.
func (s *Subscription) Events() <-chan Record {
	return s.events
}

// Path returns the subscribed collection path.
func (s *Subscription) Path() string {
	return s.path
}

// Err reports why the subscription ended. Nil while live and after a
// local Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. Pending undelivered records are
// discarded and Events closes. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		close(s.done)
	})
}

// deliver queues a record for the consumer. Never blocks: records
// land in the pending buffer and the pump goroutine moves them onto
// the Events channel as the consumer drains it.
func (s *Subscription) deliver(record Record) {
	s.mu.Lock()
	s.pending = append(s.pending, record)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// fail records the terminal error and ends the subscription.
func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Close()
}

// pump moves pending records onto the Events channel. Runs until
// Close, then closes Events.
func (s *Subscription) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		record := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.events <- record:
		case <-s.done:
			return
		}
	}
}

// SplitPath splits a child path into its parent collection and child
// key. The path must have at least two segments.
func SplitPath(path string) (parent, key string, err error) {
	if err := ValidatePath(path); err != nil {
		return "", "", err
	}
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", "", fmt.Errorf("rtdb: path %q has no parent collection", path)
	}
	return path[:i], path[i+1:], nil
}

// ValidatePath rejects empty paths, leading/trailing slashes, and
// empty segments.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("rtdb: empty path")
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			return fmt.Errorf("rtdb: path %q has an empty segment", path)
		}
	}
	return nil
}
