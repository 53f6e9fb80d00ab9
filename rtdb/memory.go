// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package rtdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/sidecall-project/sidecall/lib/clock"
)

// Compile-time interface check.
var _ Channel = (*Memory)(nil)

// Memory is an in-process Channel for tests and the phone simulator.
// It keeps the record tree in a map and fans mutations out to
// subscribers with the same replay-then-delta semantics as the
// production connection. Two components sharing a Memory instance
// exchange records without any network.
type Memory struct {
	clock clock.Clock

	mu     sync.Mutex
	tree   map[string]map[string]child // collection path -> key -> child
	subs   map[string][]*Subscription  // collection path -> subscribers
	lastTS int64
	closed bool
}

// child is one stored record value with its server timestamp.
type child struct {
	value json.RawMessage
	ts    int64
}

// NewMemory creates an empty in-process channel. A nil clk uses the
// real clock.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{
		clock: clk,
		tree:  make(map[string]map[string]child),
		subs:  make(map[string][]*Subscription),
	}
}

// Subscribe opens a subscription on a collection. Existing children
// with Timestamp >= opts.StartAt replay as Added records in timestamp
// order before any live delta is delivered.
func (m *Memory) Subscribe(_ context.Context, path string, opts SubscribeOptions) (*Subscription, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := newSubscription(path, nil)
	sub.detach = func() { m.removeSub(path, sub) }

	// Registration and replay happen under the lock, so a concurrent
	// Put queues its delta strictly after the replay records.
	m.subs[path] = append(m.subs[path], sub)

	var replay []Record
	for key, c := range m.tree[path] {
		if c.ts < opts.StartAt {
			continue
		}
		replay = append(replay, Record{
			Kind:      KindAdded,
			Path:      path,
			Key:       key,
			Value:     c.value,
			Timestamp: c.ts,
		})
	}
	sort.Slice(replay, func(i, j int) bool {
		if replay[i].Timestamp != replay[j].Timestamp {
			return replay[i].Timestamp < replay[j].Timestamp
		}
		return replay[i].Key < replay[j].Key
	})
	for _, record := range replay {
		sub.deliver(record)
	}

	return sub, nil
}

// Put creates or overwrites the child at path.
func (m *Memory) Put(_ context.Context, path string, value any) error {
	parent, key, err := SplitPath(path)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("rtdb: encoding value for %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	kind := KindAdded
	if _, exists := m.tree[parent][key]; exists {
		kind = KindChanged
	}
	m.storeLocked(parent, key, raw, kind)
	return nil
}

// Push appends a child under a generated key and returns the key.
func (m *Memory) Push(_ context.Context, path string, value any) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("rtdb: encoding value for %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	key := uuid.NewString()
	m.storeLocked(path, key, raw, KindAdded)
	return key, nil
}

// Delete removes the child at path. Removing an absent child is a
// no-op.
func (m *Memory) Delete(_ context.Context, path string) error {
	parent, key, err := SplitPath(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, exists := m.tree[parent][key]; !exists {
		return nil
	}
	delete(m.tree[parent], key)

	record := Record{
		Kind:      KindRemoved,
		Path:      parent,
		Key:       key,
		Timestamp: m.nextTimestampLocked(),
	}
	for _, sub := range m.subs[parent] {
		sub.deliver(record)
	}
	return nil
}

// Close shuts the channel down. Every active subscription fails with
// ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*Subscription
	for _, subs := range m.subs {
		all = append(all, subs...)
	}
	m.subs = make(map[string][]*Subscription)
	m.mu.Unlock()

	for _, sub := range all {
		sub.fail(ErrClosed)
	}
	return nil
}

// storeLocked writes the child and fans the delta out. Caller holds
// m.mu.
func (m *Memory) storeLocked(parent, key string, value json.RawMessage, kind RecordKind) {
	if m.tree[parent] == nil {
		m.tree[parent] = make(map[string]child)
	}
	ts := m.nextTimestampLocked()
	m.tree[parent][key] = child{value: value, ts: ts}

	record := Record{
		Kind:      kind,
		Path:      parent,
		Key:       key,
		Value:     value,
		Timestamp: ts,
	}
	for _, sub := range m.subs[parent] {
		sub.deliver(record)
	}
}

// nextTimestampLocked synthesizes a strictly increasing server
// timestamp. With a fake clock that does not advance, successive
// mutations still get distinct timestamps.
func (m *Memory) nextTimestampLocked() int64 {
	ts := m.clock.Now().UnixMilli()
	if ts <= m.lastTS {
		ts = m.lastTS + 1
	}
	m.lastTS = ts
	return ts
}

// removeSub detaches a subscription from its collection's fan-out
// list.
func (m *Memory) removeSub(path string, sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[path]
	for i, candidate := range subs {
		if candidate == sub {
			m.subs[path] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
