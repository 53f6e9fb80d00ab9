// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package delta maintains bounded newest-first views over
// added/changed/removed record streams. A List is the in-memory half
// of a backend mirror: the phone owns the collection, the backend
// streams child mutations, and the List folds them into the list the
// UI reads, so nothing ever re-fetches the full collection.
package delta

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Entry is the element constraint: a stable unique key and the
// timestamp the list orders by. The timestamp must not change after
// the entry is added; Change never re-sorts.
type Entry interface {
	Key() string
	SortTime() time.Time
}

// List is a bounded view of a remote collection, ordered newest
// first. Mutation methods report whether the visible list changed,
// which is what callers use to gate change notifications.
//
// A List is safe for concurrent use.
type List[E Entry] struct {
	limit int

	mu      sync.Mutex
	entries []E
}

// NewList returns an empty list holding at most limit entries. A
// limit of zero or less means unbounded.
func NewList[E Entry](limit int) *List[E] {
	return &List[E]{limit: limit}
}

// Add inserts entry unless its key is already present, restores
// newest-first order, and drops the oldest entries beyond the bound.
// It reports false for duplicate keys and for entries that sort below
// the bound of an already-full list.
func (l *List[E]) Add(entry E) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.indexLocked(entry.Key()) >= 0 {
		return false
	}
	l.entries = append(l.entries, entry)
	l.sortLocked()
	if l.limit > 0 && len(l.entries) > l.limit {
		kept := l.indexLocked(entry.Key()) < l.limit
		l.entries = slices.Delete(l.entries, l.limit, len(l.entries))
		return kept
	}
	return true
}

// Change replaces the entry with the same key, keeping its position.
// A key that is not in the list (never added, or already dropped past
// the bound) is ignored and reports no change.
func (l *List[E]) Change(entry E) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexLocked(entry.Key())
	if i < 0 {
		return false
	}
	l.entries[i] = entry
	return true
}

// Remove deletes the entry with the given key. Absent keys are a
// no-op and report no change.
func (l *List[E]) Remove(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexLocked(key)
	if i < 0 {
		return false
	}
	l.entries = slices.Delete(l.entries, i, i+1)
	return true
}

// Reset replaces the whole list with entries, sorting and bounding
// them. Used to seed a list from a local mirror before live records
// arrive. Keys must be unique; Reset does not deduplicate.
func (l *List[E]) Reset(entries []E) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = slices.Clone(entries)
	l.sortLocked()
	if l.limit > 0 && len(l.entries) > l.limit {
		l.entries = l.entries[:l.limit]
	}
}

// Get returns the visible entry with the given key.
func (l *List[E]) Get(key string) (E, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexLocked(key)
	if i < 0 {
		var zero E
		return zero, false
	}
	return l.entries[i], true
}

// Snapshot returns a copy of the visible list, newest first.
func (l *List[E]) Snapshot() []E {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// Len returns the number of visible entries.
func (l *List[E]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// indexLocked returns the position of key, or -1. Linear scan: lists
// are bounded to a few hundred entries.
func (l *List[E]) indexLocked(key string) int {
	for i := range l.entries {
		if l.entries[i].Key() == key {
			return i
		}
	}
	return -1
}

// sortLocked restores newest-first order. Equal timestamps break
// toward the larger key so the order is deterministic.
func (l *List[E]) sortLocked() {
	slices.SortFunc(l.entries, func(a, b E) int {
		if c := b.SortTime().Compare(a.SortTime()); c != 0 {
			return c
		}
		return cmp.Compare(b.Key(), a.Key())
	})
}
