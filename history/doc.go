// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package history mirrors the paired phone's call log.
//
// The phone publishes its call log as child records under
// devices/<id>/history; entries are immutable once written except for
// remote deletion. [Syncer] subscribes to that collection from a
// persisted cursor, folds the added/changed/removed stream into a
// bounded newest-first list (lib/delta), and mirrors every mutation
// into a local SQLite [Store]. On start the list seeds from the
// store, so the UI shows history before the backend has replayed
// anything.
//
// The visible list is bounded (200 entries by default); the SQLite
// mirror keeps the full log until the phone deletes entries. Readers
// take [Syncer.Snapshot] and wake on the coalescing [Syncer.Updates]
// signal.
package history
