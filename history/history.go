// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"encoding/json"
	"fmt"
	"time"
)

// CallType classifies a history entry, as the phone's call log
// reports it.
type CallType string

const (
	TypeIncoming CallType = "incoming"
	TypeOutgoing CallType = "outgoing"
	TypeMissed   CallType = "missed"
	TypeRejected CallType = "rejected"
	TypeBlocked  CallType = "blocked"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	switch t {
	case TypeIncoming, TypeOutgoing, TypeMissed, TypeRejected, TypeBlocked:
		return true
	}
	return false
}

// Entry is one call-log entry mirrored from the phone. Entries are
// created on the phone and never mutated locally.
type Entry struct {
	// ID is the backend child key of the entry.
	ID string `json:"id"`

	// PhoneNumber is the counterpart's number as the phone logged it.
	PhoneNumber string `json:"phoneNumber"`

	// ContactName is the phone's address-book name for the number,
	// empty when unresolved.
	ContactName string `json:"contactName,omitempty"`

	// Type is the call classification.
	Type CallType `json:"callType"`

	// Date is when the call started.
	Date time.Time `json:"callDate"`

	// DurationSeconds is the connected duration. Zero for missed,
	// rejected, and blocked calls.
	DurationSeconds int `json:"durationSeconds"`
}

// Key implements the delta list entry contract.
func (e Entry) Key() string { return e.ID }

// SortTime implements the delta list entry contract. Call dates are
// immutable on the phone, so the list never re-sorts an entry.
func (e Entry) SortTime() time.Time { return e.Date }

// Label returns the contact name when the phone resolved one, the
// raw number otherwise.
func (e Entry) Label() string {
	if e.ContactName != "" {
		return e.ContactName
	}
	return e.PhoneNumber
}

// wireEntry is the JSON payload the phone publishes under
// devices/<id>/history. The entry ID is the record key, not part of
// the payload.
type wireEntry struct {
	PhoneNumber     string `json:"phoneNumber"`
	ContactName     string `json:"contactName,omitempty"`
	CallType        string `json:"callType"`
	CallDate        int64  `json:"callDate"`
	DurationSeconds int    `json:"durationSeconds"`
}

// parseEntry decodes one history record payload. Records that fail
// here are dropped by the syncer; they never reach the list or the
// store.
func parseEntry(key string, value json.RawMessage) (Entry, error) {
	var wire wireEntry
	if err := json.Unmarshal(value, &wire); err != nil {
		return Entry{}, fmt.Errorf("decoding entry %s: %w", key, err)
	}
	if wire.PhoneNumber == "" {
		return Entry{}, fmt.Errorf("entry %s: missing phoneNumber", key)
	}
	if !CallType(wire.CallType).Valid() {
		return Entry{}, fmt.Errorf("entry %s: unknown callType %q", key, wire.CallType)
	}
	if wire.CallDate <= 0 {
		return Entry{}, fmt.Errorf("entry %s: missing callDate", key)
	}
	if wire.DurationSeconds < 0 {
		return Entry{}, fmt.Errorf("entry %s: negative durationSeconds %d", key, wire.DurationSeconds)
	}
	return Entry{
		ID:              key,
		PhoneNumber:     wire.PhoneNumber,
		ContactName:     wire.ContactName,
		Type:            CallType(wire.CallType),
		Date:            time.UnixMilli(wire.CallDate),
		DurationSeconds: wire.DurationSeconds,
	}, nil
}
