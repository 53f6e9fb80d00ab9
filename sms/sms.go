// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package sms

import (
	"encoding/json"
	"fmt"
	"time"
)

// Direction says which way a message traveled.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionIncoming || d == DirectionOutgoing
}

// Status is the delivery state of an outgoing message, as the phone
// reports it. Incoming messages carry no status.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known delivery status.
func (s Status) Valid() bool {
	switch s {
	case StatusSending, StatusSent, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// Conversation is one thread summary as the phone maintains it: the
// counterpart, the latest message preview, and the unread count. The
// phone rewrites the summary whenever the thread changes.
type Conversation struct {
	// ID is the backend child key of the summary, shared with the
	// thread's message collection.
	ID string `json:"id"`

	// Address is the counterpart's number or group address.
	Address string `json:"address"`

	// ContactName is the phone's address-book name for the address,
	// empty when unresolved.
	ContactName string `json:"contactName,omitempty"`

	// Preview is the beginning of the latest message.
	Preview string `json:"preview"`

	// LastActivity is when the latest message was sent or received.
	LastActivity time.Time `json:"lastActivity"`

	// UnreadCount is the phone's unread tally for the thread.
	UnreadCount int `json:"unreadCount"`
}

// Key implements the delta list entry contract.
func (c Conversation) Key() string { return c.ID }

// SortTime implements the delta list entry contract. Activity bumps
// arrive as changed records; the syncer re-enters the conversation so
// the list re-sorts.
func (c Conversation) SortTime() time.Time { return c.LastActivity }

// Label returns the contact name when the phone resolved one, the
// raw address otherwise.
func (c Conversation) Label() string {
	if c.ContactName != "" {
		return c.ContactName
	}
	return c.Address
}

// Message is one text message in a conversation.
type Message struct {
	// ID is the backend child key of the message.
	ID string `json:"id"`

	// ConversationID is the thread the message belongs to.
	ConversationID string `json:"conversationId"`

	// Direction says whether the phone received or sent it.
	Direction Direction `json:"direction"`

	// Body is the message text.
	Body string `json:"body"`

	// SentAt is when the message was sent or received.
	SentAt time.Time `json:"sentAt"`

	// Status is the delivery state. Empty for incoming messages.
	Status Status `json:"status,omitempty"`
}

// Key implements the delta list entry contract.
func (m Message) Key() string { return m.ID }

// SortTime implements the delta list entry contract. Send times never
// move; delivery status updates replace the message in place.
func (m Message) SortTime() time.Time { return m.SentAt }

// wireConversation is the JSON payload of a summary record. The
// conversation ID is the record key.
type wireConversation struct {
	Address      string `json:"address"`
	ContactName  string `json:"contactName,omitempty"`
	Preview      string `json:"preview,omitempty"`
	LastActivity int64  `json:"lastActivity"`
	UnreadCount  int    `json:"unreadCount,omitempty"`
}

// wireMessage is the JSON payload of a message record. The message ID
// is the record key, the conversation ID is in the collection path.
type wireMessage struct {
	Direction string `json:"direction"`
	Body      string `json:"body,omitempty"`
	SentAt    int64  `json:"sentAt"`
	Status    string `json:"status,omitempty"`
}

func parseConversation(key string, value json.RawMessage) (Conversation, error) {
	var wire wireConversation
	if err := json.Unmarshal(value, &wire); err != nil {
		return Conversation{}, fmt.Errorf("decoding conversation %s: %w", key, err)
	}
	if wire.Address == "" {
		return Conversation{}, fmt.Errorf("conversation %s: missing address", key)
	}
	if wire.LastActivity <= 0 {
		return Conversation{}, fmt.Errorf("conversation %s: missing lastActivity", key)
	}
	if wire.UnreadCount < 0 {
		return Conversation{}, fmt.Errorf("conversation %s: negative unreadCount %d", key, wire.UnreadCount)
	}
	return Conversation{
		ID:           key,
		Address:      wire.Address,
		ContactName:  wire.ContactName,
		Preview:      wire.Preview,
		LastActivity: time.UnixMilli(wire.LastActivity),
		UnreadCount:  wire.UnreadCount,
	}, nil
}

func parseMessage(conversationID, key string, value json.RawMessage) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(value, &wire); err != nil {
		return Message{}, fmt.Errorf("decoding message %s: %w", key, err)
	}
	if !Direction(wire.Direction).Valid() {
		return Message{}, fmt.Errorf("message %s: unknown direction %q", key, wire.Direction)
	}
	if wire.SentAt <= 0 {
		return Message{}, fmt.Errorf("message %s: missing sentAt", key)
	}
	if wire.Status != "" && !Status(wire.Status).Valid() {
		return Message{}, fmt.Errorf("message %s: unknown status %q", key, wire.Status)
	}
	return Message{
		ID:             key,
		ConversationID: conversationID,
		Direction:      Direction(wire.Direction),
		Body:           wire.Body,
		SentAt:         time.UnixMilli(wire.SentAt),
		Status:         Status(wire.Status),
	}, nil
}
