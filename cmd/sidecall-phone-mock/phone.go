// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sidecall-project/sidecall/lib/clock"
	"github.com/sidecall-project/sidecall/rtdb"
	"github.com/sidecall-project/sidecall/transfer"
)

// phoneCall mirrors the live call record JSON the Android app
// publishes under devices/<id>/calls.
type phoneCall struct {
	State     string `json:"state"`
	Direction string `json:"direction,omitempty"`
	Name      string `json:"name,omitempty"`
	Number    string `json:"number,omitempty"`
	Platform  string `json:"platform,omitempty"`
	StartedAt int64  `json:"startedAt,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// phoneCommand mirrors the desktop's phone-bound command records.
type phoneCommand struct {
	CallID string `json:"callId"`
	Action string `json:"action"`
	Number string `json:"number,omitempty"`
}

type historyRecord struct {
	PhoneNumber     string `json:"phoneNumber"`
	ContactName     string `json:"contactName,omitempty"`
	CallType        string `json:"callType"`
	CallDate        int64  `json:"callDate"`
	DurationSeconds int    `json:"durationSeconds"`
}

type conversationRecord struct {
	Address      string `json:"address"`
	ContactName  string `json:"contactName,omitempty"`
	Preview      string `json:"preview,omitempty"`
	LastActivity int64  `json:"lastActivity"`
	UnreadCount  int    `json:"unreadCount,omitempty"`
}

type messageRecord struct {
	Direction string `json:"direction"`
	Body      string `json:"body,omitempty"`
	SentAt    int64  `json:"sentAt"`
	Status    string `json:"status,omitempty"`
}

type outboxRecord struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
}

// phoneSim plays the Android side of the pair: it seeds a call log
// and message threads, rings a scripted incoming call, answers the
// desktop's commands by rewriting its live call records, transmits
// outbox texts back into the mirrored thread, and shares a photo
// over the transfer collections.
type phoneSim struct {
	channel  rtdb.Channel
	deviceID string
	pairID   string
	clock    clock.Clock
	logger   *slog.Logger

	ringAfter    time.Duration
	callDuration time.Duration
	sender       *transfer.Sender

	mu    sync.Mutex
	calls map[string]phoneCall
	seq   int
}

func newPhoneSim(channel rtdb.Channel, deviceID, pairID string, ringAfter time.Duration, logger *slog.Logger) (*phoneSim, error) {
	sender, err := transfer.NewSender(transfer.SenderConfig{
		Channel:  channel,
		PairID:   pairID,
		DeviceID: deviceID,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return &phoneSim{
		channel:      channel,
		deviceID:     deviceID,
		pairID:       pairID,
		clock:        clock.Real(),
		logger:       logger,
		ringAfter:    ringAfter,
		callDuration: 10 * time.Second,
		sender:       sender,
		calls:        make(map[string]phoneCall),
	}, nil
}

// Run seeds the phone's collections, then serves desktop commands and
// the scripted timeline until ctx is cancelled.
func (p *phoneSim) Run(ctx context.Context) error {
	if err := p.seed(ctx); err != nil {
		return fmt.Errorf("seeding phone data: %w", err)
	}

	commands, err := p.channel.Subscribe(ctx, "devices/"+p.deviceID+"/commands", rtdb.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	defer commands.Close()

	outbox, err := p.channel.Subscribe(ctx, "devices/"+p.deviceID+"/outbox", rtdb.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("subscribing to outbox: %w", err)
	}
	defer outbox.Close()

	var ring <-chan time.Time
	if p.ringAfter > 0 {
		ring = p.clock.After(p.ringAfter)
	}
	share := p.clock.After(2 * time.Second)

	p.logger.Info("phone simulator running", "device", p.deviceID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ring:
			p.ringIncoming(ctx)
		case <-share:
			p.shareClipboard(ctx)
			p.sharePhoto(ctx)
		case record, ok := <-commands.Events():
			if !ok {
				return fmt.Errorf("command stream ended: %w", commands.Err())
			}
			p.handleCommand(ctx, record)
		case record, ok := <-outbox.Events():
			if !ok {
				return fmt.Errorf("outbox stream ended: %w", outbox.Err())
			}
			p.handleOutbox(ctx, record)
		}
	}
}

// seed publishes a believable call log and two message threads.
func (p *phoneSim) seed(ctx context.Context) error {
	now := p.clock.Now()
	entries := map[string]historyRecord{
		"h-1": {PhoneNumber: "+15550121", ContactName: "Marcus Webb", CallType: "outgoing", CallDate: now.Add(-26 * time.Hour).UnixMilli(), DurationSeconds: 312},
		"h-2": {PhoneNumber: "+15550188", ContactName: "Dana Reyes", CallType: "incoming", CallDate: now.Add(-3 * time.Hour).UnixMilli(), DurationSeconds: 95},
		"h-3": {PhoneNumber: "+15550177", CallType: "missed", CallDate: now.Add(-40 * time.Minute).UnixMilli()},
	}
	for key, entry := range entries {
		if err := p.channel.Put(ctx, "devices/"+p.deviceID+"/history/"+key, entry); err != nil {
			return err
		}
	}

	conversations := map[string]conversationRecord{
		"c-dana": {Address: "+15550188", ContactName: "Dana Reyes", Preview: "see you at noon", LastActivity: now.Add(-2 * time.Hour).UnixMilli()},
		"c-marc": {Address: "+15550121", ContactName: "Marcus Webb", Preview: "got the files, thanks", LastActivity: now.Add(-25 * time.Hour).UnixMilli(), UnreadCount: 1},
	}
	for key, conversation := range conversations {
		if err := p.channel.Put(ctx, "devices/"+p.deviceID+"/conversations/"+key, conversation); err != nil {
			return err
		}
	}

	messages := []struct {
		conversation string
		key          string
		record       messageRecord
	}{
		{"c-dana", "m-1", messageRecord{Direction: "incoming", Body: "lunch tomorrow?", SentAt: now.Add(-26 * time.Hour).UnixMilli()}},
		{"c-dana", "m-2", messageRecord{Direction: "outgoing", Body: "works for me", SentAt: now.Add(-25 * time.Hour).UnixMilli(), Status: "delivered"}},
		{"c-dana", "m-3", messageRecord{Direction: "incoming", Body: "see you at noon", SentAt: now.Add(-2 * time.Hour).UnixMilli()}},
		{"c-marc", "m-1", messageRecord{Direction: "outgoing", Body: "sending the files now", SentAt: now.Add(-25 * time.Hour).UnixMilli(), Status: "delivered"}},
		{"c-marc", "m-2", messageRecord{Direction: "incoming", Body: "got the files, thanks", SentAt: now.Add(-25 * time.Hour).UnixMilli()}},
	}
	for _, m := range messages {
		path := "devices/" + p.deviceID + "/messages/" + m.conversation + "/" + m.key
		if err := p.channel.Put(ctx, path, m.record); err != nil {
			return err
		}
	}
	return nil
}

func (p *phoneSim) ringIncoming(ctx context.Context) {
	callID := p.nextID("call")
	record := phoneCall{
		State:     "ringing",
		Direction: "incoming",
		Name:      "Dana Reyes",
		Number:    "+15550188",
		Platform:  "android",
		StartedAt: p.clock.Now().UnixMilli(),
	}
	p.putCall(ctx, callID, record)
	p.logger.Info("phone ringing", "call", callID, "from", record.Name)
}

func (p *phoneSim) handleCommand(ctx context.Context, record rtdb.Record) {
	if record.Kind == rtdb.KindRemoved {
		return
	}
	var command phoneCommand
	if err := json.Unmarshal(record.Value, &command); err != nil {
		p.logger.Warn("dropping malformed command", "key", record.Key, "error", err)
		return
	}
	p.logger.Info("command received", "action", command.Action, "call", command.CallID)

	switch command.Action {
	case "answer":
		p.mu.Lock()
		call, ok := p.calls[command.CallID]
		p.mu.Unlock()
		if !ok || call.State != "ringing" {
			return
		}
		call.State = "active"
		p.putCall(ctx, command.CallID, call)
		// The script hangs up on its own so an unattended demo
		// still shows the full lifecycle.
		p.endLater(ctx, command.CallID)
	case "reject":
		p.finishCall(ctx, command.CallID, "rejected")
	case "end":
		p.finishCall(ctx, command.CallID, "")
	case "dial":
		call := phoneCall{
			State:     "ringing",
			Direction: "outgoing",
			Number:    command.Number,
			Platform:  "android",
			StartedAt: p.clock.Now().UnixMilli(),
		}
		p.putCall(ctx, command.CallID, call)
		// The callee picks up after a moment.
		callID := command.CallID
		p.clock.AfterFunc(2*time.Second, func() {
			p.mu.Lock()
			current, ok := p.calls[callID]
			p.mu.Unlock()
			if !ok || current.State != "ringing" {
				return
			}
			current.State = "active"
			p.putCall(ctx, callID, current)
			p.endLater(ctx, callID)
		})
	default:
		p.logger.Warn("unknown command action", "action", command.Action)
	}
}

func (p *phoneSim) endLater(ctx context.Context, callID string) {
	p.clock.AfterFunc(p.callDuration, func() {
		p.finishCall(ctx, callID, "")
	})
}

func (p *phoneSim) finishCall(ctx context.Context, callID, reason string) {
	p.mu.Lock()
	call, ok := p.calls[callID]
	p.mu.Unlock()
	if !ok || call.State == "ended" || call.State == "failed" {
		return
	}
	call.State = "ended"
	call.Reason = reason
	p.putCall(ctx, callID, call)
}

func (p *phoneSim) putCall(ctx context.Context, callID string, call phoneCall) {
	p.mu.Lock()
	p.calls[callID] = call
	p.mu.Unlock()
	if err := p.channel.Put(ctx, "devices/"+p.deviceID+"/calls/"+callID, call); err != nil {
		p.logger.Error("publishing call record", "call", callID, "error", err)
	}
}

// handleOutbox plays the carrier: a queued text becomes a delivered
// message in the thread and bumps the conversation.
func (p *phoneSim) handleOutbox(ctx context.Context, record rtdb.Record) {
	if record.Kind == rtdb.KindRemoved {
		return
	}
	var queued outboxRecord
	if err := json.Unmarshal(record.Value, &queued); err != nil {
		p.logger.Warn("dropping malformed outbox record", "key", record.Key, "error", err)
		return
	}
	now := p.clock.Now().UnixMilli()
	message := messageRecord{
		Direction: "outgoing",
		Body:      queued.Body,
		SentAt:    now,
		Status:    "delivered",
	}
	path := "devices/" + p.deviceID + "/messages/" + queued.ConversationID + "/" + p.nextID("m-out")
	if err := p.channel.Put(ctx, path, message); err != nil {
		p.logger.Error("writing delivered message", "error", err)
		return
	}
	p.bumpConversation(ctx, queued.ConversationID, queued.Body, now)
	p.logger.Info("text transmitted", "conversation", queued.ConversationID, "body", queued.Body)
}

func (p *phoneSim) bumpConversation(ctx context.Context, conversationID, preview string, activity int64) {
	// The mock does not track full conversation state; it rewrites
	// the record with the new preview and activity.
	record := conversationRecord{
		Address:      "+15550000",
		Preview:      preview,
		LastActivity: activity,
	}
	switch conversationID {
	case "c-dana":
		record.Address = "+15550188"
		record.ContactName = "Dana Reyes"
	case "c-marc":
		record.Address = "+15550121"
		record.ContactName = "Marcus Webb"
	}
	if err := p.channel.Put(ctx, "devices/"+p.deviceID+"/conversations/"+conversationID, record); err != nil {
		p.logger.Error("bumping conversation", "error", err)
	}
}

// shareClipboard publishes a phone-side clipboard item so the desktop
// engine applies it shortly after start.
func (p *phoneSim) shareClipboard(ctx context.Context) {
	data := []byte("https://example.com/tickets/4521 copied on the phone")
	item := map[string]any{
		"hash":     transfer.HashBytes(data).String(),
		"mimeType": "text/plain",
		"data":     data,
		"origin":   p.deviceID,
		"setAt":    p.clock.Now().UnixMilli(),
	}
	if err := p.channel.Put(ctx, "clipboard/"+p.pairID+"/current", item); err != nil {
		p.logger.Error("publishing clipboard item", "error", err)
		return
	}
	p.logger.Info("clipboard shared from phone")
}

// sharePhoto sends a generated image through the transfer pipeline.
func (p *phoneSim) sharePhoto(ctx context.Context) {
	photo := make([]byte, 600*1024)
	rand.Read(photo)
	id, err := p.sender.Send(ctx, "IMG_2041.jpg", "image/jpeg", photo)
	if err != nil {
		p.logger.Error("sending photo", "error", err)
		return
	}
	p.logger.Info("photo shared from phone", "transfer", id, "bytes", len(photo))
}

func (p *phoneSim) nextID(prefix string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return prefix + "-" + strconv.Itoa(p.seq)
}
