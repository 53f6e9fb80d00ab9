// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sidecall-project/sidecall/media"
	"github.com/sidecall-project/sidecall/rtdb"
)

// Phone call record states, as the phone writes them under
// devices/<deviceID>/calls.
const (
	phoneStateRinging = "ringing"
	phoneStateActive  = "active"
	phoneStateEnded   = "ended"
	phoneStateFailed  = "failed"
)

// phoneCallRecord is the JSON payload of one live call record
// published by the phone.
type phoneCallRecord struct {
	State     string `json:"state"`
	Direction string `json:"direction,omitempty"`
	Name      string `json:"name,omitempty"`
	Number    string `json:"number,omitempty"`
	Platform  string `json:"platform,omitempty"`
	StartedAt int64  `json:"startedAt,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// EventSource merges the phone's call record stream and the pair's
// WebRTC signaling stream into one ordered Event sequence. It is pure
// translation: malformed payloads are dropped with a warning, state
// interpretation belongs to the machine.
type EventSource struct {
	channel       rtdb.Channel
	signaling     *media.Signaling
	phoneDeviceID string
	logger        *slog.Logger

	// signalingStartAt bounds the signaling replay so a fresh session
	// ignores SDP left over from earlier ones. Call records always
	// replay in full: a call ringing right now must surface even if
	// it started before this process did.
	signalingStartAt int64

	events chan Event
}

// NewEventSource returns an event source for the paired phone.
// signalingStartAt is the backend timestamp from which signaling
// records are relevant, normally the session start.
func NewEventSource(channel rtdb.Channel, signaling *media.Signaling, phoneDeviceID string, signalingStartAt int64, logger *slog.Logger) *EventSource {
	return &EventSource{
		channel:          channel,
		signaling:        signaling,
		phoneDeviceID:    phoneDeviceID,
		logger:           logger,
		signalingStartAt: signalingStartAt,
		events:           make(chan Event, 16),
	}
}

// Events returns the normalized event stream. Closed when Run
// returns.
func (s *EventSource) Events() <-chan Event {
	return s.events
}

// Run consumes both streams until ctx is cancelled or a stream dies.
func (s *EventSource) Run(ctx context.Context) error {
	defer close(s.events)

	callsPath := "devices/" + s.phoneDeviceID + "/calls"
	callsSub, err := s.channel.Subscribe(ctx, callsPath, rtdb.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("subscribing to call records: %w", err)
	}
	defer callsSub.Close()

	signalStream, err := s.signaling.Subscribe(ctx, s.signalingStartAt)
	if err != nil {
		return fmt.Errorf("subscribing to signaling: %w", err)
	}
	defer signalStream.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-callsSub.Events():
			if !ok {
				return fmt.Errorf("call record stream ended: %w", callsSub.Err())
			}
			s.handleCallRecord(ctx, record)
		case signal, ok := <-signalStream.Signals():
			if !ok {
				if err := signalStream.Err(); err != nil {
					return fmt.Errorf("signaling stream ended: %w", err)
				}
				return fmt.Errorf("signaling stream closed")
			}
			s.handleSignal(ctx, signal)
		}
	}
}

// handleCallRecord maps one phone call record mutation onto events.
func (s *EventSource) handleCallRecord(ctx context.Context, record rtdb.Record) {
	if record.Kind == rtdb.KindRemoved {
		// The phone garbage-collected the record. For a live call
		// that is a hangup; for one already over it is a no-op the
		// machine ignores.
		s.emit(ctx, Event{CallID: record.Key, Kind: EventEnded, Timestamp: record.Timestamp})
		return
	}

	var wire phoneCallRecord
	if err := json.Unmarshal(record.Value, &wire); err != nil {
		s.dropMalformed(record.ChildPath(), fmt.Sprintf("bad JSON: %v", err))
		return
	}

	switch wire.State {
	case phoneStateRinging:
		startedAt := time.UnixMilli(record.Timestamp)
		if wire.StartedAt != 0 {
			startedAt = time.UnixMilli(wire.StartedAt)
		}
		direction := DirectionIncoming
		if wire.Direction == string(DirectionOutgoing) {
			direction = DirectionOutgoing
		}
		s.emit(ctx, Event{
			CallID:    record.Key,
			Kind:      EventRinging,
			Timestamp: record.Timestamp,
			Call: &Call{
				ID:        record.Key,
				Direction: direction,
				Kind:      KindAudio,
				Source:    SourcePhoneRelayed,
				State:     StateRinging,
				Counterpart: Counterpart{
					Name:     wire.Name,
					Number:   wire.Number,
					Platform: wire.Platform,
				},
				StartedAt: startedAt,
			},
		})
	case phoneStateActive:
		s.emit(ctx, Event{CallID: record.Key, Kind: EventAnswered, Timestamp: record.Timestamp})
	case phoneStateEnded:
		s.emit(ctx, Event{CallID: record.Key, Kind: EventEnded, Timestamp: record.Timestamp})
	case phoneStateFailed:
		reason := wire.Reason
		if reason == "" {
			reason = ReasonRemote
		}
		s.emit(ctx, Event{CallID: record.Key, Kind: EventFailed, Reason: reason, Timestamp: record.Timestamp})
	default:
		s.dropMalformed(record.ChildPath(), fmt.Sprintf("unknown state %q", wire.State))
	}
}

// handleSignal maps one signaling message onto events. An offer
// yields two: the synthesized ringing call, then the SDP.
func (s *EventSource) handleSignal(ctx context.Context, signal media.Signal) {
	switch signal.Kind {
	case media.SignalOffer:
		kind := KindAudio
		if signal.Video {
			kind = KindVideo
		}
		startedAt := signal.StartedAt
		if startedAt.IsZero() {
			startedAt = time.UnixMilli(signal.Timestamp)
		}
		s.emit(ctx, Event{
			CallID:    signal.CallID,
			Kind:      EventRinging,
			Timestamp: signal.Timestamp,
			Call: &Call{
				ID:        signal.CallID,
				Direction: DirectionIncoming,
				Kind:      kind,
				Source:    SourceDeviceToDevice,
				State:     StateRinging,
				Counterpart: Counterpart{
					Name:     signal.CallerName,
					Platform: signal.CallerPlatform,
				},
				StartedAt: startedAt,
			},
		})
		s.emit(ctx, Event{
			CallID:    signal.CallID,
			Kind:      EventOfferReceived,
			SDP:       signal.SDP,
			Timestamp: signal.Timestamp,
		})
	case media.SignalAnswer:
		s.emit(ctx, Event{
			CallID:    signal.CallID,
			Kind:      EventAnswerReceived,
			SDP:       signal.SDP,
			Timestamp: signal.Timestamp,
		})
	case media.SignalCandidate:
		s.emit(ctx, Event{
			CallID:    signal.CallID,
			Kind:      EventIceCandidate,
			Candidate: signal.Candidate,
			Timestamp: signal.Timestamp,
		})
	case media.SignalHangup:
		if signal.Reason == "" {
			s.emit(ctx, Event{CallID: signal.CallID, Kind: EventEnded, Timestamp: signal.Timestamp})
		} else {
			s.emit(ctx, Event{CallID: signal.CallID, Kind: EventFailed, Reason: signal.Reason, Timestamp: signal.Timestamp})
		}
	default:
		s.dropMalformed("signaling/"+signal.CallID, fmt.Sprintf("unknown signal kind %q", signal.Kind))
	}
}

func (s *EventSource) emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *EventSource) dropMalformed(path, reason string) {
	err := &ProtocolError{Path: path, Reason: reason}
	s.logger.Warn("dropping malformed call payload", "error", err)
}
