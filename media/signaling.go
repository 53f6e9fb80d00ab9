// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sidecall-project/sidecall/rtdb"
)

// SignalKind classifies a signaling message.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	SignalHangup    SignalKind = "hangup"
)

// Signal is one parsed inbound signaling message.
type Signal struct {
	CallID string
	Kind   SignalKind
	// From is the sending device's ID.
	From string

	// SDP is set for offers and answers.
	SDP string
	// Candidate is set for candidate signals.
	Candidate Candidate

	// CallerName, CallerPlatform, Video, and StartedAt are set on
	// offers; the event source synthesizes the ringing call from
	// them.
	CallerName     string
	CallerPlatform string
	Video          bool
	StartedAt      time.Time

	// Reason is set on hangups ("" for a normal hangup).
	Reason string

	// Timestamp is the backend server timestamp, Unix millis.
	Timestamp int64
}

// Offer is the local side of an offer publication.
type Offer struct {
	SDP            string
	CallerName     string
	CallerPlatform string
	Video          bool
	StartedAt      time.Time
}

// signalRecord is the wire payload appended under signaling/<pairID>.
type signalRecord struct {
	CallID         string     `json:"callId"`
	Kind           SignalKind `json:"kind"`
	From           string     `json:"from"`
	SDP            string     `json:"sdp,omitempty"`
	Candidate      *Candidate `json:"candidate,omitempty"`
	CallerName     string     `json:"callerName,omitempty"`
	CallerPlatform string     `json:"callerPlatform,omitempty"`
	Video          bool       `json:"video,omitempty"`
	StartedAt      int64      `json:"startedAt,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// Signaling publishes and consumes WebRTC signaling messages for one
// device pair. All messages for the pair flow through a single
// backend collection; each record carries its call ID, so one
// subscription covers every concurrent call.
type Signaling struct {
	channel  rtdb.Channel
	pairID   string
	deviceID string
	logger   *slog.Logger
}

// NewSignaling returns a Signaling for the pair. deviceID identifies
// the local device; inbound messages it published itself are
// filtered out.
func NewSignaling(channel rtdb.Channel, pairID, deviceID string, logger *slog.Logger) *Signaling {
	return &Signaling{
		channel:  channel,
		pairID:   pairID,
		deviceID: deviceID,
		logger:   logger,
	}
}

func (s *Signaling) path() string {
	return "signaling/" + s.pairID
}

// PublishOffer appends the call's offer.
func (s *Signaling) PublishOffer(ctx context.Context, callID string, offer Offer) error {
	return s.publish(ctx, signalRecord{
		CallID:         callID,
		Kind:           SignalOffer,
		From:           s.deviceID,
		SDP:            offer.SDP,
		CallerName:     offer.CallerName,
		CallerPlatform: offer.CallerPlatform,
		Video:          offer.Video,
		StartedAt:      offer.StartedAt.UnixMilli(),
	})
}

// PublishAnswer appends the call's answer.
func (s *Signaling) PublishAnswer(ctx context.Context, callID, sdp string) error {
	return s.publish(ctx, signalRecord{
		CallID: callID,
		Kind:   SignalAnswer,
		From:   s.deviceID,
		SDP:    sdp,
	})
}

// PublishCandidate appends one local trickle candidate.
func (s *Signaling) PublishCandidate(ctx context.Context, callID string, candidate Candidate) error {
	return s.publish(ctx, signalRecord{
		CallID:    callID,
		Kind:      SignalCandidate,
		From:      s.deviceID,
		Candidate: &candidate,
	})
}

// PublishHangup appends the call's hangup. A non-empty reason marks
// a failure rather than a normal end.
func (s *Signaling) PublishHangup(ctx context.Context, callID, reason string) error {
	return s.publish(ctx, signalRecord{
		CallID: callID,
		Kind:   SignalHangup,
		From:   s.deviceID,
		Reason: reason,
	})
}

func (s *Signaling) publish(ctx context.Context, record signalRecord) error {
	if _, err := s.channel.Push(ctx, s.path(), record); err != nil {
		return fmt.Errorf("publishing %s signal for call %s: %w", record.Kind, record.CallID, err)
	}
	return nil
}

// SignalStream is a live stream of the peer's signaling messages.
type SignalStream struct {
	signals chan Signal
	sub     *rtdb.Subscription
}

// Signals returns the message stream. Closed when the stream ends.
func (st *SignalStream) Signals() <-chan Signal {
	return st.signals
}

// Err reports why the stream ended. Nil after a local Close.
func (st *SignalStream) Err() error {
	return st.sub.Err()
}

// Close ends the stream.
func (st *SignalStream) Close() {
	st.sub.Close()
}

// Subscribe opens the pair's signaling stream. Messages published by
// the local device are filtered out; malformed records are dropped
// with a warning. startAt bounds the replay the way
// [rtdb.SubscribeOptions].StartAt does, so a fresh session skips
// signaling left over from earlier ones.
func (s *Signaling) Subscribe(ctx context.Context, startAt int64) (*SignalStream, error) {
	sub, err := s.channel.Subscribe(ctx, s.path(), rtdb.SubscribeOptions{StartAt: startAt})
	if err != nil {
		return nil, fmt.Errorf("subscribing to signaling for pair %s: %w", s.pairID, err)
	}

	stream := &SignalStream{
		signals: make(chan Signal, 16),
		sub:     sub,
	}
	go func() {
		defer close(stream.signals)
		for record := range sub.Events() {
			if record.Kind == rtdb.KindRemoved {
				continue
			}
			signal, err := ParseSignal(record)
			if err != nil {
				s.logger.Warn("dropping malformed signal",
					"path", record.ChildPath(),
					"error", err)
				continue
			}
			if signal.From == s.deviceID {
				continue
			}
			stream.signals <- signal
		}
	}()
	return stream, nil
}

// ParseSignal decodes one signaling record.
func ParseSignal(record rtdb.Record) (Signal, error) {
	var wire signalRecord
	if err := json.Unmarshal(record.Value, &wire); err != nil {
		return Signal{}, fmt.Errorf("decoding signal record: %w", err)
	}
	if wire.CallID == "" {
		return Signal{}, fmt.Errorf("signal record has no call ID")
	}

	signal := Signal{
		CallID:         wire.CallID,
		Kind:           wire.Kind,
		From:           wire.From,
		SDP:            wire.SDP,
		CallerName:     wire.CallerName,
		CallerPlatform: wire.CallerPlatform,
		Video:          wire.Video,
		Reason:         wire.Reason,
		Timestamp:      record.Timestamp,
	}
	if wire.StartedAt != 0 {
		signal.StartedAt = time.UnixMilli(wire.StartedAt)
	}

	switch wire.Kind {
	case SignalOffer, SignalAnswer:
		if wire.SDP == "" {
			return Signal{}, fmt.Errorf("%s signal for call %s has no SDP", wire.Kind, wire.CallID)
		}
	case SignalCandidate:
		if wire.Candidate == nil {
			return Signal{}, fmt.Errorf("candidate signal for call %s has no candidate", wire.CallID)
		}
		signal.Candidate = *wire.Candidate
	case SignalHangup:
	default:
		return Signal{}, fmt.Errorf("unknown signal kind %q for call %s", wire.Kind, wire.CallID)
	}

	return signal, nil
}
