// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package call

import "github.com/sidecall-project/sidecall/media"

// EventKind classifies a normalized remote event.
type EventKind string

const (
	// EventRinging announces a call. Carries the initial Call
	// snapshot.
	EventRinging EventKind = "ringing"
	// EventAnswered means the remote side picked up (or the phone
	// executed the answer command).
	EventAnswered EventKind = "answered"
	// EventEnded means the remote side hung up or the call finished.
	EventEnded EventKind = "ended"
	// EventFailed means the remote side reported a failure. Carries
	// Reason.
	EventFailed EventKind = "failed"
	// EventOfferReceived carries the SDP offer of an inbound
	// device-to-device call.
	EventOfferReceived EventKind = "offerReceived"
	// EventAnswerReceived carries the SDP answer to a local offer.
	EventAnswerReceived EventKind = "answerReceived"
	// EventIceCandidate carries one remote trickle candidate.
	EventIceCandidate EventKind = "iceCandidate"
)

// Event is one normalized remote happening, ordered per source
// stream. The event source performs pure translation: malformed
// payloads are dropped before this point, and no reordering repair
// happens here.
type Event struct {
	CallID string
	Kind   EventKind

	// Call is the initial snapshot, set on EventRinging.
	Call *Call
	// Reason is set on EventFailed.
	Reason string
	// SDP is set on EventOfferReceived and EventAnswerReceived.
	SDP string
	// Candidate is set on EventIceCandidate.
	Candidate media.Candidate
	// Timestamp is the backend server timestamp, Unix millis.
	Timestamp int64
}
