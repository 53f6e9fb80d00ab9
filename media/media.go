// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package media

import "context"

// Direction says which side of the call this session is. The outgoing
// side (the caller) is always the offerer.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// SessionState is the lifecycle of a media session, reported on
// [Session.States].
type SessionState string

const (
	// StateConnecting means ICE checks are running.
	StateConnecting SessionState = "connecting"
	// StateConnected means the transport is up.
	StateConnected SessionState = "connected"
	// StateFailed means ICE gave up. Terminal.
	StateFailed SessionState = "failed"
	// StateClosed means the session was closed locally. Terminal.
	StateClosed SessionState = "closed"
)

// Candidate is one trickle ICE candidate, as exchanged over
// signaling.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// Session is one call's media transport.
//
// The offerer calls CreateOffer and, once the answer arrives,
// AcceptAnswer. The answerer calls AcceptOffer. Both sides then pump
// Candidates to the peer and feed the peer's into
// AddRemoteCandidate. States delivers lifecycle changes until Close.
type Session interface {
	// CreateOffer produces the local offer SDP and starts candidate
	// gathering. Offerer side only.
	CreateOffer(ctx context.Context) (string, error)

	// AcceptOffer applies the remote offer and returns the answer
	// SDP. Answerer side only.
	AcceptOffer(ctx context.Context, offerSDP string) (string, error)

	// AcceptAnswer applies the remote answer. Offerer side only.
	AcceptAnswer(ctx context.Context, answerSDP string) error

	// AddRemoteCandidate feeds one of the peer's trickle candidates
	// into the ICE agent.
	AddRemoteCandidate(candidate Candidate) error

	// Candidates streams local candidates as they are gathered.
	// Closed when gathering completes or the session closes.
	Candidates() <-chan Candidate

	// States streams session lifecycle changes, deduplicated. Closed
	// when the session closes.
	States() <-chan SessionState

	// Close releases the transport. States delivers StateClosed
	// first. Safe to call more than once.
	Close() error
}

// Engine creates media sessions.
type Engine interface {
	NewSession(callID string, direction Direction, video bool) (Session, error)
}
