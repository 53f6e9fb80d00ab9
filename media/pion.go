// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/sidecall-project/sidecall/lib/stream"
)

// Compile-time interface checks.
var (
	_ Engine  = (*PionEngine)(nil)
	_ Session = (*pionSession)(nil)
)

// PionEngine creates pion-backed media sessions.
type PionEngine struct {
	stunServers []string
	logger      *slog.Logger
}

// NewPionEngine returns an engine using the given STUN server URLs
// (e.g. "stun:stun.l.google.com:19302"). An empty list means host
// candidates only, which is enough for same-network and loopback
// calls.
func NewPionEngine(stunServers []string, logger *slog.Logger) *PionEngine {
	return &PionEngine{
		stunServers: stunServers,
		logger:      logger,
	}
}

// NewSession implements Engine. The session negotiates an audio
// transceiver, plus a video transceiver when video is set.
func (e *PionEngine) NewSession(callID string, direction Direction, video bool) (Session, error) {
	// Loopback candidates make same-machine sessions (and test
	// environments with no other interface) connectable.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	config := webrtc.Configuration{}
	for _, url := range e.stunServers {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection for call %s: %w", callID, err)
	}

	transceiverInit := webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, transceiverInit); err != nil {
		pc.Close()
		return nil, fmt.Errorf("adding audio transceiver for call %s: %w", callID, err)
	}
	if video {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, transceiverInit); err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding video transceiver for call %s: %w", callID, err)
		}
	}

	session := &pionSession{
		callID:     callID,
		direction:  direction,
		logger:     e.logger,
		pc:         pc,
		candidates: stream.NewFeed[Candidate](),
		states:     stream.NewFeed[SessionState](),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// Gathering complete.
			return
		}
		init := candidate.ToJSON()
		local := Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			local.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			local.SDPMLineIndex = *init.SDPMLineIndex
		}
		session.candidates.Push(local)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		session.handleICEState(state)
	})

	return session, nil
}

// pionSession is one call's PeerConnection.
type pionSession struct {
	callID    string
	direction Direction
	logger    *slog.Logger
	pc        *webrtc.PeerConnection

	candidates *stream.Feed[Candidate]
	states     *stream.Feed[SessionState]

	mu        sync.Mutex
	lastState SessionState
	closed    bool
}

// CreateOffer implements Session.
func (s *pionSession) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer for call %s: %w", s.callID, err)
	}
	// SetLocalDescription starts candidate gathering; with trickle the
	// initial SDP ships without waiting for it.
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local offer for call %s: %w", s.callID, err)
	}
	return offer.SDP, nil
}

// AcceptOffer implements Session.
func (s *pionSession) AcceptOffer(ctx context.Context, offerSDP string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	remote := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("setting remote offer for call %s: %w", s.callID, err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer for call %s: %w", s.callID, err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local answer for call %s: %w", s.callID, err)
	}
	return answer.SDP, nil
}

// AcceptAnswer implements Session.
func (s *pionSession) AcceptAnswer(ctx context.Context, answerSDP string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remote := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("setting remote answer for call %s: %w", s.callID, err)
	}
	return nil
}

// AddRemoteCandidate implements Session.
func (s *pionSession) AddRemoteCandidate(candidate Candidate) error {
	init := webrtc.ICECandidateInit{Candidate: candidate.Candidate}
	if candidate.SDPMid != "" {
		mid := candidate.SDPMid
		init.SDPMid = &mid
	}
	index := candidate.SDPMLineIndex
	init.SDPMLineIndex = &index

	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding remote candidate for call %s: %w", s.callID, err)
	}
	return nil
}

// Candidates implements Session.
func (s *pionSession) Candidates() <-chan Candidate {
	return s.candidates.Out()
}

// States implements Session.
func (s *pionSession) States() <-chan SessionState {
	return s.states.Out()
}

// Close implements Session.
func (s *pionSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.lastState = StateClosed
	s.mu.Unlock()

	err := s.pc.Close()

	s.states.Push(StateClosed)
	s.states.Close()
	s.candidates.Close()

	if err != nil {
		return fmt.Errorf("closing PeerConnection for call %s: %w", s.callID, err)
	}
	return nil
}

// handleICEState maps pion's ICE connection states onto session
// states and publishes changes, deduplicated. Disconnected is
// transient in pion (the agent keeps retrying) and is not surfaced.
func (s *pionSession) handleICEState(state webrtc.ICEConnectionState) {
	var mapped SessionState
	switch state {
	case webrtc.ICEConnectionStateChecking:
		mapped = StateConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		mapped = StateConnected
	case webrtc.ICEConnectionStateFailed:
		mapped = StateFailed
	case webrtc.ICEConnectionStateClosed:
		// Close publishes StateClosed itself; the pion callback
		// would race the feed shutdown.
		return
	default:
		return
	}

	s.mu.Lock()
	if s.closed || s.lastState == mapped {
		s.mu.Unlock()
		return
	}
	s.lastState = mapped
	s.mu.Unlock()

	s.logger.Debug("media session state",
		"call_id", s.callID,
		"direction", string(s.direction),
		"state", string(mapped))
	s.states.Push(mapped)
}
