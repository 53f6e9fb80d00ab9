// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify defines the OS notification and ringtone boundary.
//
// The call coordinator drives these interfaces; platform bindings
// (macOS notification center, audio output) implement them in the UI
// layer. The daemon ships log-backed implementations so the full call
// pipeline runs headless.
package notify

import (
	"log/slog"
	"sync"
)

// Token identifies one posted notification. Clearing a token that was
// never shown, or was already cleared, is a no-op.
type Token string

// CallToken returns the notification token for a call. One call maps
// to one token for its whole lifetime, so re-showing after a clear
// replaces rather than duplicates.
func CallToken(callID string) Token {
	return Token("call:" + callID)
}

// Notifier posts and clears incoming-call notifications.
type Notifier interface {
	// ShowCallNotification posts (or re-posts) the notification for
	// token. Showing an already-visible token replaces it.
	ShowCallNotification(token Token, callerName string, video bool) error

	// ClearCallNotification removes the notification for token.
	// Must be idempotent.
	ClearCallNotification(token Token) error
}

// Ringer owns the ringtone audio device. The coordinator serializes
// Start/Stop, so implementations never see concurrent calls.
type Ringer interface {
	StartRinging() error
	StopRinging() error
}

// LogNotifier is a Notifier that writes to a logger. It tracks shown
// tokens so clears of unknown tokens stay silent.
type LogNotifier struct {
	logger *slog.Logger

	mu    sync.Mutex
	shown map[Token]bool
}

// NewLogNotifier returns a LogNotifier writing to logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{
		logger: logger,
		shown:  make(map[Token]bool),
	}
}

var _ Notifier = (*LogNotifier)(nil)

// ShowCallNotification implements Notifier.
func (n *LogNotifier) ShowCallNotification(token Token, callerName string, video bool) error {
	n.mu.Lock()
	n.shown[token] = true
	n.mu.Unlock()
	n.logger.Info("call notification shown",
		"token", string(token),
		"caller", callerName,
		"video", video)
	return nil
}

// ClearCallNotification implements Notifier.
func (n *LogNotifier) ClearCallNotification(token Token) error {
	n.mu.Lock()
	wasShown := n.shown[token]
	delete(n.shown, token)
	n.mu.Unlock()
	if wasShown {
		n.logger.Info("call notification cleared", "token", string(token))
	}
	return nil
}

// LogRinger is a Ringer that writes to a logger instead of playing
// audio.
type LogRinger struct {
	logger *slog.Logger

	mu      sync.Mutex
	ringing bool
}

// NewLogRinger returns a LogRinger writing to logger.
func NewLogRinger(logger *slog.Logger) *LogRinger {
	return &LogRinger{logger: logger}
}

var _ Ringer = (*LogRinger)(nil)

// StartRinging implements Ringer.
func (r *LogRinger) StartRinging() error {
	r.mu.Lock()
	wasRinging := r.ringing
	r.ringing = true
	r.mu.Unlock()
	if !wasRinging {
		r.logger.Info("ringtone started")
	}
	return nil
}

// StopRinging implements Ringer.
func (r *LogRinger) StopRinging() error {
	r.mu.Lock()
	wasRinging := r.ringing
	r.ringing = false
	r.mu.Unlock()
	if wasRinging {
		r.logger.Info("ringtone stopped")
	}
	return nil
}
