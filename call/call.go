// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package call

import "time"

// Direction says who initiated the call.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Kind is the call's media kind. Phone-relayed calls are always
// audio; device-to-device calls may carry video.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Source says how the call reaches the desktop.
type Source string

const (
	// SourcePhoneRelayed is a cellular call mirrored by the phone.
	// Audio stays on the phone; the desktop only steers it.
	SourcePhoneRelayed Source = "phoneRelayed"
	// SourceDeviceToDevice is a direct WebRTC call between the
	// paired devices.
	SourceDeviceToDevice Source = "deviceToDevice"
)

// State is a call's lifecycle state.
type State string

const (
	// StateIdle is the resting point outside the table: new calls
	// transition out of it and acknowledged calls back into it.
	StateIdle State = "idle"
	// StateRinging means the call is unanswered. Incoming ringing
	// calls compete for the displayed slot; outgoing ones are
	// waiting for the remote side to pick up.
	StateRinging State = "ringing"
	// StateConnecting means the answer is in flight: the answer
	// command or the WebRTC exchange is running.
	StateConnecting State = "connecting"
	// StateConnected means the call is live.
	StateConnected State = "connected"
	// StateEnded means the call finished normally. Terminal.
	StateEnded State = "ended"
	// StateFailed means the call died; FailReason says why. Terminal.
	StateFailed State = "failed"
)

// Failure reasons carried in Call.FailReason.
const (
	ReasonNetwork = "network"
	ReasonTimeout = "timeout"
	ReasonMedia   = "media"
	ReasonRemote  = "remote"
)

// Counterpart identifies the other party.
type Counterpart struct {
	// Name is the display name, if known.
	Name string `json:"name,omitempty"`
	// Number is the phone number or address.
	Number string `json:"number,omitempty"`
	// Platform tags the counterpart's device where meaningful
	// (device-to-device calls).
	Platform string `json:"platform,omitempty"`
}

// Call is one call's serializable state. Transient machinery (connect
// timers, auto-acknowledge deadlines, the media session) lives in the
// machine and never round-trips through JSON.
type Call struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	Kind      Kind      `json:"kind"`
	Source    Source    `json:"source"`
	State     State     `json:"state"`
	// FailReason is set when State is StateFailed.
	FailReason  string      `json:"failReason,omitempty"`
	Counterpart Counterpart `json:"counterpart"`
	StartedAt   time.Time   `json:"startedAt"`
	// AnsweredAt and EndedAt stay nil until the call reaches those
	// points.
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

// Active reports whether the call occupies the single
// connecting/connected slot.
func (c Call) Active() bool {
	return c.State == StateConnecting || c.State == StateConnected
}

// Over reports whether the call reached a terminal state.
func (c Call) Over() bool {
	return c.State == StateEnded || c.State == StateFailed
}
