// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package media wraps WebRTC for device-to-device call sessions.
//
// Each call gets one [Session]: a pion PeerConnection negotiating
// audio (and, for video calls, video) transceivers. Sessions use
// trickle ICE (local candidates stream from [Session.Candidates] as
// they are gathered, and the remote side's arrive through
// [Session.AddRemoteCandidate]), so the SDP exchange is a single
// offer/answer round-trip with no gathering wait.
//
// [Signaling] carries the exchange over the backend channel: offers,
// answers, candidates, and hangups are appended to the pair's
// signaling collection, and inbound records parse into [Signal]
// values for the call event source. The call ID's owner (the caller)
// is always the offerer, so signaling glare cannot occur.
//
// Sessions negotiate transceivers but never open capture or playback
// devices; media rendering belongs to the UI layer.
package media
