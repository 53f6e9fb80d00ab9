// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package call implements the desktop's call state machine.
//
// Calls reach the desktop two ways: phone-relayed (a cellular call
// the phone mirrors over the backend channel and answers on command)
// and device-to-device (a WebRTC call between the phone and the
// desktop itself). [EventSource] normalizes both streams, phone call
// records and WebRTC signaling, into one ordered [Event] sequence.
//
// [Machine] owns all call state in a single goroutine: remote events,
// local actions (Answer, Reject, End, Dial, Acknowledge), timer
// expiries, and read-only projections all serialize through its run
// loop, and every state change is published to transition
// subscribers. The machine holds at most one call in the connecting
// or connected state; further incoming calls keep ringing in the
// background, and among simultaneously-ringing calls the most
// recently started one owns the displayed-incoming slot.
//
// [Coordinator] subscribes to transitions and drives the OS
// notification and ringtone boundary: one ring per call entering the
// displayed slot, notification cleared when it leaves, and a
// superseded call that is promoted again re-shows its notification
// without ringing twice.
package call
