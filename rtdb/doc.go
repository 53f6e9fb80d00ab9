// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package rtdb provides the realtime backend channel connecting the
// desktop to its paired phone.
//
// The backend is a cloud realtime database: a tree of JSON records
// organized into collections, where every child mutation fans out to
// subscribed clients as an ordered delta stream. All cross-device
// flows ride on this one channel: live call state, call commands,
// call history, SMS conversations and messages, clipboard items, file
// transfer chunks, and WebRTC signaling payloads.
//
// The package defines the [Channel] interface: Subscribe opens a
// [Subscription] on a collection path that replays current children
// as Added records before streaming live deltas, and Put, Push, and
// Delete mutate children with server-acknowledged writes.
// [SubscribeOptions].StartAt filters the replay server-side so a
// reconnecting client skips records it already mirrored.
//
// The production implementation, [Conn], is a gorilla/websocket
// client speaking a small JSON frame protocol: an auth frame after
// dial, listen/unlisten frames to manage subscriptions, put/push/
// delete frames with request-id matched acks, and server event frames
// carrying record deltas. Conn reconnects with exponential backoff
// and re-issues listens for every active subscription, resuming each
// from the last delivered server timestamp. While disconnected,
// writes fail fast with [ErrNotConnected]; callers own retry policy.
//
// [Memory] provides an in-process implementation with identical
// replay-then-delta semantics for tests and the phone simulator. Two
// components sharing a Memory channel exercise the full record flow
// without any network.
//
// Record paths name collections and children with slash-separated
// segments. The parent of the last segment is the collection; the
// last segment is the child key:
//
//	devices/<deviceID>/calls/<callID>      live call state
//	devices/<deviceID>/commands/<key>      phone-bound commands
//	users/<pairID>/callHistory/<id>        call history entries
//	users/<pairID>/conversations/<id>      SMS conversation index
//	messages/<conversationID>/<messageID>  SMS messages
//	users/<pairID>/clipboard/current       clipboard item
//	transfers/<transferID>/...             manifest and chunks
//	signaling/<pairID>/<key>               WebRTC offer/answer/ICE
package rtdb
