// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package sms mirrors the paired phone's text messages and queues
// outbound ones.
//
// The phone publishes a conversation summary per thread under
// devices/<id>/conversations and the messages of each thread under
// devices/<id>/messages/<conversationID>. [Syncer.Run] maintains the
// conversation list as a live bounded view: summaries replay in full
// on every connect because the phone rewrites them constantly
// (previews, unread counts, activity bumps). Messages are heavier and
// append-mostly, so each [Thread] opened via [Syncer.Thread] mirrors
// its conversation into SQLite and resumes from a persisted
// per-conversation cursor, exactly like the call-log mirror.
//
// Sending is asymmetric: the desktop never talks to the carrier.
// [Syncer.SendText] pushes an outbox record for the phone to
// transmit; the message then flows back as a normal record whose
// delivery status advances through sending, sent, and delivered (or
// failed).
package sms
