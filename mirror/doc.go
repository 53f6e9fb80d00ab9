// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package mirror keeps the pair's clipboards in sync.
//
// Both devices publish clipboard changes to a single backend record
// and apply what the other side publishes. Conflicts resolve
// last-write-wins by the setter's timestamp. Applying a remote item
// triggers the local clipboard's own change event; the [Engine]
// remembers the hashes of recently applied content so that echo is
// never published back, which would bounce between the devices
// forever.
//
// Only inline payloads up to [MaxInlineBytes] travel this way; larger
// content goes through the transfer package.
package mirror
