// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer moves photos and files between the paired devices
// as chunked, content-addressed backend records.
//
// A [Sender] announces a [Manifest] (name, size, BLAKE3 file hash,
// chunk count, compression), then writes one record per 256 KiB
// chunk. Each chunk carries the BLAKE3 hash of its uncompressed
// bytes. A [Receiver] watches for manifests from the other device,
// collects chunks in whatever order they arrive, verifies every
// chunk hash and finally the whole-file hash, and writes the result
// to a spool directory. Any hash mismatch fails the transfer with an
// [IntegrityError]; duplicate chunk records are ignored.
//
// The backend is a transit queue, not storage: the receiver deletes
// a transfer's records once the file is safely spooled. Records of
// an unfinished transfer survive a restart, so an interrupted
// receive resumes from the replay.
package transfer
