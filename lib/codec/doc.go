// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Sidecall's standard CBOR encoding configuration.
//
// Sidecall uses two serialization formats with a clear boundary:
//
//   - JSON for the realtime backend wire: websocket frames, record
//     values (call state, history entries, messages, clipboard), and
//     WebRTC signaling payloads.
//   - CBOR for local state files: the pairing registry, delta-sync
//     cursors, and transfer resume state.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every Sidecall package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes, which keeps state-file rewrites byte-stable when nothing
// changed.
//
// For buffer-oriented operations (state files, tokens):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (resume journals):
//
//	encoder := codec.NewEncoder(file)
//	decoder := codec.NewDecoder(file)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It never
//     crosses the backend wire. Examples: pairing registry entries,
//     sync cursor files, transfer resume journals.
//   - `json` tag: this type crosses the backend wire as JSON. Types
//     with json tags still encode correctly through these modes
//     (fxamacker/cbor reads json tags as fallback), so a snapshot of
//     a wire type can land in a CBOR state file without re-tagging.
//
// Never use both `cbor` and `json` tags on the same field.
package codec
