// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. These
// centralize the one legitimate raw I/O pattern that exists before
// the structured logger: fatal error reporting from main() when run()
// fails before or after the logger is available.
package process
