// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package rtdb

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed channel, and
// reported by Subscription.Err when the channel shut down underneath
// the subscription.
var ErrClosed = errors.New("rtdb: channel closed")

// ErrNotConnected is returned by writes while the connection is down.
// The connection reconnects on its own; callers own retry policy.
var ErrNotConnected = errors.New("rtdb: not connected")

// BackendError represents a structured error response from the
// realtime backend. Callers can use errors.As to extract the
// structured information:
//
//	var backendErr *rtdb.BackendError
//	if errors.As(err, &backendErr) {
//	    if backendErr.Code == rtdb.ErrCodePermissionDenied { ... }
//	}
type BackendError struct {
	// Code is the backend error code (e.g., "permission-denied").
	Code string `json:"code"`
	// Message is the human-readable error description from the server.
	Message string `json:"message"`
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("rtdb: %s: %s", e.Code, e.Message)
}

// Standard backend error codes.
const (
	ErrCodePermissionDenied = "permission-denied"
	ErrCodeUnauthenticated  = "unauthenticated"
	ErrCodeNotFound         = "not-found"
	ErrCodeInvalidPath      = "invalid-path"
	ErrCodeUnavailable      = "unavailable"
	ErrCodeQuotaExceeded    = "quota-exceeded"
)

// IsBackendError checks whether err is a *BackendError with the given
// error code.
func IsBackendError(err error, code string) bool {
	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		return backendErr.Code == code
	}
	return false
}
