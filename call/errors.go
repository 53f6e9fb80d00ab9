// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"errors"
	"fmt"
	"time"
)

// Action validation errors returned by the machine.
var (
	// ErrStopped means the machine's run loop has exited.
	ErrStopped = errors.New("call: machine stopped")
	// ErrUnknownCall means no tracked call has the given ID.
	ErrUnknownCall = errors.New("call: unknown call")
	// ErrAnotherCallActive means a call is already connecting or
	// connected.
	ErrAnotherCallActive = errors.New("call: another call is active")
	// ErrNotAnswerable means the call is not an incoming ringing
	// call.
	ErrNotAnswerable = errors.New("call: not answerable")
	// ErrNoOffer means a device-to-device call's offer has not
	// arrived yet.
	ErrNoOffer = errors.New("call: no offer received yet")
	// ErrNotRinging means reject only applies to ringing incoming
	// calls; use End for live ones.
	ErrNotRinging = errors.New("call: not ringing")
	// ErrNotOver means acknowledge only applies to ended or failed
	// calls.
	ErrNotOver = errors.New("call: not over")
)

// NetworkError reports a phone-bound command that failed after its
// automatic retry.
type NetworkError struct {
	Action CommandAction
	CallID string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("call: %s command for call %s failed after retry: %v", e.Action, e.CallID, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is or wraps a NetworkError.
func IsNetworkError(err error) bool {
	var networkErr *NetworkError
	return errors.As(err, &networkErr)
}

// ProtocolError reports a malformed remote payload. The event source
// logs these and drops the payload; they never reach the machine.
type ProtocolError struct {
	// Path locates the offending record.
	Path   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("call: malformed payload at %s: %s", e.Path, e.Reason)
}

// IsProtocolError reports whether err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var protocolErr *ProtocolError
	return errors.As(err, &protocolErr)
}

// MediaError reports a failed WebRTC session. The machine maps it to
// Failed(ReasonMedia).
type MediaError struct {
	CallID string
	Err    error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("call: media session for call %s failed: %v", e.CallID, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// IsMediaError reports whether err is or wraps a MediaError.
func IsMediaError(err error) bool {
	var mediaErr *MediaError
	return errors.As(err, &mediaErr)
}

// TimeoutError reports a call stuck in connecting past the configured
// limit. The machine maps it to Failed(ReasonTimeout).
type TimeoutError struct {
	CallID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call: call %s stuck in connecting for %s", e.CallID, e.Timeout)
}

// IsTimeoutError reports whether err is or wraps a TimeoutError.
func IsTimeoutError(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}
