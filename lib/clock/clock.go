// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Call timeouts, command retries, reconnect backoff, and sync cursors
// all depend on time. Production code takes a Clock parameter (or
// holds one in a struct field) instead of calling the time package
// directly; tests inject Fake() and advance it deterministically, so
// properties like "a call stuck in connecting fails after 30 seconds"
// are tested without sleeping.
//
// In tests, register goroutines' timers before advancing:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	machine := call.NewMachine(call.MachineConfig{Clock: c, ...})
//	// ... answer a call, machine arms the connecting timeout ...
//	c.WaitForTimers(1)
//	c.Advance(30 * time.Second) // timeout fires deterministically
package clock

import "time"

// Clock abstracts time operations for testability. Production code
// injects Real(); tests inject Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. Equivalent to time.After. If d <= 0 the channel
	// receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for d, then calls f in its own goroutine (real
	// clock) or synchronously during Advance (fake clock). The
	// returned Timer cancels the pending call via Stop. Its C field
	// is nil, matching time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Timer is a scheduled one-shot event. Timers created by AfterFunc
// have a nil C.
type Timer struct {
	// C delivers the fire time. Nil for AfterFunc timers.
	C <-chan time.Time

	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the timer from firing. Returns true if the call
// stopped the timer, false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset rearms the timer to fire after d. Returns true if the timer
// was active before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }

// Ticker delivers periodic ticks on C. The channel has capacity 1;
// ticks that find the buffer full are dropped, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stopFunc  func()
	resetFunc func(time.Duration)
}

// Stop turns the ticker off. No more ticks are sent after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Reset changes the tick interval and restarts the cycle.
func (t *Ticker) Reset(d time.Duration) { t.resetFunc(d) }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{
		stopFunc:  timer.Stop,
		resetFunc: timer.Reset,
	}
}

func (systemClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{
		C:         ticker.C,
		stopFunc:  ticker.Stop,
		resetFunc: ticker.Reset,
	}
}

func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }
