// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to the given instant. Time moves
// only when Advance is called. FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.registered = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for tests. Timers, tickers, and
// sleeps register as pending entries that fire, in deadline order,
// when Advance moves the clock past their deadline.
//
// AfterFunc callbacks run synchronously inside Advance. Calling Sleep
// or Advance from within such a callback deadlocks.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*fakeTimer
	registered *sync.Cond
}

// fakeTimer is one pending After/AfterFunc/NewTicker/Sleep operation.
type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time // nil for AfterFunc entries
	fn       func()         // nil for channel entries
	interval time.Duration  // non-zero only for tickers
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock advances past
// now+d. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, &fakeTimer{deadline: c.now.Add(d), ch: ch})
	c.registered.Broadcast()
	return ch
}

// AfterFunc schedules f to run when the clock advances past now+d.
// If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}

	entry := &fakeTimer{deadline: c.now.Add(d), fn: f}
	c.pending = append(c.pending, entry)
	c.registered.Broadcast()
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if entry.stopped || entry.fired {
				return false
			}
			entry.stopped = true
			return true
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := !entry.stopped && !entry.fired
			entry.stopped = false
			entry.fired = false
			entry.deadline = c.now.Add(d)
			if !wasActive {
				// The entry was removed from pending after firing;
				// re-register it.
				c.pending = append(c.pending, entry)
				c.registered.Broadcast()
			}
			return wasActive
		},
	}
}

// NewTicker returns a Ticker that fires once per interval crossed by
// Advance. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	entry := &fakeTimer{deadline: c.now.Add(d), ch: ch, interval: d}
	c.pending = append(c.pending, entry)
	c.registered.Broadcast()

	return &Ticker{
		C: ch,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.stopped = true
		},
		resetFunc: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.interval = d
			entry.deadline = c.now.Add(d)
			entry.stopped = false
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past
// now+d. Returns immediately if d <= 0.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every pending entry
// whose deadline falls within the new time, in deadline order.
// AfterFunc callbacks run synchronously in the calling goroutine;
// channel sends never block (full buffers drop the tick, matching
// time.Ticker).
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		expired := c.takeExpired(target)
		if len(expired) == 0 {
			return
		}

		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})

		for _, entry := range expired {
			if entry.fn != nil {
				entry.fn()
			} else if entry.ch != nil {
				select {
				case entry.ch <- target:
				default:
				}
			}
		}
	}
}

// takeExpired removes entries due at or before target from the
// pending list, rescheduling tickers for their next interval, and
// returns the entries to fire.
func (c *FakeClock) takeExpired(target time.Time) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired, remaining []*fakeTimer
	for _, entry := range c.pending {
		switch {
		case entry.stopped:
			// Dropped.
		case !entry.deadline.After(target):
			expired = append(expired, entry)
		default:
			remaining = append(remaining, entry)
		}
	}

	for _, entry := range expired {
		if entry.interval > 0 {
			entry.deadline = entry.deadline.Add(entry.interval)
			remaining = append(remaining, entry)
		} else {
			entry.fired = true
		}
	}

	c.pending = remaining
	return expired
}

// WaitForTimers blocks until at least n entries are pending. Use this
// to synchronize with goroutines that register timers before calling
// Advance, eliminating registration races.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeCountLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of active pending entries.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCountLocked()
}

func (c *FakeClock) activeCountLocked() int {
	count := 0
	for _, entry := range c.pending {
		if !entry.stopped {
			count++
		}
	}
	return count
}
