// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream provides Feed, an ordered delivery buffer whose
// producer never blocks. Event producers (pion callbacks, the call
// machine loop) push into the buffer; a pump goroutine moves values
// onto the consumer channel as the consumer drains it, so a lagging
// consumer stalls only its own stream.
package stream

import "sync"

// Feed delivers values of type T to one consumer, in push order,
// without ever blocking the producer.
//
// Consumers must drain Out until it closes, or the pump goroutine
// leaks.
type Feed[T any] struct {
	out    chan T
	notify chan struct{}

	mu      sync.Mutex
	pending []T
	closed  bool
}

// NewFeed returns a running feed.
func NewFeed[T any]() *Feed[T] {
	f := &Feed[T]{
		out:    make(chan T, 16),
		notify: make(chan struct{}, 1),
	}
	go f.pump()
	return f
}

// Out returns the consumer channel. It closes after Close, once the
// values pushed before Close have been delivered.
func (f *Feed[T]) Out() <-chan T {
	return f.out
}

// Push queues a value. Never blocks. Values pushed after Close are
// dropped.
func (f *Feed[T]) Push(value T) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.pending = append(f.pending, value)
	f.mu.Unlock()

	f.signal()
}

// Close stops accepting values. The pump drains what is already
// queued, then closes Out. Safe to call more than once.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.signal()
}

func (f *Feed[T]) signal() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *Feed[T]) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		for len(f.pending) == 0 {
			if f.closed {
				f.mu.Unlock()
				return
			}
			f.mu.Unlock()
			<-f.notify
			f.mu.Lock()
		}
		value := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()

		f.out <- value
	}
}
