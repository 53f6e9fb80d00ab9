// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"slices"
	"sync"
)

// Content is one clipboard payload.
type Content struct {
	// MIME is the content type, e.g. "text/plain".
	MIME string

	// Data is the raw payload.
	Data []byte
}

// Clipboard is the OS clipboard boundary. The real implementation
// wraps the platform pasteboard; tests and the headless daemon use
// [MemoryClipboard].
type Clipboard interface {
	// Get returns the current content. Empty Data means the
	// clipboard is empty.
	Get(ctx context.Context) (Content, error)

	// Set replaces the clipboard content. Watchers observe the new
	// content on Changes, including content set through this method.
	Set(ctx context.Context, content Content) error

	// Changes delivers content after every change. Deliveries
	// coalesce: a slow reader sees the newest content, not every
	// intermediate one.
	Changes() <-chan Content
}

// MemoryClipboard is an in-process Clipboard.
type MemoryClipboard struct {
	mu      sync.Mutex
	content Content
	changes chan Content
}

// NewMemoryClipboard returns an empty clipboard.
func NewMemoryClipboard() *MemoryClipboard {
	return &MemoryClipboard{
		changes: make(chan Content, 1),
	}
}

// Get returns the current content.
func (c *MemoryClipboard) Get(_ context.Context) (Content, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneContent(c.content), nil
}

// Set replaces the content and notifies watchers.
func (c *MemoryClipboard) Set(_ context.Context, content Content) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content = cloneContent(content)
	update := cloneContent(content)

	// Coalesce toward the newest content. The channel has capacity
	// one and every send happens under the mutex, so after draining
	// the stale value the send cannot block.
	select {
	case c.changes <- update:
	default:
		select {
		case <-c.changes:
		default:
		}
		c.changes <- update
	}
	return nil
}

// Changes delivers content after every Set.
func (c *MemoryClipboard) Changes() <-chan Content {
	return c.changes
}

// cloneContent copies Data so later caller mutations never leak into
// watchers.
func cloneContent(content Content) Content {
	return Content{
		MIME: content.MIME,
		Data: slices.Clone(content.Data),
	}
}
