// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"log/slog"

	"github.com/sidecall-project/sidecall/notify"
)

// Coordinator drives the OS notification and ringtone boundary from
// machine transitions. It rings exactly once per call entering the
// displayed-incoming slot and stops when the slot changes hands; a
// superseded call promoted back re-shows its notification without
// ringing again. Notifier and ringer failures are logged and never
// touch call state.
type Coordinator struct {
	notifier notify.Notifier
	ringer   notify.Ringer
	logger   *slog.Logger

	// displayed is the call whose notification is visible, "" when
	// the slot is empty. rung remembers calls that already rang so
	// re-promotion stays silent.
	displayed string
	ringing   bool
	rung      map[string]bool
}

// NewCoordinator returns a coordinator over the given OS boundary. A
// nil logger uses slog.Default().
func NewCoordinator(notifier notify.Notifier, ringer notify.Ringer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		notifier: notifier,
		ringer:   ringer,
		logger:   logger,
		rung:     make(map[string]bool),
	}
}

// Run consumes transitions until ctx is cancelled or the stream
// closes, then clears whatever is on screen and silences the
// ringtone.
func (c *Coordinator) Run(ctx context.Context, transitions *TransitionStream) error {
	defer c.clear()
	for {
		select {
		case <-ctx.Done():
			transitions.Close()
			for range transitions.Events() {
			}
			return ctx.Err()
		case transition, ok := <-transitions.Events():
			if !ok {
				return nil
			}
			c.apply(transition)
		}
	}
}

func (c *Coordinator) apply(transition Transition) {
	if transition.To == StateIdle {
		delete(c.rung, transition.Call.ID)
	}

	occupant := ""
	if transition.Displayed != nil {
		occupant = transition.Displayed.ID
	}
	if occupant == c.displayed {
		return
	}

	// The slot changed hands. Tear down the old occupant's surface
	// before showing the new one.
	if c.displayed != "" {
		if err := c.notifier.ClearCallNotification(notify.CallToken(c.displayed)); err != nil {
			c.logger.Warn("clearing call notification", "callId", c.displayed, "error", err)
		}
	}
	if c.ringing {
		if err := c.ringer.StopRinging(); err != nil {
			c.logger.Warn("stopping ringtone", "error", err)
		}
		c.ringing = false
	}

	c.displayed = occupant
	if occupant == "" {
		return
	}

	shown := *transition.Displayed
	if err := c.notifier.ShowCallNotification(notify.CallToken(occupant), callerLabel(shown), shown.Kind == KindVideo); err != nil {
		c.logger.Warn("showing call notification", "callId", occupant, "error", err)
	}
	if !c.rung[occupant] {
		c.rung[occupant] = true
		c.ringing = true
		if err := c.ringer.StartRinging(); err != nil {
			c.logger.Warn("starting ringtone", "callId", occupant, "error", err)
		}
	}
}

func (c *Coordinator) clear() {
	if c.displayed != "" {
		if err := c.notifier.ClearCallNotification(notify.CallToken(c.displayed)); err != nil {
			c.logger.Warn("clearing call notification", "callId", c.displayed, "error", err)
		}
		c.displayed = ""
	}
	if c.ringing {
		if err := c.ringer.StopRinging(); err != nil {
			c.logger.Warn("stopping ringtone", "error", err)
		}
		c.ringing = false
	}
}

func callerLabel(call Call) string {
	if call.Counterpart.Name != "" {
		return call.Counterpart.Name
	}
	if call.Counterpart.Number != "" {
		return call.Counterpart.Number
	}
	return "Unknown caller"
}
