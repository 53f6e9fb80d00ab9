// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"fmt"

	"github.com/sidecall-project/sidecall/lib/clock"
	"github.com/sidecall-project/sidecall/rtdb"
)

// CommandAction is a phone-bound instruction kind.
type CommandAction string

const (
	CommandAnswer CommandAction = "answer"
	CommandReject CommandAction = "reject"
	CommandEnd    CommandAction = "end"
	CommandDial   CommandAction = "dial"
)

// Command is one instruction appended to the phone's command
// collection. The desktop assigns call IDs, including for dials, so
// the phone's resulting call records correlate without a round-trip.
type Command struct {
	CallID string        `json:"callId"`
	Action CommandAction `json:"action"`
	// Number is the dial target. Dial only.
	Number string `json:"number,omitempty"`
	// IssuedAt is the desktop clock at issue time, Unix millis.
	IssuedAt int64 `json:"issuedAt"`
}

// Commander delivers commands to the phone. Send blocks until the
// backend acknowledges the write.
type Commander interface {
	Send(ctx context.Context, command Command) error
}

// RelayCommander is the production Commander: commands are pushed
// onto the paired phone's command collection.
type RelayCommander struct {
	channel  rtdb.Channel
	deviceID string
	clock    clock.Clock
}

var _ Commander = (*RelayCommander)(nil)

// NewRelayCommander returns a Commander targeting the phone with the
// given device ID. A nil clk uses the real clock.
func NewRelayCommander(channel rtdb.Channel, phoneDeviceID string, clk clock.Clock) *RelayCommander {
	if clk == nil {
		clk = clock.Real()
	}
	return &RelayCommander{
		channel:  channel,
		deviceID: phoneDeviceID,
		clock:    clk,
	}
}

// Send implements Commander.
func (c *RelayCommander) Send(ctx context.Context, command Command) error {
	command.IssuedAt = c.clock.Now().UnixMilli()
	path := "devices/" + c.deviceID + "/commands"
	if _, err := c.channel.Push(ctx, path, command); err != nil {
		return fmt.Errorf("sending %s command for call %s: %w", command.Action, command.CallID, err)
	}
	return nil
}
