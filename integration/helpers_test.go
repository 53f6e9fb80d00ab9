// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// Package integration_test exercises the assembled desktop pipeline
// the way sidecalld wires it, against the in-memory backend. Every
// component is real; the tests play the phone by writing the records
// the Android app writes and watching the collections it watches.
package integration_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sidecall-project/sidecall/call"
	"github.com/sidecall-project/sidecall/history"
	"github.com/sidecall-project/sidecall/media"
	"github.com/sidecall-project/sidecall/mirror"
	"github.com/sidecall-project/sidecall/notify"
	"github.com/sidecall-project/sidecall/rtdb"
	"github.com/sidecall-project/sidecall/sms"
	"github.com/sidecall-project/sidecall/transfer"
)

const (
	phoneID   = "phone-1"
	desktopID = "desktop-1"
	pairID    = "pair-1"
)

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recordingNotifier counts notification traffic per token.
type recordingNotifier struct {
	mu      sync.Mutex
	shown   map[notify.Token]int
	cleared map[notify.Token]int
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		shown:   make(map[notify.Token]int),
		cleared: make(map[notify.Token]int),
	}
}

func (n *recordingNotifier) ShowCallNotification(token notify.Token, callerName string, video bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown[token]++
	return nil
}

func (n *recordingNotifier) ClearCallNotification(token notify.Token) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleared[token]++
	return nil
}

func (n *recordingNotifier) shownCount(callID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.shown[notify.CallToken(callID)]
}

func (n *recordingNotifier) clearedCount(callID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cleared[notify.CallToken(callID)]
}

// recordingRinger counts ringtone starts and stops.
type recordingRinger struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (r *recordingRinger) StartRinging() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return nil
}

func (r *recordingRinger) StopRinging() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return nil
}

func (r *recordingRinger) counts() (starts, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

// pair is one assembled desktop pipeline over the memory channel,
// plus the phone actor on the other side.
type pair struct {
	t       *testing.T
	channel *rtdb.Memory

	machine   *call.Machine
	history   *history.Syncer
	sms       *sms.Syncer
	clipboard *mirror.MemoryClipboard
	mirror    *mirror.Engine
	receiver  *transfer.Receiver

	notifier *recordingNotifier
	ringer   *recordingRinger

	phone phone
}

// startPair assembles the sidecalld component set with throwaway
// stores and runs it until the test ends.
func startPair(t *testing.T) *pair {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	dir := t.TempDir()
	historyStore, err := history.OpenStore(history.StoreConfig{
		Path:   filepath.Join(dir, "history.db"),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("opening history store: %v", err)
	}
	t.Cleanup(func() { historyStore.Close() })

	smsStore, err := sms.OpenStore(sms.StoreConfig{
		Path:   filepath.Join(dir, "messages.db"),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("opening sms store: %v", err)
	}
	t.Cleanup(func() { smsStore.Close() })

	channel := rtdb.NewMemory(nil)

	signaling := media.NewSignaling(channel, pairID, desktopID, logger)
	engine := media.NewPionEngine(nil, logger)
	source := call.NewEventSource(channel, signaling, phoneID, 0, logger)
	commander := call.NewRelayCommander(channel, phoneID, nil)
	machine := call.NewMachine(call.MachineConfig{
		Events:     source.Events(),
		Commander:  commander,
		Engine:     engine,
		Signaler:   signaling,
		Logger:     logger,
		DeviceName: "Test Desktop",
	})
	notifier := newRecordingNotifier()
	ringer := &recordingRinger{}
	coordinator := call.NewCoordinator(notifier, ringer, logger)

	historySyncer, err := history.NewSyncer(history.SyncerConfig{
		Channel:       channel,
		Store:         historyStore,
		PhoneDeviceID: phoneID,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("building history syncer: %v", err)
	}
	smsSyncer, err := sms.NewSyncer(sms.SyncerConfig{
		Channel:       channel,
		Store:         smsStore,
		PhoneDeviceID: phoneID,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("building sms syncer: %v", err)
	}

	clipboard := mirror.NewMemoryClipboard()
	clipboardEngine, err := mirror.NewEngine(mirror.EngineConfig{
		Channel:   channel,
		Clipboard: clipboard,
		PairID:    pairID,
		DeviceID:  desktopID,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("building clipboard engine: %v", err)
	}

	receiver, err := transfer.NewReceiver(transfer.ReceiverConfig{
		Channel:  channel,
		PairID:   pairID,
		DeviceID: desktopID,
		SpoolDir: filepath.Join(dir, "downloads"),
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("building transfer receiver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("%s: %v", name, err)
			}
		}()
	}

	transitions := machine.Subscribe()
	run("event source", source.Run)
	run("call machine", machine.Run)
	run("coordinator", func(ctx context.Context) error {
		return coordinator.Run(ctx, transitions)
	})
	run("history syncer", historySyncer.Run)
	run("sms syncer", smsSyncer.Run)
	run("clipboard engine", clipboardEngine.Run)
	run("transfer receiver", receiver.Run)

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return &pair{
		t:         t,
		channel:   channel,
		machine:   machine,
		history:   historySyncer,
		sms:       smsSyncer,
		clipboard: clipboard,
		mirror:    clipboardEngine,
		receiver:  receiver,
		notifier:  notifier,
		ringer:    ringer,
		phone:     phone{t: t, channel: channel},
	}
}

// phone writes and watches the backend the way the Android app does.
type phone struct {
	t       *testing.T
	channel *rtdb.Memory
}

func (p phone) put(path string, value any) {
	p.t.Helper()
	if err := p.channel.Put(context.Background(), path, value); err != nil {
		p.t.Fatalf("Put %s: %v", path, err)
	}
}

func (p phone) setCall(callID string, record map[string]any) {
	p.put("devices/"+phoneID+"/calls/"+callID, record)
}

func (p phone) ring(callID, name, number string) {
	p.setCall(callID, map[string]any{
		"state":     "ringing",
		"direction": "incoming",
		"name":      name,
		"number":    number,
		"platform":  "android",
		"startedAt": time.Now().UnixMilli(),
	})
}

func (p phone) addHistory(id string, record map[string]any) {
	p.put("devices/"+phoneID+"/history/"+id, record)
}

func (p phone) addConversation(id string, record map[string]any) {
	p.put("devices/"+phoneID+"/conversations/"+id, record)
}

func (p phone) addMessage(conversationID, id string, record map[string]any) {
	p.put("devices/"+phoneID+"/messages/"+conversationID+"/"+id, record)
}

// watchCommands collects the desktop's phone-bound commands.
func (p phone) watchCommands(ctx context.Context) <-chan phoneCommand {
	p.t.Helper()
	sub, err := p.channel.Subscribe(ctx, "devices/"+phoneID+"/commands", rtdb.SubscribeOptions{})
	if err != nil {
		p.t.Fatalf("subscribing to commands: %v", err)
	}
	out := make(chan phoneCommand, 16)
	go func() {
		defer sub.Close()
		defer close(out)
		for record := range sub.Events() {
			if record.Kind == rtdb.KindRemoved {
				continue
			}
			var command phoneCommand
			if err := json.Unmarshal(record.Value, &command); err != nil {
				continue
			}
			select {
			case out <- command:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

type phoneCommand struct {
	CallID string `json:"callId"`
	Action string `json:"action"`
	Number string `json:"number"`
}

// nextCommand waits for one command from the watch stream.
func nextCommand(t *testing.T, commands <-chan phoneCommand) phoneCommand {
	t.Helper()
	select {
	case command, ok := <-commands:
		if !ok {
			t.Fatal("command stream closed")
		}
		return command
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a command")
	}
	return phoneCommand{}
}

// collectChildren returns the current children of a collection via a
// fresh subscription's replay.
func collectChildren(t *testing.T, channel *rtdb.Memory, path string) []rtdb.Record {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := channel.Subscribe(ctx, path, rtdb.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribing to %s: %v", path, err)
	}
	defer sub.Close()

	var records []rtdb.Record
	for {
		select {
		case record, ok := <-sub.Events():
			if !ok {
				return records
			}
			records = append(records, record)
		case <-time.After(50 * time.Millisecond):
			return records
		}
	}
}

// testWriter routes component logs through the test log so failures
// carry the pipeline's story.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}
