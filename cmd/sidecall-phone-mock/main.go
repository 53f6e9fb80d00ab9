// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// sidecall-phone-mock runs the complete desktop pipeline against an
// in-memory backend, with a scripted phone simulator on the other
// side of the pair. No real phone, backend, or network is involved,
// so it works offline for development and demos.
//
// The simulated phone seeds a call log and two message threads, rings
// an incoming call shortly after start, answers relay commands, and
// shares a clipboard item and a photo. An interactive prompt on stdin
// drives the desktop side; type "help" for the commands, or pass --tui
// for a full-screen dashboard. Calls are relay-only because the
// simulator has no media engine.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sidecall-project/sidecall/call"
	"github.com/sidecall-project/sidecall/history"
	"github.com/sidecall-project/sidecall/lib/clock"
	"github.com/sidecall-project/sidecall/lib/process"
	"github.com/sidecall-project/sidecall/lib/version"
	"github.com/sidecall-project/sidecall/media"
	"github.com/sidecall-project/sidecall/mirror"
	"github.com/sidecall-project/sidecall/notify"
	"github.com/sidecall-project/sidecall/rtdb"
	"github.com/sidecall-project/sidecall/sms"
	"github.com/sidecall-project/sidecall/transfer"
)

const (
	phoneID   = "phone-mock"
	desktopID = "desktop-mock"
	pairID    = "pair-mock"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("sidecall-phone-mock", pflag.ContinueOnError)
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	ringAfter := flagSet.Duration("ring-after", 3*time.Second, "delay before the simulated incoming call (0 disables it)")
	dataDir := flagSet.String("data-dir", "", "state directory (defaults to a throwaway temp dir)")
	logLevel := flagSet.String("log-level", "info", "log level: debug, info, warn, error")
	tui := flagSet.Bool("tui", false, "full-screen dashboard instead of the line console")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println("sidecall-phone-mock " + version.Full())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("log level %q: %w", *logLevel, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir := *dataDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "sidecall-mock-")
		if err != nil {
			return fmt.Errorf("creating data dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	downloads := filepath.Join(dir, "downloads")

	// The dashboard owns the terminal, so its logs go to a file in the
	// data directory instead of stderr.
	logWriter := io.Writer(os.Stderr)
	if *tui {
		logFile, err := os.OpenFile(filepath.Join(dir, "mock.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer logFile.Close()
		logWriter = logFile
	}
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("sidecall-phone-mock starting",
		"version", version.Info(),
		"data", dir)

	historyStore, err := history.OpenStore(history.StoreConfig{
		Path:   filepath.Join(dir, "history.db"),
		Logger: logger.With("component", "history"),
	})
	if err != nil {
		return err
	}
	defer historyStore.Close()

	smsStore, err := sms.OpenStore(sms.StoreConfig{
		Path:   filepath.Join(dir, "messages.db"),
		Logger: logger.With("component", "sms"),
	})
	if err != nil {
		return err
	}
	defer smsStore.Close()

	channel := rtdb.NewMemory(nil)

	signaling := media.NewSignaling(channel, pairID, desktopID, logger.With("component", "signaling"))
	engine := media.NewPionEngine(nil, logger.With("component", "media"))
	source := call.NewEventSource(channel, signaling, phoneID, time.Now().UnixMilli(), logger.With("component", "source"))
	commander := call.NewRelayCommander(channel, phoneID, clock.Real())
	machine := call.NewMachine(call.MachineConfig{
		Events:     source.Events(),
		Commander:  commander,
		Engine:     engine,
		Signaler:   signaling,
		Logger:     logger.With("component", "call"),
		DeviceName: "Mock Desktop",
	})
	coordinator := call.NewCoordinator(
		notify.NewLogNotifier(logger.With("component", "notify")),
		notify.NewLogRinger(logger.With("component", "notify")),
		logger.With("component", "coordinator"),
	)

	historySyncer, err := history.NewSyncer(history.SyncerConfig{
		Channel:       channel,
		Store:         historyStore,
		PhoneDeviceID: phoneID,
		Logger:        logger.With("component", "history"),
	})
	if err != nil {
		return err
	}
	smsSyncer, err := sms.NewSyncer(sms.SyncerConfig{
		Channel:       channel,
		Store:         smsStore,
		PhoneDeviceID: phoneID,
		Logger:        logger.With("component", "sms"),
	})
	if err != nil {
		return err
	}

	clipboard := mirror.NewMemoryClipboard()
	clipboardEngine, err := mirror.NewEngine(mirror.EngineConfig{
		Channel:   channel,
		Clipboard: clipboard,
		PairID:    pairID,
		DeviceID:  desktopID,
		Logger:    logger.With("component", "clipboard"),
	})
	if err != nil {
		return err
	}

	receiver, err := transfer.NewReceiver(transfer.ReceiverConfig{
		Channel:  channel,
		PairID:   pairID,
		DeviceID: desktopID,
		SpoolDir: downloads,
		Logger:   logger.With("component", "transfer"),
	})
	if err != nil {
		return err
	}
	sender, err := transfer.NewSender(transfer.SenderConfig{
		Channel:  channel,
		PairID:   pairID,
		DeviceID: desktopID,
		Logger:   logger.With("component", "transfer"),
	})
	if err != nil {
		return err
	}

	phone, err := newPhoneSim(channel, phoneID, pairID, *ringAfter, logger.With("component", "phone"))
	if err != nil {
		return err
	}

	uiName := "console"
	runUI := (&console{
		machine:   machine,
		history:   historySyncer,
		sms:       smsSyncer,
		clipboard: clipboard,
		mirror:    clipboardEngine,
		receiver:  receiver,
		sender:    sender,
	}).Run
	if *tui {
		uiName = "dashboard"
		runUI = (&dashboard{
			machine:   machine,
			history:   historySyncer,
			sms:       smsSyncer,
			clipboard: clipboard,
			mirror:    clipboardEngine,
			receiver:  receiver,
			sender:    sender,
		}).Run
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type exit struct {
		name string
		err  error
	}
	exits := make(chan exit, 16)
	components := 0
	start := func(name string, run func(context.Context) error) {
		components++
		go func() {
			exits <- exit{name: name, err: run(runCtx)}
		}()
	}

	transitions := machine.Subscribe()
	start("event source", source.Run)
	start("call machine", machine.Run)
	start("call coordinator", func(ctx context.Context) error {
		return coordinator.Run(ctx, transitions)
	})
	start("history syncer", historySyncer.Run)
	start("sms syncer", smsSyncer.Run)
	start("clipboard engine", clipboardEngine.Run)
	start("transfer receiver", receiver.Run)
	start("phone simulator", phone.Run)
	start(uiName, runUI)

	logger.Info("mock pair running", "phone", phoneID, "desktop", desktopID)

	var firstErr error
	for components > 0 {
		e := <-exits
		components--
		if e.err != nil && !errors.Is(e.err, context.Canceled) {
			logger.Error("component failed", "component", e.name, "error", e.err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", e.name, e.err)
			}
		} else {
			logger.Debug("component stopped", "component", e.name)
		}
		cancel()
	}
	return firstErr
}

// console is the stdin prompt driving the desktop side of the pair.
type console struct {
	machine   *call.Machine
	history   *history.Syncer
	sms       *sms.Syncer
	clipboard *mirror.MemoryClipboard
	mirror    *mirror.Engine
	receiver  *transfer.Receiver
	sender    *transfer.Sender
}

func (c *console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Println(`type "help" for commands`)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if fields[0] == "quit" || fields[0] == "exit" {
				return nil
			}
			if err := c.dispatch(ctx, fields[0], fields[1:]); err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}

func (c *console) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "help":
		fmt.Print(`calls                    list calls the machine tracks
answer [id]              answer the displayed incoming call
reject [id]              reject the displayed incoming call
end [id]                 hang up the active call
dial <number>            place a relayed call through the phone
history                  show the synced call log
threads                  list message conversations
read <conversation>      show a conversation's messages
text <conversation> <body...>  send a text through the phone
copy <text...>           put text on the desktop clipboard
paste                    show the shared clipboard content
transfers                list inbound file transfers
send <path>              send a file to the phone
quit                     stop everything
`)
		return nil
	case "calls":
		calls := c.machine.Calls()
		if len(calls) == 0 {
			fmt.Println("no calls")
			return nil
		}
		for _, item := range calls {
			name := item.Counterpart.Name
			if name == "" {
				name = item.Counterpart.Number
			}
			fmt.Printf("%s  %-10s %-8s %s\n", item.ID, item.State, item.Direction, name)
		}
		return nil
	case "answer":
		id, err := c.pickCall(args, c.machine.DisplayedIncoming())
		if err != nil {
			return err
		}
		return c.machine.Answer(ctx, id)
	case "reject":
		id, err := c.pickCall(args, c.machine.DisplayedIncoming())
		if err != nil {
			return err
		}
		return c.machine.Reject(ctx, id)
	case "end":
		id, err := c.pickCall(args, c.machine.ActiveCall())
		if err != nil {
			return err
		}
		return c.machine.End(ctx, id)
	case "dial":
		if len(args) != 1 {
			return errors.New("usage: dial <number>")
		}
		placed, err := c.machine.Dial(ctx, call.DialRequest{Number: args[0]})
		if err != nil {
			return err
		}
		fmt.Printf("dialing %s (%s)\n", placed.Counterpart.Number, placed.ID)
		return nil
	case "history":
		entries := c.history.Snapshot()
		if len(entries) == 0 {
			fmt.Println("no call history yet")
			return nil
		}
		for _, entry := range entries {
			duration := ""
			if entry.DurationSeconds > 0 {
				duration = (time.Duration(entry.DurationSeconds) * time.Second).String()
			}
			fmt.Printf("%s  %-8s %-20s %s\n",
				entry.Date.Format("Jan _2 15:04"), entry.Type, entry.Label(), duration)
		}
		return nil
	case "threads":
		conversations := c.sms.Conversations()
		if len(conversations) == 0 {
			fmt.Println("no conversations yet")
			return nil
		}
		for _, conversation := range conversations {
			name := conversation.ContactName
			if name == "" {
				name = conversation.Address
			}
			unread := ""
			if conversation.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", conversation.UnreadCount)
			}
			fmt.Printf("%-8s %-16s %s%s\n", conversation.ID, name, conversation.Preview, unread)
		}
		return nil
	case "read":
		if len(args) != 1 {
			return errors.New("usage: read <conversation>")
		}
		thread, err := c.sms.Thread(args[0])
		if err != nil {
			return err
		}
		defer thread.Close()
		// Give the replay a moment to land before printing.
		select {
		case <-thread.Updates():
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
		for _, message := range thread.Snapshot() {
			marker := "<-"
			if message.Direction == sms.DirectionOutgoing {
				marker = "->"
			}
			fmt.Printf("%s %s %s\n", message.SentAt.Format("15:04"), marker, message.Body)
		}
		return nil
	case "text":
		if len(args) < 2 {
			return errors.New("usage: text <conversation> <body...>")
		}
		return c.sms.SendText(ctx, args[0], strings.Join(args[1:], " "))
	case "copy":
		if len(args) == 0 {
			return errors.New("usage: copy <text...>")
		}
		return c.clipboard.Set(ctx, mirror.Content{
			MIME: "text/plain",
			Data: []byte(strings.Join(args, " ")),
		})
	case "paste":
		item, ok := c.mirror.Current()
		if !ok {
			fmt.Println("clipboard empty")
			return nil
		}
		fmt.Printf("[%s from %s] %s\n", item.MIME, item.Origin, previewOf(item))
		return nil
	case "transfers":
		transfers := c.receiver.Transfers()
		if len(transfers) == 0 {
			fmt.Println("no transfers yet")
			return nil
		}
		for _, progress := range transfers {
			fmt.Printf("%s  %-10s %s  %d/%d chunks", progress.ID, progress.State, progress.Name, progress.ChunksDone, progress.ChunkCount)
			if progress.Path != "" {
				fmt.Printf("  -> %s", progress.Path)
			}
			if progress.Err != nil {
				fmt.Printf("  (%v)", progress.Err)
			}
			fmt.Println()
		}
		return nil
	case "send":
		if len(args) != 1 {
			return errors.New("usage: send <path>")
		}
		id, err := c.sender.SendFile(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println("sent as transfer", id)
		return nil
	default:
		return fmt.Errorf("unknown command %q; type help", command)
	}
}

// pickCall resolves the call a command targets: an explicit ID wins,
// otherwise the machine's current candidate for that verb.
func (c *console) pickCall(args []string, fallback *call.Call) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if fallback == nil {
		return "", errors.New("no matching call; pass a call ID")
	}
	return fallback.ID, nil
}

func previewOf(item mirror.Item) string {
	if strings.HasPrefix(item.MIME, "text/") {
		text := string(item.Data)
		if len(text) > 120 {
			return text[:120] + "..."
		}
		return text
	}
	return fmt.Sprintf("%d bytes", len(item.Data))
}
