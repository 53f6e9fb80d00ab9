// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

// sidecalld is the desktop daemon. It loads the pairing registry,
// connects the realtime backend, and runs the full companion
// pipeline: call events into the state machine and the notification
// coordinator, call history and message syncers into their SQLite
// mirrors, the clipboard engine, the transfer receiver, and the
// outbox watcher. OS-facing surfaces (notifications, ringtone,
// clipboard) run on log-backed bindings; platform UIs replace them
// in the app bundle.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/sidecall-project/sidecall/call"
	"github.com/sidecall-project/sidecall/history"
	"github.com/sidecall-project/sidecall/lib/clock"
	"github.com/sidecall-project/sidecall/lib/config"
	"github.com/sidecall-project/sidecall/lib/process"
	"github.com/sidecall-project/sidecall/lib/version"
	"github.com/sidecall-project/sidecall/media"
	"github.com/sidecall-project/sidecall/mirror"
	"github.com/sidecall-project/sidecall/notify"
	"github.com/sidecall-project/sidecall/pairing"
	"github.com/sidecall-project/sidecall/rtdb"
	"github.com/sidecall-project/sidecall/sms"
	"github.com/sidecall-project/sidecall/transfer"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("sidecalld", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to sidecall.yaml (defaults to $SIDECALL_CONFIG)")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println("sidecalld " + version.Full())
		return nil
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sidecalld starting",
		"version", version.Info(),
		"environment", cfg.Environment)

	registry, err := pairing.Open(filepath.Join(cfg.Paths.State, "pairing.cbor"))
	if err != nil {
		return err
	}
	phones := registry.List()
	if len(phones) == 0 {
		return fmt.Errorf("no paired phone in %s; pair the devices first", cfg.Paths.State)
	}
	phone := phones[len(phones)-1]
	if len(phones) > 1 {
		logger.Warn("multiple paired phones, using the most recent",
			"phone", phone.ID,
			"paired", len(phones))
	}

	deviceID, err := desktopDeviceID(cfg.Paths.State)
	if err != nil {
		return err
	}

	token, err := backendToken(cfg, phone)
	if err != nil {
		return err
	}

	connectTimeout, err := time.ParseDuration(cfg.Call.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("call.connect_timeout: %w", err)
	}
	autoAcknowledge, err := time.ParseDuration(cfg.Call.AutoAcknowledge)
	if err != nil {
		return fmt.Errorf("call.auto_acknowledge: %w", err)
	}
	reconnectMin, err := time.ParseDuration(cfg.Backend.ReconnectMin)
	if err != nil {
		return fmt.Errorf("backend.reconnect_min: %w", err)
	}
	reconnectMax, err := time.ParseDuration(cfg.Backend.ReconnectMax)
	if err != nil {
		return fmt.Errorf("backend.reconnect_max: %w", err)
	}

	// Stores open before the backend connection so the deferred
	// closes run in reverse: connection first, stores last, after
	// every component goroutine has already drained.
	historyStore, err := history.OpenStore(history.StoreConfig{
		Path:   cfg.Paths.HistoryDB,
		Logger: logger.With("component", "history"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := historyStore.Close(); err != nil {
			logger.Warn("closing history store", "error", err)
		}
	}()

	smsStore, err := sms.OpenStore(sms.StoreConfig{
		Path:   filepath.Join(filepath.Dir(cfg.Paths.HistoryDB), "messages.db"),
		Logger: logger.With("component", "sms"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := smsStore.Close(); err != nil {
			logger.Warn("closing sms store", "error", err)
		}
	}()

	channel, err := rtdb.Dial(ctx, rtdb.Config{
		URL:          cfg.Backend.URL,
		Token:        token,
		Logger:       logger.With("component", "rtdb"),
		ReconnectMin: reconnectMin,
		ReconnectMax: reconnectMax,
	})
	if err != nil {
		return fmt.Errorf("connecting backend: %w", err)
	}
	defer func() {
		if err := channel.Close(); err != nil {
			logger.Warn("closing backend connection", "error", err)
		}
	}()

	signaling := media.NewSignaling(channel, phone.PairID, deviceID, logger.With("component", "signaling"))
	engine := media.NewPionEngine(cfg.Media.STUNServers, logger.With("component", "media"))
	source := call.NewEventSource(channel, signaling, phone.ID, time.Now().UnixMilli(), logger.With("component", "source"))
	commander := call.NewRelayCommander(channel, phone.ID, clock.Real())
	machine := call.NewMachine(call.MachineConfig{
		Events:          source.Events(),
		Commander:       commander,
		Engine:          engine,
		Signaler:        signaling,
		Logger:          logger.With("component", "call"),
		ConnectTimeout:  connectTimeout,
		AutoAcknowledge: autoAcknowledge,
		DeviceName:      cfg.Device.Name,
	})

	if cfg.Call.Ringtone != "" {
		logger.Info("ringtone configured", "path", cfg.Call.Ringtone)
	}
	coordinator := call.NewCoordinator(
		notify.NewLogNotifier(logger.With("component", "notify")),
		notify.NewLogRinger(logger.With("component", "notify")),
		logger.With("component", "coordinator"),
	)

	historySyncer, err := history.NewSyncer(history.SyncerConfig{
		Channel:       channel,
		Store:         historyStore,
		PhoneDeviceID: phone.ID,
		Logger:        logger.With("component", "history"),
	})
	if err != nil {
		return err
	}
	smsSyncer, err := sms.NewSyncer(sms.SyncerConfig{
		Channel:       channel,
		Store:         smsStore,
		PhoneDeviceID: phone.ID,
		Logger:        logger.With("component", "sms"),
	})
	if err != nil {
		return err
	}

	clipboardEngine, err := mirror.NewEngine(mirror.EngineConfig{
		Channel:   channel,
		Clipboard: mirror.NewMemoryClipboard(),
		PairID:    phone.PairID,
		DeviceID:  deviceID,
		Logger:    logger.With("component", "clipboard"),
	})
	if err != nil {
		return err
	}

	receiver, err := transfer.NewReceiver(transfer.ReceiverConfig{
		Channel:  channel,
		PairID:   phone.PairID,
		DeviceID: deviceID,
		SpoolDir: cfg.Paths.Downloads,
		Logger:   logger.With("component", "transfer"),
	})
	if err != nil {
		return err
	}

	var senderCompression transfer.Compression
	if cfg.Transfer.Compression != "auto" {
		senderCompression = transfer.Compression(cfg.Transfer.Compression)
	}
	sender, err := transfer.NewSender(transfer.SenderConfig{
		Channel:     channel,
		PairID:      phone.PairID,
		DeviceID:    deviceID,
		ChunkSize:   cfg.Transfer.ChunkSizeKiB * 1024,
		Compression: senderCompression,
		Logger:      logger.With("component", "transfer"),
	})
	if err != nil {
		return err
	}
	outbox := newOutboxWatcher(filepath.Join(cfg.Paths.Root, "outbox"), sender, clock.Real(), logger.With("component", "outbox"))

	// Every component runs until the first exit, clean or not, then
	// the rest unwind through the shared context.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type exit struct {
		name string
		err  error
	}
	exits := make(chan exit, 8)
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
	start("outbox watcher", outbox.Run)

	logger.Info("sidecalld running",
		"pair", phone.PairID,
		"phone", phone.ID,
		"device", deviceID)

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

	logger.Info("sidecalld stopped")
	return firstErr
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// desktopDeviceID loads the stable identity this desktop uses in
// pair-scoped records, generating and persisting one on first run.
func desktopDeviceID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, "device-id")
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("reading device ID: %w", err)
	}

	id := "desktop-" + uuid.NewString()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing device ID: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("placing device ID: %w", err)
	}
	return id, nil
}

// backendToken prefers an operator-provisioned token file and falls
// back to deriving the credential from the pairing secret.
func backendToken(cfg *config.Config, phone pairing.Device) (string, error) {
	if cfg.Backend.TokenFile != "" {
		data, err := os.ReadFile(cfg.Backend.TokenFile)
		if err != nil {
			return "", fmt.Errorf("reading token file: %w", err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", fmt.Errorf("token file %s is empty", cfg.Backend.TokenFile)
		}
		return token, nil
	}
	return pairing.AuthToken(phone)
}
