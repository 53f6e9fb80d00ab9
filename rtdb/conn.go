// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package rtdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sidecall-project/sidecall/lib/clock"
)

// Compile-time interface check.
var _ Channel = (*Conn)(nil)

// Frame op codes. Clients send auth, listen, unlisten, put, push, and
// delete; the server answers with ack or error (matched by request id)
// and streams event frames (matched by subscription id).
const (
	opAuth     = "auth"
	opListen   = "listen"
	opUnlisten = "unlisten"
	opPut      = "put"
	opPush     = "push"
	opDelete   = "delete"
	opAck      = "ack"
	opError    = "error"
	opEvent    = "event"
)

const (
	// pingInterval is how often the client sends websocket pings.
	pingInterval = 25 * time.Second
	// pongWait is how long a read may go without any inbound data
	// (pong or frame) before the connection is considered dead.
	pongWait = 60 * time.Second
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second
	// authTimeout bounds the auth round-trip after dialing.
	authTimeout = 15 * time.Second
	// unlistenTimeout bounds the best-effort unlisten sent when a
	// subscription closes.
	unlistenTimeout = 5 * time.Second
)

// frame is one JSON message on the wire, in either direction. Fields
// are populated per op; unused fields are omitted.
type frame struct {
	Op        string          `json:"op"`
	ID        int64           `json:"id,omitempty"`
	Sub       int64           `json:"sub,omitempty"`
	Path      string          `json:"path,omitempty"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	StartAt   int64           `json:"startAt,omitempty"`
	Kind      RecordKind      `json:"kind,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
	Token     string          `json:"token,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Config holds the parameters for dialing the realtime backend.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// Token is the auth credential, normally derived from the
	// pairing secret.
	Token string

	// Logger receives connection lifecycle and protocol messages.
	// Nil means slog.Default().
	Logger *slog.Logger

	// Clock drives reconnect backoff and ping intervals. Nil means
	// the real clock.
	Clock clock.Clock

	// ReconnectMin is the initial reconnect backoff. Zero means 1s.
	ReconnectMin time.Duration

	// ReconnectMax is the backoff ceiling. Zero means 30s.
	ReconnectMax time.Duration
}

// Conn is the production Channel: a gorilla/websocket client speaking
// the JSON frame protocol. It reconnects with exponential backoff and
// re-issues listens for active subscriptions, resuming each from the
// last delivered server timestamp. While disconnected, writes fail
// fast with ErrNotConnected.
type Conn struct {
	url          string
	token        string
	logger       *slog.Logger
	clock        clock.Clock
	reconnectMin time.Duration
	reconnectMax time.Duration

	mu          sync.Mutex
	ws          *websocket.Conn // nil while disconnected
	sessionDone chan struct{}   // closed when the current ws dies
	connected   bool            // dial + auth completed
	closed      bool
	nextID      int64
	nextSub     int64
	pending     map[int64]chan frame
	subs        map[int64]*connSub

	writeMu sync.Mutex // gorilla allows one concurrent writer

	redial chan struct{}
	done   chan struct{}
}

// connSub tracks one server-side listen. lastTS remembers the newest
// delivered server timestamp so a reconnect resumes where the stream
// broke instead of replaying the whole collection.
type connSub struct {
	id      int64
	path    string
	startAt int64
	sub     *Subscription

	mu     sync.Mutex
	lastTS int64
}

// Dial connects and authenticates against the realtime backend. The
// initial dial failing is returned to the caller; after a successful
// Dial the connection maintains itself until Close.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rtdb: URL is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	reconnectMin := cfg.ReconnectMin
	if reconnectMin <= 0 {
		reconnectMin = time.Second
	}
	reconnectMax := cfg.ReconnectMax
	if reconnectMax <= 0 {
		reconnectMax = 30 * time.Second
	}

	c := &Conn{
		url:          cfg.URL,
		token:        cfg.Token,
		logger:       logger,
		clock:        clk,
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
		pending:      make(map[int64]chan frame),
		subs:         make(map[int64]*connSub),
		redial:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	go c.manage()

	logger.Info("backend connected", "url", c.url)
	return c, nil
}

// Subscribe opens a server-side listen for a collection. The server
// replays current children (filtered by opts.StartAt) as Added event
// frames before streaming live deltas.
func (c *Conn) Subscribe(ctx context.Context, path string, opts SubscribeOptions) (*Subscription, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextSub++
	cs := &connSub{id: c.nextSub, path: path, startAt: opts.StartAt}
	cs.sub = newSubscription(path, func() { c.unsubscribe(cs) })
	// Register before sending the listen so replay events routed by
	// subscription id are never dropped.
	c.subs[cs.id] = cs
	c.mu.Unlock()

	_, err := c.request(ctx, frame{
		Op:      opListen,
		Sub:     cs.id,
		Path:    path,
		StartAt: opts.StartAt,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, cs.id)
		c.mu.Unlock()
		return nil, fmt.Errorf("rtdb: subscribing to %s: %w", path, err)
	}
	return cs.sub, nil
}

// Put creates or overwrites the child at path.
func (c *Conn) Put(ctx context.Context, path string, value any) error {
	if _, _, err := SplitPath(path); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("rtdb: encoding value for %s: %w", path, err)
	}
	if err := c.checkWritable(); err != nil {
		return err
	}
	if _, err := c.request(ctx, frame{Op: opPut, Path: path, Value: raw}); err != nil {
		return fmt.Errorf("rtdb: putting %s: %w", path, err)
	}
	return nil
}

// Push appends a child under a server-generated key and returns the
// key.
func (c *Conn) Push(ctx context.Context, path string, value any) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("rtdb: encoding value for %s: %w", path, err)
	}
	if err := c.checkWritable(); err != nil {
		return "", err
	}
	resp, err := c.request(ctx, frame{Op: opPush, Path: path, Value: raw})
	if err != nil {
		return "", fmt.Errorf("rtdb: pushing to %s: %w", path, err)
	}
	return resp.Key, nil
}

// Delete removes the child at path.
func (c *Conn) Delete(ctx context.Context, path string) error {
	if _, _, err := SplitPath(path); err != nil {
		return err
	}
	if err := c.checkWritable(); err != nil {
		return err
	}
	if _, err := c.request(ctx, frame{Op: opDelete, Path: path}); err != nil {
		return fmt.Errorf("rtdb: deleting %s: %w", path, err)
	}
	return nil
}

// Close tears the connection down. Active subscriptions fail with
// ErrClosed. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	ws := c.ws
	c.ws = nil
	var subs []*connSub
	for _, cs := range c.subs {
		subs = append(subs, cs)
	}
	c.subs = make(map[int64]*connSub)
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		ws.Close()
	}
	for _, cs := range subs {
		cs.sub.fail(ErrClosed)
	}
	c.logger.Info("backend connection closed", "url", c.url)
	return nil
}

// checkWritable gates writes while disconnected. Callers own retry
// policy; the connection reconnects on its own.
func (c *Conn) checkWritable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

// connect dials the endpoint, starts the read and ping loops, and
// completes the auth round-trip.
func (c *Conn) connect(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("rtdb: dialing %s: %w", c.url, err)
	}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	sessionDone := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.sessionDone = sessionDone
	c.mu.Unlock()

	go c.readLoop(ws)
	go c.pingLoop(ws, sessionDone)

	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()
	if _, err := c.request(authCtx, frame{Op: opAuth, Token: c.token}); err != nil {
		c.dropSession(ws, err)
		return fmt.Errorf("rtdb: authenticating: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// request sends a frame with a fresh request id and waits for the
// matching ack or error frame. Used during connect (before the
// connected flag is set) and by the public write operations.
func (c *Conn) request(ctx context.Context, f frame) (frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return frame{}, ErrClosed
	}
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return frame{}, ErrNotConnected
	}
	c.nextID++
	f.ID = c.nextID
	ch := make(chan frame, 1)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.writeFrame(ws, f); err != nil {
		c.forgetPending(f.ID)
		return frame{}, fmt.Errorf("writing %s frame: %w", f.Op, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			// The connection died while the request was in flight.
			return frame{}, ErrNotConnected
		}
		if resp.Op == opError {
			return frame{}, &BackendError{Code: resp.Code, Message: resp.Message}
		}
		return resp, nil
	case <-ctx.Done():
		c.forgetPending(f.ID)
		return frame{}, ctx.Err()
	case <-c.done:
		return frame{}, ErrClosed
	}
}

func (c *Conn) forgetPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// writeFrame serializes one frame onto the socket. Gorilla permits a
// single concurrent writer, so all writes funnel through writeMu.
func (c *Conn) writeFrame(ws *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(f)
}

// readLoop consumes inbound frames until the socket errors, routing
// acks to waiting requests and events to subscriptions. Malformed
// frames are logged and dropped, never fatal.
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.dropSession(ws, err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed backend frame", "error", err)
			continue
		}

		switch f.Op {
		case opAck, opError:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}

		case opEvent:
			c.mu.Lock()
			cs := c.subs[f.Sub]
			c.mu.Unlock()
			if cs == nil {
				// Event for a subscription closed moments ago.
				continue
			}
			cs.mu.Lock()
			if f.Timestamp > cs.lastTS {
				cs.lastTS = f.Timestamp
			}
			cs.mu.Unlock()
			cs.sub.deliver(Record{
				Kind:      f.Kind,
				Path:      cs.path,
				Key:       f.Key,
				Value:     f.Value,
				Timestamp: f.Timestamp,
			})

		default:
			c.logger.Warn("dropping backend frame with unknown op", "op", f.Op)
		}
	}
}

// pingLoop keeps the connection alive. The server answers pings with
// pongs, which extend the read deadline.
func (c *Conn) pingLoop(ws *websocket.Conn, sessionDone chan struct{}) {
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-sessionDone:
			return
		case <-c.done:
			return
		}
	}
}

// dropSession tears down a dead websocket session and signals the
// manager to redial. Stale calls (a session already replaced) are
// ignored.
func (c *Conn) dropSession(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.connected = false
	close(c.sessionDone)
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()

	ws.Close()
	c.logger.Warn("backend connection lost", "url", c.url, "error", cause)
	select {
	case c.redial <- struct{}{}:
	default:
	}
}

// manage redials with exponential backoff whenever the session drops,
// then re-issues listens for every active subscription.
func (c *Conn) manage() {
	for {
		select {
		case <-c.done:
			return
		case <-c.redial:
		}

		backoff := c.reconnectMin
		for {
			select {
			case <-c.done:
				return
			default:
			}

			err := c.connect(context.Background())
			if err == nil {
				err = c.resubscribeAll(context.Background())
				if err == nil {
					c.logger.Info("backend reconnected", "url", c.url)
					break
				}
				c.mu.Lock()
				ws := c.ws
				c.mu.Unlock()
				if ws != nil {
					c.dropSession(ws, err)
					// dropSession queued another redial; this loop
					// already owns reconnection, so drain it.
					select {
					case <-c.redial:
					default:
					}
				}
			}

			c.logger.Warn("backend reconnect failed",
				"url", c.url,
				"backoff", backoff,
				"error", err,
			)
			select {
			case <-c.done:
				return
			case <-c.clock.After(backoff):
			}
			backoff *= 2
			if backoff > c.reconnectMax {
				backoff = c.reconnectMax
			}
		}
	}
}

// resubscribeAll re-issues listens after a reconnect. Subscriptions
// resume from their last delivered timestamp, so only the records
// missed during the outage replay.
func (c *Conn) resubscribeAll(ctx context.Context) error {
	c.mu.Lock()
	subs := make([]*connSub, 0, len(c.subs))
	for _, cs := range c.subs {
		subs = append(subs, cs)
	}
	c.mu.Unlock()

	for _, cs := range subs {
		startAt := cs.startAt
		cs.mu.Lock()
		if cs.lastTS > 0 {
			startAt = cs.lastTS + 1
		}
		cs.mu.Unlock()

		_, err := c.request(ctx, frame{
			Op:      opListen,
			Sub:     cs.id,
			Path:    cs.path,
			StartAt: startAt,
		})
		if err != nil {
			return fmt.Errorf("rtdb: resubscribing to %s: %w", cs.path, err)
		}
	}
	return nil
}

// unsubscribe detaches a subscription and sends a best-effort
// unlisten. Runs once per subscription, from Subscription.Close.
func (c *Conn) unsubscribe(cs *connSub) {
	c.mu.Lock()
	if _, ok := c.subs[cs.id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subs, cs.id)
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unlistenTimeout)
	defer cancel()
	if _, err := c.request(ctx, frame{Op: opUnlisten, Sub: cs.id}); err != nil {
		c.logger.Debug("unlisten failed", "path", cs.path, "error", err)
	}
}
