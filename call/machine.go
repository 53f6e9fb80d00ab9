// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sidecall-project/sidecall/lib/clock"
	"github.com/sidecall-project/sidecall/lib/stream"
	"github.com/sidecall-project/sidecall/media"
)

const (
	defaultConnectTimeout  = 30 * time.Second
	defaultAutoAcknowledge = 5 * time.Second
)

// Signaler publishes local signaling messages for device-to-device
// calls. Satisfied by *media.Signaling.
type Signaler interface {
	PublishOffer(ctx context.Context, callID string, offer media.Offer) error
	PublishAnswer(ctx context.Context, callID, answerSDP string) error
	PublishCandidate(ctx context.Context, callID string, candidate media.Candidate) error
	PublishHangup(ctx context.Context, callID, reason string) error
}

var _ Signaler = (*media.Signaling)(nil)

// MachineConfig configures a Machine. Events, Commander, Engine, and
// Signaler are required.
type MachineConfig struct {
	// Events is the normalized remote event stream, usually
	// EventSource.Events.
	Events <-chan Event
	// Commander delivers phone-bound commands.
	Commander Commander
	// Engine creates device-to-device media sessions.
	Engine media.Engine
	// Signaler publishes local WebRTC signaling.
	Signaler Signaler

	// Clock defaults to the real clock.
	Clock clock.Clock
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// ConnectTimeout fails a call stuck in connecting. Default 30s.
	ConnectTimeout time.Duration
	// AutoAcknowledge removes finished calls that nobody
	// acknowledges. Default 5s.
	AutoAcknowledge time.Duration

	// DeviceName and DevicePlatform identify this desktop in
	// outgoing device-to-device offers. DevicePlatform defaults to
	// "macos".
	DeviceName     string
	DevicePlatform string
}

// DialRequest describes an outgoing call.
type DialRequest struct {
	// Number is the dial target (phone relay).
	Number string
	// CounterpartName is the display name, if known.
	CounterpartName string
	// DeviceToDevice selects a direct WebRTC call to the paired
	// phone instead of a relayed cellular call.
	DeviceToDevice bool
	// Video requests a video call. Device-to-device only.
	Video bool
}

// Transition is one published state change.
type Transition struct {
	// Call is the post-transition snapshot.
	Call Call
	From State
	To   State
	// Displayed is the occupant of the displayed-incoming slot after
	// this transition, nil when the slot is empty.
	Displayed *Call
}

// TransitionStream delivers one subscriber's transitions in order.
// Pushes never block the machine. Close the stream when done and keep
// draining Events until it closes.
type TransitionStream struct {
	feed   *stream.Feed[Transition]
	cancel func()
}

// Events returns the transition channel. Closed after Close, once
// buffered transitions drain.
func (s *TransitionStream) Events() <-chan Transition { return s.feed.Out() }

// Close detaches the stream from the machine.
func (s *TransitionStream) Close() { s.cancel() }

// Machine owns all call state. Remote events, local actions, timer
// expiries, and projections serialize through one run loop goroutine;
// nothing else touches the call table. At most one call is connecting
// or connected at a time.
type Machine struct {
	events    <-chan Event
	commander Commander
	engine    media.Engine
	signaler  Signaler
	clock     clock.Clock
	logger    *slog.Logger

	connectTimeout  time.Duration
	autoAcknowledge time.Duration
	deviceName      string
	devicePlatform  string

	actions     chan action
	queries     chan chan snapshot
	internal    chan internalEvent
	timerNotify chan struct{}
	stopped     chan struct{}

	mu               sync.Mutex
	subscribers      map[int]*stream.Feed[Transition]
	nextSubscriberID int
	subsClosed       bool

	// Run loop state. Only the run loop goroutine touches these.
	runCtx context.Context
	calls  map[string]*callState
}

// callState is the machine's per-call bookkeeping. The Call snapshot
// is what subscribers and projections see; the rest is transient
// machinery.
type callState struct {
	call Call

	// Device-to-device machinery. Remote candidates buffer until the
	// session has both descriptions applied.
	pendingOffer      string
	pendingCandidates []media.Candidate
	candidatesReady   bool
	session           media.Session

	// exchangeCtx covers the call's cancelable work: the answer
	// command or WebRTC exchange, and the candidate pump. Ending the
	// call cancels it.
	exchangeCtx    context.Context
	cancelExchange context.CancelFunc

	connectDeadline time.Time
	ackDeadline     time.Time
}

type actionKind int

const (
	actionAnswer actionKind = iota
	actionReject
	actionEnd
	actionDial
	actionAcknowledge
)

type action struct {
	kind   actionKind
	callID string
	dial   DialRequest
	reply  chan actionReply
}

type actionReply struct {
	call Call
	err  error
}

type snapshot struct {
	calls     []Call
	active    *Call
	displayed *Call
}

type internalKind int

const (
	internalCommandFailed internalKind = iota
	internalMediaFailed
	internalMediaState
	internalAnswerApplied
)

// internalEvent reports the outcome of asynchronous per-call work
// back to the run loop.
type internalEvent struct {
	kind       internalKind
	callID     string
	action     CommandAction
	err        error
	mediaState media.SessionState
}

// NewMachine returns a machine ready to Run.
func NewMachine(config MachineConfig) *Machine {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	connectTimeout := config.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	autoAcknowledge := config.AutoAcknowledge
	if autoAcknowledge <= 0 {
		autoAcknowledge = defaultAutoAcknowledge
	}
	devicePlatform := config.DevicePlatform
	if devicePlatform == "" {
		devicePlatform = "macos"
	}
	return &Machine{
		events:          config.Events,
		commander:       config.Commander,
		engine:          config.Engine,
		signaler:        config.Signaler,
		clock:           clk,
		logger:          logger,
		connectTimeout:  connectTimeout,
		autoAcknowledge: autoAcknowledge,
		deviceName:      config.DeviceName,
		devicePlatform:  devicePlatform,
		actions:         make(chan action),
		queries:         make(chan chan snapshot),
		internal:        make(chan internalEvent, 64),
		timerNotify:     make(chan struct{}, 1),
		stopped:         make(chan struct{}),
		subscribers:     make(map[int]*stream.Feed[Transition]),
		calls:           make(map[string]*callState),
	}
}

// Run processes events and actions until ctx is cancelled or the
// event stream closes. Actions and projections block until Run is
// started.
func (m *Machine) Run(ctx context.Context) error {
	m.runCtx = ctx
	defer m.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-m.events:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			m.handleEvent(event)
		case act := <-m.actions:
			m.handleAction(act)
		case reply := <-m.queries:
			reply <- m.buildSnapshot()
		case internal := <-m.internal:
			m.handleInternal(internal)
		case <-m.timerNotify:
			m.scanTimers()
		}
	}
}

func (m *Machine) shutdown() {
	close(m.stopped)
	for _, cs := range m.calls {
		if cs.cancelExchange != nil {
			cs.cancelExchange()
		}
		if cs.session != nil {
			cs.session.Close()
		}
	}
	m.mu.Lock()
	feeds := make([]*stream.Feed[Transition], 0, len(m.subscribers))
	for _, feed := range m.subscribers {
		feeds = append(feeds, feed)
	}
	m.subscribers = nil
	m.subsClosed = true
	m.mu.Unlock()
	for _, feed := range feeds {
		feed.Close()
	}
}

// Answer accepts an incoming ringing call. Answering a call that is
// already connecting or connected is a no-op; answering while another
// call is active returns ErrAnotherCallActive.
func (m *Machine) Answer(ctx context.Context, callID string) error {
	_, err := m.do(ctx, action{kind: actionAnswer, callID: callID})
	return err
}

// Reject declines an incoming ringing call. The call ends locally at
// once; the remote side is told asynchronously. Rejecting a finished
// call is a no-op.
func (m *Machine) Reject(ctx context.Context, callID string) error {
	_, err := m.do(ctx, action{kind: actionReject, callID: callID})
	return err
}

// End hangs up a live call. Ringing incoming calls are rejected;
// anything else gets the end command or hangup signal. Ending a
// finished call is a no-op. An in-flight answer for the call is
// cancelled.
func (m *Machine) End(ctx context.Context, callID string) error {
	_, err := m.do(ctx, action{kind: actionEnd, callID: callID})
	return err
}

// Dial starts an outgoing call and returns its initial snapshot.
func (m *Machine) Dial(ctx context.Context, request DialRequest) (Call, error) {
	return m.do(ctx, action{kind: actionDial, dial: request})
}

// Acknowledge removes a finished call from the table. Unknown IDs are
// a no-op, so acknowledging twice is safe; live calls return
// ErrNotOver.
func (m *Machine) Acknowledge(ctx context.Context, callID string) error {
	_, err := m.do(ctx, action{kind: actionAcknowledge, callID: callID})
	return err
}

func (m *Machine) do(ctx context.Context, act action) (Call, error) {
	act.reply = make(chan actionReply, 1)
	select {
	case m.actions <- act:
	case <-m.stopped:
		return Call{}, ErrStopped
	case <-ctx.Done():
		return Call{}, ctx.Err()
	}
	select {
	case reply := <-act.reply:
		return reply.call, reply.err
	case <-m.stopped:
		return Call{}, ErrStopped
	case <-ctx.Done():
		return Call{}, ctx.Err()
	}
}

// Calls returns all tracked calls, oldest first.
func (m *Machine) Calls() []Call {
	return m.snapshot().calls
}

// ActiveCall returns the connecting or connected call, nil if none.
func (m *Machine) ActiveCall() *Call {
	return m.snapshot().active
}

// DisplayedIncoming returns the call owning the displayed-incoming
// slot: the newest-started ringing incoming call, nil while a call is
// active or nothing rings.
func (m *Machine) DisplayedIncoming() *Call {
	return m.snapshot().displayed
}

func (m *Machine) snapshot() snapshot {
	reply := make(chan snapshot, 1)
	select {
	case m.queries <- reply:
	case <-m.stopped:
		return snapshot{}
	}
	select {
	case snap := <-reply:
		return snap
	case <-m.stopped:
		return snapshot{}
	}
}

// Subscribe registers a transition subscriber. Streams subscribed
// after the machine stops are closed immediately.
func (m *Machine) Subscribe() *TransitionStream {
	feed := stream.NewFeed[Transition]()
	m.mu.Lock()
	if m.subsClosed {
		m.mu.Unlock()
		feed.Close()
		return &TransitionStream{feed: feed, cancel: func() {}}
	}
	id := m.nextSubscriberID
	m.nextSubscriberID++
	m.subscribers[id] = feed
	m.mu.Unlock()
	return &TransitionStream{feed: feed, cancel: func() { m.unsubscribe(id) }}
}

func (m *Machine) unsubscribe(id int) {
	m.mu.Lock()
	feed, ok := m.subscribers[id]
	delete(m.subscribers, id)
	m.mu.Unlock()
	if ok {
		feed.Close()
	}
}

func (m *Machine) publishTransition(call Call, from State) {
	m.logger.Info("call state changed",
		"callId", call.ID, "from", from, "to", call.State, "source", call.Source)
	transition := Transition{Call: call, From: from, To: call.State, Displayed: m.displayedCall()}
	m.mu.Lock()
	feeds := make([]*stream.Feed[Transition], 0, len(m.subscribers))
	for _, feed := range m.subscribers {
		feeds = append(feeds, feed)
	}
	m.mu.Unlock()
	for _, feed := range feeds {
		feed.Push(transition)
	}
}

// setState applies a state change and publishes it.
func (m *Machine) setState(cs *callState, to State) {
	from := cs.call.State
	cs.call.State = to
	m.publishTransition(cs.call, from)
}

func (m *Machine) activeCall() *callState {
	for _, cs := range m.calls {
		if cs.call.Active() {
			return cs
		}
	}
	return nil
}

// displayedCall resolves the displayed-incoming slot: empty while any
// call is active, otherwise the newest-started ringing incoming call
// (ties break toward the larger ID).
func (m *Machine) displayedCall() *Call {
	if m.activeCall() != nil {
		return nil
	}
	var best *callState
	for _, cs := range m.calls {
		call := cs.call
		if call.State != StateRinging || call.Direction != DirectionIncoming {
			continue
		}
		if best == nil || call.StartedAt.After(best.call.StartedAt) ||
			(call.StartedAt.Equal(best.call.StartedAt) && call.ID > best.call.ID) {
			best = cs
		}
	}
	if best == nil {
		return nil
	}
	call := best.call
	return &call
}

func (m *Machine) buildSnapshot() snapshot {
	snap := snapshot{calls: make([]Call, 0, len(m.calls))}
	for _, cs := range m.calls {
		snap.calls = append(snap.calls, cs.call)
	}
	sort.Slice(snap.calls, func(i, j int) bool {
		if !snap.calls[i].StartedAt.Equal(snap.calls[j].StartedAt) {
			return snap.calls[i].StartedAt.Before(snap.calls[j].StartedAt)
		}
		return snap.calls[i].ID < snap.calls[j].ID
	})
	if cs := m.activeCall(); cs != nil {
		call := cs.call
		snap.active = &call
	}
	snap.displayed = m.displayedCall()
	return snap
}

func (m *Machine) handleAction(act action) {
	var reply actionReply
	switch act.kind {
	case actionAnswer:
		reply.err = m.answer(act.callID)
	case actionReject:
		reply.err = m.reject(act.callID)
	case actionEnd:
		reply.err = m.end(act.callID)
	case actionDial:
		reply.call, reply.err = m.dial(act.dial)
	case actionAcknowledge:
		reply.err = m.acknowledge(act.callID)
	}
	act.reply <- reply
}

func (m *Machine) answer(callID string) error {
	cs, ok := m.calls[callID]
	if !ok {
		return ErrUnknownCall
	}
	if cs.call.Active() {
		return nil
	}
	if cs.call.Over() || cs.call.Direction != DirectionIncoming {
		return ErrNotAnswerable
	}
	if m.activeCall() != nil {
		return ErrAnotherCallActive
	}

	switch cs.call.Source {
	case SourcePhoneRelayed:
		ctx := m.callContext(cs)
		command := Command{CallID: callID, Action: CommandAnswer}
		go m.deliver(ctx, callID, CommandAnswer, func(ctx context.Context) error {
			return m.commander.Send(ctx, command)
		})
	case SourceDeviceToDevice:
		if cs.pendingOffer == "" {
			return ErrNoOffer
		}
		if err := m.openSession(cs); err != nil {
			return fmt.Errorf("opening media session: %w", err)
		}
		ctx := m.callContext(cs)
		session, offer := cs.session, cs.pendingOffer
		go func() {
			answer, err := session.AcceptOffer(ctx, offer)
			if err != nil {
				m.sendInternal(internalEvent{kind: internalMediaFailed, callID: callID, err: err})
				return
			}
			if !m.deliver(ctx, callID, CommandAnswer, func(ctx context.Context) error {
				return m.signaler.PublishAnswer(ctx, callID, answer)
			}) {
				return
			}
			m.sendInternal(internalEvent{kind: internalAnswerApplied, callID: callID})
		}()
	}

	m.armConnectTimeout(cs)
	m.setState(cs, StateConnecting)
	return nil
}

func (m *Machine) reject(callID string) error {
	cs, ok := m.calls[callID]
	if !ok {
		return ErrUnknownCall
	}
	if cs.call.Over() {
		return nil
	}
	if cs.call.State != StateRinging || cs.call.Direction != DirectionIncoming {
		return ErrNotRinging
	}
	m.hangUp(cs, CommandReject)
	return nil
}

func (m *Machine) end(callID string) error {
	cs, ok := m.calls[callID]
	if !ok {
		return ErrUnknownCall
	}
	if cs.call.Over() {
		return nil
	}
	if cs.call.State == StateRinging && cs.call.Direction == DirectionIncoming {
		m.hangUp(cs, CommandReject)
		return nil
	}
	m.hangUp(cs, CommandEnd)
	return nil
}

// hangUp ends a call locally at once and tells the remote side
// asynchronously, never waiting for the backend ack. Deliveries ride
// the run context, not the call's, so cancelling the call's exchange
// does not cancel its own hangup.
func (m *Machine) hangUp(cs *callState, cmdAction CommandAction) {
	callID := cs.call.ID
	switch cs.call.Source {
	case SourcePhoneRelayed:
		command := Command{CallID: callID, Action: cmdAction}
		go m.deliver(m.runCtx, callID, cmdAction, func(ctx context.Context) error {
			return m.commander.Send(ctx, command)
		})
	case SourceDeviceToDevice:
		go m.deliver(m.runCtx, callID, cmdAction, func(ctx context.Context) error {
			return m.signaler.PublishHangup(ctx, callID, "")
		})
	}
	m.finish(cs, StateEnded, "")
}

func (m *Machine) dial(request DialRequest) (Call, error) {
	if m.activeCall() != nil {
		return Call{}, ErrAnotherCallActive
	}

	callID := uuid.NewString()
	now := m.clock.Now()
	cs := &callState{call: Call{
		ID:        callID,
		Direction: DirectionOutgoing,
		Kind:      KindAudio,
		Source:    SourcePhoneRelayed,
		State:     StateRinging,
		Counterpart: Counterpart{
			Name:   request.CounterpartName,
			Number: request.Number,
		},
		StartedAt: now,
	}}
	if request.DeviceToDevice {
		cs.call.Source = SourceDeviceToDevice
		if request.Video {
			cs.call.Kind = KindVideo
		}
	}

	if request.DeviceToDevice {
		if err := m.openSession(cs); err != nil {
			return Call{}, fmt.Errorf("opening media session: %w", err)
		}
		ctx := m.callContext(cs)
		session := cs.session
		offer := media.Offer{
			CallerName:     m.deviceName,
			CallerPlatform: m.devicePlatform,
			Video:          request.Video,
			StartedAt:      now,
		}
		go func() {
			sdp, err := session.CreateOffer(ctx)
			if err != nil {
				m.sendInternal(internalEvent{kind: internalMediaFailed, callID: callID, err: err})
				return
			}
			offer.SDP = sdp
			m.deliver(ctx, callID, CommandDial, func(ctx context.Context) error {
				return m.signaler.PublishOffer(ctx, callID, offer)
			})
		}()
	} else {
		command := Command{CallID: callID, Action: CommandDial, Number: request.Number}
		go m.deliver(m.runCtx, callID, CommandDial, func(ctx context.Context) error {
			return m.commander.Send(ctx, command)
		})
	}

	m.calls[callID] = cs
	m.publishTransition(cs.call, StateIdle)
	return cs.call, nil
}

func (m *Machine) acknowledge(callID string) error {
	cs, ok := m.calls[callID]
	if !ok {
		return nil
	}
	if !cs.call.Over() {
		return ErrNotOver
	}
	m.remove(cs)
	return nil
}

// remove drops a finished call from the table, transitioning it back
// to idle.
func (m *Machine) remove(cs *callState) {
	delete(m.calls, cs.call.ID)
	m.setState(cs, StateIdle)
}

func (m *Machine) handleEvent(event Event) {
	switch event.Kind {
	case EventRinging:
		m.handleRinging(event)
	case EventAnswered:
		m.handleAnswered(event)
	case EventEnded:
		m.handleRemoteOver(event, StateEnded, "")
	case EventFailed:
		reason := event.Reason
		if reason == "" {
			reason = ReasonRemote
		}
		m.handleRemoteOver(event, StateFailed, reason)
	case EventOfferReceived:
		m.handleOffer(event)
	case EventAnswerReceived:
		m.handleAnswer(event)
	case EventIceCandidate:
		m.handleCandidate(event)
	default:
		m.logger.Warn("dropping unknown event", "kind", event.Kind, "callId", event.CallID)
	}
}

func (m *Machine) handleRinging(event Event) {
	if event.Call == nil {
		m.logger.Warn("ringing event without call snapshot", "callId", event.CallID)
		return
	}
	if _, ok := m.calls[event.CallID]; ok {
		// Replayed announcement; the first snapshot wins.
		return
	}
	cs := &callState{call: *event.Call}
	cs.call.State = StateRinging
	m.calls[event.CallID] = cs
	m.publishTransition(cs.call, StateIdle)
}

func (m *Machine) handleAnswered(event Event) {
	cs, ok := m.calls[event.CallID]
	if !ok {
		m.logger.Warn("answered event for unknown call", "callId", event.CallID)
		return
	}
	switch cs.call.State {
	case StateRinging:
		if active := m.activeCall(); active != nil {
			// The phone answered a second call while one is live
			// here. Keeping the single-active invariant beats
			// mirroring; the call stays ringing in the background.
			m.logger.Warn("dropping answered event, another call is active",
				"callId", event.CallID, "activeCallId", active.call.ID)
			return
		}
		m.setState(cs, StateConnecting)
		m.connect(cs)
	case StateConnecting:
		m.connect(cs)
	default:
		// Connected duplicate or a late answer for a finished call.
	}
}

func (m *Machine) handleRemoteOver(event Event, to State, reason string) {
	cs, ok := m.calls[event.CallID]
	if !ok {
		// Record removal for a call already acknowledged.
		return
	}
	if cs.call.Over() {
		return
	}
	m.finish(cs, to, reason)
}

func (m *Machine) handleOffer(event Event) {
	cs, ok := m.calls[event.CallID]
	if !ok || cs.call.Source != SourceDeviceToDevice {
		m.logger.Warn("dropping stray offer", "callId", event.CallID)
		return
	}
	cs.pendingOffer = event.SDP
}

func (m *Machine) handleAnswer(event Event) {
	cs, ok := m.calls[event.CallID]
	if !ok || cs.call.Source != SourceDeviceToDevice || cs.session == nil {
		m.logger.Warn("dropping stray answer", "callId", event.CallID)
		return
	}
	if cs.call.State != StateRinging || cs.call.Direction != DirectionOutgoing {
		return
	}
	ctx := m.callContext(cs)
	session, callID, sdp := cs.session, event.CallID, event.SDP
	go func() {
		if err := session.AcceptAnswer(ctx, sdp); err != nil {
			m.sendInternal(internalEvent{kind: internalMediaFailed, callID: callID, err: err})
			return
		}
		m.sendInternal(internalEvent{kind: internalAnswerApplied, callID: callID})
	}()
	m.armConnectTimeout(cs)
	m.setState(cs, StateConnecting)
}

func (m *Machine) handleCandidate(event Event) {
	cs, ok := m.calls[event.CallID]
	if !ok || cs.call.Source != SourceDeviceToDevice {
		return
	}
	if cs.session == nil || !cs.candidatesReady {
		cs.pendingCandidates = append(cs.pendingCandidates, event.Candidate)
		return
	}
	if err := cs.session.AddRemoteCandidate(event.Candidate); err != nil {
		m.logger.Warn("adding remote candidate", "callId", event.CallID, "error", err)
	}
}

func (m *Machine) handleInternal(event internalEvent) {
	cs, ok := m.calls[event.callID]
	switch event.kind {
	case internalCommandFailed:
		networkErr := &NetworkError{Action: event.action, CallID: event.callID, Err: event.err}
		if !ok || cs.call.Over() {
			m.logger.Warn("delivery failed for finished call", "error", networkErr)
			return
		}
		m.logger.Error("delivery failed", "error", networkErr)
		m.finish(cs, StateFailed, ReasonNetwork)
	case internalMediaFailed:
		if !ok || cs.call.Over() {
			return
		}
		m.logger.Error("media exchange failed",
			"error", &MediaError{CallID: event.callID, Err: event.err})
		m.finish(cs, StateFailed, ReasonMedia)
	case internalMediaState:
		if !ok || cs.call.Over() {
			return
		}
		switch event.mediaState {
		case media.StateConnected:
			m.connect(cs)
		case media.StateFailed:
			m.logger.Error("media transport failed", "callId", event.callID)
			m.finish(cs, StateFailed, ReasonMedia)
		}
	case internalAnswerApplied:
		if !ok || cs.call.Over() || cs.session == nil {
			return
		}
		m.flushCandidates(cs)
	}
}

// connect moves a call to connected, stamping AnsweredAt once.
func (m *Machine) connect(cs *callState) {
	if cs.call.State == StateConnected {
		return
	}
	cs.connectDeadline = time.Time{}
	if cs.call.AnsweredAt == nil {
		answeredAt := m.clock.Now()
		cs.call.AnsweredAt = &answeredAt
	}
	m.setState(cs, StateConnected)
}

// finish moves a call to a terminal state, releases its machinery,
// and schedules auto-acknowledge removal.
func (m *Machine) finish(cs *callState, to State, reason string) {
	if cs.cancelExchange != nil {
		cs.cancelExchange()
		cs.cancelExchange = nil
		cs.exchangeCtx = nil
	}
	if cs.session != nil {
		session := cs.session
		cs.session = nil
		go session.Close()
	}
	cs.connectDeadline = time.Time{}
	endedAt := m.clock.Now()
	cs.call.EndedAt = &endedAt
	if to == StateFailed {
		cs.call.FailReason = reason
	}
	cs.ackDeadline = endedAt.Add(m.autoAcknowledge)
	m.clock.AfterFunc(m.autoAcknowledge, m.signalTimers)
	m.setState(cs, to)
}

func (m *Machine) flushCandidates(cs *callState) {
	cs.candidatesReady = true
	for _, candidate := range cs.pendingCandidates {
		if err := cs.session.AddRemoteCandidate(candidate); err != nil {
			m.logger.Warn("adding remote candidate", "callId", cs.call.ID, "error", err)
		}
	}
	cs.pendingCandidates = nil
}

// scanTimers sweeps every call's deadlines against the clock. Timer
// callbacks only nudge timerNotify, so stale or coalesced wakeups are
// harmless.
func (m *Machine) scanTimers() {
	now := m.clock.Now()
	for _, cs := range m.calls {
		if !cs.connectDeadline.IsZero() && !now.Before(cs.connectDeadline) && cs.call.State == StateConnecting {
			timeoutErr := &TimeoutError{CallID: cs.call.ID, Timeout: m.connectTimeout}
			m.logger.Error("call stuck in connecting", "error", timeoutErr)
			m.finish(cs, StateFailed, ReasonTimeout)
		}
	}
	var expired []*callState
	for _, cs := range m.calls {
		if !cs.ackDeadline.IsZero() && !now.Before(cs.ackDeadline) && cs.call.Over() {
			expired = append(expired, cs)
		}
	}
	for _, cs := range expired {
		m.remove(cs)
	}
}

func (m *Machine) armConnectTimeout(cs *callState) {
	cs.connectDeadline = m.clock.Now().Add(m.connectTimeout)
	m.clock.AfterFunc(m.connectTimeout, m.signalTimers)
}

func (m *Machine) signalTimers() {
	select {
	case m.timerNotify <- struct{}{}:
	default:
	}
}

func (m *Machine) callContext(cs *callState) context.Context {
	if cs.exchangeCtx == nil {
		cs.exchangeCtx, cs.cancelExchange = context.WithCancel(m.runCtx)
	}
	return cs.exchangeCtx
}

// openSession creates the call's media session and starts its
// candidate and state pumps.
func (m *Machine) openSession(cs *callState) error {
	direction := media.DirectionIncoming
	if cs.call.Direction == DirectionOutgoing {
		direction = media.DirectionOutgoing
	}
	session, err := m.engine.NewSession(cs.call.ID, direction, cs.call.Kind == KindVideo)
	if err != nil {
		return err
	}
	cs.session = session
	ctx := m.callContext(cs)
	go m.pumpCandidates(ctx, cs.call.ID, session)
	go m.pumpStates(cs.call.ID, session)
	return nil
}

// pumpCandidates publishes local trickle candidates. It drains the
// session's channel to the end even after the call is over, so the
// session never backs up.
func (m *Machine) pumpCandidates(ctx context.Context, callID string, session media.Session) {
	for candidate := range session.Candidates() {
		if ctx.Err() != nil {
			continue
		}
		if err := m.signaler.PublishCandidate(ctx, callID, candidate); err != nil && ctx.Err() == nil {
			m.logger.Warn("publishing ICE candidate", "callId", callID, "error", err)
		}
	}
}

func (m *Machine) pumpStates(callID string, session media.Session) {
	for state := range session.States() {
		m.sendInternal(internalEvent{kind: internalMediaState, callID: callID, mediaState: state})
	}
}

// deliver runs send with one automatic retry, reporting persistent
// failure to the run loop. Returns whether the send landed. A
// cancelled ctx means the call is already over; the failure is
// dropped.
func (m *Machine) deliver(ctx context.Context, callID string, cmdAction CommandAction, send func(context.Context) error) bool {
	err := send(ctx)
	if err != nil && ctx.Err() == nil {
		m.logger.Warn("delivery failed, retrying",
			"callId", callID, "action", cmdAction, "error", err)
		err = send(ctx)
	}
	if err == nil {
		return true
	}
	if ctx.Err() == nil {
		m.sendInternal(internalEvent{kind: internalCommandFailed, callID: callID, action: cmdAction, err: err})
	}
	return false
}

func (m *Machine) sendInternal(event internalEvent) {
	select {
	case m.internal <- event:
	case <-m.stopped:
	}
}
