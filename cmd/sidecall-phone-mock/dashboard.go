// Copyright 2026 The Sidecall Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sidecall-project/sidecall/call"
	"github.com/sidecall-project/sidecall/history"
	"github.com/sidecall-project/sidecall/mirror"
	"github.com/sidecall-project/sidecall/sms"
	"github.com/sidecall-project/sidecall/transfer"
)

// dashboard is the --tui alternative to the line console: a live view
// of every pipeline surface with single-key call control.
type dashboard struct {
	machine   *call.Machine
	history   *history.Syncer
	sms       *sms.Syncer
	clipboard *mirror.MemoryClipboard
	mirror    *mirror.Engine
	receiver  *transfer.Receiver
	sender    *transfer.Sender
}

// Run drives the bubbletea program until quit or ctx cancellation.
func (d *dashboard) Run(ctx context.Context) error {
	transitions := d.machine.Subscribe()
	defer func() {
		transitions.Close()
		for range transitions.Events() {
		}
	}()

	model := newDashboardModel(ctx, d, transitions)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("running dashboard: %w", err)
	}
	return nil
}

// dashboardKeyMap defines the dashboard's key bindings.
type dashboardKeyMap struct {
	Answer key.Binding
	Reject key.Binding
	End    key.Binding
	Dial   key.Binding
	Text   key.Binding
	Copy   key.Binding
	Send   key.Binding
	Quit   key.Binding
}

var dashboardKeys = dashboardKeyMap{
	Answer: key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "answer")),
	Reject: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reject")),
	End:    key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "end")),
	Dial:   key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "dial")),
	Text:   key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "text")),
	Copy:   key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "copy")),
	Send:   key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "send file")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// inputPurpose says what the prompt line submits to.
type inputPurpose int

const (
	inputNone inputPurpose = iota
	inputDial
	inputText
	inputCopy
	inputSend
)

// transitionMsg wraps one machine transition for the message loop.
type transitionMsg struct {
	transition call.Transition
}

// refreshMsg re-snapshots the slow-moving panes.
type refreshMsg struct{}

// actionResultMsg reports an asynchronous verb's outcome in the
// status line.
type actionResultMsg struct {
	notice string
	err    error
}

type dashboardModel struct {
	ctx         context.Context
	d           *dashboard
	transitions *call.TransitionStream
	keys        dashboardKeyMap

	width  int
	height int

	input   textinput.Model
	purpose inputPurpose

	notice string

	calls         []call.Call
	entries       []history.Entry
	conversations []sms.Conversation
	clipboardItem *mirror.Item
	transfers     []transfer.Progress
}

var (
	dashTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dashPaneStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	dashFaintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	dashActiveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dashAlertStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

func newDashboardModel(ctx context.Context, d *dashboard, transitions *call.TransitionStream) dashboardModel {
	input := textinput.New()
	input.CharLimit = 512
	model := dashboardModel{
		ctx:         ctx,
		d:           d,
		transitions: transitions,
		keys:        dashboardKeys,
		input:       input,
		width:       100,
		height:      40,
	}
	model.snapshot()
	return model
}

// snapshot refreshes every pane from the pipeline's accessors.
func (m *dashboardModel) snapshot() {
	m.calls = m.d.machine.Calls()
	m.entries = m.d.history.Snapshot()
	m.conversations = m.d.sms.Conversations()
	if item, ok := m.d.mirror.Current(); ok {
		m.clipboardItem = &item
	}
	m.transfers = m.d.receiver.Transfers()
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(listenForTransition(m.transitions), scheduleRefresh())
}

// listenForTransition blocks until the machine publishes a transition,
// then delivers it as a transitionMsg.
func listenForTransition(transitions *call.TransitionStream) tea.Cmd {
	return func() tea.Msg {
		transition, ok := <-transitions.Events()
		if !ok {
			return nil
		}
		return transitionMsg{transition: transition}
	}
}

func scheduleRefresh() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}

func (m dashboardModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		m.width = message.Width
		m.height = message.Height
		return m, nil

	case transitionMsg:
		m.snapshot()
		return m, listenForTransition(m.transitions)

	case refreshMsg:
		m.snapshot()
		return m, scheduleRefresh()

	case actionResultMsg:
		if message.err != nil {
			m.notice = dashAlertStyle.Render(message.err.Error())
		} else {
			m.notice = message.notice
		}
		m.snapshot()
		return m, nil

	case tea.KeyMsg:
		if m.purpose != inputNone {
			return m.handlePromptKeys(message)
		}
		switch {
		case key.Matches(message, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(message, m.keys.Answer):
			return m, m.callVerb("answered", m.d.machine.DisplayedIncoming(), m.d.machine.Answer)
		case key.Matches(message, m.keys.Reject):
			return m, m.callVerb("rejected", m.d.machine.DisplayedIncoming(), m.d.machine.Reject)
		case key.Matches(message, m.keys.End):
			return m, m.callVerb("ended", m.d.machine.ActiveCall(), m.d.machine.End)
		case key.Matches(message, m.keys.Dial):
			return m.openPrompt(inputDial, "+1555...")
		case key.Matches(message, m.keys.Text):
			return m.openPrompt(inputText, "<conversation> <message>")
		case key.Matches(message, m.keys.Copy):
			return m.openPrompt(inputCopy, "text to copy")
		case key.Matches(message, m.keys.Send):
			return m.openPrompt(inputSend, "path to file")
		}
		return m, nil
	}

	if m.purpose != inputNone {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(message)
		return m, cmd
	}
	return m, nil
}

// callVerb runs a call action against the slot's current occupant.
func (m dashboardModel) callVerb(verb string, target *call.Call, action func(context.Context, string) error) tea.Cmd {
	if target == nil {
		return func() tea.Msg {
			return actionResultMsg{err: errors.New("no matching call")}
		}
	}
	ctx := m.ctx
	id := target.ID
	return func() tea.Msg {
		if err := action(ctx, id); err != nil {
			return actionResultMsg{err: err}
		}
		return actionResultMsg{notice: verb + " " + id}
	}
}

func (m dashboardModel) openPrompt(purpose inputPurpose, placeholder string) (tea.Model, tea.Cmd) {
	m.purpose = purpose
	m.input.Placeholder = placeholder
	m.input.SetValue("")
	m.notice = ""
	return m, m.input.Focus()
}

func (m dashboardModel) handlePromptKeys(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch message.String() {
	case "esc":
		m.purpose = inputNone
		m.input.Blur()
		return m, nil
	case "enter":
		value := strings.TrimSpace(m.input.Value())
		purpose := m.purpose
		m.purpose = inputNone
		m.input.Blur()
		if value == "" {
			return m, nil
		}
		return m, m.submitPrompt(purpose, value)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(message)
	return m, cmd
}

func (m dashboardModel) submitPrompt(purpose inputPurpose, value string) tea.Cmd {
	ctx := m.ctx
	d := m.d
	return func() tea.Msg {
		switch purpose {
		case inputDial:
			placed, err := d.machine.Dial(ctx, call.DialRequest{Number: value})
			if err != nil {
				return actionResultMsg{err: err}
			}
			return actionResultMsg{notice: "dialing " + placed.Counterpart.Number}
		case inputText:
			fields := strings.SplitN(value, " ", 2)
			if len(fields) != 2 {
				return actionResultMsg{err: errors.New("usage: <conversation> <message>")}
			}
			if err := d.sms.SendText(ctx, fields[0], fields[1]); err != nil {
				return actionResultMsg{err: err}
			}
			return actionResultMsg{notice: "queued text to " + fields[0]}
		case inputCopy:
			err := d.clipboard.Set(ctx, mirror.Content{MIME: "text/plain", Data: []byte(value)})
			if err != nil {
				return actionResultMsg{err: err}
			}
			return actionResultMsg{notice: "copied"}
		case inputSend:
			id, err := d.sender.SendFile(ctx, value)
			if err != nil {
				return actionResultMsg{err: err}
			}
			return actionResultMsg{notice: "sent as transfer " + id}
		}
		return nil
	}
}

func (m dashboardModel) View() string {
	paneWidth := m.width - 4
	if paneWidth < 40 {
		paneWidth = 40
	}

	sections := []string{
		dashTitleStyle.Render("sidecall phone mock"),
		m.callsPane(paneWidth),
		m.historyPane(paneWidth),
		m.threadsPane(paneWidth),
		m.sharePane(paneWidth),
	}

	if m.purpose != inputNone {
		sections = append(sections, m.input.View())
	} else if m.notice != "" {
		sections = append(sections, m.notice)
	} else {
		sections = append(sections, dashFaintStyle.Render(m.helpLine()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m dashboardModel) helpLine() string {
	bindings := []key.Binding{
		m.keys.Answer, m.keys.Reject, m.keys.End, m.keys.Dial,
		m.keys.Text, m.keys.Copy, m.keys.Send, m.keys.Quit,
	}
	parts := make([]string, 0, len(bindings))
	for _, binding := range bindings {
		parts = append(parts, binding.Help().Key+" "+binding.Help().Desc)
	}
	return strings.Join(parts, "  ")
}

func (m dashboardModel) callsPane(width int) string {
	var b strings.Builder
	b.WriteString(dashTitleStyle.Render("Calls") + "\n")
	if len(m.calls) == 0 {
		b.WriteString(dashFaintStyle.Render("none"))
	}
	for i, c := range m.calls {
		if i > 0 {
			b.WriteString("\n")
		}
		name := c.Counterpart.Name
		if name == "" {
			name = c.Counterpart.Number
		}
		line := fmt.Sprintf("%-10s %-8s %s", c.State, c.Direction, name)
		switch c.State {
		case call.StateRinging:
			line = dashAlertStyle.Render(line)
		case call.StateConnected:
			line = dashActiveStyle.Render(line)
		}
		b.WriteString(line)
	}
	return dashPaneStyle.Width(width).Render(b.String())
}

func (m dashboardModel) historyPane(width int) string {
	var b strings.Builder
	b.WriteString(dashTitleStyle.Render("Call history") + "\n")
	if len(m.entries) == 0 {
		b.WriteString(dashFaintStyle.Render("none"))
	}
	limit := min(len(m.entries), 5)
	for i, entry := range m.entries[:limit] {
		if i > 0 {
			b.WriteString("\n")
		}
		duration := ""
		if entry.DurationSeconds > 0 {
			duration = (time.Duration(entry.DurationSeconds) * time.Second).String()
		}
		b.WriteString(fmt.Sprintf("%s  %-8s %-20s %s",
			entry.Date.Format("Jan _2 15:04"), entry.Type, entry.Label(), duration))
	}
	return dashPaneStyle.Width(width).Render(b.String())
}

func (m dashboardModel) threadsPane(width int) string {
	var b strings.Builder
	b.WriteString(dashTitleStyle.Render("Conversations") + "\n")
	if len(m.conversations) == 0 {
		b.WriteString(dashFaintStyle.Render("none"))
	}
	limit := min(len(m.conversations), 5)
	for i, conversation := range m.conversations[:limit] {
		if i > 0 {
			b.WriteString("\n")
		}
		name := conversation.ContactName
		if name == "" {
			name = conversation.Address
		}
		unread := ""
		if conversation.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", conversation.UnreadCount)
		}
		b.WriteString(fmt.Sprintf("%-8s %-16s%s  %s", conversation.ID, name, unread, conversation.Preview))
	}
	return dashPaneStyle.Width(width).Render(b.String())
}

func (m dashboardModel) sharePane(width int) string {
	var b strings.Builder
	b.WriteString(dashTitleStyle.Render("Clipboard & transfers") + "\n")
	if m.clipboardItem == nil {
		b.WriteString(dashFaintStyle.Render("clipboard empty"))
	} else {
		preview := previewOf(*m.clipboardItem)
		b.WriteString(fmt.Sprintf("clipboard [%s from %s] %s", m.clipboardItem.MIME, m.clipboardItem.Origin, preview))
	}
	limit := min(len(m.transfers), 4)
	for _, progress := range m.transfers[:limit] {
		b.WriteString("\n")
		line := fmt.Sprintf("%-10s %s  %d/%d chunks", progress.State, progress.Name, progress.ChunksDone, progress.ChunkCount)
		if progress.State == transfer.StateDone {
			line = dashActiveStyle.Render(line + "  -> " + progress.Path)
		} else if progress.State == transfer.StateFailed && progress.Err != nil {
			line = dashAlertStyle.Render(line + "  " + progress.Err.Error())
		}
		b.WriteString(line)
	}
	return dashPaneStyle.Width(width).Render(b.String())
}
