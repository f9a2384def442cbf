package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"gangban/internal/chat"
	"gangban/internal/session"
)

const (
	timelineMaxLines = 40
	timelineMaxChars = 4000
	logLimit         = 50
)

type model struct {
	ctx     context.Context
	manager *session.Manager
	updates <-chan session.Event
	snap    session.Snapshot

	ready        bool
	statusLine   string
	logs         []string
	inflight     bool
	reconciling  bool
	quitConfirm  bool
	clearConfirm bool
	showHelp     bool
	attachment   *chat.Attachment

	width  int
	height int

	input    textinput.Model
	timeline viewport.Model
	sidebar  viewport.Model
	spinner  spinner.Model

	renderer      *glamour.TermRenderer
	rendererWidth int
	rendered      map[string]string

	theme uiTheme
}

type startDoneMsg struct {
	err error
}

type sendDoneMsg struct {
	role chat.Role
	err  error
}

type actionDoneMsg struct {
	status string
	err    error
}

type reconcileDoneMsg struct {
	err error
}

type sessionEventMsg struct {
	event session.Event
}

func newModel(ctx context.Context, manager *session.Manager, updates <-chan session.Event) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true
	timeline.MouseWheelDelta = 4
	sidebar := viewport.New(0, 0)
	sidebar.MouseWheelEnabled = true
	sidebar.MouseWheelDelta = 4

	m := model{
		ctx:        ctx,
		manager:    manager,
		updates:    updates,
		statusLine: "starting...",
		logs:       []string{},
		input:      input,
		timeline:   timeline,
		sidebar:    sidebar,
		spinner:    sp,
		rendered:   map[string]string{},
		theme:      newTheme(),
	}
	m.snap = manager.Snapshot()
	m.input.Placeholder = m.snap.ActiveRole.EmptyHint()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.startCmd(),
		waitEvent(m.updates),
	)
}

func (m model) startCmd() tea.Cmd {
	ctx, manager := m.ctx, m.manager
	return func() tea.Msg {
		return startDoneMsg{err: manager.Start(ctx)}
	}
}

func (m model) sendCmd(text string, attachment *chat.Attachment) tea.Cmd {
	ctx, manager := m.ctx, m.manager
	role := m.snap.ActiveRole
	return func() tea.Msg {
		return sendDoneMsg{role: role, err: manager.Send(ctx, text, attachment)}
	}
}

func (m model) hydrateCmd(role chat.Role) tea.Cmd {
	ctx, manager := m.ctx, m.manager
	return func() tea.Msg {
		if err := manager.Hydrate(ctx, role); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{}
	}
}

func (m model) clearCmd() tea.Cmd {
	ctx, manager := m.ctx, m.manager
	role := m.snap.ActiveRole
	return func() tea.Msg {
		if err := manager.Clear(ctx); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: role.Label() + " history cleared"}
	}
}

func (m model) selectTurnCmd(index int) tea.Cmd {
	ctx, manager := m.ctx, m.manager
	return func() tea.Msg {
		if err := manager.SelectTurn(ctx, index); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: fmt.Sprintf("turn %d selected", index+1)}
	}
}

func (m model) reconcileCmd() tea.Cmd {
	ctx, manager := m.ctx, m.manager
	return func() tea.Msg {
		return reconcileDoneMsg{err: manager.Reconcile(ctx)}
	}
}

func waitEvent(ch <-chan session.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return sessionEventMsg{event: ev}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case startDoneMsg:
		m.ready = true
		if msg.err != nil {
			m.logError(msg.err)
		} else {
			m.statusLine = fmt.Sprintf("ready · %s", m.snap.ActiveRole.Label())
		}
		m.refresh()
		cmds = append(cmds, m.maybeReconcile())
	case sendDoneMsg:
		m.inflight = false
		if msg.err != nil {
			m.logError(msg.err)
		} else {
			m.statusLine = "reply received · " + msg.role.Label()
			if msg.role != m.snap.ActiveRole {
				m.statusLine += " (background)"
			}
		}
		m.refresh()
	case actionDoneMsg:
		if msg.err != nil {
			m.logError(msg.err)
		} else if strings.TrimSpace(msg.status) != "" {
			m.statusLine = msg.status
			m.appendLog(msg.status)
		}
		m.refresh()
		cmds = append(cmds, m.maybeReconcile())
	case reconcileDoneMsg:
		m.reconciling = false
		if msg.err != nil {
			m.appendLog("recommendations: " + compactSingleLine(errors.Cause(msg.err).Error(), 160))
		}
		m.refresh()
	case sessionEventMsg:
		if msg.event.Kind == session.EventError && msg.event.Detail != "" {
			m.appendLog(msg.event.Role.Label() + ": " + msg.event.Detail)
		}
		m.refresh()
		cmds = append(cmds, m.maybeReconcile(), waitEvent(m.updates))
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case tea.MouseMsg:
		if m.quitConfirm || m.clearConfirm || m.showHelp {
			break
		}
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		cmds = append(cmds, cmd)
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.quitConfirm {
			switch msg.String() {
			case "y", "Y", "enter":
				return m, tea.Quit
			case "n", "N", "esc":
				m.quitConfirm = false
				m.statusLine = "quit canceled"
			}
			return m, tea.Batch(cmds...)
		}
		if m.clearConfirm {
			switch msg.String() {
			case "y", "Y", "enter":
				m.clearConfirm = false
				m.statusLine = "clearing " + m.snap.ActiveRole.Label() + " history..."
				cmds = append(cmds, m.clearCmd())
			case "n", "N", "esc":
				m.clearConfirm = false
				m.statusLine = "clear canceled"
			}
			return m, tea.Batch(cmds...)
		}
		if m.showHelp {
			switch msg.String() {
			case "esc", "q", "enter", "?":
				m.showHelp = false
				m.input.Focus()
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case "esc":
			m.beginQuitConfirm()
			return m, tea.Batch(cmds...)
		case "tab", "shift+tab":
			delta := 1
			if msg.String() == "shift+tab" {
				delta = -1
			}
			cmd := m.switchRole(m.snap.ActiveRole.Next(delta))
			return m, cmd
		case "enter":
			raw := strings.TrimSpace(m.input.Value())
			if raw == "" && m.attachment == nil {
				return m, tea.Batch(cmds...)
			}
			if strings.HasPrefix(raw, "/") {
				m.input.SetValue("")
				if cmd := m.handleSlash(raw); cmd != nil {
					cmds = append(cmds, cmd)
				}
				m.renderPanes()
				return m, tea.Batch(cmds...)
			}
			if m.inflight {
				m.statusLine = "a message is already being sent"
				return m, tea.Batch(cmds...)
			}
			m.input.SetValue("")
			m.inflight = true
			attachment := m.attachment
			m.attachment = nil
			m.statusLine = "sending to " + m.snap.ActiveRole.Label() + "..."
			cmds = append(cmds, m.sendCmd(raw, attachment))
			return m, tea.Batch(cmds...)
		case "pgup", "ctrl+b":
			m.timeline.LineUp(8)
			return m, tea.Batch(cmds...)
		case "pgdown", "ctrl+f":
			m.timeline.LineDown(8)
			return m, tea.Batch(cmds...)
		case "up":
			if strings.TrimSpace(m.input.Value()) == "" {
				m.timeline.LineUp(4)
				return m, tea.Batch(cmds...)
			}
		case "down":
			if strings.TrimSpace(m.input.Value()) == "" {
				m.timeline.LineDown(4)
				return m, tea.Batch(cmds...)
			}
		case "home":
			m.timeline.GotoTop()
			return m, tea.Batch(cmds...)
		case "end":
			m.timeline.GotoBottom()
			return m, tea.Batch(cmds...)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

// switchRole changes tabs immediately and hydrates the new role in the
// background. A send still in flight keeps targeting its own role.
func (m *model) switchRole(role chat.Role) tea.Cmd {
	if role == m.snap.ActiveRole {
		return nil
	}
	m.manager.SetActiveRole(role)
	m.input.Placeholder = role.EmptyHint()
	m.statusLine = role.Label()
	m.refresh()
	m.timeline.GotoBottom()
	return tea.Batch(m.hydrateCmd(role), m.maybeReconcile())
}

// maybeReconcile links the displayed local_guide turn when nothing has been
// tried for it yet.
func (m *model) maybeReconcile() tea.Cmd {
	if m.reconciling || m.snap.ActiveRole != chat.LocalGuide || m.snap.Selected == nil {
		return nil
	}
	if m.snap.Selected.Entry.State != session.EntryUntried {
		return nil
	}
	m.reconciling = true
	return m.reconcileCmd()
}

func (m *model) refresh() {
	m.snap = m.manager.Snapshot()
	m.renderPanes()
}

func (m *model) beginQuitConfirm() {
	m.quitConfirm = true
	m.statusLine = "quit gangban?"
}

func (m *model) appendLog(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	m.logs = append(m.logs, fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), compactSingleLine(trimmed, 220)))
	if len(m.logs) > logLimit {
		m.logs = m.logs[len(m.logs)-logLimit:]
	}
}

func (m *model) logError(err error) {
	if err == nil {
		return
	}
	text := errors.Cause(err).Error()
	m.appendLog("error: " + err.Error())
	m.statusLine = "error: " + compactSingleLine(text, 160)
}
