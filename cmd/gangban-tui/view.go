package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"gangban/internal/chat"
	"gangban/internal/session"
)

const crisisBannerText = "If you are thinking about harming yourself, please reach out now. " +
	"The Samaritans (24h): 2896 0000 · Suicide Prevention Services: 2382 0000 · Emergency: 999"

type uiTheme struct {
	root        lipgloss.Style
	header      lipgloss.Style
	tabActive   lipgloss.Style
	tabInactive lipgloss.Style
	panel       lipgloss.Style
	panelTitle  lipgloss.Style
	footer      lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	inputPanel  lipgloss.Style
	banner      lipgloss.Style
	notice      lipgloss.Style
	modal       lipgloss.Style
	pick        lipgloss.Style
	accent      lipgloss.Style
	selected    lipgloss.Style
	author      map[chat.Author]lipgloss.Style
	helpText    lipgloss.Style
}

func newTheme() uiTheme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	bg := lipgloss.Color("#120924")
	panelBg := lipgloss.Color("#1b0f35")
	text := lipgloss.Color("#f3f3ff")
	muted := lipgloss.Color("#9ca3d8")

	return uiTheme{
		root: lipgloss.NewStyle().
			Background(bg).
			Foreground(text).
			Padding(0, 1),
		header: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(text).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		tabActive: lipgloss.NewStyle().
			Background(pink).
			Foreground(lipgloss.Color("#22062f")).
			Bold(true).
			Padding(0, 1),
		tabInactive: lipgloss.NewStyle().
			Background(lipgloss.Color("#2a184a")).
			Foreground(muted).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().
			Foreground(mint).
			Bold(true),
		footer: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(muted).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(pink).
			Padding(0, 1),
		status:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		inputPanel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint).
			Padding(0, 1),
		banner: lipgloss.NewStyle().
			Background(lipgloss.Color("#3b0a2a")).
			Foreground(text).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(pink).
			Bold(true).
			Padding(0, 1),
		notice: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(lipgloss.Color("#ffd166")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#ffd166")).
			Padding(0, 1),
		modal: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(blue).
			Padding(1, 2),
		pick:     lipgloss.NewStyle().Foreground(pink).Bold(true),
		accent:   lipgloss.NewStyle().Foreground(mint).Bold(true),
		selected: lipgloss.NewStyle().Foreground(pink).Bold(true),
		author: map[chat.Author]lipgloss.Style{
			chat.AuthorUser:      lipgloss.NewStyle().Foreground(mint).Bold(true),
			chat.AuthorAssistant: lipgloss.NewStyle().Foreground(pink).Bold(true),
		},
		helpText: lipgloss.NewStyle().Foreground(muted),
	}
}

func (m model) View() string {
	var out string
	switch {
	case m.quitConfirm:
		out = m.renderModal("LEAVE GANGBAN?", "Your conversations are saved on the server.", "[Y / Enter] Quit", "[N / Esc] Return")
	case m.clearConfirm:
		out = m.renderModal(
			"CLEAR "+strings.ToUpper(m.snap.ActiveRole.Label())+"?",
			"This deletes the stored history for this role and starts a new thread. Other roles are not affected.",
			"[Y / Enter] Clear",
			"[N / Esc] Keep",
		)
	default:
		sections := []string{m.renderHeader()}
		if notices := m.renderNotices(); notices != "" {
			sections = append(sections, notices)
		}
		sections = append(sections, m.renderContent(), m.renderInput(), m.renderFooter())
		out = lipgloss.JoinVertical(lipgloss.Left, sections...)
	}
	return m.theme.root.Render(out)
}

func (m *model) contentWidth() int {
	return maxInt(40, m.width-4)
}

func (m *model) renderHeader() string {
	segments := make([]string, 0, chat.RoleCount+1)
	for _, role := range chat.Roles {
		style := m.theme.tabInactive
		if role == m.snap.ActiveRole {
			style = m.theme.tabActive
		}
		label := role.Label()
		if n := m.snap.MessagesByRole[role]; n > 0 {
			label = fmt.Sprintf("%s %d", label, n)
		}
		segments = append(segments, style.Render(label))
	}
	meta := fmt.Sprintf("  Thread: %s", nullCoalesce(m.snap.ThreadID, "n/a"))
	if !m.ready {
		meta = "  " + m.spinner.View() + " connecting..."
	}
	segments = append(segments, m.theme.helpText.Render(meta))
	joined := lipgloss.JoinHorizontal(lipgloss.Left, segments...)
	return m.theme.header.Width(m.contentWidth()).Render(joined)
}

// renderNotices shows the crisis banner and the session error above the
// panes. Both belong to the active role only.
func (m *model) renderNotices() string {
	width := m.contentWidth()
	var blocks []string
	if m.snap.Banner {
		blocks = append(blocks, m.theme.banner.Width(width).Render(
			wrapText(crisisBannerText, maxInt(20, width-4))+"\n"+m.theme.helpText.Render("/banner to hide"),
		))
	}
	if m.snap.Err != "" {
		blocks = append(blocks, m.theme.notice.Width(width).Render(
			compactSingleLine(m.snap.Err, width-20)+m.theme.helpText.Render("  /dismiss"),
		))
	}
	return lipgloss.JoinVertical(lipgloss.Left, blocks...)
}

func (m *model) paneSizes() (leftWidth, rightWidth, height int) {
	noticeHeight := 0
	if notices := m.renderNotices(); notices != "" {
		noticeHeight = lipgloss.Height(notices)
	}
	height = maxInt(8, m.height-12-noticeHeight)
	contentWidth := m.contentWidth()
	leftWidth = int(float64(contentWidth) * 0.62)
	rightWidth = contentWidth - leftWidth - 1
	if rightWidth < 28 {
		rightWidth = 28
		leftWidth = contentWidth - rightWidth - 1
	}
	return leftWidth, rightWidth, height
}

func (m *model) renderContent() string {
	if m.showHelp {
		_, _, height := m.paneSizes()
		panel := m.theme.panel.Width(m.contentWidth()).Height(height)
		return panel.Render(m.theme.panelTitle.Render("Help") + "\n" + m.renderHelp())
	}
	leftWidth, rightWidth, height := m.paneSizes()
	left := m.theme.panel.Width(leftWidth).Height(height).Render(
		m.theme.panelTitle.Render(m.snap.ActiveRole.Label()) + "\n" + m.timeline.View(),
	)
	title := "Session"
	if m.snap.ActiveRole == chat.LocalGuide {
		title = "Places"
	}
	right := m.theme.panel.Width(rightWidth).Height(height).Render(
		m.theme.panelTitle.Render(title) + "\n" + m.sidebar.View(),
	)
	return lipgloss.JoinHorizontal(lipgloss.Top, left, right)
}

func (m *model) renderInput() string {
	inputView := m.input.View()
	if m.attachment != nil {
		inputView = m.theme.accent.Render("["+m.attachment.Filename+"] ") + inputView
	}
	if m.inflight {
		inputView = m.spinner.View() + " sending... " + inputView
	}
	return m.theme.inputPanel.Width(m.contentWidth()).Render(inputView)
}

func (m *model) renderFooter() string {
	statusStyle := m.theme.status
	lower := strings.ToLower(m.statusLine)
	if strings.Contains(lower, "failed") || strings.Contains(lower, "error") {
		statusStyle = m.theme.errorStatus
	}
	line := statusStyle.Render(compactSingleLine(m.statusLine, 180))
	hints := m.theme.helpText.Render("Keys: Tab/Shift+Tab role · Enter send · /help commands · PgUp/PgDn scroll · Esc quit prompt · Ctrl+C quit")
	return m.theme.footer.Width(m.contentWidth()).Render(line + "\n" + hints)
}

func (m *model) renderModal(title, subtitle, yes, no string) string {
	canvasWidth := m.contentWidth()
	canvasHeight := maxInt(12, m.height-4)
	modalWidth := clampInt(int(float64(canvasWidth)*0.56), 42, 78)
	if modalWidth > canvasWidth-2 {
		modalWidth = canvasWidth - 2
	}
	if modalWidth < 32 {
		modalWidth = 32
	}

	accent := m.theme.accent.Render(strings.Repeat("=", modalWidth-8))
	body := strings.Join([]string{
		m.theme.errorStatus.Render(title),
		m.theme.helpText.Render(wrapText(subtitle, modalWidth-8)),
		"",
		accent,
		"",
		m.theme.pick.Render(yes) + "    " + m.theme.helpText.Render(no),
	}, "\n")
	panel := m.theme.modal.Width(modalWidth).Render(body)
	return lipgloss.Place(
		canvasWidth,
		canvasHeight,
		lipgloss.Center,
		lipgloss.Center,
		panel,
		lipgloss.WithWhitespaceBackground(lipgloss.Color("#120924")),
	)
}

func (m *model) renderPanes() {
	prevTimelineYOffset := m.timeline.YOffset
	prevTimelineAtBottom := m.timeline.AtBottom()

	leftWidth, rightWidth, height := m.paneSizes()
	m.timeline.Width = maxInt(20, leftWidth-4)
	m.timeline.Height = maxInt(5, height-3)
	m.sidebar.Width = maxInt(20, rightWidth-4)
	m.sidebar.Height = maxInt(5, height-3)

	m.timeline.SetContent(m.renderTimeline())
	if prevTimelineAtBottom {
		m.timeline.GotoBottom()
	} else {
		m.timeline.SetYOffset(prevTimelineYOffset)
	}
	m.sidebar.SetContent(m.renderSidebar())
	m.sidebar.GotoTop()
}

func (m *model) resize() {
	m.input.Width = maxInt(20, m.contentWidth()-6)
}

func (m *model) renderTimeline() string {
	switch {
	case len(m.snap.Messages) > 0:
	case m.snap.History == session.HistoryLoading || m.snap.History == session.HistoryNotStarted:
		return m.theme.helpText.Render("Loading conversation...")
	case m.snap.History == session.HistoryFailed:
		return m.theme.errorStatus.Render("History unavailable: "+m.snap.HistoryErr) + "\n\n" +
			m.theme.helpText.Render(m.snap.ActiveRole.EmptyHint())
	default:
		return m.theme.helpText.Render(m.snap.ActiveRole.EmptyHint())
	}

	width := maxInt(24, m.timeline.Width-2)
	var b strings.Builder
	for _, msg := range m.snap.Messages {
		style, ok := m.theme.author[msg.Author]
		if !ok {
			style = m.theme.helpText
		}
		label := "you"
		if msg.Author == chat.AuthorAssistant {
			label = strings.ToLower(m.snap.ActiveRole.Label())
		}
		b.WriteString(style.Render(fmt.Sprintf("%s [%s]", shortTime(msg.CreatedAt), label)))
		b.WriteString("\n")
		if msg.AttachmentPreview != "" {
			b.WriteString(m.theme.accent.Render("[image: " + msg.AttachmentPreview + "]"))
			b.WriteString("\n")
		}
		if msg.Author == chat.AuthorAssistant {
			answer, thinking := chat.SplitReasoning(msg.Text)
			if thinking != "" {
				b.WriteString(m.theme.helpText.Render(wrapText("thinking: "+compactSingleLine(thinking, 160), width)))
				b.WriteString("\n")
			}
			b.WriteString(m.renderMarkdown(msg.ID, answer, width))
		} else {
			b.WriteString(wrapText(compactTimelineMessage(msg.Text, timelineMaxLines, timelineMaxChars), width))
		}
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderMarkdown renders assistant replies through glamour, cached per
// message id. The cache is dropped whenever the wrap width changes.
func (m *model) renderMarkdown(id, text string, width int) string {
	text = compactTimelineMessage(text, timelineMaxLines, timelineMaxChars)
	if m.renderer == nil || m.rendererWidth != width {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithStylePath("dark"),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return wrapText(text, width)
		}
		m.renderer = renderer
		m.rendererWidth = width
		m.rendered = map[string]string{}
	}
	if out, ok := m.rendered[id]; ok {
		return out
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return wrapText(text, width)
	}
	out = strings.Trim(out, "\n")
	m.rendered[id] = out
	return out
}

func (m *model) renderSidebar() string {
	width := maxInt(20, m.sidebar.Width)
	if m.snap.ActiveRole == chat.LocalGuide {
		return m.renderPlaces(width)
	}
	lines := []string{
		m.theme.accent.Render("History: ") + m.snap.History.String(),
		m.theme.accent.Render("Messages: ") + fmt.Sprintf("%d", len(m.snap.Messages)),
		m.theme.accent.Render("Location: ") + fmt.Sprintf("%.4f, %.4f", m.snap.Coordinates.Latitude, m.snap.Coordinates.Longitude),
	}
	if safety := m.snap.Safety; safety != nil && safety.RiskLevel != "" {
		lines = append(lines, m.theme.accent.Render("Risk: ")+safety.RiskLevel)
	}
	lines = append(lines, "", m.theme.panelTitle.Render("Activity"))
	if len(m.logs) == 0 {
		lines = append(lines, m.theme.helpText.Render("(quiet)"))
	}
	start := maxInt(0, len(m.logs)-12)
	for _, line := range m.logs[start:] {
		lines = append(lines, m.theme.helpText.Render(truncate(line, width)))
	}
	return strings.Join(lines, "\n")
}

func (m *model) renderPlaces(width int) string {
	if len(m.snap.Turns) == 0 {
		return m.theme.helpText.Render(wrapText("Ask about a place or activity and suggestions show up here.", width))
	}
	selectedID := ""
	if m.snap.Selected != nil {
		selectedID = m.snap.Selected.Turn.AssistantMessageID
	}
	var b strings.Builder
	for i, turn := range m.snap.Turns {
		line := fmt.Sprintf("%d. %s · %s", i+1, compactSingleLine(nullCoalesce(turn.UserQuery, "(no query)"), width-18), humanize.Time(turn.Timestamp))
		if turn.AssistantMessageID == selectedID {
			b.WriteString(m.theme.selected.Render("> " + truncate(line, width-2)))
		} else {
			b.WriteString(m.theme.helpText.Render("  " + truncate(line, width-2)))
		}
		b.WriteString("\n")
	}
	b.WriteString(m.theme.helpText.Render("/turn <n> to switch"))
	b.WriteString("\n\n")
	if m.snap.Selected == nil {
		return b.String()
	}
	entry := m.snap.Selected.Entry
	if entry.State == session.EntryPending {
		b.WriteString(m.spinner.View() + " ")
	}
	style := lipgloss.NewStyle()
	if entry.State == session.EntryFailed {
		style = m.theme.errorStatus
	}
	b.WriteString(style.Render(wrapText(plainRecommendations(entry), width)))
	return b.String()
}

// plainRecommendations renders one cache entry as unstyled text.
func plainRecommendations(entry session.Entry) string {
	switch entry.State {
	case session.EntryUntried:
		return "Recommendations not loaded yet."
	case session.EntryPending:
		return "Finding places nearby..."
	case session.EntryFailed:
		if entry.Permanent {
			return "Recommendations unavailable: " + entry.Err
		}
		return "Recommendations unavailable: " + entry.Err + "\nSelect the turn again to retry."
	}
	if entry.Result == nil || len(entry.Result.Recommendations) == 0 {
		return "No places found for this turn."
	}

	var lines []string
	ctx := entry.Result.Context
	if ctx.WeatherCondition != "" || ctx.TemperatureC != nil {
		weather := "Weather: " + nullCoalesce(ctx.WeatherCondition, "unknown")
		if ctx.TemperatureC != nil {
			weather += fmt.Sprintf(", %.0f°C", *ctx.TemperatureC)
		}
		lines = append(lines, weather)
	}
	if ctx.Degraded {
		lines = append(lines, "Limited data: "+nullCoalesce(ctx.FallbackReason, "some sources were unavailable"))
	}
	if len(lines) > 0 {
		lines = append(lines, "")
	}
	for i, item := range entry.Result.Recommendations {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, item.Name))
		if item.Address != "" {
			lines = append(lines, "   "+item.Address)
		}
		var facts []string
		if item.Rating != nil {
			rating := fmt.Sprintf("%.1f★", *item.Rating)
			if item.UserRatingsTotal != nil {
				rating += " (" + humanize.Comma(int64(*item.UserRatingsTotal)) + ")"
			}
			facts = append(facts, rating)
		}
		if item.DistanceText != "" {
			facts = append(facts, item.DistanceText)
		}
		if item.DurationText != "" {
			facts = append(facts, item.DurationText)
		}
		if len(facts) > 0 {
			lines = append(lines, "   "+strings.Join(facts, " · "))
		}
		if item.Rationale != "" {
			lines = append(lines, "   "+item.Rationale)
		}
		if item.MapsURI != "" {
			lines = append(lines, "   "+item.MapsURI)
		}
	}
	return strings.Join(lines, "\n")
}

func (m *model) renderHelp() string {
	lines := []string{
		"Keys",
		"- Tab / Shift+Tab: switch between Companion, Local Guide and Study Guide",
		"- Enter: send the message (with any attached image)",
		"- PgUp/PgDn, Up/Down (input empty), Home/End: scroll the conversation",
		"- Esc: quit confirmation",
		"- Ctrl+C: quit",
		"",
		"Slash Commands",
		"- /role companion|guide|study",
		"- /clear (delete this role's history and start a new thread)",
		"- /turn <n> (Local Guide: show places for turn n)",
		"- /attach <path> (JPEG, PNG or WebP under 5 MB)",
		"- /detach",
		"- /dismiss (hide the error notice)",
		"- /banner (hide the support banner)",
		"- /help",
		"- /quit",
		"",
		"Press Esc or Enter to close this help.",
	}
	return m.theme.helpText.Render(strings.Join(lines, "\n"))
}
