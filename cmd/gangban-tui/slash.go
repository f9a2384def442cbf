package main

import (
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"gangban/internal/chat"
)

func (m *model) handleSlash(raw string) tea.Cmd {
	parts := strings.Fields(strings.TrimSpace(raw))
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	tail := parts[1:]
	switch cmd {
	case "/help":
		m.showHelp = true
		m.input.Blur()
		return nil
	case "/quit", "/exit":
		m.beginQuitConfirm()
		return nil
	case "/role":
		if len(tail) == 0 {
			m.statusLine = "usage: /role companion|guide|study"
			return nil
		}
		role, err := chat.ParseRole(tail[0])
		if err != nil {
			m.statusLine = err.Error()
			return nil
		}
		return m.switchRole(role)
	case "/clear":
		m.clearConfirm = true
		m.statusLine = "clear " + m.snap.ActiveRole.Label() + " history?"
		return nil
	case "/turn":
		if m.snap.ActiveRole != chat.LocalGuide {
			m.statusLine = "/turn only applies to the Local Guide"
			return nil
		}
		if len(tail) == 0 {
			m.statusLine = "usage: /turn <n>"
			return nil
		}
		n, err := strconv.Atoi(tail[0])
		if err != nil || n < 1 || n > len(m.snap.Turns) {
			m.statusLine = "usage: /turn <1-" + strconv.Itoa(len(m.snap.Turns)) + ">"
			return nil
		}
		return m.selectTurnCmd(n - 1)
	case "/attach":
		if len(tail) == 0 {
			m.statusLine = "usage: /attach <path>"
			return nil
		}
		attachment, err := loadAttachment(strings.Join(tail, " "))
		if err != nil {
			m.logError(err)
			return nil
		}
		m.attachment = attachment
		m.statusLine = "attached " + attachment.Filename + " (" + humanize.Bytes(uint64(attachment.SizeBytes)) + ")"
		return nil
	case "/detach":
		if m.attachment == nil {
			m.statusLine = "no attachment"
			return nil
		}
		m.attachment = nil
		m.statusLine = "attachment removed"
		return nil
	case "/dismiss":
		m.manager.DismissError()
		m.statusLine = "error dismissed"
		m.refresh()
		return nil
	case "/banner":
		m.manager.DismissBanner()
		m.statusLine = "banner hidden"
		m.refresh()
		return nil
	default:
		m.statusLine = "unknown command: " + cmd
		return nil
	}
}
