package chat

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	m.textarea, tiCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.Shutdown()
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.textarea.Value())
			m.textarea.Reset()
			if text != "" {
				if cmd := m.handleInput(text); cmd != nil {
					return m, tea.Batch(tiCmd, vpCmd, cmd)
				}
			}
		}

	case receivedMsg:
		m.appendLine(m.formatReceived(msg))
		return m, tea.Batch(tiCmd, vpCmd, m.waitForEvent())

	case streamDroppedMsg:
		if msg.err != nil {
			m.appendError(fmt.Sprintf("stream dropped: %v, reconnecting", msg.err))
		} else {
			m.appendSystem("stream closed by server, reconnecting")
		}
		return m, tea.Batch(tiCmd, vpCmd, m.waitForEvent())

	case supersededMsg:
		// The pump has stopped for good, so there is nothing left to
		// wait for. The session stays open so the notice is readable.
		m.appendError("identity " + m.identity + " connected somewhere else, stream closed")

	case subscribedMsg:
		m.applySubscribed(msg)
	case unsubscribedMsg:
		m.applyUnsubscribed(msg)
	case statusMsg:
		m.applyStatus(msg)
	case publishFailedMsg:
		m.appendError(fmt.Sprintf("publish to %s failed: %v", msg.topic, msg.err))
	}

	return m, tea.Batch(tiCmd, vpCmd)
}

func (m *Model) resize(msg tea.WindowSizeMsg) {
	m.height = msg.Height
	m.viewport.Width = msg.Width
	m.textarea.SetWidth(msg.Width)

	gapHeight := lipgloss.Height(gap)
	const minViewportHeight = 3

	// Prefer a three line input box, but give it up before squeezing
	// the viewport below three lines on small terminals.
	m.textarea.SetHeight(3)
	if msg.Height < m.textarea.Height()+gapHeight+minViewportHeight {
		m.textarea.SetHeight(1)
	}
	m.viewport.Height = msg.Height - m.textarea.Height() - gapHeight
	if m.viewport.Height < 1 {
		m.viewport.Height = 1
	}

	m.syncViewport()
}

func (m *Model) syncViewport() {
	if len(m.messages) > 0 {
		// Wrap content before setting it.
		m.viewport.SetContent(lipgloss.NewStyle().Width(m.viewport.Width).Render(strings.Join(m.messages, "\n")))
	}
	m.viewport.GotoBottom()
}

func (m *Model) appendLine(line string) {
	m.messages = append(m.messages, line)
	m.syncViewport()
}

func (m *Model) appendSystem(line string) {
	m.appendLine(m.systemStyle.Render(line))
}

func (m *Model) appendError(line string) {
	m.appendLine(m.errorStyle.Render(line))
}
