package chat

import (
	"fmt"
	"strings"

	"github.com/InsulaLabs/synap/client"
	"github.com/InsulaLabs/synap/models"

	tea "github.com/charmbracelet/bubbletea"
)

const helpText = `commands:
  /join <topic>   join a topic and start chatting in it
  /leave [topic]  leave a topic (the active one when omitted)
  /topics         list joined topics
  /status         show broker status
  /help           show this help
  /quit           leave the chat
anything else is published to the active topic`

func (m *Model) handleInput(text string) tea.Cmd {
	if strings.HasPrefix(text, "/") {
		return m.handleCommand(text)
	}
	if m.active == "" {
		m.appendError("no active topic, join one with /join <topic>")
		return nil
	}
	return m.publishCmd(m.active, text)
}

func (m *Model) handleCommand(text string) tea.Cmd {
	fields := strings.Fields(text)
	switch strings.ToLower(fields[0]) {
	case "/join":
		if len(fields) != 2 {
			m.appendError("usage: /join <topic>")
			return nil
		}
		return m.subscribeCmd(fields[1])
	case "/leave":
		if len(fields) > 2 {
			m.appendError("usage: /leave [topic]")
			return nil
		}
		topic := m.active
		if len(fields) == 2 {
			topic = fields[1]
		}
		if topic == "" {
			m.appendError("no active topic to leave")
			return nil
		}
		return m.unsubscribeCmd(topic)
	case "/topics":
		if len(m.topics) == 0 {
			m.appendSystem("no topics joined")
			return nil
		}
		m.appendSystem(fmt.Sprintf("joined: %s (active: %s)", strings.Join(m.topics, ", "), m.active))
		return nil
	case "/status":
		return m.statusCmd()
	case "/help":
		for _, line := range strings.Split(helpText, "\n") {
			m.appendSystem(line)
		}
		return nil
	case "/quit":
		m.Shutdown()
		return tea.Quit
	default:
		m.appendError(fmt.Sprintf("unknown command %s, /help lists commands", fields[0]))
		return nil
	}
}

func (m *Model) subscribeCmd(topics ...string) tea.Cmd {
	return func() tea.Msg {
		results, err := client.WithRetries(m.ctx, m.logger, func() ([]models.SubscriptionResult, error) {
			return m.client.Subscribe(m.identity, topics...)
		})
		return subscribedMsg{results: results, err: err}
	}
}

func (m *Model) unsubscribeCmd(topic string) tea.Cmd {
	return func() tea.Msg {
		results, err := client.WithRetries(m.ctx, m.logger, func() ([]models.SubscriptionResult, error) {
			return m.client.Unsubscribe(m.identity, topic)
		})
		return unsubscribedMsg{results: results, err: err}
	}
}

func (m *Model) statusCmd() tea.Cmd {
	return func() tea.Msg {
		status, err := client.WithRetries(m.ctx, m.logger, func() (models.StatusResponse, error) {
			return m.client.Status()
		})
		return statusMsg{status: status, err: err}
	}
}

func (m *Model) publishCmd(topic, payload string) tea.Cmd {
	return func() tea.Msg {
		err := client.WithRetriesVoid(m.ctx, m.logger, func() error {
			_, err := m.client.Publish(topic, payload)
			return err
		})
		if err != nil {
			return publishFailedMsg{topic: topic, err: err}
		}
		// Delivery back through the stream is the echo.
		return nil
	}
}

func (m *Model) applySubscribed(msg subscribedMsg) {
	if msg.err != nil {
		m.appendError(fmt.Sprintf("join failed: %v", msg.err))
		return
	}
	for _, result := range msg.results {
		switch result.Status {
		case models.SubscriptionStatusSubscribed:
			m.appendSystem("joined " + result.Topic)
		case models.SubscriptionStatusAlreadySubscribed:
			m.appendSystem("already in " + result.Topic)
		}
		if !m.hasTopic(result.Topic) {
			m.topics = append(m.topics, result.Topic)
		}
	}
	if len(msg.results) > 0 && m.active != msg.results[0].Topic {
		m.active = msg.results[0].Topic
		m.appendSystem("now chatting in " + m.active)
	}
}

func (m *Model) applyUnsubscribed(msg unsubscribedMsg) {
	if msg.err != nil {
		m.appendError(fmt.Sprintf("leave failed: %v", msg.err))
		return
	}
	for _, result := range msg.results {
		switch result.Status {
		case models.SubscriptionStatusUnsubscribed:
			m.appendSystem("left " + result.Topic)
		case models.SubscriptionStatusNotSubscribed:
			m.appendSystem("was not in " + result.Topic)
		}
		m.removeTopic(result.Topic)
	}
	if m.active != "" && !m.hasTopic(m.active) {
		if len(m.topics) > 0 {
			m.active = m.topics[len(m.topics)-1]
			m.appendSystem("now chatting in " + m.active)
		} else {
			m.active = ""
			m.appendSystem("no active topic, join one with /join <topic>")
		}
	}
}

func (m *Model) applyStatus(msg statusMsg) {
	if msg.err != nil {
		m.appendError(fmt.Sprintf("status failed: %v", msg.err))
		return
	}
	s := msg.status
	m.appendSystem(fmt.Sprintf("broker up %s, ttl %s, %d topics, %d identities, %d live connections, %d retained messages",
		s.Uptime, s.MessageTTL, s.Topics, s.Identities, s.LiveConnections, s.RetainedMessages))
}

func (m *Model) hasTopic(topic string) bool {
	for _, t := range m.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (m *Model) removeTopic(topic string) {
	for i, t := range m.topics {
		if t == topic {
			m.topics = append(m.topics[:i], m.topics[i+1:]...)
			return
		}
	}
}
