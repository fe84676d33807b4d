package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/synap/models"

	"github.com/stretchr/testify/require"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	m := New(Config{Identity: "tester"})
	t.Cleanup(m.Shutdown)
	return m
}

func lastLine(t *testing.T, m *Model) string {
	t.Helper()
	require.NotEmpty(t, m.messages)
	return m.messages[len(m.messages)-1]
}

func TestChat_CommandParsing(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantCmd  bool
		wantLine string
	}{
		{name: "join without topic", input: "/join", wantLine: "usage: /join <topic>"},
		{name: "join with topic", input: "/join updates", wantCmd: true},
		{name: "leave with nothing active", input: "/leave", wantLine: "no active topic to leave"},
		{name: "leave explicit topic", input: "/leave other", wantCmd: true},
		{name: "topics with none joined", input: "/topics", wantLine: "no topics joined"},
		{name: "help", input: "/help", wantLine: "published to the active topic"},
		{name: "unknown command", input: "/bogus", wantLine: "unknown command /bogus"},
		{name: "message with nothing active", input: "hello there", wantLine: "no active topic, join one with /join <topic>"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestModel(t)
			cmd := m.handleInput(tc.input)
			if tc.wantCmd {
				require.NotNil(t, cmd)
				return
			}
			require.Nil(t, cmd)
			require.Contains(t, lastLine(t, m), tc.wantLine)
		})
	}
}

func TestChat_MessagePublishesToActiveTopic(t *testing.T) {
	m := newTestModel(t)
	m.topics = []string{"events"}
	m.active = "events"

	cmd := m.handleInput("hello there")
	require.NotNil(t, cmd)
}

func TestChat_SubscriptionBookkeeping(t *testing.T) {
	m := newTestModel(t)

	m.applySubscribed(subscribedMsg{results: []models.SubscriptionResult{
		{Topic: "events", Status: models.SubscriptionStatusSubscribed},
		{Topic: "alerts", Status: models.SubscriptionStatusSubscribed},
	}})
	require.Equal(t, []string{"events", "alerts"}, m.topics)
	require.Equal(t, "events", m.active)
	require.Contains(t, strings.Join(m.messages, "\n"), "joined events")
	require.Contains(t, strings.Join(m.messages, "\n"), "now chatting in events")

	// Rejoining must not duplicate the topic, only switch to it.
	m.applySubscribed(subscribedMsg{results: []models.SubscriptionResult{
		{Topic: "alerts", Status: models.SubscriptionStatusAlreadySubscribed},
	}})
	require.Equal(t, []string{"events", "alerts"}, m.topics)
	require.Equal(t, "alerts", m.active)

	m.applyUnsubscribed(unsubscribedMsg{results: []models.SubscriptionResult{
		{Topic: "alerts", Status: models.SubscriptionStatusUnsubscribed},
	}})
	require.Equal(t, []string{"events"}, m.topics)
	require.Equal(t, "events", m.active)
	require.Contains(t, lastLine(t, m), "now chatting in events")

	m.applyUnsubscribed(unsubscribedMsg{results: []models.SubscriptionResult{
		{Topic: "events", Status: models.SubscriptionStatusUnsubscribed},
	}})
	require.Empty(t, m.topics)
	require.Empty(t, m.active)
	require.Contains(t, lastLine(t, m), "no active topic")
}

func TestChat_SubscribeErrorReported(t *testing.T) {
	m := newTestModel(t)
	m.applySubscribed(subscribedMsg{err: errForTest("boom")})
	require.Contains(t, lastLine(t, m), "join failed")
	require.Empty(t, m.topics)
}

func TestChat_FormatReceived(t *testing.T) {
	m := newTestModel(t)
	published := time.Date(2026, 3, 14, 9, 30, 0, 0, time.Local)
	received := time.Date(2026, 3, 14, 9, 30, 2, 0, time.Local)

	line := m.formatReceived(receivedMsg{
		message: models.Message{Topic: "events", Payload: "hello", PublishedAt: published},
		at:      received,
	})
	require.Contains(t, line, "events =>")
	require.Contains(t, line, "published: 09:30:00")
	require.Contains(t, line, "received: 09:30:02")
	require.Contains(t, line, "=> hello")
}

type errForTest string

func (e errForTest) Error() string { return string(e) }
