package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/InsulaLabs/synap/client"
	"github.com/InsulaLabs/synap/models"

	tea "github.com/charmbracelet/bubbletea"
)

// reconnectDelay spaces out redials after the stream drops.
const reconnectDelay = 3 * time.Second

type (
	receivedMsg struct {
		message models.Message
		at      time.Time
	}
	streamDroppedMsg struct{ err error }
	supersededMsg    struct{}

	subscribedMsg struct {
		results []models.SubscriptionResult
		err     error
	}
	unsubscribedMsg struct {
		results []models.SubscriptionResult
		err     error
	}
	statusMsg struct {
		status models.StatusResponse
		err    error
	}
	publishFailedMsg struct {
		topic string
		err   error
	}
)

// streamLoop keeps a subscriber stream open for the whole session,
// redialling after drops. It stops for good when the identity connects
// somewhere else or the session context ends.
func (m *Model) streamLoop() {
	for {
		err := m.client.Stream(m.ctx, m.identity, func(msg models.Message) {
			m.post(receivedMsg{message: msg, at: time.Now()})
		})
		if m.ctx.Err() != nil {
			return
		}
		if errors.Is(err, client.ErrSuperseded) {
			m.post(supersededMsg{})
			return
		}
		m.post(streamDroppedMsg{err: err})
		select {
		case <-time.After(reconnectDelay):
		case <-m.ctx.Done():
			return
		}
	}
}

// post hands a stream event to the update loop without wedging the pump
// once the program is gone.
func (m *Model) post(msg tea.Msg) {
	select {
	case m.events <- msg:
	case <-m.ctx.Done():
	}
}

// waitForEvent relays the next stream event into the program. The update
// loop re-arms it after every event it consumes.
func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-m.events:
			return ev
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m *Model) formatReceived(ev receivedMsg) string {
	return fmt.Sprintf("%s published: %s received: %s => %s",
		m.senderStyle.Render(ev.message.Topic+" =>"),
		ev.message.PublishedAt.Local().Format("15:04:05"),
		ev.at.Format("15:04:05"),
		ev.message.Payload)
}
