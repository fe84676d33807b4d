package models

import "time"

// Message is one retained pub/sub message. The broker stamps PublishedAt
// from its own clock; ExpiresAt is always PublishedAt plus the server-wide
// message TTL. Messages are immutable once published.
type Message struct {
	Topic       string    `json:"topic"`
	Payload     string    `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the message is past its retention deadline at
// the given instant. A message is retrievable only while now < ExpiresAt.
func (m Message) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// CloseCodeSuperseded is sent in the WebSocket close frame when a stream
// is force-closed because its identity connected elsewhere.
const CloseCodeSuperseded = 4001
