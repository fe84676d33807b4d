package broker

import (
	"sort"
	"time"

	"github.com/InsulaLabs/synap/metrics"
	"github.com/InsulaLabs/synap/models"
	"github.com/google/uuid"
)

/*
	Identity and connection registry. An identity is durable state: its
	subscriptions and cursors outlive any single connection. A connection
	is one live session claiming an identity. At most one connection may
	be live per identity at any instant, and a newcomer always wins the
	claim: the prior holder is notified and closed, never the other way
	around.
*/

// Conn is the transport half of a live session. The broker calls it
// outward only; implementations must be safe for concurrent use and
// must never block in Deliver.
type Conn interface {
	// Deliver hands one message to the session. An error means the
	// session cannot take it: the broker treats that as a disconnect
	// and leaves the message behind the cursor for a later replay.
	Deliver(msg models.Message) error

	// Superseded tells the session its identity was claimed by a newer
	// connection, before Close is called on it.
	Superseded()

	// Close releases the transport.
	Close()
}

type connection struct {
	id       string
	identity string
	conn     Conn
}

type identityState struct {
	name   string
	topics map[string]struct{}

	// live is the single connection currently claiming this identity,
	// nil while offline.
	live *connection

	// detachedAt is when the identity last went offline or was last
	// touched while offline. The idle reaper keys off it.
	detachedAt time.Time
}

func (b *Broker) ensureIdentityLocked(identity string) *identityState {
	id, ok := b.identities[identity]
	if !ok {
		id = &identityState{
			name:       identity,
			topics:     make(map[string]struct{}),
			detachedAt: b.clock.Now(),
		}
		b.identities[identity] = id
	}
	return id
}

// touchIdentityLocked refreshes the idle timer for an offline identity.
// Subscription traffic counts as activity even without a connection.
func (b *Broker) touchIdentityLocked(identity string) {
	if id, ok := b.identities[identity]; ok && id.live == nil {
		id.detachedAt = b.clock.Now()
	}
}

// connIsLive reports whether c is still its identity's live connection.
func (b *Broker) connIsLive(c *connection) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.identities[c.identity]
	return ok && id.live == c
}

// liveConn returns identity's live connection, but only while the
// identity is subscribed to topic. The double check keeps fan-out from
// reaching an identity whose subscriptions are mid-teardown.
func (b *Broker) liveConn(identity, topic string) *connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.identities[identity]
	if !ok {
		return nil
	}
	if _, ok := id.topics[topic]; !ok {
		return nil
	}
	return id.live
}

// Connect claims identity for conn and returns the connection ID the
// session must hand back to Disconnect. If another connection holds the
// identity it is superseded: notified and closed before this call
// returns. Once the claim is installed, the retained backlog for every
// subscribed topic is drained to the new connection in publish order.
func (b *Broker) Connect(identity string, conn Conn) (string, error) {
	if err := ValidateIdentity(identity); err != nil {
		return "", err
	}
	if b.isClosed() {
		return "", ErrClosed
	}

	c := &connection{
		id:       uuid.New().String(),
		identity: identity,
		conn:     conn,
	}

	b.mu.Lock()
	id := b.ensureIdentityLocked(identity)
	prior := id.live
	id.live = c
	topics := make([]string, 0, len(id.topics))
	for topic := range id.topics {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	if prior != nil {
		b.logger.Info("identity reclaimed", "identity", identity, "old", prior.id, "new", c.id)
		metrics.ConnectionsSuperseded.Inc()
		prior.conn.Superseded()
		prior.conn.Close()
	} else {
		metrics.ConnectionsActive.Inc()
	}

	sort.Strings(topics)
	for _, topic := range topics {
		if !b.connIsLive(c) {
			break
		}
		b.replayTopic(topic, c)
	}

	b.logger.Info("connected", "identity", identity, "conn", c.id, "subscriptions", len(topics))
	return c.id, nil
}

// Disconnect releases identity's live connection, if connID still names
// it. A stale disconnect racing a newer connect is a no-op, so a kicked
// session's teardown can never unseat its replacement. Subscriptions
// and cursors are untouched.
func (b *Broker) Disconnect(identity, connID string) {
	b.mu.Lock()
	id, ok := b.identities[identity]
	if !ok || id.live == nil || id.live.id != connID {
		b.mu.Unlock()
		return
	}
	id.live = nil
	id.detachedAt = b.clock.Now()
	b.mu.Unlock()

	metrics.ConnectionsActive.Dec()
	b.logger.Info("disconnected", "identity", identity, "conn", connID)
}

// dropConnection retires a connection that failed a delivery:
// deregisters it and releases the transport. Stale drops are no-ops on
// the registry side, and Close on an already-closed session is safe.
func (b *Broker) dropConnection(c *connection, reason string) {
	b.logger.Warn("dropping connection", "identity", c.identity, "conn", c.id, "reason", reason)
	b.Disconnect(c.identity, c.id)
	c.conn.Close()
}
