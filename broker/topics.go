package broker

import (
	"sync"
	"time"

	"github.com/InsulaLabs/synap/models"
)

/*
	Per-topic subscription table. Each topic tracks its subscribers and a
	watermark: the newest instant handed out on that topic's timeline,
	whether as a publish stamp or a subscription cursor. Publishes stamp
	strictly after the watermark and new subscriptions start at it, which
	keeps "messages after the cursor" an exact seek into the log rather
	than a fuzzy timestamp comparison.
*/

// subscription is one identity's standing interest in a topic. It
// survives disconnects and is destroyed only by unsubscribe or by the
// idle identity reaper.
type subscription struct {
	identity string

	// owner is the identity generation this entry belongs to. A reaped
	// identity leaves entries behind until the reaper sweeps them; the
	// owner pointer keeps a namesake that connects in the meantime from
	// inheriting a dead cursor.
	owner *identityState

	subscribedAt time.Time

	// cursor is the stamp of the last message handed to this identity
	// on this topic. Monotonically non-decreasing, never below
	// subscribedAt.
	cursor time.Time

	// replayer is the connection currently draining this pair's
	// backlog, nil outside a drain. While set, live fan-out leaves the
	// pair alone so the drain loop can keep the session in publish
	// order.
	replayer *connection
}

type topicState struct {
	mu   sync.Mutex
	name string
	subs map[string]*subscription

	// watermark is the newest instant on this topic's timeline.
	watermark time.Time

	// seeded is set once the watermark has been resumed from the log,
	// so stamps stay strictly increasing across topic reaps.
	seeded bool

	// dead marks a topic retired by the sweeper. Holders of a stale
	// pointer must drop it and look the topic up again.
	dead bool
}

// lockTopic looks up a topic and returns it with its mutex held. With
// create set, missing topics are made on the spot; without it, a missing
// topic returns nil. Retries when the sweeper retires the topic between
// the lookup and the lock.
func (b *Broker) lockTopic(name string, create bool) (*topicState, error) {
	for {
		b.mu.Lock()
		t, ok := b.topics[name]
		if !ok {
			if !create {
				b.mu.Unlock()
				return nil, nil
			}
			t = &topicState{
				name: name,
				subs: make(map[string]*subscription),
			}
			b.topics[name] = t
		}
		b.mu.Unlock()

		t.mu.Lock()
		if t.dead {
			t.mu.Unlock()
			continue
		}
		if !t.seeded {
			// First use after creation or re-creation. Resume the
			// timeline from the newest stamp on record; a reap only
			// needs every message expired, not purged.
			last, found, err := b.messages.LastPublished(name)
			if err != nil {
				t.mu.Unlock()
				return nil, err
			}
			if found && last.After(t.watermark) {
				t.watermark = last
			}
			t.seeded = true
		}
		return t, nil
	}
}

// Subscribe registers identity's interest in topic. The new
// subscription's cursor starts at the moment of subscription, so only
// messages published after this call returns are ever eligible for the
// identity. Subscribing again while already subscribed is a no-op that
// leaves the existing cursor untouched.
func (b *Broker) Subscribe(identity, topic string) (string, error) {
	if err := ValidateIdentity(identity); err != nil {
		return "", err
	}
	if err := ValidateTopic(topic); err != nil {
		return "", err
	}
	if b.isClosed() {
		return "", ErrClosed
	}

	t, err := b.lockTopic(topic, true)
	if err != nil {
		return "", err
	}
	defer t.mu.Unlock()

	b.mu.Lock()
	id := b.ensureIdentityLocked(identity)
	b.touchIdentityLocked(identity)
	if sub, ok := t.subs[identity]; ok && sub.owner == id {
		b.mu.Unlock()
		return models.SubscriptionStatusAlreadySubscribed, nil
	}
	id.topics[topic] = struct{}{}
	b.mu.Unlock()

	// Start at the watermark, not the raw clock: anything already
	// stamped on the topic stays below the cursor, and any publish
	// accepted from here on lands above it. An entry left by a reaped
	// namesake is simply replaced.
	at := b.clock.Now()
	if at.Before(t.watermark) {
		at = t.watermark
	}
	t.watermark = at
	t.subs[identity] = &subscription{
		identity:     identity,
		owner:        id,
		subscribedAt: at,
		cursor:       at,
	}

	b.logger.Debug("subscribed", "identity", identity, "topic", topic, "cursor", at)
	return models.SubscriptionStatusSubscribed, nil
}

// Unsubscribe erases identity's subscription to topic immediately,
// connected or not. The cursor goes with it: any backlog the identity
// had not yet seen is forgotten, and a later resubscribe starts fresh
// from the resubscribe time.
func (b *Broker) Unsubscribe(identity, topic string) (string, error) {
	if err := ValidateIdentity(identity); err != nil {
		return "", err
	}
	if err := ValidateTopic(topic); err != nil {
		return "", err
	}
	if b.isClosed() {
		return "", ErrClosed
	}

	t, err := b.lockTopic(topic, false)
	if err != nil {
		return "", err
	}
	if t == nil {
		return models.SubscriptionStatusNotSubscribed, nil
	}
	defer t.mu.Unlock()

	b.mu.Lock()
	id, idOK := b.identities[identity]
	b.touchIdentityLocked(identity)
	sub, subOK := t.subs[identity]
	if !subOK {
		b.mu.Unlock()
		return models.SubscriptionStatusNotSubscribed, nil
	}
	if !idOK || sub.owner != id {
		// Leftover from a reaped namesake; clear it while here.
		delete(t.subs, identity)
		b.mu.Unlock()
		return models.SubscriptionStatusNotSubscribed, nil
	}
	delete(t.subs, identity)
	delete(id.topics, topic)
	b.mu.Unlock()

	b.logger.Debug("unsubscribed", "identity", identity, "topic", topic)
	return models.SubscriptionStatusUnsubscribed, nil
}
