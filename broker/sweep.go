package broker

import (
	"time"

	"github.com/InsulaLabs/synap/metrics"
)

/*
	Retention sweep. A single background loop purges expired messages,
	then reaps identities that have sat offline past the idle eviction
	window, then retires topics left with neither subscribers nor
	retained messages. The loop is the only writer of the dead flag on
	topics and the only thing that deletes identities.
*/

func (b *Broker) sweepLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep runs one full pass. Identities go before topics so a reaped
// identity's leftover entries do not keep an otherwise empty topic
// alive for another interval.
func (b *Broker) sweep() {
	now := b.clock.Now()

	swept, err := b.messages.SweepExpired(now)
	if err != nil {
		b.logger.Error("expiry sweep failed", "error", err)
	} else if swept > 0 {
		metrics.MessagesExpired.Add(float64(swept))
		b.logger.Debug("swept expired messages", "count", swept)
	}

	if reaped := b.reapIdleIdentities(now); reaped > 0 {
		metrics.IdentitiesReaped.Add(float64(reaped))
	}
	if reaped := b.reapEmptyTopics(now); reaped > 0 {
		metrics.TopicsReaped.Add(float64(reaped))
	}
}

// reapIdleIdentities removes identities that have been offline past the
// idle eviction window, along with their subscriptions. A reaped name
// is indistinguishable from one that never connected; if it comes back
// it starts from scratch.
func (b *Broker) reapIdleIdentities(now time.Time) int {
	type claim struct {
		id     *identityState
		topics []string
	}

	var claims []claim
	b.mu.Lock()
	for name, id := range b.identities {
		if id.live != nil {
			continue
		}
		if now.Sub(id.detachedAt) < b.idleEviction {
			continue
		}
		topics := make([]string, 0, len(id.topics))
		for topic := range id.topics {
			topics = append(topics, topic)
		}
		delete(b.identities, name)
		claims = append(claims, claim{id: id, topics: topics})
	}
	b.mu.Unlock()

	for _, cl := range claims {
		for _, topic := range cl.topics {
			b.forgetSubscription(topic, cl.id)
		}
		b.logger.Info("reaped idle identity", "identity", cl.id.name, "subscriptions", len(cl.topics))
	}
	return len(claims)
}

// forgetSubscription drops a reaped identity's entry from a topic. The
// owner check keeps it from touching a namesake that subscribed again
// after the reap claimed the old generation.
func (b *Broker) forgetSubscription(topic string, owner *identityState) {
	t, err := b.lockTopic(topic, false)
	if err != nil || t == nil {
		return
	}
	defer t.mu.Unlock()
	if sub, ok := t.subs[owner.name]; ok && sub.owner == owner {
		delete(t.subs, owner.name)
	}
}

// reapEmptyTopics retires topics with no subscribers and nothing left
// in the log. The dead flag sends anyone holding a stale pointer back
// through the directory, where the name may be created anew.
func (b *Broker) reapEmptyTopics(now time.Time) int {
	b.mu.Lock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	b.mu.Unlock()

	reaped := 0
	for _, name := range names {
		t, err := b.lockTopic(name, false)
		if err != nil || t == nil {
			continue
		}
		if len(t.subs) > 0 {
			t.mu.Unlock()
			continue
		}
		retained, err := b.messages.HasRetained(name, now)
		if err != nil {
			b.logger.Error("retention check failed", "topic", name, "error", err)
			t.mu.Unlock()
			continue
		}
		if retained {
			t.mu.Unlock()
			continue
		}
		t.dead = true
		b.mu.Lock()
		delete(b.topics, name)
		b.mu.Unlock()
		t.mu.Unlock()
		reaped++
		b.logger.Debug("reaped empty topic", "topic", name)
	}
	return reaped
}
