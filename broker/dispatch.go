package broker

import (
	"time"

	"github.com/InsulaLabs/synap/metrics"
	"github.com/InsulaLabs/synap/models"
)

/*
	Delivery dispatch. Two paths hand messages to sessions: live fan-out
	on publish, and backlog replay when an identity reconnects. Both
	advance the pair's cursor on every successful delivery, and both
	serialize on the topic lock so one subscriber always sees one topic's
	messages in publish order.

	A failed delivery never blocks or retries. The connection is dropped,
	the cursor stays where it was, and the undelivered tail waits in the
	log for the next connection, bounded by the TTL window.
*/

// Publish stamps payload onto topic's timeline, retains it for the TTL
// window, and fans it out to online subscribers. Unknown topics are
// created on the spot; publishing into silence is not an error, the
// message simply waits out its TTL for nobody.
func (b *Broker) Publish(topic, payload string) (models.Message, error) {
	if err := ValidateTopic(topic); err != nil {
		return models.Message{}, err
	}
	if b.isClosed() {
		return models.Message{}, ErrClosed
	}

	t, err := b.lockTopic(topic, true)
	if err != nil {
		return models.Message{}, err
	}

	// Stamps are strictly increasing per topic even when the clock
	// stands still, so the log's cursor seek stays exact.
	stamp := b.clock.Now()
	if !stamp.After(t.watermark) {
		stamp = t.watermark.Add(time.Nanosecond)
	}
	t.watermark = stamp

	msg := models.Message{
		Topic:       topic,
		Payload:     payload,
		PublishedAt: stamp,
		ExpiresAt:   stamp.Add(b.ttl),
	}
	if err := b.messages.Append(msg); err != nil {
		t.mu.Unlock()
		return models.Message{}, err
	}
	failed := b.fanOutLocked(t, msg)
	t.mu.Unlock()

	metrics.MessagesPublished.Inc()

	// Transport teardown happens outside the topic lock.
	for _, c := range failed {
		b.dropConnection(c, "fan-out delivery failed")
	}
	return msg, nil
}

// fanOutLocked pushes msg to every subscriber with a live connection.
// Pairs mid-drain are left alone: the drain loop picks the message up
// from the log, which keeps the session in publish order. Returns the
// connections whose delivery failed. Caller holds t.mu.
func (b *Broker) fanOutLocked(t *topicState, msg models.Message) []*connection {
	var failed []*connection
	for _, sub := range t.subs {
		if sub.replayer != nil {
			continue
		}
		c := b.liveConn(sub.identity, t.name)
		if c == nil {
			continue
		}
		if err := c.conn.Deliver(msg); err != nil {
			metrics.DeliveryFailures.Inc()
			failed = append(failed, c)
			continue
		}
		sub.cursor = msg.PublishedAt
		metrics.MessagesDelivered.WithLabelValues(metrics.DeliveryModeLive).Inc()
	}
	return failed
}

// replayTopic drains the retained backlog for one (identity, topic)
// pair into c. The pair is flagged for the duration so live fan-out
// defers to the drain; otherwise a fresh publish could jump the queue
// ahead of older backlog.
func (b *Broker) replayTopic(topic string, c *connection) {
	if !b.beginReplay(topic, c) {
		return
	}
	for {
		cursor, ok := b.replayCursor(topic, c)
		if !ok {
			return
		}
		backlog, err := b.messages.MessagesSince(topic, cursor, b.clock.Now())
		if err != nil {
			b.logger.Error("backlog query failed", "identity", c.identity, "topic", topic, "error", err)
			b.endReplay(topic, c)
			return
		}
		if len(backlog) == 0 {
			if b.endReplayIfDrained(topic, c) {
				return
			}
			continue
		}
		for i := range backlog {
			switch b.replayOne(topic, c, backlog[i]) {
			case replayFailed:
				b.dropConnection(c, "replay delivery failed")
				return
			case replayStop:
				return
			}
		}
	}
}

type replayStep int

const (
	replayDelivered replayStep = iota
	replaySkipped
	replayStop
	replayFailed
)

// replayOne delivers a single backlog message under the topic lock,
// re-checking everything that may have moved since the query: the
// subscription may be gone, a newer connection may own the drain, the
// cursor may already cover the message, or the message may have expired
// while queued.
func (b *Broker) replayOne(topic string, c *connection, msg models.Message) replayStep {
	t, err := b.lockTopic(topic, false)
	if err != nil || t == nil {
		return replayStop
	}
	defer t.mu.Unlock()

	sub, ok := t.subs[c.identity]
	if !ok || sub.replayer != c {
		return replayStop
	}
	if !msg.PublishedAt.After(sub.cursor) {
		return replaySkipped
	}
	if msg.Expired(b.clock.Now()) {
		return replaySkipped
	}
	if !b.connIsLive(c) {
		sub.replayer = nil
		return replayStop
	}
	if err := c.conn.Deliver(msg); err != nil {
		sub.replayer = nil
		metrics.DeliveryFailures.Inc()
		return replayFailed
	}
	sub.cursor = msg.PublishedAt
	metrics.MessagesDelivered.WithLabelValues(metrics.DeliveryModeReplay).Inc()
	return replayDelivered
}

// beginReplay flags the pair as draining into c. Reports false when
// the subscription is gone or c has already been superseded; checking
// liveness under the topic lock means a stale drain can never overwrite
// the flag after its replacement set it.
func (b *Broker) beginReplay(topic string, c *connection) bool {
	t, err := b.lockTopic(topic, false)
	if err != nil || t == nil {
		return false
	}
	defer t.mu.Unlock()
	sub, ok := t.subs[c.identity]
	if !ok {
		return false
	}
	if !b.connIsLive(c) {
		return false
	}
	sub.replayer = c
	return true
}

// replayCursor reads the pair's cursor for the next backlog query,
// confirming c still owns the drain.
func (b *Broker) replayCursor(topic string, c *connection) (time.Time, bool) {
	t, err := b.lockTopic(topic, false)
	if err != nil || t == nil {
		return time.Time{}, false
	}
	defer t.mu.Unlock()
	sub, ok := t.subs[c.identity]
	if !ok || sub.replayer != c {
		return time.Time{}, false
	}
	return sub.cursor, true
}

// endReplay clears the drain flag unconditionally, for error paths.
func (b *Broker) endReplay(topic string, c *connection) {
	t, err := b.lockTopic(topic, false)
	if err != nil || t == nil {
		return
	}
	defer t.mu.Unlock()
	if sub, ok := t.subs[c.identity]; ok && sub.replayer == c {
		sub.replayer = nil
	}
}

// endReplayIfDrained clears the drain flag only if nothing new landed
// past the cursor. The emptiness check and the clear happen under one
// hold of the topic lock, so no publish can slip between them: either
// it is in the log for another drain pass, or it arrives by fan-out
// after the flag is down.
func (b *Broker) endReplayIfDrained(topic string, c *connection) bool {
	t, err := b.lockTopic(topic, false)
	if err != nil || t == nil {
		return true
	}
	defer t.mu.Unlock()
	sub, ok := t.subs[c.identity]
	if !ok || sub.replayer != c {
		return true
	}
	backlog, err := b.messages.MessagesSince(topic, sub.cursor, b.clock.Now())
	if err != nil {
		b.logger.Error("drain check failed", "identity", c.identity, "topic", topic, "error", err)
		sub.replayer = nil
		return true
	}
	if len(backlog) > 0 {
		return false
	}
	sub.replayer = nil
	return true
}
