package broker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/InsulaLabs/synap/models"
	"github.com/InsulaLabs/synap/store"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/dgraph-io/ristretto.(*Cache).processItems"),
		goleak.IgnoreTopFunction("github.com/dgraph-io/ristretto.(*defaultPolicy).processItems"),
		goleak.IgnoreTopFunction("github.com/dgraph-io/ristretto/z.(*AllocatorPool).freeupAllocators"),
	)
}

const (
	testTTL          = 10 * time.Second
	testIdleEviction = 30 * time.Second
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a hand-cranked Clock so tests control the timeline.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockConn is a Conn that records what the broker hands it.
type mockConn struct {
	mu         sync.Mutex
	delivered  []models.Message
	failAll    bool
	failures   int
	superseded bool
	closed     bool
}

func newMockConn() *mockConn {
	return &mockConn{}
}

func (m *mockConn) Deliver(msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("session cannot take messages")
	}
	if m.failures > 0 {
		m.failures--
		return errors.New("session cannot take messages")
	}
	m.delivered = append(m.delivered, msg)
	return nil
}

func (m *mockConn) Superseded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.superseded = true
}

func (m *mockConn) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockConn) setFailAll(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = fail
}

func (m *mockConn) failNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

func (m *mockConn) payloads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.delivered))
	for i, msg := range m.delivered {
		out[i] = msg.Payload
	}
	return out
}

func (m *mockConn) deliveredMessages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgsCopy := make([]models.Message, len(m.delivered))
	copy(msgsCopy, m.delivered)
	return msgsCopy
}

func (m *mockConn) wasSuperseded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.superseded
}

func (m *mockConn) wasClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func createTestBroker(t *testing.T, clock Clock) *Broker {
	t.Helper()

	logger := testLogger()
	messages, err := store.New(store.Config{
		Logger:         logger,
		BadgerLogLevel: slog.LevelError,
	})
	if err != nil {
		t.Fatalf("Failed to create message log: %v", err)
	}
	t.Cleanup(func() {
		if err := messages.Close(); err != nil {
			t.Errorf("Failed to close message log: %v", err)
		}
	})

	b, err := New(Config{
		Logger:               logger,
		Clock:                clock,
		Messages:             messages,
		MessageTTL:           testTTL,
		IdleIdentityEviction: testIdleEviction,
		// Long enough that only explicit sweep() calls fire during a test.
		SweepInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("Failed to create broker: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

// subscriptionTimes reads a pair's cursor and subscribedAt directly.
func subscriptionTimes(t *testing.T, b *Broker, topic, identity string) (cursor, subscribedAt time.Time) {
	t.Helper()
	ts, err := b.lockTopic(topic, false)
	if err != nil {
		t.Fatalf("Failed to lock topic %q: %v", topic, err)
	}
	if ts == nil {
		t.Fatalf("Topic %q does not exist", topic)
	}
	defer ts.mu.Unlock()
	sub, ok := ts.subs[identity]
	if !ok {
		t.Fatalf("No subscription for %q on %q", identity, topic)
	}
	return sub.cursor, sub.subscribedAt
}

// -------------------------- TESTS

func TestNew_ConfigValidation(t *testing.T) {
	logger := testLogger()
	messages, err := store.New(store.Config{Logger: logger, BadgerLogLevel: slog.LevelError})
	if err != nil {
		t.Fatalf("Failed to create message log: %v", err)
	}
	defer messages.Close()

	t.Run("missing message log", func(t *testing.T) {
		if _, err := New(Config{Logger: logger}); err == nil {
			t.Fatal("Expected error for missing message log, got nil")
		}
	})

	t.Run("negative ttl", func(t *testing.T) {
		_, err := New(Config{Logger: logger, Messages: messages, MessageTTL: -time.Second})
		if err == nil {
			t.Fatal("Expected error for negative ttl, got nil")
		}
	})

	t.Run("idle eviction shorter than ttl", func(t *testing.T) {
		_, err := New(Config{
			Logger:               logger,
			Messages:             messages,
			MessageTTL:           time.Minute,
			IdleIdentityEviction: time.Second,
		})
		if err == nil {
			t.Fatal("Expected error for idle eviction shorter than ttl, got nil")
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		b, err := New(Config{Logger: logger, Messages: messages})
		if err != nil {
			t.Fatalf("Expected defaults to apply, got error: %v", err)
		}
		defer b.Close()
		if got := b.MessageTTL(); got != DefaultMessageTTL {
			t.Errorf("MessageTTL = %v, want %v", got, DefaultMessageTTL)
		}
	})
}

func TestBroker_NameValidation(t *testing.T) {
	clock := newFakeClock(testStart)
	b := createTestBroker(t, clock)

	longIdentity := strings.Repeat("a", MaxIdentityBytes+1)
	longTopic := strings.Repeat("b", MaxTopicBytes+1)

	cases := []struct {
		name     string
		call     func() error
		wantKind string
	}{
		{
			name:     "subscribe empty identity",
			call:     func() error { _, err := b.Subscribe("", "news"); return err },
			wantKind: "identity",
		},
		{
			name:     "subscribe oversized identity",
			call:     func() error { _, err := b.Subscribe(longIdentity, "news"); return err },
			wantKind: "identity",
		},
		{
			name:     "subscribe identity with nul",
			call:     func() error { _, err := b.Subscribe("a\x00b", "news"); return err },
			wantKind: "identity",
		},
		{
			name:     "subscribe empty topic",
			call:     func() error { _, err := b.Subscribe("alice", ""); return err },
			wantKind: "topic",
		},
		{
			name:     "subscribe oversized topic",
			call:     func() error { _, err := b.Subscribe("alice", longTopic); return err },
			wantKind: "topic",
		},
		{
			name:     "publish empty topic",
			call:     func() error { _, err := b.Publish("", "payload"); return err },
			wantKind: "topic",
		},
		{
			name:     "publish topic with nul",
			call:     func() error { _, err := b.Publish("a\x00b", "payload"); return err },
			wantKind: "topic",
		},
		{
			name:     "unsubscribe empty identity",
			call:     func() error { _, err := b.Unsubscribe("", "news"); return err },
			wantKind: "identity",
		},
		{
			name:     "connect empty identity",
			call:     func() error { _, err := b.Connect("", newMockConn()); return err },
			wantKind: "identity",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			var invalid *ErrInvalidName
			if !errors.As(err, &invalid) {
				t.Fatalf("Expected ErrInvalidName, got %T: %v", err, err)
			}
			if invalid.Kind != tc.wantKind {
				t.Errorf("Kind = %q, want %q", invalid.Kind, tc.wantKind)
			}
		})
	}

	t.Run("names at the limit pass", func(t *testing.T) {
		maxIdentity := strings.Repeat("a", MaxIdentityBytes)
		maxTopic := strings.Repeat("b", MaxTopicBytes)
		if _, err := b.Subscribe(maxIdentity, maxTopic); err != nil {
			t.Fatalf("Subscribe with max-length names failed: %v", err)
		}
	})
}

func TestBroker_ClosedBrokerRejectsOperations(t *testing.T) {
	clock := newFakeClock(testStart)
	b := createTestBroker(t, clock)
	b.Close()

	if _, err := b.Publish("news", "flash"); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after close: err = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe("alice", "news"); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after close: err = %v, want ErrClosed", err)
	}
	if _, err := b.Unsubscribe("alice", "news"); !errors.Is(err, ErrClosed) {
		t.Errorf("Unsubscribe after close: err = %v, want ErrClosed", err)
	}
	if _, err := b.Connect("alice", newMockConn()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after close: err = %v, want ErrClosed", err)
	}

	// Disconnect and a second Close are silent no-ops.
	b.Disconnect("alice", "whatever")
	b.Close()
}

func TestBroker_CloseReleasesLiveConnections(t *testing.T) {
	clock := newFakeClock(testStart)
	b := createTestBroker(t, clock)

	conn := newMockConn()
	if _, err := b.Connect("alice", conn); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	b.Close()
	if !conn.wasClosed() {
		t.Error("Expected live connection to be closed with the broker")
	}
	if conn.wasSuperseded() {
		t.Error("Broker shutdown must not report connections as superseded")
	}
}

func TestBroker_IdentityCollision(t *testing.T) {
	clock := newFakeClock(testStart)
	b := createTestBroker(t, clock)

	if _, err := b.Subscribe("alice", "sports"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	first := newMockConn()
	firstID, err := b.Connect("alice", first)
	if err != nil {
		t.Fatalf("First connect failed: %v", err)
	}

	second := newMockConn()
	secondID, err := b.Connect("alice", second)
	if err != nil {
		t.Fatalf("Second connect failed: %v", err)
	}

	if !first.wasSuperseded() {
		t.Error("Expected first connection to be notified it was superseded")
	}
	if !first.wasClosed() {
		t.Error("Expected first connection to be closed")
	}
	if second.wasSuperseded() || second.wasClosed() {
		t.Error("Second connection must stay untouched")
	}

	stats, err := b.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.LiveConnections != 1 {
		t.Errorf("LiveConnections = %d, want 1", stats.LiveConnections)
	}

	clock.Advance(time.Second)
	if _, err := b.Publish("sports", "goal!"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := first.payloads(); len(got) != 0 {
		t.Errorf("Superseded connection received %v, want nothing", got)
	}
	if got := second.payloads(); len(got) != 1 || got[0] != "goal!" {
		t.Errorf("Second connection received %v, want [goal!]", got)
	}

	// A stale disconnect from the kicked session must not unseat the
	// replacement.
	b.Disconnect("alice", firstID)
	stats, err = b.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.LiveConnections != 1 {
		t.Errorf("LiveConnections after stale disconnect = %d, want 1", stats.LiveConnections)
	}

	b.Disconnect("alice", secondID)
	stats, err = b.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.LiveConnections != 0 {
		t.Errorf("LiveConnections after real disconnect = %d, want 0", stats.LiveConnections)
	}
}

func TestBroker_IdleIdentityReaped(t *testing.T) {
	clock := newFakeClock(testStart)
	b := createTestBroker(t, clock)

	if _, err := b.Subscribe("bob", "news"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// A message published shortly before the reap keeps the topic alive
	// without keeping the identity alive.
	clock.Advance(testIdleEviction - time.Second)
	if _, err := b.Publish("news", "x"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	clock.Advance(2 * time.Second)
	b.sweep()

	stats, err := b.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Identities != 0 {
		t.Errorf("Identities after reap = %d, want 0", stats.Identities)
	}
	if stats.Topics != 1 {
		t.Errorf("Topics after reap = %d, want 1 (message still retained)", stats.Topics)
	}

	// The name comes back as a stranger: fresh subscription, no backlog
	// inherited from the reaped generation.
	status, err := b.Subscribe("bob", "news")
	if err != nil {
		t.Fatalf("Resubscribe failed: %v", err)
	}
	if status != models.SubscriptionStatusSubscribed {
		t.Errorf("Resubscribe status = %q, want %q", status, models.SubscriptionStatusSubscribed)
	}

	conn := newMockConn()
	if _, err := b.Connect("bob", conn); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := conn.payloads(); len(got) != 0 {
		t.Errorf("Replayed %v to a post-reap subscriber, want nothing", got)
	}
}

func TestBroker_OfflineActivityDefersReap(t *testing.T) {
	clock := newFakeClock(testStart)
	b := createTestBroker(t, clock)

	if _, err := b.Subscribe("bob", "news"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	clock.Advance(testIdleEviction - 10*time.Second)
	if _, err := b.Subscribe("bob", "weather"); err != nil {
		t.Fatalf("Second subscribe failed: %v", err)
	}

	// Past the window measured from creation, inside it measured from
	// the last touch.
	clock.Advance(testIdleEviction - 10*time.Second)
	b.sweep()

	stats, err := b.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Identities != 1 {
		t.Errorf("Identities = %d, want 1 (touch should defer the reap)", stats.Identities)
	}

	clock.Advance(11 * time.Second)
	b.sweep()

	stats, err = b.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Identities != 0 {
		t.Errorf("Identities = %d, want 0 after the idle window truly passes", stats.Identities)
	}
}

func TestBroker_ConnectedIdentityNeverReaped(t *testing.T) {
	clock := newFakeClock(testStart)
	b := createTestBroker(t, clock)

	conn := newMockConn()
	if _, err := b.Connect("alice", conn); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := b.Subscribe("alice", "sports"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	clock.Advance(10 * testIdleEviction)
	b.sweep()

	stats, err := b.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Identities != 1 {
		t.Errorf("Identities = %d, want 1 (connected identities are never idle)", stats.Identities)
	}
	if stats.LiveConnections != 1 {
		t.Errorf("LiveConnections = %d, want 1", stats.LiveConnections)
	}
}

func TestBroker_Stats(t *testing.T) {
	clock := newFakeClock(testStart)
	b := createTestBroker(t, clock)

	if _, err := b.Subscribe("alice", "sports"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := b.Subscribe("bob", "news"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	conn := newMockConn()
	if _, err := b.Connect("alice", conn); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := b.Publish("news", "one"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := b.Publish("weather", "two"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	stats, err := b.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Topics != 3 {
		t.Errorf("Topics = %d, want 3", stats.Topics)
	}
	if stats.Identities != 2 {
		t.Errorf("Identities = %d, want 2", stats.Identities)
	}
	if stats.LiveConnections != 1 {
		t.Errorf("LiveConnections = %d, want 1", stats.LiveConnections)
	}
	if stats.RetainedMessages != 2 {
		t.Errorf("RetainedMessages = %d, want 2", stats.RetainedMessages)
	}
}

func TestBroker_ConcurrentTraffic(t *testing.T) {
	clock := newFakeClock(testStart)
	b := createTestBroker(t, clock)

	topics := []string{"alpha", "beta"}
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				topic := topics[j%len(topics)]
				if _, err := b.Publish(topic, fmt.Sprintf("p%d-%d", n, j)); err != nil {
					t.Errorf("Publish failed: %v", err)
					return
				}
			}
		}(i)
	}

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			identity := fmt.Sprintf("churner-%d", n)
			for j := 0; j < 25; j++ {
				topic := topics[j%len(topics)]
				if _, err := b.Subscribe(identity, topic); err != nil {
					t.Errorf("Subscribe failed: %v", err)
					return
				}
				conn := newMockConn()
				connID, err := b.Connect(identity, conn)
				if err != nil {
					t.Errorf("Connect failed: %v", err)
					return
				}
				b.Disconnect(identity, connID)
				if _, err := b.Unsubscribe(identity, topic); err != nil {
					t.Errorf("Unsubscribe failed: %v", err)
					return
				}
			}
		}(i)
	}

	wg.Wait()

	// After the churn a fresh subscriber still sees live traffic.
	if _, err := b.Subscribe("late", "alpha"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	conn := newMockConn()
	if _, err := b.Connect("late", conn); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := b.Publish("alpha", "sentinel"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := conn.payloads(); len(got) != 1 || got[0] != "sentinel" {
		t.Errorf("Late subscriber received %v, want [sentinel]", got)
	}
}
