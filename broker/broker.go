package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/InsulaLabs/synap/metrics"
	"github.com/InsulaLabs/synap/store"
)

/*
	Package broker is the pub/sub core: identities and their single live
	connection, topics and their subscribers, TTL-bounded retention, and
	the replay that reconciles what was published with what each
	subscriber has already seen. Transports stay outside; they hand the
	broker a Conn and call Publish, Subscribe, Unsubscribe, Connect and
	Disconnect.

	Locking: b.mu guards the topic directory and the identity registry;
	each topic carries its own mutex for its subscriber table and
	timeline watermark. The only permitted nesting is topic lock first,
	then b.mu. Log calls may happen under either.
*/

const (
	DefaultMessageTTL    = 10 * time.Second
	DefaultSweepInterval = time.Second

	// DefaultIdleIdentityEviction is how long an identity may sit
	// offline before the sweeper forgets it and its subscriptions.
	DefaultIdleIdentityEviction = 24 * time.Hour
)

type Config struct {
	Logger   *slog.Logger
	Clock    Clock
	Messages store.Log

	// MessageTTL is the server-wide retention window applied to every
	// published message.
	MessageTTL time.Duration

	// IdleIdentityEviction must be at least MessageTTL; reaping an
	// identity before its backlog window closes would quietly break
	// replay for a returning subscriber.
	IdleIdentityEviction time.Duration

	SweepInterval time.Duration
}

type Broker struct {
	logger   *slog.Logger
	clock    Clock
	messages store.Log

	ttl           time.Duration
	idleEviction  time.Duration
	sweepInterval time.Duration

	mu         sync.Mutex
	topics     map[string]*topicState
	identities map[string]*identityState

	startedAt time.Time
	done      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
}

func New(config Config) (*Broker, error) {
	if config.Messages == nil {
		return nil, fmt.Errorf("broker requires a message log")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = SystemClock()
	}
	if config.MessageTTL == 0 {
		config.MessageTTL = DefaultMessageTTL
	}
	if config.MessageTTL < 0 {
		return nil, fmt.Errorf("message ttl must be positive, got %v", config.MessageTTL)
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.SweepInterval < 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %v", config.SweepInterval)
	}
	if config.IdleIdentityEviction == 0 {
		config.IdleIdentityEviction = DefaultIdleIdentityEviction
	}
	if config.IdleIdentityEviction < config.MessageTTL {
		return nil, fmt.Errorf(
			"idle identity eviction (%v) must not be shorter than the message ttl (%v)",
			config.IdleIdentityEviction, config.MessageTTL,
		)
	}

	b := &Broker{
		logger:        config.Logger.WithGroup("broker"),
		clock:         config.Clock,
		messages:      config.Messages,
		ttl:           config.MessageTTL,
		idleEviction:  config.IdleIdentityEviction,
		sweepInterval: config.SweepInterval,
		topics:        make(map[string]*topicState),
		identities:    make(map[string]*identityState),
		done:          make(chan struct{}),
	}
	b.startedAt = b.clock.Now()

	b.wg.Add(1)
	go b.sweepLoop()

	b.logger.Info("broker up",
		"ttl", b.ttl,
		"sweep_interval", b.sweepInterval,
		"idle_eviction", b.idleEviction,
	)
	return b, nil
}

func (b *Broker) isClosed() bool {
	return b.closed.Load()
}

// MessageTTL reports the retention window.
func (b *Broker) MessageTTL() time.Duration { return b.ttl }

// StartedAt reports when the broker came up.
func (b *Broker) StartedAt() time.Time { return b.startedAt }

// Close stops the sweeper and closes every live connection. Further
// operations return ErrClosed. The message log belongs to the caller
// and stays open.
func (b *Broker) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	close(b.done)
	b.wg.Wait()

	b.mu.Lock()
	var live []*connection
	for _, id := range b.identities {
		if id.live != nil {
			live = append(live, id.live)
			id.live = nil
			id.detachedAt = b.clock.Now()
		}
	}
	b.mu.Unlock()

	for _, c := range live {
		c.conn.Close()
	}
	if len(live) > 0 {
		metrics.ConnectionsActive.Sub(float64(len(live)))
	}
	b.logger.Info("broker closed", "connections_closed", len(live))
}

// Stats is a point-in-time census for the status endpoint.
type Stats struct {
	Topics           int
	Identities       int
	LiveConnections  int
	RetainedMessages int
}

func (b *Broker) Stats() (Stats, error) {
	retained, err := b.messages.RetainedCount(b.clock.Now())
	if err != nil {
		return Stats{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Topics:           len(b.topics),
		Identities:       len(b.identities),
		RetainedMessages: retained,
	}
	for _, id := range b.identities {
		if id.live != nil {
			s.LiveConnections++
		}
	}
	return s, nil
}
