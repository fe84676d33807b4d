package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/synap/broker"
	"github.com/InsulaLabs/synap/config"
	"github.com/InsulaLabs/synap/models"
	"github.com/InsulaLabs/synap/service"
	"github.com/InsulaLabs/synap/store"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createTestServer(t *testing.T, mutate func(cfg *config.Server)) *httptest.Server {
	t.Helper()

	logger := testLogger()

	messages, err := store.New(store.Config{
		Logger:         logger,
		BadgerLogLevel: slog.LevelError,
	})
	require.NoError(t, err)
	t.Cleanup(func() { messages.Close() })

	b, err := broker.New(broker.Config{
		Logger:        logger,
		Messages:      messages,
		MessageTTL:    10 * time.Second,
		SweepInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	cfg := &config.Server{
		HttpBinding: "127.0.0.1:0",
		RateLimiters: config.RateLimiters{
			Publish: config.RateLimiterConfig{Limit: 1000, Burst: 1000},
			Control: config.RateLimiterConfig{Limit: 1000, Burst: 1000},
			System:  config.RateLimiterConfig{Limit: 1000, Burst: 1000},
			Stream:  config.RateLimiterConfig{Limit: 1000, Burst: 1000},
			Default: config.RateLimiterConfig{Limit: 1000, Burst: 1000},
		},
		Sessions: config.SessionsConfig{
			SendBufferSize:           64,
			WebSocketReadBufferSize:  1024,
			WebSocketWriteBufferSize: 1024,
			MaxConnections:           32,
		},
		Logging: config.Logging{Level: "error"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	svc, err := service.New(context.Background(), logger, cfg, b)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	ts := httptest.NewTLSServer(svc.Handler())
	t.Cleanup(ts.Close)

	return ts
}

func createTestClient(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()

	c, err := NewClient(&Config{
		HostPort:   strings.TrimPrefix(ts.URL, "https://"),
		SkipVerify: true,
		Timeout:    5 * time.Second,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	return c
}

func waitForMessage(t *testing.T, ch <-chan models.Message) models.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a stream message")
		return models.Message{}
	}
}

func waitForError(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the stream to finish")
		return nil
	}
}

func TestNewClient_Validation(t *testing.T) {
	t.Run("empty host port", func(t *testing.T) {
		_, err := NewClient(&Config{Logger: testLogger()})
		require.Error(t, err)
	})

	t.Run("host port without port", func(t *testing.T) {
		_, err := NewClient(&Config{HostPort: "localhost", Logger: testLogger()})
		require.Error(t, err)
	})

	t.Run("https enforced", func(t *testing.T) {
		c, err := NewClient(&Config{HostPort: "localhost:8080", Logger: testLogger()})
		require.NoError(t, err)
		require.Equal(t, "https", c.baseURL.Scheme)
	})

	t.Run("client domain preferred", func(t *testing.T) {
		c, err := NewClient(&Config{
			HostPort:     "10.0.0.5:8080",
			ClientDomain: "broker.example.com",
			Logger:       testLogger(),
		})
		require.NoError(t, err)
		require.Equal(t, "broker.example.com:8080", c.baseURL.Host)
	})
}

func TestClient_PublishSubscribeRoundTrip(t *testing.T) {
	ts := createTestServer(t, nil)
	c := createTestClient(t, ts)

	results, err := c.Subscribe("walt", "updates", "alerts")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		require.Equal(t, models.SubscriptionStatusSubscribed, res.Status)
	}

	receipt, err := c.Publish("updates", "hello")
	require.NoError(t, err)
	require.Equal(t, "updates", receipt.Topic)
	require.False(t, receipt.PublishedAt.IsZero())

	receipts, err := c.PublishBatch([]models.PublishEnvelope{
		{Topic: "updates", Payload: "again"},
		{Topic: "alerts", Payload: "fire"},
	})
	require.NoError(t, err)
	require.Len(t, receipts, 2)

	status, err := c.Status()
	require.NoError(t, err)
	require.Equal(t, 2, status.Topics)
	require.Equal(t, 1, status.Identities)
	require.Equal(t, 3, status.RetainedMessages)
	require.Equal(t, "10s", status.MessageTTL)

	results, err = c.Unsubscribe("walt", "alerts", "nonexistent")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, models.SubscriptionStatusUnsubscribed, results[0].Status)
	require.Equal(t, models.SubscriptionStatusNotSubscribed, results[1].Status)
}

func TestClient_ServerErrorsSurfaced(t *testing.T) {
	ts := createTestServer(t, nil)
	c := createTestClient(t, ts)

	_, err := c.PublishBatch([]models.PublishEnvelope{{Topic: "", Payload: "x"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), models.ErrorTypeValidation)

	_, err = c.Subscribe("", "topic")
	require.Error(t, err)

	_, err = c.PublishBatch(nil)
	require.Error(t, err)
}

func TestClient_Stream(t *testing.T) {
	ts := createTestServer(t, nil)
	c := createTestClient(t, ts)

	_, err := c.Subscribe("walt", "updates")
	require.NoError(t, err)

	_, err = c.PublishBatch([]models.PublishEnvelope{
		{Topic: "updates", Payload: "one"},
		{Topic: "updates", Payload: "two"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan models.Message, 8)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- c.Stream(ctx, "walt", func(msg models.Message) {
			received <- msg
		})
	}()

	// The backlog arrives first, in publish order, then live messages.
	require.Equal(t, "one", waitForMessage(t, received).Payload)
	require.Equal(t, "two", waitForMessage(t, received).Payload)

	_, err = c.Publish("updates", "three")
	require.NoError(t, err)
	msg := waitForMessage(t, received)
	require.Equal(t, "three", msg.Payload)
	require.Equal(t, "updates", msg.Topic)

	cancel()
	require.ErrorIs(t, waitForError(t, streamErr), context.Canceled)
}

func TestClient_StreamSuperseded(t *testing.T) {
	ts := createTestServer(t, nil)
	c := createTestClient(t, ts)

	_, err := c.Subscribe("kim", "cases")
	require.NoError(t, err)

	firstCtx, firstCancel := context.WithCancel(context.Background())
	defer firstCancel()

	firstReceived := make(chan models.Message, 8)
	firstErr := make(chan error, 1)
	go func() {
		firstErr <- c.Stream(firstCtx, "kim", func(msg models.Message) {
			firstReceived <- msg
		})
	}()

	// Receiving a message proves the first stream is fully connected.
	_, err = c.Publish("cases", "opening")
	require.NoError(t, err)
	require.Equal(t, "opening", waitForMessage(t, firstReceived).Payload)

	secondCtx, secondCancel := context.WithCancel(context.Background())
	defer secondCancel()

	secondReceived := make(chan models.Message, 8)
	secondErr := make(chan error, 1)
	go func() {
		secondErr <- c.Stream(secondCtx, "kim", func(msg models.Message) {
			secondReceived <- msg
		})
	}()

	require.ErrorIs(t, waitForError(t, firstErr), ErrSuperseded)

	_, err = c.Publish("cases", "closing")
	require.NoError(t, err)
	require.Equal(t, "closing", waitForMessage(t, secondReceived).Payload)

	secondCancel()
	require.ErrorIs(t, waitForError(t, secondErr), context.Canceled)
}

func TestClient_RateLimited(t *testing.T) {
	ts := createTestServer(t, func(cfg *config.Server) {
		cfg.RateLimiters.Publish = config.RateLimiterConfig{Limit: 1, Burst: 1}
	})
	c := createTestClient(t, ts)

	_, err := c.Publish("quota", "first")
	require.NoError(t, err)

	_, err = c.Publish("quota", "second")
	require.Error(t, err)

	var rateLimited *ErrRateLimited
	require.ErrorAs(t, err, &rateLimited)
	require.Greater(t, rateLimited.RetryAfter, time.Duration(0))
}

func TestWithRetries(t *testing.T) {
	t.Run("retries after rate limit", func(t *testing.T) {
		calls := 0
		result, err := WithRetries(context.Background(), testLogger(), func() (string, error) {
			calls++
			if calls == 1 {
				return "", &ErrRateLimited{RetryAfter: 10 * time.Millisecond}
			}
			return "done", nil
		})
		require.NoError(t, err)
		require.Equal(t, "done", result)
		require.Equal(t, 2, calls)
	})

	t.Run("other errors short-circuit", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		_, err := WithRetries(context.Background(), testLogger(), func() (string, error) {
			calls++
			return "", boom
		})
		require.ErrorIs(t, err, boom)
		require.Equal(t, 1, calls)
	})

	t.Run("cancellation interrupts the sleep", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := WithRetries(ctx, testLogger(), func() (string, error) {
			return "", &ErrRateLimited{RetryAfter: time.Hour}
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}
