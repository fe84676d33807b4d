package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/InsulaLabs/synap/models"
	"github.com/gorilla/websocket"
)

const (
	defaultTimeout   = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

var (
	// ErrSuperseded is returned by Stream when the server closed the
	// stream because the identity connected somewhere else.
	ErrSuperseded = errors.New("identity claimed by another connection")
)

// ErrRateLimited carries the server's Retry-After hint so callers (and
// withRetries) can sleep exactly as long as asked.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

type Config struct {
	HostPort     string
	ClientDomain string
	SkipVerify   bool
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Client is the API client for the synap service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	skipVerify bool
	logger     *slog.Logger
}

// NewClient creates a new synap API client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.HostPort == "" {
		return nil, fmt.Errorf("hostPort cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clientLogger := cfg.Logger.WithGroup("synap_client")

	// HostPort might be IP:port or domain:port.
	host, port, err := net.SplitHostPort(cfg.HostPort)
	if err != nil {
		clientLogger.Error("Failed to parse HostPort", "hostPort", cfg.HostPort, "error", err)
		return nil, fmt.Errorf("failed to parse HostPort '%s': %w", cfg.HostPort, err)
	}

	// Prefer ClientDomain for the connection URL host so certificate
	// verification matches what the server presents.
	if cfg.ClientDomain != "" {
		host = cfg.ClientDomain
		clientLogger.Debug("Using ClientDomain for connection URL host", "domain", cfg.ClientDomain)
	}

	// We ENFORCE HTTPS - NEVER PERMIT HTTP
	baseURLStr := fmt.Sprintf("https://%s", net.JoinHostPort(host, port))
	baseURL, err := url.Parse(baseURLStr)
	if err != nil {
		clientLogger.Error("Failed to parse base URL", "url", baseURLStr, "error", err)
		return nil, fmt.Errorf("failed to parse base URL '%s': %w", baseURLStr, err)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.SkipVerify,
			},
		},
		Timeout: cfg.Timeout,
	}

	clientLogger.Debug("Synap client initialized", "base_url", baseURL.String(), "tls_skip_verify", cfg.SkipVerify)

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		skipVerify: cfg.SkipVerify,
		logger:     clientLogger,
	}, nil
}

// internal request helper
func (c *Client) doRequest(method, path string, queryParams map[string]string, body interface{}, target interface{}) error {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(queryParams) > 0 {
		q := reqURL.Query()
		for k, v := range queryParams {
			q.Set(k, v)
		}
		reqURL.RawQuery = q.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		reqBodyBytes, err := json.Marshal(body)
		if err != nil {
			c.logger.Error("Failed to marshal request body", "path", path, "method", method, "error", err)
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(reqBodyBytes)
	}

	req, err := http.NewRequest(method, reqURL.String(), reqBody)
	if err != nil {
		c.logger.Error("Failed to create new HTTP request", "method", method, "url", reqURL.String(), "error", err)
		return fmt.Errorf("failed to create request %s %s: %w", method, reqURL.String(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Sending request", "method", method, "url", reqURL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "method", method, "url", reqURL.String(), "error", err)
		return fmt.Errorf("http request %s %s failed: %w", method, reqURL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Second
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		c.logger.Warn("Request rate limited", "method", method, "url", reqURL.String(), "retry_after", retryAfter)
		return &ErrRateLimited{RetryAfter: retryAfter}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Received non-2xx status code", "method", method, "url", reqURL.String(), "status_code", resp.StatusCode)

		// Attempt to read error body for more details
		var errorResp models.ErrorResponse
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr == nil {
			if jsonErr := json.Unmarshal(bodyBytes, &errorResp); jsonErr == nil {
				return fmt.Errorf("server error (status %d): %s - %s", resp.StatusCode, errorResp.ErrorType, errorResp.Message)
			}
		}
		// Fallback if error body can't be parsed or isn't JSON
		return fmt.Errorf("server returned status %d for %s %s", resp.StatusCode, method, reqURL.String())
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			c.logger.Error("Failed to decode response body", "method", method, "url", reqURL.String(), "error", err)
			return fmt.Errorf("failed to decode response body for %s %s: %w", method, reqURL.String(), err)
		}
	}
	return nil
}

// --- Publish Operations ---

// Publish sends a single message and returns the broker's receipt.
func (c *Client) Publish(topic, payload string) (models.PublishReceipt, error) {
	receipts, err := c.PublishBatch([]models.PublishEnvelope{{Topic: topic, Payload: payload}})
	if err != nil {
		return models.PublishReceipt{}, err
	}
	if len(receipts) != 1 {
		return models.PublishReceipt{}, fmt.Errorf("expected one receipt, got %d", len(receipts))
	}
	return receipts[0], nil
}

// PublishBatch sends many messages in one request. Receipts come back
// in request order.
func (c *Client) PublishBatch(messages []models.PublishEnvelope) ([]models.PublishReceipt, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("messages slice cannot be empty for PublishBatch")
	}
	var resp models.PublishResponse
	err := c.doRequest(http.MethodPost, "/ps/api/v1/publish", nil, models.PublishRequest{Messages: messages}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Receipts, nil
}

// --- Subscription Operations ---

// Subscribe binds the identity to the given topics and reports the
// per-topic outcome.
func (c *Client) Subscribe(identity string, topics ...string) ([]models.SubscriptionResult, error) {
	return c.subscription("/ps/api/v1/subscribe", identity, topics)
}

// Unsubscribe removes the identity's subscriptions to the given topics.
// Topics the identity never subscribed to come back as not_subscribed
// rather than failing.
func (c *Client) Unsubscribe(identity string, topics ...string) ([]models.SubscriptionResult, error) {
	return c.subscription("/ps/api/v1/unsubscribe", identity, topics)
}

func (c *Client) subscription(path, identity string, topics []string) ([]models.SubscriptionResult, error) {
	if identity == "" {
		return nil, fmt.Errorf("identity cannot be empty")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("topics cannot be empty")
	}
	var resp models.SubscribeResponse
	err := c.doRequest(http.MethodPost, path, nil, models.SubscribeRequest{Identity: identity, Topics: topics}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// --- System Operations ---

// Status fetches the broker's self-report.
func (c *Client) Status() (models.StatusResponse, error) {
	var resp models.StatusResponse
	err := c.doRequest(http.MethodGet, "/ps/api/v1/status", nil, nil, &resp)
	if err != nil {
		return models.StatusResponse{}, err
	}
	return resp, nil
}

// --- Streaming ---

// Stream connects the identity's live message stream and hands every
// received message to onMessage, in the order the server sends them.
// It blocks until the context is cancelled, the connection drops, or
// the server closes the stream; ErrSuperseded reports that another
// connection claimed the identity.
func (c *Client) Stream(ctx context.Context, identity string, onMessage func(models.Message)) error {
	if identity == "" {
		return fmt.Errorf("identity cannot be empty")
	}

	wsURL := url.URL{
		Scheme: "wss",
		Host:   c.baseURL.Host,
		Path:   "/ps/api/v1/stream",
	}
	query := wsURL.Query()
	query.Set("identity", identity)
	wsURL.RawQuery = query.Encode()

	c.logger.Info("Connecting to message stream", "url", wsURL.String(), "identity", identity)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.skipVerify,
		},
	}

	conn, resp, err := dialer.Dial(wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			c.logger.Error("Stream dial error with response", "url", wsURL.String(), "status", resp.Status, "error", err)
			return fmt.Errorf("failed to dial stream %s (status: %s): %w", wsURL.String(), resp.Status, err)
		}
		c.logger.Error("Stream dial error", "url", wsURL.String(), "error", err)
		return fmt.Errorf("failed to dial stream %s: %w", wsURL.String(), err)
	}
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		c.logger.Debug("Received pong from server")
		return nil
	})

	// Periodically ping the server so proxies and the server itself
	// never close the stream for inactivity. On cancellation, tell the
	// server we are leaving; its close response unblocks the read loop.
	go func() {
		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.logger.Debug("Sending ping to server")
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.logger.Debug("Error sending ping", "error", err)
					return
				}
			case <-ctx.Done():
				c.logger.Debug("Context cancelled, closing stream")
				err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				if err != nil {
					c.logger.Debug("Error sending close message during stream shutdown", "error", err)
					conn.Close()
				}
				return
			}
		}
	}()

	c.logger.Info("Connected to message stream", "identity", identity)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, models.CloseCodeSuperseded) {
				c.logger.Warn("Stream superseded by another connection", "identity", identity)
				return ErrSuperseded
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("Stream closed by server", "identity", identity)
				return nil
			}
			c.logger.Error("Error reading from stream", "identity", identity, "error", err)
			return fmt.Errorf("stream read failed: %w", err)
		}

		var msg models.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to unmarshal stream message", "error", err, "message", string(message))
			continue
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}
