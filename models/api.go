package models

import "time"

/*
	Payloads for the publish/subscribe HTTP API. Publish and the two
	subscription operations are batched on the wire: one request carries
	many messages or many topics, and the response reports a per-entry
	outcome so callers never have to guess which entry failed.
*/

// PublishEnvelope is a single message to publish, before the broker
// stamps it.
type PublishEnvelope struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

type PublishRequest struct {
	Messages []PublishEnvelope `json:"messages"`
}

// PublishReceipt reports the timestamp the broker assigned to one
// published message.
type PublishReceipt struct {
	Topic       string    `json:"topic"`
	PublishedAt time.Time `json:"published_at"`
}

type PublishResponse struct {
	Receipts []PublishReceipt `json:"receipts"`
}

// SubscribeRequest covers both subscribe and unsubscribe: an identity
// and the topics to (un)bind it from.
type SubscribeRequest struct {
	Identity string   `json:"identity"`
	Topics   []string `json:"topics"`
}

const (
	SubscriptionStatusSubscribed        = "subscribed"
	SubscriptionStatusAlreadySubscribed = "already_subscribed"
	SubscriptionStatusUnsubscribed      = "unsubscribed"
	SubscriptionStatusNotSubscribed     = "not_subscribed"
)

// SubscriptionResult is the per-topic outcome of a subscribe or
// unsubscribe request. Already-subscribed and not-subscribed are
// reported here rather than failing the request.
type SubscriptionResult struct {
	Topic  string `json:"topic"`
	Status string `json:"status"`
}

type SubscribeResponse struct {
	Results []SubscriptionResult `json:"results"`
}

// StatusResponse is the broker's self-report for the status endpoint.
type StatusResponse struct {
	StartedAt        time.Time `json:"started_at"`
	Uptime           string    `json:"uptime"`
	MessageTTL       string    `json:"message_ttl"`
	Topics           int       `json:"topics"`
	Identities       int       `json:"identities"`
	LiveConnections  int       `json:"live_connections"`
	RetainedMessages int       `json:"retained_messages"`
}

// ErrorResponse is the JSON body returned for any non-2xx API response.
type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

const (
	ErrorTypeValidation         = "VALIDATION"
	ErrorTypeBadRequest         = "BAD_REQUEST"
	ErrorTypeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrorTypeTooManyConnections = "TOO_MANY_CONNECTIONS"
	ErrorTypeInternal           = "INTERNAL"
)
