package service

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/InsulaLabs/synap/broker"
	"github.com/InsulaLabs/synap/models"
)

func (s *Service) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Could not write response body", "error", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, errorType, message string) {
	s.writeJSON(w, status, models.ErrorResponse{
		ErrorType: errorType,
		Message:   message,
	})
}

// writeBrokerError maps a broker error onto the API error payload.
func (s *Service) writeBrokerError(w http.ResponseWriter, err error) {
	var invalid *broker.ErrInvalidName
	if errors.As(err, &invalid) {
		s.writeError(w, http.StatusBadRequest, models.ErrorTypeValidation, invalid.Error())
		return
	}
	if errors.Is(err, broker.ErrClosed) {
		s.writeError(w, http.StatusServiceUnavailable, models.ErrorTypeInternal, "broker is shutting down")
		return
	}
	s.logger.Error("Broker operation failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, models.ErrorTypeInternal, http.StatusText(http.StatusInternalServerError))
}

// decodeBody reads and unmarshals a JSON request body into target,
// writing the error response itself when the body is unusable.
func (s *Service) decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	defer r.Body.Close()
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error("Could not read request body", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusBadRequest, models.ErrorTypeBadRequest, "could not read request body")
		return false
	}
	if err := json.Unmarshal(bodyBytes, target); err != nil {
		s.logger.Error("Invalid JSON payload", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusBadRequest, models.ErrorTypeBadRequest, "invalid JSON payload: "+err.Error())
		return false
	}
	return true
}

func (s *Service) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		s.writeError(w, http.StatusMethodNotAllowed, models.ErrorTypeMethodNotAllowed, "method not allowed: "+r.Method)
		return false
	}
	return true
}

/*
	Publish is batched: one request may carry many messages, each is
	stamped and fanned out independently, and the response lists one
	receipt per message in request order. Validation is all-or-nothing;
	a single bad entry fails the request before anything is published.
*/

func (s *Service) publishHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}

	var req models.PublishRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, models.ErrorTypeValidation, "publish request carries no messages")
		return
	}
	for _, m := range req.Messages {
		if err := broker.ValidateTopic(m.Topic); err != nil {
			s.writeError(w, http.StatusBadRequest, models.ErrorTypeValidation, err.Error())
			return
		}
	}

	receipts := make([]models.PublishReceipt, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg, err := s.broker.Publish(m.Topic, m.Payload)
		if err != nil {
			s.writeBrokerError(w, err)
			return
		}
		receipts = append(receipts, models.PublishReceipt{
			Topic:       msg.Topic,
			PublishedAt: msg.PublishedAt,
		})
	}

	s.writeJSON(w, http.StatusOK, models.PublishResponse{Receipts: receipts})
}

// subscriptionRequest validates the shared shape of subscribe and
// unsubscribe payloads before any topic is touched.
func (s *Service) subscriptionRequest(w http.ResponseWriter, r *http.Request) (models.SubscribeRequest, bool) {
	var req models.SubscribeRequest
	if !s.decodeBody(w, r, &req) {
		return req, false
	}
	if err := broker.ValidateIdentity(req.Identity); err != nil {
		s.writeError(w, http.StatusBadRequest, models.ErrorTypeValidation, err.Error())
		return req, false
	}
	if len(req.Topics) == 0 {
		s.writeError(w, http.StatusBadRequest, models.ErrorTypeValidation, "request carries no topics")
		return req, false
	}
	for _, topic := range req.Topics {
		if err := broker.ValidateTopic(topic); err != nil {
			s.writeError(w, http.StatusBadRequest, models.ErrorTypeValidation, err.Error())
			return req, false
		}
	}
	return req, true
}

func (s *Service) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}

	req, ok := s.subscriptionRequest(w, r)
	if !ok {
		return
	}

	results := make([]models.SubscriptionResult, 0, len(req.Topics))
	for _, topic := range req.Topics {
		status, err := s.broker.Subscribe(req.Identity, topic)
		if err != nil {
			s.writeBrokerError(w, err)
			return
		}
		results = append(results, models.SubscriptionResult{Topic: topic, Status: status})
	}

	s.writeJSON(w, http.StatusOK, models.SubscribeResponse{Results: results})
}

func (s *Service) unsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}

	req, ok := s.subscriptionRequest(w, r)
	if !ok {
		return
	}

	// Not-subscribed comes back as a per-topic status, never a failure.
	results := make([]models.SubscriptionResult, 0, len(req.Topics))
	for _, topic := range req.Topics {
		status, err := s.broker.Unsubscribe(req.Identity, topic)
		if err != nil {
			s.writeBrokerError(w, err)
			return
		}
		results = append(results, models.SubscriptionResult{Topic: topic, Status: status})
	}

	s.writeJSON(w, http.StatusOK, models.SubscribeResponse{Results: results})
}

func (s *Service) statusHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := s.broker.Stats()
	if err != nil {
		s.logger.Error("Could not gather broker stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, models.ErrorTypeInternal, http.StatusText(http.StatusInternalServerError))
		return
	}

	startedAt := s.broker.StartedAt()
	s.writeJSON(w, http.StatusOK, models.StatusResponse{
		StartedAt:        startedAt,
		Uptime:           time.Since(startedAt).Round(time.Second).String(),
		MessageTTL:       s.broker.MessageTTL().String(),
		Topics:           stats.Topics,
		Identities:       stats.Identities,
		LiveConnections:  stats.LiveConnections,
		RetainedMessages: stats.RetainedMessages,
	})
}
