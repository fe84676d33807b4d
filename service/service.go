package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/InsulaLabs/synap/broker"
	"github.com/InsulaLabs/synap/config"
	"github.com/InsulaLabs/synap/metrics"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

/*
	HTTP surface of the broker. Everything the broker can do is reachable
	here: batch publish, batch subscribe/unsubscribe, the status report,
	and the WebSocket stream that binds an identity to a live connection.
	The service owns no pub/sub state of its own; it validates, rate
	limits, and forwards to the broker.
*/

type Service struct {
	appCtx context.Context
	cfg    *config.Server
	logger *slog.Logger
	broker *broker.Broker
	mux    *http.ServeMux

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]

	wsUpgrader websocket.Upgrader

	// Live stream sessions are capped from config. The counter is
	// guarded by streamsLock; sessions release their slot on teardown.
	activeStreams int
	streamsLock   sync.Mutex

	stopOnce sync.Once
}

func New(
	ctx context.Context,
	logger *slog.Logger,
	cfg *config.Server,
	b *broker.Broker,
) (*Service, error) {

	if b == nil {
		return nil, fmt.Errorf("service requires a broker")
	}

	// Initialize rate limiters
	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	rlLogger := logger.With("component", "rate-limiter")

	makeCategoryRateLimiter := func() *ttlcache.Cache[string, *rate.Limiter] {
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute*1),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		return cache
	}

	if rlConfig := cfg.RateLimiters.Publish; rlConfig.Limit > 0 {
		rateLimiters["publish"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'publish'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.Control; rlConfig.Limit > 0 {
		rateLimiters["control"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'control'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.System; rlConfig.Limit > 0 {
		rateLimiters["system"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'system'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.Stream; rlConfig.Limit > 0 {
		rateLimiters["stream"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'stream'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.Default; rlConfig.Limit > 0 {
		rateLimiters["default"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'default'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}

	s := &Service{
		appCtx:       ctx,
		cfg:          cfg,
		logger:       logger,
		broker:       b,
		mux:          http.NewServeMux(),
		rateLimiters: rateLimiters,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				logger.Debug("WebSocket CheckOrigin called", "origin", r.Header.Get("Origin"), "host", r.Host)
				return true
			},
		},
	}

	s.mux.Handle("/ps/api/v1/publish", s.rateLimitMiddleware(http.HandlerFunc(s.publishHandler), "publish"))
	s.mux.Handle("/ps/api/v1/subscribe", s.rateLimitMiddleware(http.HandlerFunc(s.subscribeHandler), "control"))
	s.mux.Handle("/ps/api/v1/unsubscribe", s.rateLimitMiddleware(http.HandlerFunc(s.unsubscribeHandler), "control"))
	s.mux.Handle("/ps/api/v1/status", s.rateLimitMiddleware(http.HandlerFunc(s.statusHandler), "system"))
	s.mux.Handle("/ps/api/v1/stream", s.rateLimitMiddleware(http.HandlerFunc(s.streamHandler), "stream"))
	s.mux.Handle("/metrics", metrics.Handler())

	return s, nil
}

// Handler exposes the routed mux so tests and embedders can serve it
// without binding a socket.
func (s *Service) Handler() http.Handler {
	return s.mux
}

func (s *Service) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		s.logger.Debug("Could not split host and port from remote address", "remote_addr", r.RemoteAddr, "error", err)
		remoteIP = r.RemoteAddr
	}
	return remoteIP
}

func (s *Service) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCategory, ok := s.rateLimiters[category]
	if !ok {
		// Fallback to default if category not found, though this shouldn't happen with proper setup
		limiterCategory = s.rateLimiters["default"]
	}
	ip := s.getRemoteAddress(r)
	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		var rlConfig config.RateLimiterConfig
		switch category {
		case "publish":
			rlConfig = s.cfg.RateLimiters.Publish
		case "control":
			rlConfig = s.cfg.RateLimiters.Control
		case "system":
			rlConfig = s.cfg.RateLimiters.System
		case "stream":
			rlConfig = s.cfg.RateLimiters.Stream
		default:
			rlConfig = s.cfg.RateLimiters.Default
		}
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, time.Minute*1)
	}
	return limiterItem.Value()
}

func (s *Service) rateLimitMiddleware(next http.Handler, category string) http.Handler {

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.getRateLimiter(category, r)
		res := limiter.Reserve()
		// If there's a delay, the request is rate-limited.
		if delay := res.Delay(); delay > 0 {
			// We're not proceeding, so cancel the reservation to return the token.
			res.Cancel()
			s.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			// Set headers to inform the client about the rate limit.
			retryAfterSeconds := math.Ceil(delay.Seconds())
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfterSeconds))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Run serves until the application context is cancelled.
func (s *Service) Run() {
	httpListenAddr := s.cfg.HttpBinding
	useTLS := s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != ""
	s.logger.Info("Attempting to start server", "listen_addr", httpListenAddr, "tls_enabled", useTLS)

	srv := &http.Server{
		Addr:    httpListenAddr,
		Handler: s.mux,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server shutdown error", "error", err)
		}
	}()

	if useTLS {
		s.logger.Info("Starting HTTPS server", "cert", s.cfg.TLS.Cert, "key", s.cfg.TLS.Key)
		srv.TLSConfig = &tls.Config{}
		if err := srv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key); err != http.ErrServerClosed {
			s.logger.Error("HTTPS server error", "error", err)
		}
	} else {
		s.logger.Warn("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}

	s.Stop()
	s.logger.Info("Server stopped")
}

// Stop releases the rate limiter caches. Run calls it on the way out;
// embedders that never call Run must call it themselves. Safe to call
// more than once. Live stream sessions are owned by the broker and
// close when it does.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		for _, limiter := range s.rateLimiters {
			limiter.Stop()
		}
	})
}

// tryAcquireStream claims a stream slot, refusing when the configured
// connection cap is reached.
func (s *Service) tryAcquireStream() bool {
	s.streamsLock.Lock()
	defer s.streamsLock.Unlock()
	if s.activeStreams >= s.cfg.Sessions.MaxConnections {
		return false
	}
	s.activeStreams++
	return true
}

func (s *Service) releaseStream() {
	s.streamsLock.Lock()
	defer s.streamsLock.Unlock()
	if s.activeStreams > 0 {
		s.activeStreams--
	} else {
		s.logger.Warn("Attempted to decrement active stream count below zero")
	}
}
