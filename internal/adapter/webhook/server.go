// Package webhook is the HTTP listener that turns authenticated Buildkite
// webhook notifications into on-demand polls. It also serves health,
// status and metrics endpoints.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agent-spawner/internal/domain"
	"agent-spawner/internal/infra/middleware"
	"agent-spawner/internal/usecase/poller"
)

// Request headers sent by Buildkite webhooks.
const (
	HeaderToken = "X-Buildkite-Token"
	HeaderEvent = "X-Buildkite-Event"
)

const (
	// maxBodySize caps how much of a notification body is drained.
	maxBodySize = 1 << 20

	defaultPath = "/webhook"
)

// Trigger receives on-demand poll requests.
type Trigger interface {
	RequestPoll()
}

// StatusSource reports poller state for /status and /metrics.
type StatusSource interface {
	Status() poller.Status
}

// Config holds configuration for the Server.
type Config struct {
	Addr           string
	Path           string
	Token          string
	RequestsPerMin int
	Burst          int
	TrustedProxies []string
}

// Server is the webhook listener.
type Server struct {
	config    Config
	trigger   Trigger
	status    StatusSource
	auth      *TokenAuth
	metrics   *Metrics
	logger    *slog.Logger
	startTime time.Time

	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates a webhook listener.
func NewServer(cfg Config, trigger Trigger, status StatusSource, logger *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	return &Server{
		config:    cfg,
		trigger:   trigger,
		status:    status,
		auth:      NewTokenAuth(cfg.Token),
		metrics:   &Metrics{},
		logger:    logger,
		startTime: time.Now(),
	}
}

// Metrics returns the listener's counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler builds the router. ctx bounds the rate limiter's cleanup goroutine.
func (s *Server) Handler(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.SecurityHeaders)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", metricsHandler(s.status, s.metrics, s.startTime))

	r.Group(func(r chi.Router) {
		if s.config.RequestsPerMin > 0 {
			r.Use(middleware.RateLimit(ctx, middleware.RateLimitConfig{
				RequestsPerMin: s.config.RequestsPerMin,
				BurstSize:      s.config.Burst,
				TrustedProxies: s.config.TrustedProxies,
				OnLimited: func(ip string) {
					s.metrics.RateLimited.Add(1)
					err := domain.NewSubSystemError("webhook", "Webhook.Serve", domain.ErrLimitReached, ip)
					s.logger.Warn("webhook rate limited", "ip", ip, "code", domain.ErrorCodeOf(err))
				},
			}))
		}
		r.Post(s.config.Path, s.handleWebhook)
	})
	return r
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("webhook listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	s.logger.Info("webhook listener started", "addr", s.boundAddr, "path", s.config.Path)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	s.metrics.Received.Add(1)
	io.Copy(io.Discard, io.LimitReader(r.Body, maxBodySize))

	if err := s.auth.Authenticate(r.Header.Get(HeaderToken)); err != nil {
		s.metrics.AuthFailures.Add(1)
		s.logger.Warn("webhook rejected",
			"ip", middleware.ClientIP(r, s.config.TrustedProxies),
			"error", err,
			"code", domain.ErrorCodeOf(err))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	event := r.Header.Get(HeaderEvent)
	if event == "ping" {
		s.metrics.Pings.Add(1)
		s.logger.Info("webhook ping received")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	s.metrics.Triggers.Add(1)
	s.logger.Debug("webhook event; requesting poll", "event", event)
	s.trigger.RequestPoll()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
