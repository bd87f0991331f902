package webhook

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/hookrelay/internal/config"
	"github.com/mattjoyce/hookrelay/internal/event"
	"github.com/mattjoyce/hookrelay/internal/format"
)

// Server represents the webhook HTTP server.
type Server struct {
	config  config.Config
	sender  Sender
	logger  *slog.Logger
	server  *http.Server
	limiter *rateLimiter
	started time.Time

	tlsConfig *tls.Config
}

// Option customizes a Server.
type Option func(*Server)

// WithTLS serves HTTPS using tlsConfig, which must carry certificates or a
// GetCertificate callback.
func WithTLS(tlsConfig *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = tlsConfig }
}

// New creates a new webhook server instance. cfg is copied and never modified.
func New(cfg config.Config, sender Sender, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = config.DefaultSignatureHeader
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = config.DefaultMaxBodySize
	}
	if cfg.Matrix.DeliveryTimeout <= 0 {
		cfg.Matrix.DeliveryTimeout = config.DefaultDeliveryTimeout
	}

	s := &Server{
		config:  cfg,
		sender:  sender,
		logger:  logger,
		started: time.Now(),
	}
	if cfg.RateLimitPerMin > 0 {
		s.limiter = newRateLimiter(cfg.RateLimitPerMin)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		TLSConfig:    s.tlsConfig,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.config.Matrix.DeliveryTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting",
		"listen", s.config.Listen,
		"channels", len(s.config.Channels),
		"tls", s.tlsConfig != nil,
	)

	// Run server in goroutine
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.tlsConfig != nil {
			err = s.server.ListenAndServeTLS("", "")
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler with the full middleware stack.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if s.config.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "unknown route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Post("/", s.handleWebhook)
		r.Post("/{path}", s.handleWebhook)
	})

	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Channels:      len(s.config.Channels),
	})
}

// handleWebhook relays one hook delivery: route, read, verify, parse,
// format, send.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := chi.URLParam(r, "path")
	logger := s.logger.With("request_id", middleware.GetReqID(ctx), "channel", path)

	// Resolve the room before touching the body
	room, ok := s.config.Channels[config.NormalizeChannelPath(path)]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown route")
		return
	}

	// Enforce body size limit
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodyBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodyBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(s.config.SignatureHeader)
	if err := verifySignature(body, signature, s.config.Secret); err != nil {
		logger.Warn("webhook signature rejected",
			"header", s.config.SignatureHeader,
			"signature_present", signature != "",
		)
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	payload, err := event.Parse(body)
	if err != nil {
		logger.Warn("webhook payload rejected", "error", err)
		respondError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	logger.Debug("webhook payload decoded", "keys", payload.Keys, "event", r.Header.Get("X-Gogs-Event"))

	if !payload.Recognized() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	for _, perr := range payload.Errors {
		logger.Warn("webhook event variant invalid", "error", perr)
	}
	if len(payload.Errors) == len(payload.Keys) {
		details := make([]string, 0, len(payload.Errors))
		for _, perr := range payload.Errors {
			details = append(details, perr.Error())
		}
		respondJSON(w, http.StatusUnprocessableEntity, InvalidPayloadResponse{
			Error:   "invalid payload",
			Details: details,
		})
		return
	}

	messages := format.Render(payload)
	if len(messages) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	text := format.Join(messages)
	logger.Debug("relaying message", "room", room, "messages", len(messages), "text", text)

	// The delivery deadline keeps a stalled homeserver from outliving the
	// listener's write timeout.
	sendCtx, cancel := context.WithTimeout(ctx, s.config.Matrix.DeliveryTimeout)
	defer cancel()
	if err := s.sender.Send(sendCtx, room, text); err != nil {
		logger.Error("message delivery failed", "room", room, "error", err)
		respondError(w, http.StatusBadGateway, "delivery failed")
		return
	}

	logger.Info("message relayed", "room", room, "messages", len(messages))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
