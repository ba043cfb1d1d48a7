// Package hostlink is the HTTP link between the bridge and the native
// host. The host reports lifecycle changes and scan results over signed
// POSTs and receives launch requests over a signed event stream.
package hostlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/docbridge/internal/host"
	"github.com/mattjoyce/docbridge/internal/lifecycle"
	"github.com/mattjoyce/docbridge/internal/protocol"
	"github.com/mattjoyce/docbridge/internal/scan"
)

// Host is the container side the link drives.
type Host interface {
	Attach(contextID string) error
	DetachForConfigChanges() error
	Reattach(contextID string) error
	Detach() error
	Deliver(token scan.Token, outcome scan.Outcome) host.Delivery
	DeliverMalformed(token scan.Token, err error) host.Delivery
	OpenLink(contextID string) (<-chan host.LaunchRequest, func())
}

// LifecycleResponse acknowledges a lifecycle report.
type LifecycleResponse struct {
	Event     string `json:"event"`
	ContextID string `json:"context_id,omitempty"`
}

// ResultResponse acknowledges a result delivery.
type ResultResponse struct {
	Token    string `json:"token"`
	Delivery string `json:"delivery"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Server represents the host link HTTP server.
type Server struct {
	config Config
	host   Host
	logger *slog.Logger
	server *http.Server
}

func New(config Config, h Host, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = DefaultSignatureHeader
	}
	return &Server{config: config, host: h, logger: logger}
}

// Start starts the host link server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("host link starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("host link shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("host link shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("host link error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post("/host/lifecycle", s.handleLifecycle)
	r.Post("/host/results/{token}", s.handleResult)
	r.Get("/host/launches", s.handleLaunches)

	return r
}

// loggingMiddleware logs requests without their payloads.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("host link request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// readSigned reads the body and verifies its signature. It writes the
// error response itself and returns ok=false on failure.
func (s *Server) readSigned(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return nil, false
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return nil, false
	}
	if !s.verify(r, body) {
		s.respondError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return body, true
}

func (s *Server) verify(r *http.Request, payload []byte) bool {
	signature := r.Header.Get(s.config.SignatureHeader)
	if signature == "" {
		s.logger.Warn("host link signature missing", "path", r.URL.Path, "header", s.config.SignatureHeader)
		return false
	}
	if err := verifySignature(payload, signature, s.config.Secret); err != nil {
		s.logger.Warn("host link signature verification failed", "path", r.URL.Path, "error", err)
		return false
	}
	return true
}

// handleLifecycle handles POST /host/lifecycle.
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r)
	if !ok {
		return
	}

	ev, err := protocol.DecodeLifecycle(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch ev.Event {
	case protocol.LifecycleAttached:
		err = s.host.Attach(ev.ContextID)
	case protocol.LifecycleDetachedForConfigChanges:
		err = s.host.DetachForConfigChanges()
	case protocol.LifecycleReattached:
		err = s.host.Reattach(ev.ContextID)
	case protocol.LifecycleDetached:
		err = s.host.Detach()
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			status = http.StatusConflict
		}
		s.logger.Warn("lifecycle report rejected", "event", ev.Event, "error", err)
		s.respondError(w, status, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, LifecycleResponse{Event: ev.Event, ContextID: ev.ContextID})
}

// handleResult handles POST /host/results/{token}. An undecodable payload
// still resolves the token, with a processing error.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	token := scan.Token(chi.URLParam(r, "token"))
	body, ok := s.readSigned(w, r)
	if !ok {
		return
	}

	var delivery host.Delivery
	outcome, err := protocol.DecodeOutcome(body)
	if err != nil {
		s.logger.Warn("malformed scan result", "token", string(token), "error", err)
		delivery = s.host.DeliverMalformed(token, err)
	} else {
		delivery = s.host.Deliver(token, outcome)
	}

	status := http.StatusOK
	switch delivery {
	case host.DeliveryHeld:
		status = http.StatusAccepted
	case host.DeliveryUnmatched:
		status = http.StatusNotFound
	}
	s.respondJSON(w, status, ResultResponse{Token: string(token), Delivery: delivery.String()})
}

// handleLaunches handles GET /host/launches?context=ID, streaming launch
// requests for that context as server-sent events. The signature covers the
// request URI.
func (s *Server) handleLaunches(w http.ResponseWriter, r *http.Request) {
	if !s.verify(r, []byte(r.URL.RequestURI())) {
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	contextID := r.URL.Query().Get("context")
	if contextID == "" {
		s.respondError(w, http.StatusBadRequest, "context query parameter is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	launches, cancel := s.host.OpenLink(contextID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case req := <-launches:
			data, err := json.Marshal(req)
			if err != nil {
				s.logger.Error("failed to encode launch request", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: launch\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
