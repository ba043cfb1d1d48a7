package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/olahol/melody"

	"github.com/mattjoyce/docbridge/internal/auth"
	"github.com/mattjoyce/docbridge/internal/bridge"
	"github.com/mattjoyce/docbridge/internal/events"
	"github.com/mattjoyce/docbridge/internal/journal"
	"github.com/mattjoyce/docbridge/internal/lifecycle"
	"github.com/mattjoyce/docbridge/internal/pending"
)

// Bridge is the plugin surface the API exposes.
type Bridge interface {
	Calls() bridge.CallHandler
	State() lifecycle.State
	ContextID() string
	Pending() []pending.Summary
}

// ScanLog reads the scan journal.
type ScanLog interface {
	Get(ctx context.Context, id string) (*journal.Entry, error)
	List(ctx context.Context, opts journal.ListOptions) ([]journal.Entry, error)
	CountByStatus(ctx context.Context) (map[journal.Status]int, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token (scope "*").
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens             []auth.TokenConfig
	CORSOrigins        []string
	MaxConcurrentCalls int
	// MaxCallWait bounds how long POST /v1/call waits for a reply. Zero
	// waits until the client goes away.
	MaxCallWait time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config        Config
	bridge        Bridge
	scans         ScanLog
	events        *events.Hub
	logger        *slog.Logger
	server        *http.Server
	startedAt     time.Time
	callSemaphore chan struct{}
	channel       *melody.Melody
	keys          *auth.Keyring
}

// New creates a new API server instance. scans may be nil when the journal
// is disabled.
func New(config Config, b Bridge, scans ScanLog, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxConcurrentCalls <= 0 {
		config.MaxConcurrentCalls = 16
	}
	s := &Server{
		config:        config,
		bridge:        b,
		scans:         scans,
		events:        hub,
		logger:        logger,
		startedAt:     time.Now(),
		callSemaphore: make(chan struct{}, config.MaxConcurrentCalls),
		channel:       melody.New(),
		keys:          auth.NewKeyring(config.APIKey, config.Tokens),
	}
	s.setupChannel()
	return s
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Calls are held open until the user finishes scanning.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	notifyCtx, stopNotify := context.WithCancel(ctx)
	defer stopNotify()
	go s.forwardNotifications(notifyCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.channel.CloseWithMsg(melody.FormatCloseMessage(1001, "server shutting down"))
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
			MaxAge:         300,
		}))
	}

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeScanWrite)).Post("/v1/call/{method}", s.handleCall)
		r.With(s.requireScopes(auth.ScopeScanWrite)).Get("/v1/channel", s.handleChannel)
		r.With(s.requireScopes(auth.ScopeScanRead)).Get("/v1/pending", s.handlePending)
		r.With(s.requireScopes(auth.ScopeScanRead)).Get("/v1/scans", s.handleListScans)
		r.With(s.requireScopes(auth.ScopeScanRead)).Get("/v1/scans/{id}", s.handleGetScan)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.TokenFromRequest(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		principal, ok := s.keys.Authenticate(token)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if !principal.Allows(scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
