// Package api provides the HTTP API server for labcal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/jobs"
	"github.com/quantumlife/labcal/internal/ledger"
	"github.com/quantumlife/labcal/internal/logging"
	"github.com/quantumlife/labcal/internal/migration"
	"github.com/quantumlife/labcal/internal/notifications"
	"github.com/quantumlife/labcal/internal/oauth"
	"github.com/quantumlife/labcal/internal/storage"
	"github.com/quantumlife/labcal/internal/webhook"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	cfg        Config

	// Components
	db            *storage.DB
	oauth         *oauth.Manager
	conns         *storage.ConnectionStore
	events        *storage.EventStore
	dispatcher    jobs.Dispatcher
	webhooks      *webhook.Manager
	migration     *migration.Tool
	ledger        *ledger.Store
	notifications *notifications.Service

	auth           *authenticator
	stream         *StreamHub
	webhookLimiter *rate.Limiter

	log *logging.Logger
}

// Config for the server
type Config struct {
	Host            string
	Port            int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	// Bearer token validation
	JWTSecret string
	Issuer    string

	// Webhook endpoint limiter, requests per second
	WebhookRateLimit float64
	WebhookBurst     int

	MetricsPath string
	Gatherer    prometheus.Gatherer

	DB            *storage.DB
	OAuth         *oauth.Manager
	Events        *storage.EventStore
	Dispatcher    jobs.Dispatcher
	Webhooks      *webhook.Manager
	Migration     *migration.Tool
	Ledger        *ledger.Store
	Notifications *notifications.Service
}

// New creates a new API server
func New(cfg Config) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.WebhookRateLimit <= 0 {
		cfg.WebhookRateLimit = 20
	}
	if cfg.WebhookBurst <= 0 {
		cfg.WebhookBurst = 40
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{
		cfg:            cfg,
		db:             cfg.DB,
		oauth:          cfg.OAuth,
		events:         cfg.Events,
		dispatcher:     cfg.Dispatcher,
		webhooks:       cfg.Webhooks,
		migration:      cfg.Migration,
		ledger:         cfg.Ledger,
		notifications:  cfg.Notifications,
		auth:           newAuthenticator(cfg.JWTSecret, cfg.Issuer),
		webhookLimiter: rate.NewLimiter(rate.Limit(cfg.WebhookRateLimit), cfg.WebhookBurst),
		log:            logging.Component("api"),
	}
	if cfg.OAuth != nil {
		s.conns = cfg.OAuth.Connections()
	}
	if cfg.Notifications != nil {
		s.stream = NewStreamHub(cfg.Notifications, cfg.AllowedOrigins)
	}
	if cfg.JWTSecret == "" {
		s.log.Warn("no JWT secret configured, every authenticated request will be rejected")
	}

	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	gatherer := s.cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/calendar", func(r chi.Router) {
			// Called by the provider and the consent popup, never with a bearer token.
			if s.oauth != nil {
				r.Get("/oauth/callback", s.handleOAuthCallback)
			}
			if s.webhooks != nil {
				r.Post("/webhook", s.handleWebhook)
			}

			if s.stream != nil {
				r.With(s.auth.middleware(true)).Get("/stream", s.stream.ServeHTTP)
			}

			r.Group(func(r chi.Router) {
				r.Use(s.auth.middleware(false))
				if s.oauth != nil {
					r.Post("/connect", s.handleConnect)
					r.Get("/connections", s.handleListConnections)
					r.Get("/connections/{id}", s.handleGetConnection)
					r.Get("/connections/{id}/events", s.handleListEvents)
					r.Post("/connections/{id}/sync", s.handleTriggerSync)
					r.Delete("/connections/{id}", s.handleUnlink)
				}
				if s.notifications != nil {
					r.Get("/notifications", s.handleListNotifications)
				}
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.auth.middleware(false))

			// The migration tool checks the actor itself so refused
			// attempts reach the audit ledger.
			if s.migration != nil {
				r.Post("/credentials/migrate", s.handleMigrate)
				r.Get("/credentials/verify", s.handleVerify)
				r.Post("/credentials/cleanup", s.handleCleanup)
			}
			if s.ledger != nil {
				r.With(requireAdmin).Route("/audit", func(r chi.Router) {
					r.Get("/", s.handleListAudit)
					r.Get("/summary", s.handleAuditSummary)
					r.Get("/verify", s.handleVerifyAudit)
					r.Get("/entry/{id}", s.handleGetAuditEntry)
				})
			}
		})
	})

	s.router = r
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server. It returns nil after a graceful Stop.
func (s *Server) Start() error {
	s.log.Info("API server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server and closes stream clients
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if s.stream != nil {
		s.stream.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.log.WithContext(r.Context()).WithError(err).Warn("health check failed")
			s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorResponse is the body of every non-2xx JSON reply
type errorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Warn("failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeError maps err to its HTTP status. Server-side failures are logged
// and their text is not echoed to the caller.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorDetails(w, r, err, nil)
}

func (s *Server) writeErrorDetails(w http.ResponseWriter, r *http.Request, err error, details interface{}) {
	status, code := classify(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	}
	s.respondJSON(w, status, errorResponse{Error: code, Message: message, Details: details})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrAuthenticationRequired):
		return http.StatusUnauthorized, "reconnect_required"
	case errors.Is(err, core.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, core.ErrConfirmationRequired):
		return http.StatusPreconditionFailed, "confirmation_required"
	case errors.Is(err, core.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrMissingRequired):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, core.ErrExchangeFailed):
		return http.StatusBadGateway, "exchange_failed"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrConnectionRevoked):
		return http.StatusConflict, "connection_revoked"
	case errors.Is(err, core.ErrMigrationIncomplete):
		return http.StatusConflict, "migration_incomplete"
	case errors.Is(err, core.ErrStoreUnavailable), errors.Is(err, core.ErrTransientProvider):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func requestLogger(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(map[string]interface{}{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
			}).Debug("request served")
		})
	}
}
