// Package httpapi wires the server's HTTP surface: the provider's push
// notification callback, the bearer-gated cron and sync endpoints, and
// the usual health and metrics plumbing.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/caltube/caltube/internal/config"
	"github.com/caltube/caltube/internal/metrics"
	"github.com/caltube/caltube/internal/store"
	syncengine "github.com/caltube/caltube/internal/sync"
	"github.com/caltube/caltube/internal/token"
	"github.com/caltube/caltube/internal/webhook"
)

// Handler bundles the services the routes need.
type Handler struct {
	cfg      *config.Config
	store    *store.Store
	engine   *syncengine.Engine
	tokens   *token.Manager
	webhooks *webhook.Manager
	logger   *slog.Logger
}

// NewHandler creates the route handler set.
func NewHandler(cfg *config.Config, st *store.Store, engine *syncengine.Engine, tokens *token.Manager, webhooks *webhook.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		tokens:   tokens,
		webhooks: webhooks,
		logger:   logger,
	}
}

// Router assembles all HTTP routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.store.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if h.cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	// Provider push notifications carry their own channel identifiers;
	// no bearer gate here.
	r.Post("/webhook/google", h.handleWebhook)

	// Scheduled jobs and operator actions share the cron secret.
	r.Group(func(r chi.Router) {
		r.Use(h.requireCronSecret)

		r.Get("/cron/refresh-tokens", h.handleRefreshTokens)
		r.Get("/cron/refresh-webhooks", h.handleRefreshWebhooks)
		r.Post("/api/calendars", h.handleRegisterCalendar)
		r.Delete("/api/calendars/{id}", h.handleRemoveCalendar)
		r.Post("/api/sync", h.handleInitialSync)
		r.Get("/api/webhooks/stats", h.handleWebhookStats)
	})

	return r
}
