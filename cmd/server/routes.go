package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/darkden-lab/relay/internal/auth"
	"github.com/darkden-lab/relay/internal/broker"
	"github.com/darkden-lab/relay/internal/chat"
	"github.com/darkden-lab/relay/internal/config"
	"github.com/darkden-lab/relay/internal/httputil"
	"github.com/darkden-lab/relay/internal/hub"
	mw "github.com/darkden-lab/relay/internal/middleware"
	"github.com/darkden-lab/relay/internal/metrics"
	"github.com/darkden-lab/relay/internal/notifications"
	"github.com/darkden-lab/relay/internal/stream"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type consumerStatus interface {
	Status() broker.Status
}

type routerDeps struct {
	cfg           *config.Config
	db            pinger
	jwt           *auth.JWTService
	hub           *hub.Hub
	consumer      consumerStatus
	notifications *notifications.Handlers
	chat          *chat.Handlers
	admin         *broker.AdminHandlers
	stream        *stream.Handler
}

func newRouter(d routerDeps) http.Handler {
	r := mux.NewRouter()
	r.Use(mw.Recover, mw.Instrument)
	r.Use(mw.RateLimitMiddleware(d.cfg.Server.RateLimitRPS, d.cfg.Server.RateLimitBurst))

	// Health and metrics (no auth)
	r.HandleFunc("/healthz", healthzHandler(d)).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	// Streams authenticate with ?token= themselves.
	d.stream.RegisterRoutes(r)

	// Machine-to-machine webhooks
	webhooks := r.PathPrefix("").Subrouter()
	webhooks.Use(mw.WebhookSecret(d.cfg.Webhook.Secret))
	d.notifications.RegisterWebhookRoutes(webhooks)
	d.chat.RegisterWebhookRoutes(webhooks)

	// Operator-only consumer control
	admin := r.PathPrefix("").Subrouter()
	admin.Use(mw.AuthMiddleware(d.jwt), mw.RequireOperator)
	d.admin.RegisterRoutes(admin)

	// Session routes
	protected := r.PathPrefix("").Subrouter()
	protected.Use(mw.AuthMiddleware(d.jwt))
	d.notifications.RegisterRoutes(protected)

	// CORS wraps the entire router so OPTIONS preflight requests are handled
	// before mux routing (which would 404 on OPTIONS).
	return mw.CORS(d.cfg.Server.AllowedOrigins)(r)
}

func healthzHandler(d routerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code, database := "ok", http.StatusOK, "ok"
		if err := d.db.Ping(ctx); err != nil {
			status, code, database = "degraded", http.StatusServiceUnavailable, err.Error()
		}

		httputil.WriteJSON(w, code, map[string]interface{}{
			"status":      status,
			"database":    database,
			"consumer":    d.consumer.Status().State,
			"subscribers": d.hub.Stats(),
		})
	}
}
