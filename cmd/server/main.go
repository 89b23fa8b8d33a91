package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/darkden-lab/relay/internal/auth"
	"github.com/darkden-lab/relay/internal/broker"
	"github.com/darkden-lab/relay/internal/chat"
	"github.com/darkden-lab/relay/internal/config"
	"github.com/darkden-lab/relay/internal/db"
	"github.com/darkden-lab/relay/internal/hub"
	"github.com/darkden-lab/relay/internal/logging"
	"github.com/darkden-lab/relay/internal/notifications"
	"github.com/darkden-lab/relay/internal/stream"
	"github.com/darkden-lab/relay/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	database, err := db.New(ctx, cfg.Database.URL)
	if err != nil {
		logging.Fatal().Err(err).Msg("database connection failed")
	}
	defer database.Close()
	if err := db.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
		logging.Fatal().Err(err).Msg("migrations failed")
	}

	// Fan-out and ingestion
	eventHub := hub.New()
	store := notifications.NewPGStore(database.Pool)
	ingestor := notifications.NewIngestor(store, eventHub, cfg.Notifications.DedupWindow)

	// Queue consumer
	transport, err := broker.NewTransport(cfg.Broker)
	if err != nil {
		logging.Fatal().Err(err).Msg("broker transport setup failed")
	}
	consumer := broker.NewSupervisor(transport, broker.HandoffHandler(ingestor), broker.Options{
		Queue:         cfg.Broker.Queue,
		ReconnectBase: cfg.Broker.ReconnectBase,
		ReconnectMax:  cfg.Broker.ReconnectMax,
	})
	defer transport.Close() //nolint:errcheck // best-effort cleanup on shutdown

	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret)

	router := newRouter(routerDeps{
		cfg:           cfg,
		db:            database,
		jwt:           jwtService,
		hub:           eventHub,
		consumer:      consumer,
		notifications: notifications.NewHandlers(store, ingestor),
		chat:          chat.NewHandlers(chat.NewNotifier(eventHub)),
		admin:         broker.NewAdminHandlers(consumer),
		stream:        stream.NewHandler(eventHub, jwtService, cfg.Stream, cfg.Server.AllowedOrigins),
	})

	// Stream handlers lift the read and write timeouts for their own
	// connections.
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout + 5*time.Second,
	})
	tree.AddConsumerService(supervisor.NewConsumerService(consumer, cfg.Broker.Autostart, cfg.Server.ShutdownTimeout))
	tree.AddAPIService(supervisor.NewHTTPServerService(srv, cfg.Server.ShutdownTimeout))

	logging.Info().
		Str("addr", srv.Addr).
		Str("transport", transport.Name()).
		Str("queue", cfg.Broker.Queue).
		Msg("starting relay")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree stopped with error")
	}
	logging.Info().Msg("relay stopped")
}
