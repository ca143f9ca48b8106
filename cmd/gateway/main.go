package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/impactlink/realtime-gateway/internal/api"
	"github.com/impactlink/realtime-gateway/internal/config"
	"github.com/impactlink/realtime-gateway/internal/pubsub"
	"github.com/impactlink/realtime-gateway/internal/storage"
	"github.com/impactlink/realtime-gateway/internal/wsgateway"
	"github.com/impactlink/realtime-gateway/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(cfg.LogLevel, cfg.Environment); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting realtime gateway",
		logger.Int("port", cfg.Gateway.Port),
		logger.Int("max_connections", cfg.Gateway.MaxConnections),
		logger.Bool("redis_enabled", cfg.Redis.Enabled),
		logger.Bool("auth_enabled", cfg.Gateway.JWTSecret != ""),
	)

	// Initialize Postgres
	pg, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres",
			logger.ErrorField(err),
		)
	}
	defer pg.Close()

	checks := map[string]api.Pinger{"postgres": pg}

	// Redis fans events out across gateway instances; without it delivery stays in-process.
	var redisClient storage.RedisClient
	if cfg.Redis.Enabled {
		redisClient, err = pubsub.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to initialize Redis client",
				logger.ErrorField(err),
			)
		}
		defer redisClient.Close()
		checks["redis"] = redisClient
	}

	tracker := wsgateway.NewPresenceTracker(pg, cfg.Presence)
	hub := wsgateway.NewHub(cfg.Gateway, tracker, pg, redisClient)
	if err := hub.Start(); err != nil {
		logger.Fatal("Failed to start WebSocket hub",
			logger.ErrorField(err),
		)
	}

	var sink api.EventSink = hub.Notifier()
	if redisClient != nil {
		sink = pubsub.NewEventPublisher(redisClient, cfg.Gateway.EventStream)
	}

	router := api.NewRouter(api.RouterDeps{
		Config:        *cfg,
		Hub:           hub,
		Auth:          wsgateway.NewAuthManager(cfg.Gateway.JWTSecret),
		Presence:      pg,
		Notifications: pg,
		Sink:          sink,
		Checks:        checks,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server",
			logger.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start HTTP server",
				logger.ErrorField(err),
			)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down realtime gateway")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Error shutting down HTTP server",
			logger.ErrorField(err),
		)
	}

	// Hijacked websocket connections are not closed by Shutdown; the hub
	// closes them and drains pending presence writes.
	hub.Stop()

	logger.Info("Realtime gateway stopped")
}
