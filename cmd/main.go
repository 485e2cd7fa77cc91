package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-interview-relay-service/internal/api/ws"
	"ai-interview-relay-service/internal/app"
	"ai-interview-relay-service/internal/config"
	"ai-interview-relay-service/internal/events"
	"ai-interview-relay-service/internal/observability"
	"ai-interview-relay-service/internal/store"
)

func main() {
	cfg := config.Load()

	application := app.New(cfg)
	if err := application.Start(); err != nil {
		application.Logger.Fatal().Err(err).Msg("Application startup failed")
	}
	logger := application.Logger

	// Create Kafka publisher with separate topics for partial and final transcripts
	publisher := events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
	})
	defer publisher.Close()

	// Durable transcript store, or in-memory when Postgres is not configured.
	var transcripts store.TranscriptStore
	if cfg.Postgres.Enabled && cfg.Postgres.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.NewPostgres(ctx, cfg.Postgres.DSN)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Postgres")
		}
		transcripts = pg
		logger.Info().Msg("Using Postgres transcript store")
	} else {
		transcripts = store.NewMemory()
		logger.Info().Msg("Postgres disabled, using in-memory transcript store")
	}
	defer transcripts.Close()

	metricsServer := observability.NewServer(":"+cfg.Service.MetricsPort, transcripts.Ping)
	metricsServer.Start()

	gateway := ws.NewGateway(cfg, transcripts, publisher)
	httpServer := &http.Server{
		Addr:        ":" + cfg.Service.HTTPPort,
		Handler:     gateway.Router(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Service.HTTPPort).Msg("Interview relay gateway started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP serve failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Metrics server shutdown error")
	}
	application.Shutdown()
}
