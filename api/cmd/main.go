package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Austin-rgb/messages/internal/config"
	"github.com/Austin-rgb/messages/internal/infrastructure/postgres"
	redisq "github.com/Austin-rgb/messages/internal/infrastructure/redis"
	"github.com/Austin-rgb/messages/internal/logger"
	"github.com/Austin-rgb/messages/internal/metrics"
	"github.com/Austin-rgb/messages/internal/registry"
	"github.com/Austin-rgb/messages/internal/security"
	"github.com/Austin-rgb/messages/internal/service"
	"github.com/Austin-rgb/messages/internal/transport/rest"
	"github.com/Austin-rgb/messages/internal/transport/ws"
	"github.com/Austin-rgb/messages/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "messages").
		Str("env", cfg.AppEnv).
		Logger()

	// Root ctx with signal cancellation
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()

		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}
	metrics.SetDependencyHealth("postgres", true)

	{
		bootCtx, cancel := context.WithTimeout(rootCtx, 30*time.Second)
		defer cancel()

		if err := postgres.Bootstrap(bootCtx, dbPool); err != nil {
			log.Fatal().Err(err).Msg("schema bootstrap failed")
		}
	}

	store := postgres.New(dbPool)

	// ---- Redis queue ----
	queue, err := redisq.New(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis queue create failed")
	}
	defer queue.Client.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()

		// Best-effort ping; publishes surface 503 if the queue stays down.
		if err := queue.Client.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
			metrics.SetDependencyHealth("redis", false)
		} else {
			log.Info().Msg("redis connected")
			metrics.SetDependencyHealth("redis", true)
		}
	}

	// ---- Session registry + application service ----
	reg := registry.New(queue, cfg.ReceiptsStream)
	svc := service.New(store, queue, reg, cfg.CacheTTL, cfg.MessagesStream, cfg.ReceiptsStream)
	h := rest.NewHandler(svc)

	// ---- JWT verifier ----
	verifier := security.NewHS256Verifier(cfg.JWTSecret)

	// ---- Router ----
	deps := rest.RouterDeps{
		Handler:   h,
		Session:   ws.NewServer(reg, queue, cfg.ReceiptsStream),
		Verifier:  verifier,
		JWTIssuer: cfg.JWTIssuer,
	}
	if cfg.RLEnabled {
		deps.RateLimit = cfg.RLLimit
		deps.RateWindow = cfg.RLWindow
	}
	httpHandler := rest.NewRouter(deps)

	// ---- Persistence workers ----
	messagesWorker := worker.New(queue, worker.Config{
		Topic:     cfg.MessagesStream,
		Group:     cfg.QueueGroup,
		Consumer:  cfg.ConsumerName,
		BatchMax:  cfg.BatchMax,
		Block:     cfg.ReadBlock,
		IdleSleep: cfg.IdleSleep,
	}, worker.NewMessageHandler(store, cfg.MessagesStream))

	receiptsWorker := worker.New(queue, worker.Config{
		Topic:     cfg.ReceiptsStream,
		Group:     cfg.QueueGroup,
		Consumer:  cfg.ConsumerName,
		BatchMax:  cfg.BatchMax,
		Block:     cfg.ReadBlock,
		IdleSleep: cfg.IdleSleep,
	}, worker.NewReceiptHandler(store, cfg.ReceiptsStream))

	messagesWorker.Start(rootCtx)
	receiptsWorker.Start(rootCtx)
	log.Info().Str("group", cfg.QueueGroup).Msg("persistence workers started")

	// ---- HTTP server ----
	// No WriteTimeout: /ws/ sessions are long-lived hijacked connections.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	// Graceful shutdown: stop accepting, then let the workers finish their
	// current batch. Unacked entries redeliver on the next start.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := messagesWorker.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("messages worker stop timed out")
	}
	if err := receiptsWorker.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("receipts worker stop timed out")
	}

	log.Info().Msg("shutdown complete")
}
