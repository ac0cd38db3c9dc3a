package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediacloud/story-fetcher/pkg/config"
	"github.com/mediacloud/story-fetcher/pkg/debugserver"
	"github.com/mediacloud/story-fetcher/pkg/httpx"
	"github.com/mediacloud/story-fetcher/pkg/logger"
	"github.com/mediacloud/story-fetcher/pkg/queuer"
	"github.com/mediacloud/story-fetcher/pkg/telemetry"
	"github.com/mediacloud/story-fetcher/pkg/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if err := config.ValidateForProduction(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "production config validation failed:", err)
		os.Exit(1)
	}

	log := logger.New(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	otelShutdown, metricsHandler, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		log.Error("failed to setup otel", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx) //nolint:errcheck

	if err := telemetry.SetupSentry(cfg); err != nil {
		log.Warn("failed to setup sentry, continuing without crash reporting", "error", err)
	}
	defer telemetry.SentryFlush()

	recorder := telemetry.NewRecorder(cfg.ServiceName)

	broker, err := transport.Dial(cfg.Broker.RabbitMQURL)
	if err != nil {
		log.Error("failed to dial broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close() //nolint:errcheck

	ch, err := broker.Channel()
	if err != nil {
		log.Error("failed to open broker channel", "error", err)
		os.Exit(1)
	}

	var tracker queuer.Tracker = queuer.DummyTracker{}
	var pool *pgxpool.Pool
	if !cfg.Queuer.Force {
		pool, err = pgxpool.New(ctx, cfg.TrackerDatabaseURL)
		if err != nil {
			log.Error("failed to connect to tracker database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		tracker = queuer.NewPostgresTracker(pool, "rss-queuer")
	}

	healthChecks := httpx.HealthChecks{Broker: broker}
	if pool != nil {
		healthChecks.Tracker = pool
	}
	debugRouter := debugserver.NewRouter(debugserver.Config{
		ServiceName:        cfg.ServiceName,
		IsDevelopment:      cfg.Environment == config.EnvDevelopment,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:             log,
		MetricsHandler:     metricsHandler,
		HealthChecks:       healthChecks,
	})
	srv := httpx.NewServer(":8080", debugRouter)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	inputs, skipped := queuer.ExpandDateInputs(time.Now(), cfg.Queuer.InputPaths,
		cfg.Queuer.FetchDates, cfg.Queuer.Days, cfg.Queuer.Yesterday)
	for _, date := range skipped {
		log.Error("rss-queuer: skipping out-of-range fetch date", "date", date)
	}
	if len(inputs) == 0 {
		log.Error("rss-queuer: no input files given (pass paths, --fetch-date, --days, or --yesterday)")
		os.Exit(1)
	}

	q := queuer.New(queuer.Config{
		StoreName:   cfg.Queuer.StoreName,
		OutputQueue: transport.InputQueueName(cfg.Queuer.OutputWorker),
		Tracker:     tracker,
		Publisher:   ch,
		Test:        cfg.Queuer.Test,
		Force:       cfg.Queuer.Force,
		Cleanup:     cfg.Queuer.Cleanup,
		Logger:      log,
		Stats:       recorder,
	})

	queued, err := q.ProcessFiles(ctx, inputs)
	log.Info("rss-queuer: run complete", "queued", queued, "inputs", len(inputs))
	if err != nil {
		log.Error("rss-queuer: one or more inputs failed", "error", err)
		os.Exit(1)
	}
}
