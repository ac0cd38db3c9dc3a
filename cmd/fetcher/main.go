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

	"github.com/mediacloud/story-fetcher/pkg/app"
	"github.com/mediacloud/story-fetcher/pkg/cache"
	"github.com/mediacloud/story-fetcher/pkg/config"
	"github.com/mediacloud/story-fetcher/pkg/debugserver"
	"github.com/mediacloud/story-fetcher/pkg/domainfilter"
	"github.com/mediacloud/story-fetcher/pkg/fetcher"
	"github.com/mediacloud/story-fetcher/pkg/httpx"
	"github.com/mediacloud/story-fetcher/pkg/logger"
	"github.com/mediacloud/story-fetcher/pkg/scoreboard"
	"github.com/mediacloud/story-fetcher/pkg/telemetry"
	"github.com/mediacloud/story-fetcher/pkg/transport"
	"github.com/mediacloud/story-fetcher/pkg/worker"
)

const stageName = "fetcher"

const shutdownTimeout = 30 * time.Second

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
	ctx := context.Background()

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

	var redisClient *cache.RedisClient
	var domainFilter domainfilter.Filter = domainfilter.NewStatic(domainfilter.NonNewsDomains)
	if cfg.RedisURL != "" {
		redisClient, err = cache.NewRedisClient(cfg)
		if err != nil {
			log.Warn("redis unavailable, falling back to static domain filter", "error", err)
		} else {
			defer redisClient.Close() //nolint:errcheck
			domainFilter = domainfilter.NewRedisLookup(domainfilter.RedisLookupConfig{
				Client: redisClient.Client(),
				Logger: log,
			})
		}
	}

	sb := scoreboard.New(scoreboard.Config{
		TargetConcurrency: cfg.Fetcher.SlotRequests,
		ConnRetrySeconds:  cfg.Fetcher.ConnRetrySeconds,
		Logger:            log,
		Stats:             recorder,
	})

	a := &app.Application{
		Logger:       log,
		Broker:       broker,
		Redis:        redisClient,
		DomainFilter: domainFilter,
	}

	f := fetcher.New(fetcher.Config{
		Name:         stageName,
		Scoreboard:   sb,
		DomainFilter: a.DomainFilter,
		Logger:       log,
		Stats:        recorder,
	})

	w := worker.New(worker.Config{
		Name:          stageName,
		BrokerURL:     cfg.Broker.RabbitMQURL,
		DeploymentID:  cfg.Broker.DeploymentID,
		NumProcessors: maxInt(cfg.Fetcher.SlotRequests*4, 4),
		NoQuarantine:  fetcher.NoQuarantine,
		Logger:        log,
		Stats:         recorder,
	}, f.Handle)

	healthChecks := httpx.HealthChecks{Broker: broker}
	if redisClient != nil {
		healthChecks.Redis = redisClient
	}

	debugRouter := debugserver.NewRouter(debugserver.Config{
		ServiceName:        cfg.ServiceName,
		IsDevelopment:      cfg.Environment == config.EnvDevelopment,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:             log,
		MetricsHandler:     metricsHandler,
		HealthChecks:       healthChecks,
		WorkerName:         stageName,
		Broker:             broker,
		Scoreboard:         sb,
	})
	srv := httpx.NewServer(":8080", debugRouter)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug server failed", "error", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("fetcher shutting down")
	case err := <-runErr:
		if err != nil {
			log.Error("fetcher worker stopped with error", "error", err)
			os.Exit(1)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		log.Error("fetcher stop failed", "error", err)
		os.Exit(1)
	}
	_ = srv.Close()
	log.Info("fetcher stopped")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
