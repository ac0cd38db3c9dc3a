// Package debugserver builds the per-worker HTTP surface every cmd/*
// process exposes alongside its broker consumer: health, metrics, and
// a couple of operator affordances (scoreboard dump, manual
// quarantine-requeue). Every worker process wires the same router;
// /metrics is registered only with a MetricsHandler, the scoreboard
// dump only when the process owns a ScoreBoard (only the fetcher
// does), and the requeue endpoint only with a WorkerName and Broker.
package debugserver

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mediacloud/story-fetcher/pkg/errhttp"
	"github.com/mediacloud/story-fetcher/pkg/httpx"
	"github.com/mediacloud/story-fetcher/pkg/logger"
	"github.com/mediacloud/story-fetcher/pkg/telemetry"
	"github.com/mediacloud/story-fetcher/pkg/transport"
	"github.com/mediacloud/story-fetcher/pkg/validator"
)

// Scoreboard is the subset of *scoreboard.ScoreBoard the debug server
// dumps; only the fetcher process wires this.
type Scoreboard interface {
	DebugInfo() []string
}

// Config carries everything the debug server needs beyond the
// standard logging/tracing/metrics middleware every router gets.
type Config struct {
	ServiceName        string
	IsDevelopment      bool
	CORSAllowedOrigins string

	Logger         logger.Logger
	MetricsHandler http.Handler // from telemetry.Setup

	HealthChecks httpx.HealthChecks

	// WorkerName addresses the quarantine/input queues /debug/requeue
	// operates on. Empty disables the endpoint (queuer processes have
	// no single worker queue pair).
	WorkerName string
	Broker     *transport.Connection

	// Scoreboard is nil outside the fetcher process.
	Scoreboard Scoreboard
}

// requeueRequest is the POST /debug/requeue body: move up to Count
// messages from WorkerName's quarantine queue back onto its input
// queue for another attempt, clearing the retry-count header.
type requeueRequest struct {
	Count int `json:"count" validate:"required,min=1,max=1000"`
}

type requeueResponse struct {
	Requeued int `json:"requeued"`
}

// NewRouter builds the complete debug server router.
func NewRouter(cfg Config) http.Handler {
	r := httpx.NewRouter(
		httpx.ServerConfig{
			ServiceName:        cfg.ServiceName,
			IsDevelopment:      cfg.IsDevelopment,
			CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		},
		logger.Middleware(cfg.Logger),
		logger.Recovery(cfg.Logger),
		telemetry.SentryMiddleware(),
		func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, cfg.ServiceName)
		},
	)

	r.Get("/healthz", httpx.HealthHandler(cfg.HealthChecks))

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.Scoreboard != nil {
		r.Get("/debug/scoreboard", scoreboardHandler(cfg.Scoreboard))
	}

	if cfg.WorkerName != "" && cfg.Broker != nil {
		r.Post("/debug/requeue", requeueHandler(cfg))
	}

	return r
}

func scoreboardHandler(sb Scoreboard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]any{"slots": sb.DebugInfo()})
	}
}

// requeueHandler moves up to Count quarantined messages back onto the
// worker's input queue, via a short-lived channel opened for the
// request (the long-lived worker channel is owned by the broker I/O
// goroutine and must never be touched from an HTTP handler
// goroutine).
func requeueHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := validator.ValidateRequest[requeueRequest](w, r)
		if !ok {
			return
		}

		ch, err := cfg.Broker.Channel()
		if err != nil {
			errhttp.WriteError(w, fmt.Errorf("debugserver: open channel: %w", err))
			return
		}

		moved, err := requeueN(r.Context(), ch, cfg.WorkerName, req.Count)
		if err != nil {
			errhttp.WriteError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, requeueResponse{Requeued: moved})
	}
}

func requeueN(ctx context.Context, ch *transport.Channel, workerName string, count int) (int, error) {
	quarantine := transport.QuarantineQueueName(workerName)
	input := transport.InputQueueName(workerName)

	moved := 0
	for i := 0; i < count; i++ {
		d, ok, err := ch.Get(quarantine)
		if err != nil {
			return moved, fmt.Errorf("debugserver: get from %s: %w", quarantine, err)
		}
		if !ok {
			break
		}

		headers := transport.MergeHeaders(d.Headers, nil)
		delete(headers, transport.HeaderRetries)

		if err := ch.Publish(ctx, "", input, d.Body, transport.PublishOptions{Headers: headers}); err != nil {
			return moved, fmt.Errorf("debugserver: publish to %s: %w", input, err)
		}
		if err := ch.Ack(d.DeliveryTag, false); err != nil {
			return moved, fmt.Errorf("debugserver: ack: %w", err)
		}
		if err := ch.TxCommit(); err != nil {
			return moved, fmt.Errorf("debugserver: commit: %w", err)
		}
		moved++
	}
	return moved, nil
}
