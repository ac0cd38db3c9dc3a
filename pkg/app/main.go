package app

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediacloud/story-fetcher/pkg/cache"
	"github.com/mediacloud/story-fetcher/pkg/domainfilter"
	"github.com/mediacloud/story-fetcher/pkg/logger"
	"github.com/mediacloud/story-fetcher/pkg/transport"
)

// Application holds the shared infrastructure dependencies every worker
// process wires up before entering its run loop.
//
// Logging: app.Logger is backed by a trace-aware handler — use slog's context methods
// and trace_id, span_id, and request_id are injected automatically:
//
//	app.Logger.InfoContext(ctx, "fetching story", "url", url)
//	app.Logger.ErrorContext(ctx, "archive write failed", "error", err)
//
// Use app.Logger.Info/Error (no context) only for startup and shutdown messages.
type Application struct {
	Logger  logger.Logger
	Broker  *transport.Connection
	Tracker *pgxpool.Pool // nil in the fetcher/archiver/batch worker processes; set in queuer processes
	Redis   *cache.RedisClient // nil when only the offline domainfilter.StaticFilter is configured

	DomainFilter domainfilter.Filter
}
