package httpx

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker is satisfied by any infrastructure dependency that exposes
// a Ping method (pgxpool.Pool, RedisClient, transport.Connection all qualify).
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthChecks holds the set of dependencies to probe in the health endpoint.
// Broker is the only check every process wires; Tracker is nil outside the
// queuer processes and Redis is nil when only the offline
// domainfilter.StaticFilter is configured.
type HealthChecks struct {
	Tracker HealthChecker
	Broker  HealthChecker
	Redis   HealthChecker
}

type healthResponse struct {
	Status  string `json:"status"`
	Tracker string `json:"tracker,omitempty"`
	Broker  string `json:"broker"`
	Redis   string `json:"redis,omitempty"`
}

// HealthHandler returns an http.HandlerFunc that probes all registered
// HealthCheckers and reports degraded status if any of them fail.
func HealthHandler(checks HealthChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Broker: "ok"}

		if checks.Tracker != nil {
			resp.Tracker = "ok"
			if err := checks.Tracker.Ping(ctx); err != nil {
				resp.Status = "degraded"
				resp.Tracker = "unreachable"
			}
		}
		if err := checks.Broker.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Broker = "unreachable"
		}
		if checks.Redis != nil {
			resp.Redis = "ok"
			if err := checks.Redis.Ping(ctx); err != nil {
				resp.Status = "degraded"
				resp.Redis = "unreachable"
			}
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		JSON(w, status, resp)
	}
}
