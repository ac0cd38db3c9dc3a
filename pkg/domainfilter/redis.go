package domainfilter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// nonNewsSetKey is the Redis set holding every embargoed FQDN, kept
// fresh by an out-of-process updater.
const nonNewsSetKey = "domainfilter:non-news"

// canonicalKeyPrefix namespaces the per-FQDN canonical-domain hash
// entries: "domainfilter:canonical:{fqdn}" -> canonical domain string.
const canonicalKeyPrefix = "domainfilter:canonical:"

// Logger is the minimal structured-logging surface RedisLookup needs.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// RedisLookup is the online query mode: FQDN membership and canonical
// domain resolution served from Redis, refreshed by a process this
// package does not own. A lookup failure is treated as "not non-news"
// rather than propagated, since admission control must not stall the
// fetch pipeline on a cache outage.
type RedisLookup struct {
	client  *redis.Client
	timeout time.Duration
	logger  Logger
}

// RedisLookupConfig carries RedisLookup's tunables.
type RedisLookupConfig struct {
	Client  *redis.Client
	Timeout time.Duration // per-call deadline, default 200ms
	Logger  Logger
}

// NewRedisLookup builds a RedisLookup.
func NewRedisLookup(cfg RedisLookupConfig) *RedisLookup {
	if cfg.Timeout == 0 {
		cfg.Timeout = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return &RedisLookup{client: cfg.Client, timeout: cfg.Timeout, logger: cfg.Logger}
}

// IsNonNews reports set membership of fqdn in the Redis-backed
// non-news set.
func (r *RedisLookup) IsNonNews(fqdn string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	ok, err := r.client.SIsMember(ctx, nonNewsSetKey, fqdn).Result()
	if err != nil {
		r.logger.Warn("domainfilter: redis lookup failed", "fqdn", fqdn, "err", err)
		return false
	}
	return ok
}

// Canonical resolves fqdn to its canonical domain, falling back to
// fqdn itself when no mapping is cached (unknown domains are assumed
// already canonical) or on a lookup error.
func (r *RedisLookup) Canonical(fqdn string) string {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	v, err := r.client.Get(ctx, canonicalKeyPrefix+fqdn).Result()
	if err == redis.Nil {
		return fqdn
	}
	if err != nil {
		r.logger.Warn("domainfilter: redis canonical lookup failed", "fqdn", fqdn, "err", err)
		return fqdn
	}
	return v
}
