package worker

import "time"

// Config carries every tunable the worker framework exposes to a
// stage, matching spec.md §4.3's "concurrency options exposed to
// stages" plus the fields needed to dial and name broker resources.
type Config struct {
	// Name is this stage's queue/exchange name prefix (see
	// transport.InputQueueName and friends).
	Name string

	// BrokerURL is the AMQP connection string, normally sourced from
	// RABBITMQ_URL.
	BrokerURL string

	// DeploymentID gates startup on the configuration-barrier
	// exchange "configured-<DeploymentID>".
	DeploymentID string

	// Prefetch controls in-flight unacked messages per worker
	// process. Defaults to 2.
	Prefetch int

	// MaxRetries is the number of Transient failures tolerated before
	// quarantining (or dropping, for NoQuarantine error kinds).
	// Defaults to 10.
	MaxRetries int

	// RetryDelayMinutes is the delay-queue TTL applied on each
	// Transient retry. Defaults to 60.
	RetryDelayMinutes int

	// RequeueDelayMS is the fast-queue TTL applied on Requeue
	// outcomes. Defaults to 1000 (one second).
	RequeueDelayMS int

	// NumProcessors is the number of processing-activity goroutines.
	// Defaults to 1; the fetcher worker overrides this to run many
	// concurrent HTTP fetches.
	NumProcessors int

	// HandoffBufferSize bounds the in-memory channel between the
	// broker I/O activity and the processing activities. Defaults to
	// Prefetch.
	HandoffBufferSize int

	// FromQuarantine, if set, consumes the quarantine queue instead
	// of the input queue (the --from-quarantine CLI flag).
	FromQuarantine bool

	// NoQuarantine classifies an error as "discard after exhausting
	// retries" rather than "quarantine after exhausting retries".
	// Defaults to a predicate that always returns false.
	NoQuarantine func(error) bool

	// ConfiguredPollInterval controls how often the configuration
	// barrier re-checks for the deployment exchange.
	ConfiguredPollInterval time.Duration

	// ConfiguredTimeout bounds how long the barrier will wait before
	// giving up and failing startup.
	ConfiguredTimeout time.Duration

	// Logger and Stats default to no-ops; cmd/* entry points wire in
	// pkg/logger and pkg/telemetry implementations.
	Logger Logger
	Stats  Stats
}

// WithDefaults returns a copy of c with zero-valued fields set to the
// framework defaults (mirroring Worker.MAX_RETRIES=10,
// RETRY_DELAY_MINUTES=60, prefetch()=2 in the source system).
func (c Config) WithDefaults() Config {
	if c.Prefetch == 0 {
		c.Prefetch = 2
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 10
	}
	if c.RetryDelayMinutes == 0 {
		c.RetryDelayMinutes = 60
	}
	if c.RequeueDelayMS == 0 {
		c.RequeueDelayMS = 1000
	}
	if c.NumProcessors == 0 {
		c.NumProcessors = 1
	}
	if c.HandoffBufferSize == 0 {
		c.HandoffBufferSize = c.Prefetch
	}
	if c.NoQuarantine == nil {
		c.NoQuarantine = func(error) bool { return false }
	}
	if c.ConfiguredPollInterval == 0 {
		c.ConfiguredPollInterval = 500 * time.Millisecond
	}
	if c.ConfiguredTimeout == 0 {
		c.ConfiguredTimeout = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	if c.Stats == nil {
		c.Stats = noopStats{}
	}
	return c
}

// RetryDelayMS returns the delay-queue TTL in milliseconds.
func (c Config) RetryDelayMS() int {
	return c.RetryDelayMinutes * 60 * 1000
}
