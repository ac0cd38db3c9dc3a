// Package batchworker implements the batch variant of the worker
// framework: instead of invoking a Handler once per message, it
// accumulates messages until either BatchSize is reached or
// BatchSeconds has elapsed since the first message in the batch was
// received, then invokes a single EndOfBatchFunc over the whole batch
// and acks every message at once (ack multiple=true). A batch that
// fails is retried message-by-message using the same delay-queue/
// quarantine decision the single-message worker uses.
package batchworker

import (
	"fmt"

	"github.com/mediacloud/story-fetcher/pkg/worker"
)

// Config carries batchworker's tunables on top of the base worker
// Config (broker dialing, deployment barrier, retry policy, Logger,
// Stats).
type Config struct {
	worker.Config

	// BatchSize is the maximum number of messages per batch and also
	// the channel prefetch count. Defaults to 5000.
	BatchSize int
	// BatchSeconds is how long to wait, from the first message's
	// receipt, for the batch to fill. Defaults to 900 (15 minutes).
	BatchSeconds int
	// WorkTime is the time reserved for EndOfBatchFunc to run once
	// collection stops; BatchSeconds must leave at least this much
	// headroom before ConsumerTimeoutSeconds. Defaults to 300 (5
	// minutes).
	WorkTime int
	// ConsumerTimeoutSeconds is the broker's consumer ack timeout
	// (RabbitMQ's consumer_timeout); BatchSeconds+WorkTime must stay
	// under it or the broker will redeliver a message mid-batch.
	// Defaults to 1800 (30 minutes).
	ConsumerTimeoutSeconds int
}

// WithDefaults fills in batchworker defaults on top of the embedded
// worker.Config defaults.
func (c Config) WithDefaults() Config {
	c.Config = c.Config.WithDefaults()
	if c.BatchSize == 0 {
		c.BatchSize = 5000
	}
	if c.BatchSeconds == 0 {
		c.BatchSeconds = 15 * 60
	}
	if c.WorkTime == 0 {
		c.WorkTime = 5 * 60
	}
	if c.ConsumerTimeoutSeconds == 0 {
		c.ConsumerTimeoutSeconds = 30 * 60
	}
	return c
}

// Validate enforces the same headroom assertion the source system
// makes at startup: reserve at least one minute beyond WorkTime, and
// never let BatchSeconds exceed what leaves WorkTime free before the
// broker's own consumer ack timeout.
func (c Config) Validate() error {
	if c.WorkTime >= c.ConsumerTimeoutSeconds-60 {
		return fmt.Errorf("batchworker: work-time %ds leaves no headroom before consumer-timeout %ds",
			c.WorkTime, c.ConsumerTimeoutSeconds)
	}
	max := c.ConsumerTimeoutSeconds - c.WorkTime
	if c.BatchSeconds > max {
		return fmt.Errorf("batchworker: batch-seconds %d too large (must be <= %d)", c.BatchSeconds, max)
	}
	return nil
}
