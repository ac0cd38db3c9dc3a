// Package transport is a thin abstraction over a broker offering
// durable queues, direct/fanout exchanges, per-message TTL with
// dead-letter re-routing, prefetch-based flow control, and
// transactional publish+ack. It is implemented directly against AMQP
// 0-9-1 (via amqp091-go) rather than a provider-neutral message bus
// library, because the worker framework's retry/quarantine/requeue
// state machine depends on AMQP's dead-letter-exchange and
// transaction primitives specifically.
package transport

import "fmt"

// Per-worker queue/exchange naming convention. Every worker process
// "NAME" owns five broker resources, pre-declared by an external
// topology tool (out of scope for this repository).
const (
	inSuffix    = "-in"
	outSuffix   = "-out"
	delaySuffix = "-delay"
	fastSuffix  = "-fast"
	quarSuffix  = "-quar"
)

// InputQueueName returns the durable input queue a worker consumes
// from.
func InputQueueName(name string) string { return name + inSuffix }

// OutputExchangeName returns the fanout/direct exchange a worker
// publishes to, bound to the next stage's input queue by the external
// topology tool.
func OutputExchangeName(name string) string { return name + outSuffix }

// DelayQueueName returns the worker's delay queue: no consumers,
// dead-lettered back to the input queue on a per-message TTL.
func DelayQueueName(name string) string { return name + delaySuffix }

// FastQueueName returns the worker's fast-requeue queue: same
// dead-letter wiring as the delay queue but with a much shorter TTL,
// used for the Requeue outcome (retry count not incremented).
func FastQueueName(name string) string { return name + fastSuffix }

// QuarantineQueueName returns the worker's quarantine queue: no
// consumer, messages are parked here indefinitely for manual
// inspection/replay.
func QuarantineQueueName(name string) string { return name + quarSuffix }

// ConfiguredExchangeName returns the configuration-barrier exchange
// name: its presence, encoding the current deployment identifier,
// gates worker startup so that workers don't run against a stale
// topology mid rolling-deploy.
func ConfiguredExchangeName(deploymentID string) string {
	return fmt.Sprintf("configured-%s", deploymentID)
}
