package worker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mediacloud/story-fetcher/pkg/transport"
)

// buildCallback translates a Handler's Outcome into the closure the
// broker I/O activity will run: publish whatever the retry/quarantine/
// requeue/success path calls for, ack the input, and commit — all in
// the channel's current transaction, so publish and ack are atomic.
func (w *Worker) buildCallback(im transport.InputMessage, outcome Outcome) func(ChannelOps) error {
	return func(ch ChannelOps) error {
		ctx := context.Background()
		tag := im.Delivery.DeliveryTag

		switch outcome.Kind {
		case Success:
			for _, out := range outcome.Outputs {
				if err := ch.Publish(ctx, out.Exchange, out.RoutingKey, out.Body, transport.PublishOptions{
					Headers: amqp.Table(out.Headers),
				}); err != nil {
					return err
				}
			}
			if err := ch.Ack(tag, false); err != nil {
				return err
			}
			w.cfg.Stats.IncrCounter("stories", map[string]string{"status": "success"})
			return ch.TxCommit()

		case Quarantine:
			headers := transport.MergeHeaders(im.Delivery.Headers, transport.ExceptionHeaders(
				w.cfg.Name, "", "", outcome.Err))
			if err := ch.Publish(ctx, "", transport.QuarantineQueueName(w.cfg.Name), im.Body, transport.PublishOptions{
				Headers: headers,
			}); err != nil {
				return err
			}
			if err := ch.Ack(tag, false); err != nil {
				return err
			}
			w.cfg.Logger.Warn("worker: quarantined", "worker", w.cfg.Name, "err", outcome.Err)
			w.cfg.Stats.IncrCounter("stories", map[string]string{"status": "quarantine"})
			return ch.TxCommit()

		case Requeue:
			if err := ch.Publish(ctx, "", transport.FastQueueName(w.cfg.Name), im.Body, transport.PublishOptions{
				Headers:      im.Delivery.Headers,
				ExpirationMS: fmt.Sprintf("%d", w.cfg.RequeueDelayMS),
			}); err != nil {
				return err
			}
			if err := ch.Ack(tag, false); err != nil {
				return err
			}
			w.cfg.Stats.IncrCounter("stories", map[string]string{"status": "busy"})
			return ch.TxCommit()

		case Transient:
			return w.handleTransient(ch, im, outcome)

		default:
			return fmt.Errorf("worker: unknown outcome kind %v", outcome.Kind)
		}
	}
}

// handleTransient implements: retries below MaxRetries -> delay queue
// with incremented retry count; retries exhausted -> quarantine,
// unless the error matches NoQuarantine, in which case drop (ack, no
// republish).
func (w *Worker) handleTransient(ch ChannelOps, im transport.InputMessage, outcome Outcome) error {
	tag := im.Delivery.DeliveryTag

	if err := RetryDecision(ch, w.cfg, im, outcome.Err); err != nil {
		return err
	}
	if err := ch.Ack(tag, false); err != nil {
		return err
	}
	return ch.TxCommit()
}

// RetryDecision applies the single-message retry/quarantine/drop
// decision to im given err, publishing to the appropriate queue (or
// not at all, on drop) but WITHOUT acking or committing — callers
// control their own ack/commit so batch stages can ack a whole batch
// with one ack(multiple=true) after retrying every failed message.
func RetryDecision(ch ChannelOps, cfg Config, im transport.InputMessage, err error) error {
	ctx := context.Background()
	retries := im.Retries()

	if retries < cfg.MaxRetries {
		headers := transport.MergeHeaders(im.Delivery.Headers, transport.ExceptionHeaders(
			cfg.Name, "", "", err))
		headers[transport.HeaderRetries] = retries + 1
		if pubErr := ch.Publish(ctx, "", transport.DelayQueueName(cfg.Name), im.Body, transport.PublishOptions{
			Headers:      headers,
			ExpirationMS: fmt.Sprintf("%d", cfg.RetryDelayMS()),
		}); pubErr != nil {
			return pubErr
		}
		cfg.Stats.IncrCounter("stories", map[string]string{"status": "retry"})
		return nil
	}

	if cfg.NoQuarantine(err) {
		cfg.Logger.Warn("worker: retries exhausted, dropping (no-quarantine kind)",
			"worker", cfg.Name, "err", err)
		cfg.Stats.IncrCounter("stories", map[string]string{"status": "dropped"})
		return nil
	}

	headers := transport.MergeHeaders(im.Delivery.Headers, transport.ExceptionHeaders(
		cfg.Name, "", "", err))
	if pubErr := ch.Publish(ctx, "", transport.QuarantineQueueName(cfg.Name), im.Body, transport.PublishOptions{
		Headers: headers,
	}); pubErr != nil {
		return pubErr
	}
	cfg.Logger.Warn("worker: retries exhausted, quarantined", "worker", cfg.Name, "err", err)
	cfg.Stats.IncrCounter("stories", map[string]string{"status": "quarantine"})
	return nil
}
