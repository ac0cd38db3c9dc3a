package batchworker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mediacloud/story-fetcher/pkg/transport"
	"github.com/mediacloud/story-fetcher/pkg/worker"
)

// EndOfBatchFunc processes one full batch (e.g. writing an archive
// file and uploading it). Returning an error retries every message in
// the batch; returning nil acks the whole batch at once.
type EndOfBatchFunc func(ctx context.Context, msgs []transport.InputMessage) error

// Worker is the batch counterpart of worker.Worker: one broker I/O
// activity plus one batch-accumulation activity.
type Worker struct {
	cfg        Config
	endOfBatch EndOfBatchFunc

	conn *transport.Connection
	ch   worker.ChannelOps

	handoff   chan transport.InputMessage
	callbacks chan func(worker.ChannelOps) error

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Worker. Call Run to start it.
func New(cfg Config, endOfBatch EndOfBatchFunc) *Worker {
	cfg = cfg.WithDefaults()
	return &Worker{
		cfg:        cfg,
		endOfBatch: endOfBatch,
		handoff:    make(chan transport.InputMessage, cfg.BatchSize),
		callbacks:  make(chan func(worker.ChannelOps) error, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (w *Worker) queueName() string {
	if w.cfg.FromQuarantine {
		return transport.QuarantineQueueName(w.cfg.Name)
	}
	return transport.InputQueueName(w.cfg.Name)
}

// Run dials the broker, waits for the configuration barrier, starts
// consuming with prefetch set to BatchSize, and blocks collecting and
// processing batches until Stop is called or the connection is lost.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.cfg.Validate(); err != nil {
		return err
	}

	conn, err := transport.Dial(w.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("batchworker %s: %w", w.cfg.Name, err)
	}
	w.conn = conn

	if err := worker.AwaitConfigured(ctx, conn, w.cfg.DeploymentID, w.cfg.ConfiguredPollInterval, w.cfg.ConfiguredTimeout); err != nil {
		conn.Close()
		return fmt.Errorf("batchworker %s: configuration barrier: %w", w.cfg.Name, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("batchworker %s: %w", w.cfg.Name, err)
	}
	w.ch = ch

	deliveries, err := ch.Consume(w.queueName(), w.cfg.BatchSize, w.cfg.Name)
	if err != nil {
		conn.Close()
		return fmt.Errorf("batchworker %s: %w", w.cfg.Name, err)
	}

	w.cfg.Logger.Info("batchworker: starting", "worker", w.cfg.Name,
		"batch_size", w.cfg.BatchSize, "batch_seconds", w.cfg.BatchSeconds)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.batchLoop(ctx)
	}()

	closeNotify := conn.NotifyClose()
	runErr := w.brokerLoop(ctx, deliveries, closeNotify)

	close(w.handoff)
	wg.Wait()
	close(w.doneCh)
	return runErr
}

func (w *Worker) brokerLoop(ctx context.Context, deliveries <-chan amqp.Delivery, closeNotify <-chan *amqp.Error) error {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			im := transport.InputMessage{Delivery: d, Body: d.Body, ReceivedAt: time.Now()}
			select {
			case w.handoff <- im:
			case <-w.stopCh:
				w.drainAndClose()
				return nil
			case <-ctx.Done():
				w.drainAndClose()
				return ctx.Err()
			}

		case cb, ok := <-w.callbacks:
			if !ok {
				continue
			}
			if err := cb(w.ch); err != nil {
				w.cfg.Logger.Error("batchworker: callback failed", "worker", w.cfg.Name, "err", err)
			}

		case amqpErr := <-closeNotify:
			if amqpErr != nil {
				return fmt.Errorf("batchworker %s: broker connection lost: %v", w.cfg.Name, amqpErr)
			}
			return nil

		case <-w.stopCh:
			w.drainAndClose()
			return nil

		case <-ctx.Done():
			w.drainAndClose()
			return ctx.Err()
		}
	}
}

func (w *Worker) drainAndClose() {
	for {
		select {
		case cb := <-w.callbacks:
			if cb != nil {
				_ = cb(w.ch)
			}
		default:
			w.conn.Close()
			return
		}
	}
}

// Stop requests a graceful shutdown. The broker loop runs the
// callbacks already queued and closes the connection; after that, any
// batch still being collected is passed to EndOfBatchFunc with
// whatever messages it has. That batch's ack is never sent, since the
// connection is already closed, so the broker redelivers its messages.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// batchLoop is the single batch-accumulation activity: it collects up
// to BatchSize messages or until BatchSeconds has elapsed since the
// first message, whichever comes first, then invokes EndOfBatchFunc
// and submits the resulting ack/retry closure to the broker activity.
func (w *Worker) batchLoop(ctx context.Context) {
	for {
		first, ok := <-w.handoff
		if !ok {
			return
		}

		deadline := first.ReceivedAt.Add(time.Duration(w.cfg.BatchSeconds) * time.Second)
		msgs := []transport.InputMessage{first}

	collecting:
		for len(msgs) < w.cfg.BatchSize {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break collecting
			}
			timer := time.NewTimer(remaining)
			select {
			case im, ok := <-w.handoff:
				timer.Stop()
				if !ok {
					break collecting
				}
				msgs = append(msgs, im)
			case <-timer.C:
				break collecting
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		w.cfg.Logger.Info("batchworker: batch collected", "worker", w.cfg.Name, "count", len(msgs))

		batchErr := w.runEndOfBatch(ctx, msgs)
		cb := w.buildBatchCallback(msgs, batchErr)
		select {
		case w.callbacks <- cb:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runEndOfBatch(ctx context.Context, msgs []transport.InputMessage) (err error) {
	start := time.Now()
	defer func() {
		w.cfg.Stats.Timing("batch", time.Since(start), nil)
		if r := recover(); r != nil {
			w.cfg.Logger.Error("batchworker: end_of_batch panic recovered",
				"worker", w.cfg.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.endOfBatch(ctx, msgs)
}

// buildBatchCallback translates end-of-batch success/failure into the
// closure the broker activity runs: on failure, retry (or quarantine/
// drop) every message individually; either way, ack the whole batch
// with one ack(multiple=true) against the last message's tag and
// commit.
func (w *Worker) buildBatchCallback(msgs []transport.InputMessage, batchErr error) func(worker.ChannelOps) error {
	return func(ch worker.ChannelOps) error {
		if len(msgs) == 0 {
			return nil
		}

		if batchErr != nil {
			w.cfg.Logger.Warn("batchworker: end_of_batch failed, retrying batch",
				"worker", w.cfg.Name, "err", batchErr, "count", len(msgs))
			for _, im := range msgs {
				if err := worker.RetryDecision(ch, w.cfg.Config, im, batchErr); err != nil {
					return err
				}
			}
			w.cfg.Stats.IncrCounter("batches", map[string]string{"status": "retry"})
		} else {
			w.cfg.Stats.IncrCounter("batches", map[string]string{"status": "success"})
		}

		last := msgs[len(msgs)-1]
		if err := ch.Ack(last.Delivery.DeliveryTag, true); err != nil {
			return err
		}
		return ch.TxCommit()
	}
}
