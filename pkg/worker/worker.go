package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mediacloud/story-fetcher/pkg/transport"
)

// ChannelOps is the subset of *transport.Channel the retry/quarantine/
// requeue/success dispatch needs. Defining it as an interface (rather
// than depending on *transport.Channel directly) lets unit tests
// exercise buildCallback against an in-memory fake without a real
// broker connection.
type ChannelOps interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, opts transport.PublishOptions) error
	Ack(tag uint64, multiple bool) error
	TxCommit() error
}

// brokerState mirrors the source system's PikaThreadState enum.
type brokerState int32

const (
	stateNotStarted brokerState = iota
	stateStarted
	stateRunning
	stateStopping
	stateStopped
)

// Worker is the base runtime shared by every pipeline stage: a broker
// I/O goroutine that is the sole owner of the broker channel, and one
// or more processing goroutines that invoke the stage Handler and
// submit publish+ack closures back to the broker goroutine.
type Worker struct {
	cfg     Config
	handler Handler

	conn *transport.Connection
	ch   ChannelOps

	handoff   chan transport.InputMessage
	callbacks chan func(ChannelOps) error

	state    atomic.Int32
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	// FatalFunc is invoked (and Run returns its error) if the broker
	// connection is lost outside of an explicit Stop. The default is
	// to simply return the error from Run so cmd/* can os.Exit(1).
	FatalFunc func(error)
}

// New constructs a Worker. Call Run to start it.
func New(cfg Config, handler Handler) *Worker {
	cfg = cfg.WithDefaults()
	return &Worker{
		cfg:       cfg,
		handler:   handler,
		handoff:   make(chan transport.InputMessage, cfg.HandoffBufferSize),
		callbacks: make(chan func(ChannelOps) error, cfg.HandoffBufferSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (w *Worker) queueName() string {
	if w.cfg.FromQuarantine {
		return transport.QuarantineQueueName(w.cfg.Name)
	}
	return transport.InputQueueName(w.cfg.Name)
}

// Run dials the broker, waits for the configuration barrier, starts
// consuming, and blocks until Stop is called or the connection is
// lost. It returns a non-nil error on any fatal condition; callers
// (cmd/* main functions) should exit non-zero in that case so a
// container supervisor restarts the process.
func (w *Worker) Run(ctx context.Context) error {
	conn, err := transport.Dial(w.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("worker %s: %w", w.cfg.Name, err)
	}
	w.conn = conn

	if err := AwaitConfigured(ctx, conn, w.cfg.DeploymentID, w.cfg.ConfiguredPollInterval, w.cfg.ConfiguredTimeout); err != nil {
		conn.Close()
		return fmt.Errorf("worker %s: configuration barrier: %w", w.cfg.Name, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("worker %s: %w", w.cfg.Name, err)
	}
	w.ch = ch

	deliveries, err := ch.Consume(w.queueName(), w.cfg.Prefetch, w.cfg.Name)
	if err != nil {
		conn.Close()
		return fmt.Errorf("worker %s: %w", w.cfg.Name, err)
	}

	w.state.Store(int32(stateRunning))

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.NumProcessors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.processLoop(ctx)
		}()
	}

	closeNotify := conn.NotifyClose()

	runErr := w.brokerLoop(ctx, deliveries, closeNotify)

	close(w.handoff) // kiss of death: unblocks processLoop goroutines
	wg.Wait()
	close(w.doneCh)
	return runErr
}

// brokerLoop is the sole goroutine permitted to touch w.ch. It
// translates deliveries into InputMessages for the hand-off channel
// and executes callbacks submitted by processing activities.
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
				w.cfg.Logger.Error("worker: callback failed", "worker", w.cfg.Name, "err", err)
			}

		case amqpErr := <-closeNotify:
			w.state.Store(int32(stateStopped))
			if amqpErr != nil {
				err := fmt.Errorf("worker %s: broker connection lost: %v", w.cfg.Name, amqpErr)
				if w.FatalFunc != nil {
					w.FatalFunc(err)
				}
				return err
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
	w.state.Store(int32(stateStopping))
	// Drain any already-queued callbacks before closing so in-flight
	// publish+ack pairs aren't lost.
	for {
		select {
		case cb := <-w.callbacks:
			if cb != nil {
				_ = cb(w.ch)
			}
		default:
			w.conn.Close()
			w.state.Store(int32(stateStopped))
			return
		}
	}
}

// Stop requests a graceful shutdown: the broker loop drains pending
// callbacks, closes the connection, and the kiss-of-death propagates
// to processing goroutines. Run returns once shutdown completes.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processLoop is one processing activity: it pops InputMessages,
// invokes the Handler, and submits the resulting publish+ack closure
// to the broker activity.
func (w *Worker) processLoop(ctx context.Context) {
	for im := range w.handoff {
		outcome := w.invokeHandler(ctx, im)
		cb := w.buildCallback(im, outcome)
		select {
		case w.callbacks <- cb:
		case <-ctx.Done():
			return
		}
	}
}

// invokeHandler calls the stage Handler, recovering a panic into a
// Transient outcome plus a structured log event per spec.md §9's
// explicit guidance on unexpected panics.
func (w *Worker) invokeHandler(ctx context.Context, im transport.InputMessage) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.cfg.Logger.Error("worker: handler panic recovered",
				"worker", w.cfg.Name, "panic", r, "stack", string(debug.Stack()))
			outcome = TransientOutcome(fmt.Errorf("panic: %v", r))
		}
	}()
	return w.handler(ctx, im)
}
