package transport

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel wraps a single AMQP channel already placed into transaction
// mode (tx_select). All methods must be called from the single
// goroutine that owns the channel — the worker framework's broker I/O
// activity. Every other goroutine submits a closure taking *Channel
// through the worker framework's callback queue instead of holding a
// *Channel reference directly.
type Channel struct {
	ch *amqp.Channel
}

// Qos sets the channel's prefetch count: the maximum number of
// unacknowledged deliveries the broker will hand this consumer at
// once.
func (c *Channel) Qos(prefetch int) error {
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("transport: qos: %w", err)
	}
	return nil
}

// PublishOptions carries the optional per-message fields a publish may
// set.
type PublishOptions struct {
	Headers       amqp.Table
	ExpirationMS  string // per-message TTL in milliseconds, as a decimal string
	ContentType   string
}

// Publish enqueues a persistent message. It does not commit the
// transaction; callers batch a publish with the corresponding Ack and
// call TxCommit once, so the pair is atomic.
func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts PublishOptions) error {
	pub := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      opts.Headers,
		Timestamp:    time.Now().UTC(),
	}
	if opts.ContentType != "" {
		pub.ContentType = opts.ContentType
	}
	if opts.ExpirationMS != "" {
		pub.Expiration = opts.ExpirationMS
	}
	if err := c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub); err != nil {
		return fmt.Errorf("transport: publish: %w", err)
	}
	return nil
}

// Consume registers this channel as a consumer of queue, with the
// given prefetch. The returned channel yields one amqp.Delivery per
// message; translating deliveries into InputMessage and handing them
// off to processing activities is the worker framework's job, not
// transport's.
func (c *Channel) Consume(queue string, prefetch int, consumerTag string) (<-chan amqp.Delivery, error) {
	if err := c.Qos(prefetch); err != nil {
		return nil, err
	}
	deliveries, err := c.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: consume: %w", err)
	}
	return deliveries, nil
}

// Get fetches a single message from queue via basic.get (no consumer
// registration), for low-volume operational tooling like the debug
// server's manual quarantine-requeue endpoint. ok is false when the
// queue was empty.
func (c *Channel) Get(queue string) (delivery amqp.Delivery, ok bool, err error) {
	d, ok, err := c.ch.Get(queue, false)
	if err != nil {
		return amqp.Delivery{}, false, fmt.Errorf("transport: get: %w", err)
	}
	return d, ok, nil
}

// Ack acknowledges one delivery (multiple=false) or every delivery up
// to and including tag (multiple=true, used by the batch worker to ack
// an entire batch with a single call).
func (c *Channel) Ack(tag uint64, multiple bool) error {
	if err := c.ch.Ack(tag, multiple); err != nil {
		return fmt.Errorf("transport: ack: %w", err)
	}
	return nil
}

// TxCommit commits every publish and ack issued on this channel since
// the last commit (or since tx_select). Until commit, consumers do not
// observe published messages and the broker does not release acked
// deliveries — this is the mechanism that makes publish+ack atomic
// for a single InputMessage.
func (c *Channel) TxCommit() error {
	if err := c.ch.TxCommit(); err != nil {
		return fmt.Errorf("transport: tx_commit: %w", err)
	}
	return nil
}

// TxRollback aborts the current transaction, undoing any publishes or
// acks issued since the last commit.
func (c *Channel) TxRollback() error {
	if err := c.ch.TxRollback(); err != nil {
		return fmt.Errorf("transport: tx_rollback: %w", err)
	}
	return nil
}

// ExchangeExists passively declares the named exchange: it returns
// true if the exchange already exists. The worker framework's
// configuration barrier polls this for the deployment-tagged exchange
// at startup.
//
// Passive declare failure closes the channel per AMQP semantics, so
// this always operates on a short-lived probe channel it opens for the
// purpose, rather than the long-lived channel used for
// publish/consume/ack.
func ExchangeExists(conn *Connection, name string) (bool, error) {
	probe, err := conn.conn.Channel()
	if err != nil {
		return false, fmt.Errorf("transport: probe channel: %w", err)
	}
	defer probe.Close()
	if err := probe.ExchangeDeclarePassive(name, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return false, nil
	}
	return true, nil
}

// DeclareTopology declares the five broker resources a worker named
// name owns, wiring the delay and fast queues to dead-letter back into
// the input queue. This is normally the job of an external topology
// tool (out of scope per spec.md), but is provided here so tests and
// local development can stand up a complete topology without one.
func DeclareTopology(conn *Connection, name string, fastTTLms, delayTTLms int) error {
	ch, err := conn.conn.Channel()
	if err != nil {
		return fmt.Errorf("transport: declare topology: %w", err)
	}
	defer ch.Close()

	in := InputQueueName(name)
	out := OutputExchangeName(name)
	delay := DelayQueueName(name)
	fast := FastQueueName(name)
	quar := QuarantineQueueName(name)

	if _, err := ch.QueueDeclare(in, true, false, false, false, nil); err != nil {
		return fmt.Errorf("transport: declare %s: %w", in, err)
	}
	if err := ch.ExchangeDeclare(out, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("transport: declare %s: %w", out, err)
	}
	if _, err := ch.QueueDeclare(delay, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": in,
		"x-message-ttl":             delayTTLms,
	}); err != nil {
		return fmt.Errorf("transport: declare %s: %w", delay, err)
	}
	if _, err := ch.QueueDeclare(fast, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": in,
		"x-message-ttl":             fastTTLms,
	}); err != nil {
		return fmt.Errorf("transport: declare %s: %w", fast, err)
	}
	if _, err := ch.QueueDeclare(quar, true, false, false, false, nil); err != nil {
		return fmt.Errorf("transport: declare %s: %w", quar, err)
	}
	return nil
}
