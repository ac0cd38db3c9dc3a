package transport

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection wraps a single AMQP connection. A Connection is not
// activity-safe: it must be owned by exactly one goroutine (the
// worker framework's broker I/O activity); every other goroutine in
// the process submits operations as callbacks rather than calling
// Connection/Channel methods directly.
type Connection struct {
	conn *amqp.Connection
}

// Dial opens a connection to the broker at url (an amqp:// or
// amqps:// URL, typically sourced from RABBITMQ_URL).
func Dial(url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	return &Connection{conn: conn}, nil
}

// NotifyClose returns a channel that receives exactly one *amqp.Error
// (possibly nil, on a clean close) when the connection is lost. The
// worker framework treats any receive on this channel as fatal: the
// broker I/O activity exits and the process terminates non-zero so a
// container supervisor can restart it.
func (c *Connection) NotifyClose() <-chan *amqp.Error {
	ch := make(chan *amqp.Error, 1)
	c.conn.NotifyClose(ch)
	return ch
}

// Channel opens a new AMQP channel on this connection and wraps it.
func (c *Connection) Channel() (*Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("transport: channel: %w", err)
	}
	if err := ch.Tx(); err != nil {
		return nil, fmt.Errorf("transport: tx_select: %w", err)
	}
	return &Channel{ch: ch}, nil
}

// Close closes the underlying connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// Ping reports whether the underlying connection is still open, so
// Connection satisfies httpx.HealthChecker.
func (c *Connection) Ping(_ context.Context) error {
	if c.conn.IsClosed() {
		return fmt.Errorf("transport: connection closed")
	}
	return nil
}
