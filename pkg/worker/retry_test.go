package worker

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mediacloud/story-fetcher/pkg/transport"
)

// fakeChannel is an in-memory stand-in for *transport.Channel used to
// unit test the retry/quarantine/requeue dispatch without a broker.
type fakeChannel struct {
	published []fakePublish
	acked     []uint64
	committed int
}

type fakePublish struct {
	routingKey string
	headers    amqp.Table
	expiration string
}

func (f *fakeChannel) Publish(_ context.Context, exchange, routingKey string, body []byte, opts transport.PublishOptions) error {
	f.published = append(f.published, fakePublish{routingKey: routingKey, headers: opts.Headers, expiration: opts.ExpirationMS})
	return nil
}

func (f *fakeChannel) Ack(tag uint64, multiple bool) error {
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeChannel) TxCommit() error {
	f.committed++
	return nil
}

func newTestWorker(maxRetries int, noQuarantine func(error) bool) *Worker {
	return New(Config{
		Name:       "test",
		MaxRetries: maxRetries,
		NoQuarantine: noQuarantine,
	}, func(_ context.Context, _ transport.InputMessage) Outcome { return Outcome{} })
}

func TestTransientRetriesBelowMax(t *testing.T) {
	w := newTestWorker(10, nil)
	im := transport.InputMessage{Delivery: amqp.Delivery{DeliveryTag: 1, Headers: amqp.Table{}}}
	fc := &fakeChannel{}

	cb := w.buildCallback(im, TransientOutcome(errors.New("boom")))
	if err := cb(fc); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if len(fc.published) != 1 || fc.published[0].routingKey != "test-delay" {
		t.Fatalf("expected publish to test-delay, got %+v", fc.published)
	}
	if fc.published[0].headers[transport.HeaderRetries] != 1 {
		t.Fatalf("expected retries incremented to 1, got %v", fc.published[0].headers[transport.HeaderRetries])
	}
	if len(fc.acked) != 1 || fc.committed != 1 {
		t.Fatalf("expected one ack and one commit")
	}
}

func TestTransientExhaustedQuarantines(t *testing.T) {
	w := newTestWorker(2, nil)
	im := transport.InputMessage{Delivery: amqp.Delivery{DeliveryTag: 1, Headers: amqp.Table{transport.HeaderRetries: int32(2)}}}
	fc := &fakeChannel{}

	cb := w.buildCallback(im, TransientOutcome(errors.New("boom")))
	if err := cb(fc); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if len(fc.published) != 1 || fc.published[0].routingKey != "test-quar" {
		t.Fatalf("expected publish to test-quar, got %+v", fc.published)
	}
}

func TestTransientExhaustedNoQuarantineDrops(t *testing.T) {
	w := newTestWorker(2, func(error) bool { return true })
	im := transport.InputMessage{Delivery: amqp.Delivery{DeliveryTag: 1, Headers: amqp.Table{transport.HeaderRetries: int32(5)}}}
	fc := &fakeChannel{}

	cb := w.buildCallback(im, TransientOutcome(errors.New("connect refused")))
	if err := cb(fc); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if len(fc.published) != 0 {
		t.Fatalf("expected no publish when dropping, got %+v", fc.published)
	}
	if len(fc.acked) != 1 || fc.committed != 1 {
		t.Fatalf("expected the message to still be acked and committed")
	}
}

func TestRequeuePreservesRetryCount(t *testing.T) {
	w := newTestWorker(10, nil)
	im := transport.InputMessage{Delivery: amqp.Delivery{DeliveryTag: 7, Headers: amqp.Table{transport.HeaderRetries: int32(3)}}}
	fc := &fakeChannel{}

	cb := w.buildCallback(im, RequeueOutcome(errors.New("busy")))
	if err := cb(fc); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if len(fc.published) != 1 || fc.published[0].routingKey != "test-fast" {
		t.Fatalf("expected publish to test-fast, got %+v", fc.published)
	}
	if fc.published[0].headers[transport.HeaderRetries] != int32(3) {
		t.Fatalf("requeue must not touch retry count, got %v", fc.published[0].headers[transport.HeaderRetries])
	}
}

func TestSuccessPublishesAndAcks(t *testing.T) {
	w := newTestWorker(10, nil)
	im := transport.InputMessage{Delivery: amqp.Delivery{DeliveryTag: 9, Headers: amqp.Table{}}}
	fc := &fakeChannel{}

	cb := w.buildCallback(im, SuccessOutcome(OutboundMessage{Exchange: "test-out", Body: []byte("x")}))
	if err := cb(fc); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if len(fc.published) != 1 || len(fc.acked) != 1 || fc.committed != 1 {
		t.Fatalf("expected exactly one publish, ack, and commit")
	}
}
