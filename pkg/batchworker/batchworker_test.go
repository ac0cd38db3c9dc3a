package batchworker

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mediacloud/story-fetcher/pkg/transport"
	"github.com/mediacloud/story-fetcher/pkg/worker"
)

type fakeChannel struct {
	published []fakePublish
	acked     []ackCall
	committed int
}

type fakePublish struct {
	routingKey string
	headers    amqp.Table
}

type ackCall struct {
	tag      uint64
	multiple bool
}

func (f *fakeChannel) Publish(_ context.Context, _, routingKey string, _ []byte, opts transport.PublishOptions) error {
	f.published = append(f.published, fakePublish{routingKey: routingKey, headers: opts.Headers})
	return nil
}

func (f *fakeChannel) Ack(tag uint64, multiple bool) error {
	f.acked = append(f.acked, ackCall{tag: tag, multiple: multiple})
	return nil
}

func (f *fakeChannel) TxCommit() error {
	f.committed++
	return nil
}

func testConfig() Config {
	return Config{
		Config: worker.Config{Name: "archiver", MaxRetries: 10},
	}.WithDefaults()
}

func msgWithTag(tag uint64) transport.InputMessage {
	return transport.InputMessage{
		Delivery:   amqp.Delivery{DeliveryTag: tag, Headers: amqp.Table{}},
		ReceivedAt: time.Now(),
	}
}

// TestSuccessfulBatchAcksOnce covers Property 8: a successful batch is
// acked exactly once with multiple=true against the last message.
func TestSuccessfulBatchAcksOnce(t *testing.T) {
	w := &Worker{cfg: testConfig()}
	msgs := []transport.InputMessage{msgWithTag(1), msgWithTag(2), msgWithTag(3)}

	cb := w.buildBatchCallback(msgs, nil)
	fc := &fakeChannel{}
	if err := cb(fc); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if len(fc.published) != 0 {
		t.Fatalf("a successful batch must not publish anything, got %+v", fc.published)
	}
	if len(fc.acked) != 1 || fc.acked[0].tag != 3 || !fc.acked[0].multiple {
		t.Fatalf("expected one multiple-ack against the last message's tag, got %+v", fc.acked)
	}
	if fc.committed != 1 {
		t.Fatalf("expected exactly one commit")
	}
}

// TestFailedBatchRetriesEveryMessage covers Property 8's failure path:
// every message in a failed batch is individually retried, and the
// whole batch is still acked once at the end.
func TestFailedBatchRetriesEveryMessage(t *testing.T) {
	w := &Worker{cfg: testConfig()}
	msgs := []transport.InputMessage{msgWithTag(1), msgWithTag(2), msgWithTag(3)}

	cb := w.buildBatchCallback(msgs, errors.New("disk full"))
	fc := &fakeChannel{}
	if err := cb(fc); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if len(fc.published) != 3 {
		t.Fatalf("expected all 3 messages republished to the delay queue, got %+v", fc.published)
	}
	for _, p := range fc.published {
		if p.routingKey != "archiver-delay" {
			t.Fatalf("expected publish to archiver-delay, got %q", p.routingKey)
		}
	}
	if len(fc.acked) != 1 || fc.acked[0].tag != 3 || !fc.acked[0].multiple {
		t.Fatalf("expected one multiple-ack even on batch failure, got %+v", fc.acked)
	}
	if fc.committed != 1 {
		t.Fatalf("expected exactly one commit")
	}
}

// TestEmptyBatchIsNoOp guards against a spurious ack when somehow no
// messages were collected (should not happen in practice, but the
// callback must not panic or ack a zero tag).
func TestEmptyBatchIsNoOp(t *testing.T) {
	w := &Worker{cfg: testConfig()}
	cb := w.buildBatchCallback(nil, nil)
	fc := &fakeChannel{}
	if err := cb(fc); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if len(fc.acked) != 0 || fc.committed != 0 {
		t.Fatalf("an empty batch must not ack or commit")
	}
}

// TestValidateRejectsTooLargeBatchSeconds covers the startup assertion
// that BatchSeconds must leave WorkTime free before
// ConsumerTimeoutSeconds.
func TestValidateRejectsTooLargeBatchSeconds(t *testing.T) {
	cfg := Config{
		Config:                 worker.Config{Name: "archiver"},
		BatchSeconds:           29 * 60,
		WorkTime:               5 * 60,
		ConsumerTimeoutSeconds: 30 * 60,
	}.WithDefaults()

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when batch-seconds leaves no headroom for work-time")
	}
}

func TestValidateAcceptsDefaultConfig(t *testing.T) {
	cfg := Config{Config: worker.Config{Name: "archiver"}}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

// TestBatchLoopRespectsCountTrigger covers Property 8's count-trigger
// path end to end through Worker.batchLoop, using a fake EndOfBatch
// that records how many messages each invocation received.
func TestBatchLoopRespectsCountTrigger(t *testing.T) {
	cfg := Config{
		Config:       worker.Config{Name: "archiver"},
		BatchSize:    2,
		BatchSeconds: 3600,
	}.WithDefaults()

	var gotCounts []int
	w := New(cfg, func(_ context.Context, msgs []transport.InputMessage) error {
		gotCounts = append(gotCounts, len(msgs))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.batchLoop(ctx)
		close(done)
	}()

	w.handoff <- msgWithTag(1)
	w.handoff <- msgWithTag(2)

	select {
	case cb := <-w.callbacks:
		fc := &fakeChannel{}
		if err := cb(fc); err != nil {
			t.Fatalf("callback: %v", err)
		}
		if len(fc.acked) != 1 || fc.acked[0].tag != 2 {
			t.Fatalf("expected the 2-message batch to ack tag 2, got %+v", fc.acked)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch callback")
	}

	close(w.handoff)
	<-done

	if len(gotCounts) != 1 || gotCounts[0] != 2 {
		t.Fatalf("expected exactly one end-of-batch call with 2 messages, got %v", gotCounts)
	}
}
