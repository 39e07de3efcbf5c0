package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

// fakeAcknowledger records Ack/Nack calls against a delivery tag
// without needing a live broker connection.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func testConsumer(t *testing.T) *Consumer {
	return &Consumer{
		cfg:    Config{TokenQueue: "token", ExecutionQueue: "execution", StatusQueue: "status", CompletionQueue: "completion"},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestConsumer_worker_acksOnSuccess(t *testing.T) {
	c := testConsumer(t)
	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("payload")}
	close(deliveries)

	var got []byte
	handler := func(ctx context.Context, body []byte) error {
		got = body
		return nil
	}

	done := make(chan struct{}, 1)
	c.worker(context.Background(), "execution", deliveries, true, handler, done)

	require.Equal(t, []byte("payload"), got)
	require.Equal(t, []uint64{1}, ack.acked)
	require.Empty(t, ack.nacked)
}

func TestConsumer_worker_nacksWithRequeueOnHandlerError(t *testing.T) {
	c := testConsumer(t)
	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: []byte("bad")}
	close(deliveries)

	handler := func(ctx context.Context, body []byte) error {
		return errors.New("transient failure")
	}

	done := make(chan struct{}, 1)
	c.worker(context.Background(), "status", deliveries, true, handler, done)

	require.Equal(t, []uint64{7}, ack.nacked)
	require.Equal(t, []bool{true}, ack.requeue)
	require.Empty(t, ack.acked)
}

func TestConsumer_worker_nacksWithoutRequeueForTokenQueue(t *testing.T) {
	c := testConsumer(t)
	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte("bad-token")}
	close(deliveries)

	handler := func(ctx context.Context, body []byte) error {
		return errors.New("malformed token")
	}

	done := make(chan struct{}, 1)
	c.worker(context.Background(), "token", deliveries, false, handler, done)

	require.Equal(t, []bool{false}, ack.requeue, "token queue failures must not requeue, only dead-letter")
}

func TestConsumer_worker_stopsOnContextCancel(t *testing.T) {
	c := testConsumer(t)
	deliveries := make(chan amqp.Delivery)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 1)

	go c.worker(ctx, "execution", deliveries, true, func(ctx context.Context, body []byte) error { return nil }, done)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after context cancellation")
	}
}
