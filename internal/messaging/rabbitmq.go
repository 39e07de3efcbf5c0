// Package messaging owns the long-lived RabbitMQ connection RTES
// consumes from: one channel, four queues, each drained by its own
// Consume-backed loop for as long as the process runs.
package messaging

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config names the four queues RTES consumes and the token queue's
// concurrency and dead-letter tuning. The token queue is the only one
// that gets either: a flood of token grants must not starve the three
// workflow-event queues sharing this connection, and a token grant
// that can't be indexed is worth inspecting rather than retrying
// forever.
type Config struct {
	URL              string
	TokenQueue       string
	ExecutionQueue   string
	StatusQueue      string
	CompletionQueue  string
	TokenConcurrency int
	TokenDLXExchange string
	TokenDLQQueue    string
	QueueDurable     bool
}

// eventsExchange is the durable topic exchange the three workflow-event
// queues are bound to, each under a routing key equal to its own queue
// name. The token queue is never bound to it; it is addressed directly.
const eventsExchange = "workflows"

// Handler processes one decoded message body. Returning an error nacks
// the delivery; nil acks it.
type Handler func(ctx context.Context, body []byte) error

// Consumer owns the AMQP connection and channel the four consumer
// loops run over.
type Consumer struct {
	cfg    Config
	logger *slog.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
}

// Connect dials RabbitMQ, opens a channel, sets a prefetch limit of
// TokenConcurrency on it, declares the token queue's dead-letter
// exchange/queue, and declares+binds the workflows exchange and its
// three event queues. All four consumers share this one channel, so
// the prefetch limit applies to the event queues as well as the token
// queue.
func Connect(cfg Config, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("messaging: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("messaging: open channel: %w", err)
	}

	if err := ch.Qos(cfg.TokenConcurrency, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("messaging: set qos: %w", err)
	}

	if err := declareTokenDeadLetterTopology(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := declareEventsTopology(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{cfg: cfg, logger: logger, conn: conn, channel: ch}, nil
}

// declareEventsTopology declares the workflows topic exchange and, for
// each of the three workflow-event queues, declares the queue and
// binds it to the exchange under a routing key equal to its own name.
// The token queue is addressed directly and never bound here.
func declareEventsTopology(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(eventsExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("messaging: declare events exchange: %w", err)
	}

	for _, queue := range []string{cfg.ExecutionQueue, cfg.StatusQueue, cfg.CompletionQueue} {
		if _, err := ch.QueueDeclare(queue, cfg.QueueDurable, false, false, false, nil); err != nil {
			return fmt.Errorf("messaging: declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, queue, eventsExchange, false, nil); err != nil {
			return fmt.Errorf("messaging: bind queue %s: %w", queue, err)
		}
	}

	return nil
}

func declareTokenDeadLetterTopology(ch *amqp.Channel, cfg Config) error {
	if cfg.TokenDLXExchange == "" {
		return nil
	}

	if err := ch.ExchangeDeclare(cfg.TokenDLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("messaging: declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.TokenDLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("messaging: declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(cfg.TokenDLQQueue, "", cfg.TokenDLXExchange, false, nil); err != nil {
		return fmt.Errorf("messaging: bind dead-letter queue: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.TokenQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": cfg.TokenDLXExchange,
	}); err != nil {
		return fmt.Errorf("messaging: declare token queue: %w", err)
	}

	return nil
}

// NotifyClose reports when the underlying connection goes down, so the
// caller can reconnect and restart its consumer loops.
func (c *Consumer) NotifyClose() chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Ping reports whether the underlying connection is open, used by the
// readiness handler.
func (c *Consumer) Ping() error {
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("messaging: connection closed")
	}
	return nil
}

// Close shuts down the channel and connection.
func (c *Consumer) Close() error {
	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("messaging: close: %v", errs)
	}
	return nil
}

// QueueDepths passively inspects the four consumer queues and returns
// each one's current message count, keyed by queue name. Passive
// inspection never declares a missing queue; the first queue that
// cannot be inspected fails the whole call with a nil map.
func (c *Consumer) QueueDepths() (map[string]int, error) {
	queues := []string{c.cfg.TokenQueue, c.cfg.ExecutionQueue, c.cfg.StatusQueue, c.cfg.CompletionQueue}
	depths := make(map[string]int, len(queues))

	for _, q := range queues {
		info, err := c.channel.QueueInspectPassive(q)
		if err != nil {
			return nil, fmt.Errorf("messaging: inspect queue %s: %w", q, err)
		}
		depths[q] = info.Messages
	}

	return depths, nil
}

// ConsumeTokenGrants runs TokenConcurrency worker goroutines over the
// token queue. A handler error nacks without requeue: the dead-letter
// exchange catches it for inspection rather than retrying forever.
func (c *Consumer) ConsumeTokenGrants(ctx context.Context, handler Handler) error {
	return c.runLoop(ctx, c.cfg.TokenQueue, c.cfg.TokenConcurrency, false, handler)
}

// ConsumeExecutionMessages runs a single worker over the node
// execution queue. Handler errors requeue: the execution store's
// writes are upserts, so a redelivered message is harmless.
func (c *Consumer) ConsumeExecutionMessages(ctx context.Context, handler Handler) error {
	return c.runLoop(ctx, c.cfg.ExecutionQueue, 1, true, handler)
}

// ConsumeStatusMessages runs a single worker over the node status
// queue, requeueing on failure for the same reason.
func (c *Consumer) ConsumeStatusMessages(ctx context.Context, handler Handler) error {
	return c.runLoop(ctx, c.cfg.StatusQueue, 1, true, handler)
}

// ConsumeCompletionMessages runs a single worker over the workflow
// completion queue, requeueing on failure for the same reason.
func (c *Consumer) ConsumeCompletionMessages(ctx context.Context, handler Handler) error {
	return c.runLoop(ctx, c.cfg.CompletionQueue, 1, true, handler)
}

func (c *Consumer) runLoop(ctx context.Context, queue string, concurrency int, requeueOnFailure bool, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	deliveries, err := c.channel.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("messaging: consume %s: %w", queue, err)
	}

	workers := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		go c.worker(ctx, queue, deliveries, requeueOnFailure, handler, workers)
	}

	<-ctx.Done()
	for i := 0; i < concurrency; i++ {
		<-workers
	}
	return ctx.Err()
}

func (c *Consumer) worker(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, requeueOnFailure bool, handler Handler, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if err := handler(ctx, delivery.Body); err != nil {
				c.logger.Error("messaging: handler failed",
					"queue", queue,
					"requeue", requeueOnFailure,
					"error", err,
				)
				if nackErr := delivery.Nack(false, requeueOnFailure); nackErr != nil {
					c.logger.Error("messaging: nack failed", "queue", queue, "error", nackErr)
				}
				continue
			}
			if ackErr := delivery.Ack(false); ackErr != nil {
				c.logger.Error("messaging: ack failed", "queue", queue, "error", ackErr)
			}
		}
	}
}
