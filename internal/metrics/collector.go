package metrics

import (
	"context"
	"log/slog"
	"time"
)

// QueueDepther reports the current message count of each queue it
// watches; satisfied by *messaging.Consumer.
type QueueDepther interface {
	QueueDepths() (map[string]int, error)
}

// Collector periodically polls a broker connection's queue depths and
// records them on Metrics.
type Collector struct {
	metrics *Metrics
	broker  QueueDepther
	logger  *slog.Logger
	stopCh  chan struct{}
}

// NewCollector creates a new queue-depth collector.
func NewCollector(metrics *Metrics, broker QueueDepther, logger *slog.Logger) *Collector {
	return &Collector{
		metrics: metrics,
		broker:  broker,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start polls queue depths at the given interval until ctx is
// cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectOnce()
		}
	}
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collectOnce() {
	depths, err := c.broker.QueueDepths()
	if err != nil {
		c.logger.Error("failed to collect queue depths", "error", err)
		return
	}

	for queue, depth := range depths {
		c.metrics.SetQueueDepth(queue, float64(depth))
	}
}
