// Package fanout implements the in-process broadcast bus that carries
// node status and completion updates from the broker consumers to
// every WebSocket connection watching an execution or workflow. It
// takes the place of the hub-and-rooms broadcast primitive the
// WebSocket layer no longer has, generalized to be transport-agnostic:
// the bus knows nothing about gorilla/websocket, only about topics and
// lag-tolerant subscriber channels.
package fanout

import (
	"fmt"
	"log/slog"
	"sync"
)

const subscriberBufferSize = 100

// Bus multiplexes published messages to per-topic subscriber sets.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic
	logger *slog.Logger

	// OnDrop, if set, is called whenever a subscriber's buffer is full
	// and a message is dropped rather than delivered. Wired to a
	// Prometheus counter by the caller; left nil it is simply skipped.
	OnDrop func(topic string)
}

type topic struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan []byte
	nextID      uint64
}

// New builds an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		topics: make(map[string]*topic),
		logger: logger,
	}
}

func executionTopicKey(executionID string) string {
	return fmt.Sprintf("execution:%s", executionID)
}

func workflowTopicKey(workflowID string) string {
	return fmt.Sprintf("workflow:%s", workflowID)
}

// Publish fans a message out to both the execution-scoped topic and
// the workflow-scoped topic, so a subscriber watching either one
// sees it.
func (b *Bus) Publish(executionID, workflowID string, message []byte) {
	b.publish(executionTopicKey(executionID), message)
	b.publish(workflowTopicKey(workflowID), message)
}

func (b *Bus) publish(key string, message []byte) {
	b.mu.RLock()
	t, ok := b.topics[key]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for id, ch := range t.subscribers {
		select {
		case ch <- message:
		default:
			b.logger.Warn("fanout: subscriber channel full, dropping message",
				"topic", key,
				"subscriber_id", id,
			)
			if b.OnDrop != nil {
				b.OnDrop(key)
			}
		}
	}
}

// Subscription is a live subscriber handle. Cancel must be called
// exactly once to release it, typically via defer.
type Subscription struct {
	Updates <-chan []byte
	Cancel  func()
}

// SubscribeExecution opens a subscription to one execution's updates.
func (b *Bus) SubscribeExecution(executionID string) Subscription {
	return b.subscribe(executionTopicKey(executionID))
}

// SubscribeWorkflow opens a subscription to every update published for
// any execution of a workflow.
func (b *Bus) SubscribeWorkflow(workflowID string) Subscription {
	return b.subscribe(workflowTopicKey(workflowID))
}

func (b *Bus) subscribe(key string) Subscription {
	b.mu.Lock()
	t, ok := b.topics[key]
	if !ok {
		t = &topic{subscribers: make(map[uint64]chan []byte)}
		b.topics[key] = t
	}
	b.mu.Unlock()

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	ch := make(chan []byte, subscriberBufferSize)
	t.subscribers[id] = ch
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if _, ok := t.subscribers[id]; ok {
			delete(t.subscribers, id)
			close(ch)
		}
		t.mu.Unlock()
		b.pruneIfEmpty(key, t)
	}

	return Subscription{Updates: ch, Cancel: cancel}
}

func (b *Bus) pruneIfEmpty(key string, t *topic) {
	t.mu.RLock()
	empty := len(t.subscribers) == 0
	t.mu.RUnlock()
	if !empty {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.topics[key]; ok && current == t && len(current.subscribers) == 0 {
		delete(b.topics, key)
	}
}

// TeardownExecution drops the execution-scoped topic once its
// completion message has been published, closing out any subscriber
// still attached so ReadPump/WritePump goroutines can exit.
func (b *Bus) TeardownExecution(executionID string) {
	key := executionTopicKey(executionID)

	b.mu.Lock()
	t, ok := b.topics[key]
	if ok {
		delete(b.topics, key)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	t.mu.Lock()
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
	t.mu.Unlock()
}
