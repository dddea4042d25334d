package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acontext-io/acontext/internal/common/logger"
)

const (
	// memoryMaxDeliveries bounds redelivery of a failing message so a broken
	// handler cannot spin forever. Mirrors a JetStream consumer MaxDeliver.
	memoryMaxDeliveries = 5

	// memoryRedeliveryDelay spaces redeliveries out.
	memoryRedeliveryDelay = 50 * time.Millisecond
)

// MemoryEventBus implements EventBus using in-memory goroutine dispatch.
// Used when no NATS URL is configured (tests, single-process dev mode).
type MemoryEventBus struct {
	queues map[string]*queueGroup // keyed by queue + ":" + subject
	mu     sync.RWMutex
	logger *logger.Logger
	closed bool
	wg     sync.WaitGroup
}

// memorySubscription represents an in-memory queue subscription.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	queue   string
	handler EventHandler
	active  bool
	mu      sync.Mutex
}

// queueGroup delivers each event to one subscriber, round-robin.
type queueGroup struct {
	subscribers []*memorySubscription
	nextIndex   int
	mu          sync.Mutex
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	queueKey := s.queue + ":" + s.subject
	if qg, ok := s.bus.queues[queueKey]; ok {
		qg.mu.Lock()
		for i, sub := range qg.subscribers {
			if sub == s {
				qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
				break
			}
		}
		qg.mu.Unlock()
	}

	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		queues: make(map[string]*queueGroup),
		logger: log,
	}
}

// Publish delivers the event to one subscriber per matching queue group.
// Delivery is asynchronous; handler errors trigger bounded redelivery.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for queueKey, qg := range b.queues {
		if !subjectOfKey(queueKey, subject) {
			continue
		}
		b.deliverToQueue(qg, subject, event)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// subjectOfKey reports whether a queue key ("queue:subject") targets subject.
func subjectOfKey(queueKey, subject string) bool {
	for i := 0; i < len(queueKey); i++ {
		if queueKey[i] == ':' {
			return queueKey[i+1:] == subject
		}
	}
	return false
}

// QueueSubscribe creates a queue subscription for load balancing.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		queue:   queue,
		handler: handler,
		active:  true,
	}

	queueKey := queue + ":" + subject
	if _, ok := b.queues[queueKey]; !ok {
		b.queues[queueKey] = &queueGroup{}
	}
	b.queues[queueKey].subscribers = append(b.queues[queueKey].subscribers, sub)

	b.logger.Info("queue subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

// deliverToQueue hands the event to one active subscriber (round-robin) and
// retries on handler error up to memoryMaxDeliveries.
func (b *MemoryEventBus) deliverToQueue(qg *queueGroup, subject string, event *Event) {
	qg.mu.Lock()
	defer qg.mu.Unlock()

	if len(qg.subscribers) == 0 {
		return
	}

	startIndex := qg.nextIndex
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (startIndex + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]

		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()

		if !active {
			continue
		}
		qg.nextIndex = (idx + 1) % len(qg.subscribers)

		b.wg.Add(1)
		go func(s *memorySubscription, e *Event) {
			defer b.wg.Done()
			for attempt := 1; attempt <= memoryMaxDeliveries; attempt++ {
				err := s.handler(context.Background(), e)
				if err == nil {
					return
				}
				b.logger.Warn("event handler failed, redelivering",
					zap.String("subject", subject),
					zap.String("event_id", e.ID),
					zap.Int("attempt", attempt),
					zap.Error(err))
				if attempt < memoryMaxDeliveries {
					time.Sleep(memoryRedeliveryDelay)
				}
			}
			b.logger.Error("event dropped after max deliveries",
				zap.String("subject", subject),
				zap.String("event_id", e.ID))
		}(sub, event)
		return
	}
}

// Flush blocks until all in-flight deliveries have completed. Test helper.
func (b *MemoryEventBus) Flush() {
	b.wg.Wait()
}

// Close closes the event bus.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, qg := range b.queues {
		qg.mu.Lock()
		for _, sub := range qg.subscribers {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
		qg.mu.Unlock()
	}
	b.queues = make(map[string]*queueGroup)

	b.logger.Info("memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
