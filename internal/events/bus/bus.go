// Package bus provides durable event bus abstractions for the message pipeline.
//
// Delivery is at-least-once: a handler returning an error causes the message to
// be redelivered. Consumers are expected to be idempotent on content and use the
// coordination store locks to enforce singleton execution.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"` // Service that produced the event
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp. The body is
// marshaled to JSON; a marshal failure returns the error unwrapped so callers
// can treat it as fatal (bodies are plain structs and never fail in practice).
func NewEvent(eventType, source string, body any) (*Event, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// DecodeData unmarshals the event body into out.
func (e *Event) DecodeData(out any) error {
	return json.Unmarshal(e.Data, out)
}

// EventHandler is a function that handles an event. Returning an error causes
// the delivery to be retried (nack/redelivery).
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// QueueSubscribe creates a queue subscription for load balancing.
	// Each message is delivered to exactly one subscriber in the queue group;
	// handler errors trigger redelivery.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
