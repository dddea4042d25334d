package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/acontext-io/acontext/internal/common/config"
	"github.com/acontext-io/acontext/internal/common/logger"
)

const (
	// streamName is the JetStream stream backing all pipeline subjects.
	streamName = "ACONTEXT"

	// streamSubjects captures every pipeline subject under one stream.
	streamSubjects = "acontext.>"

	// maxDeliver bounds redelivery of a failing message.
	maxDeliver = 5

	// ackWait is how long JetStream waits for an ack before redelivering.
	// Must exceed the longest handler runtime (an LLM-bound agent run).
	ackWait = 15 * time.Minute
)

// NATSEventBus implements EventBus using NATS JetStream for durable,
// at-least-once delivery with per-message redelivery on handler failure.
type NATSEventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logger.Logger
	config config.NATSConfig
}

// NewNATSEventBus connects to NATS, ensures the pipeline stream exists, and
// returns a bus ready for publish/subscribe.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error",
				zap.Error(err),
				zap.String("subject", sub.Subject),
			)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// Ensure the pipeline stream exists (idempotent).
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{streamSubjects},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && !strings.Contains(err.Error(), "already in use") {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	log.Info("connected to NATS JetStream", zap.String("url", cfg.URL))

	return &NATSEventBus{
		conn:   conn,
		js:     js,
		logger: log,
		config: cfg,
	}, nil
}

// Conn exposes the underlying connection so the coordination store can share
// it instead of dialing twice.
func (b *NATSEventBus) Conn() *nats.Conn {
	return b.conn
}

// Publish sends an event to a subject.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		b.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)

	return nil
}

// QueueSubscribe creates a durable queue subscription with explicit acks.
// A handler error naks the message, which JetStream redelivers.
func (b *NATSEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	sub, err := b.js.QueueSubscribe(subject, queue, b.createMsgHandler(handler),
		nats.Durable(durableName(subject, queue)),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(maxDeliver),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", subject, err)
	}

	b.logger.Debug("queue subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue),
	)
	return &natsSubscription{sub: sub}, nil
}

// createMsgHandler creates a NATS message handler from an EventHandler.
func (b *NATSEventBus) createMsgHandler(handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			// Malformed payloads can never succeed; drop instead of redelivering.
			_ = msg.Term()
			return
		}

		ctx := context.Background()
		if err := handler(ctx, &event); err != nil {
			b.logger.Warn("event handler failed, nacking for redelivery",
				zap.String("subject", msg.Subject),
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.Error(err),
			)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}
}

// durableName derives a stable consumer name from subject and queue.
func durableName(subject, queue string) string {
	s := strings.NewReplacer(".", "-", ">", "all", "*", "any").Replace(subject)
	return queue + "-" + s
}

// Close closes the NATS connection gracefully.
func (b *NATSEventBus) Close() {
	if b.conn != nil {
		// Drain will process pending messages before closing.
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
		b.logger.Info("NATS connection closed")
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSEventBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}
