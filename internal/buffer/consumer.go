package buffer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/acontext-io/acontext/internal/common/logger"
	"github.com/acontext-io/acontext/internal/coord"
	"github.com/acontext-io/acontext/internal/events"
	"github.com/acontext-io/acontext/internal/events/bus"
	"github.com/acontext-io/acontext/internal/store"
)

// AgentRunner absorbs a session's drained pending messages. Implemented by
// the task agent.
type AgentRunner interface {
	Run(ctx context.Context, projectID, sessionID string, pending []*store.Message) error
}

// Consumer drains buffered sessions under the session lock and hands the
// pending messages to the task agent.
type Consumer struct {
	store   *store.Store
	coord   coord.Store
	bus     bus.EventBus
	agent   AgentRunner
	log     *logger.Logger
	lockTTL time.Duration
}

// NewConsumer creates a session-message consumer.
func NewConsumer(st *store.Store, cs coord.Store, eb bus.EventBus, agent AgentRunner, log *logger.Logger, lockTTL time.Duration) *Consumer {
	return &Consumer{
		store:   st,
		coord:   cs,
		bus:     eb,
		agent:   agent,
		log:     log,
		lockTTL: lockTTL,
	}
}

// Subscribe attaches the consumer to the buffered-message subject.
func (c *Consumer) Subscribe() (bus.Subscription, error) {
	return c.bus.QueueSubscribe(events.SubjectBufferedMessage, events.QueueSessionConsumer, c.handle)
}

func (c *Consumer) handle(ctx context.Context, event *bus.Event) error {
	var body events.MessageBody
	if err := event.DecodeData(&body); err != nil {
		c.log.Error("invalid buffered-message body", zap.Error(err))
		return nil
	}
	return c.Process(ctx, &body)
}

// Process drains one buffered session delivery.
func (c *Consumer) Process(ctx context.Context, body *events.MessageBody) error {
	log := c.log.WithSessionID(body.SessionID)
	q := c.store.Q()

	if !body.SkipLatestCheck {
		latest, err := q.LatestPendingID(ctx, body.SessionID)
		if err != nil {
			return err
		}
		if latest != body.MessageID {
			return nil
		}
	}

	pending, err := q.PendingMessages(ctx, body.SessionID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		// Another consumer already drained this session.
		return nil
	}

	lockKey := coord.SessionLockKey(body.SessionID)
	acquired, err := c.coord.SetNX(ctx, lockKey, c.lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		// Another worker is processing this session. Republish once and let
		// the new delivery re-enter the pipeline after the holder finishes.
		retry := *body
		retry.SkipLatestCheck = false
		event, err := bus.NewEvent(events.TypeBufferedMessage, eventSource, &retry)
		if err != nil {
			return err
		}
		log.Debug("session lock contended, republishing")
		return c.bus.Publish(ctx, events.SubjectBufferedMessage, event)
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.coord.Delete(releaseCtx, lockKey); err != nil {
			log.Error("failed to release session lock", zap.Error(err))
		}
	}()

	if err := c.agent.Run(ctx, body.ProjectID, body.SessionID, pending); err != nil {
		// Agent rejections are final for this delivery: the iteration's
		// writes rolled back and a later message or timer re-drives the
		// session. Ack rather than redeliver.
		log.Error("task agent failed", zap.Error(err))
	}
	return nil
}
