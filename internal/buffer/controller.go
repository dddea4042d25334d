// Package buffer implements the message buffering stage: the controller that
// decides whether an inbound message flushes now, gets dropped as stale, or
// arms a timer, and the consumer that drains a session under its lock.
package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acontext-io/acontext/internal/common/logger"
	"github.com/acontext-io/acontext/internal/coord"
	"github.com/acontext-io/acontext/internal/events"
	"github.com/acontext-io/acontext/internal/events/bus"
	"github.com/acontext-io/acontext/internal/store"
)

const eventSource = "acontext-server"

// Controller handles every accepted user message and decides its buffering
// fate: drop (stale), immediate flush, or timer arming.
type Controller struct {
	store *store.Store
	coord coord.Store
	bus   bus.EventBus
	log   *logger.Logger

	timerSleep func(time.Duration)
	timers     sync.WaitGroup
}

// NewController creates a buffer controller.
func NewController(st *store.Store, cs coord.Store, eb bus.EventBus, log *logger.Logger) *Controller {
	return &Controller{
		store:      st,
		coord:      cs,
		bus:        eb,
		log:        log,
		timerSleep: time.Sleep,
	}
}

// Subscribe attaches the controller to the new-message subject.
func (c *Controller) Subscribe() (bus.Subscription, error) {
	return c.bus.QueueSubscribe(events.SubjectNewMessage, events.QueueBufferController, c.handle)
}

func (c *Controller) handle(ctx context.Context, event *bus.Event) error {
	var body events.MessageBody
	if err := event.DecodeData(&body); err != nil {
		c.log.Error("invalid new-message body", zap.Error(err))
		return nil // malformed payloads never become deliverable; drop
	}
	return c.Process(ctx, &body)
}

// Process runs the buffering decision for one message.
func (c *Controller) Process(ctx context.Context, body *events.MessageBody) error {
	log := c.log.WithSessionID(body.SessionID)
	q := c.store.Q()

	sess, err := q.GetSession(ctx, body.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("session vanished before buffering")
			return nil
		}
		return err
	}
	if sess.DisableTaskTracking {
		return nil
	}

	if !body.SkipLatestCheck {
		latest, err := q.LatestPendingID(ctx, body.SessionID)
		if err != nil {
			return err
		}
		if latest != body.MessageID {
			// A newer message drives processing; this one is superseded.
			log.Debug("dropping stale message", zap.String("message_id", body.MessageID))
			return nil
		}
	}

	cfg, err := q.GetProjectConfig(ctx, body.ProjectID)
	if err != nil {
		return err
	}
	pending, err := q.CountPending(ctx, body.SessionID)
	if err != nil {
		return err
	}

	switch {
	case pending >= cfg.BufferMaxTurns+cfg.BufferMaxOverflow:
		log.Warn("session buffer overflowed, forcing flush",
			zap.Int("pending", pending),
			zap.Int("max_turns", cfg.BufferMaxTurns),
			zap.Int("max_overflow", cfg.BufferMaxOverflow))
		return c.publishBuffered(ctx, body)
	case pending >= cfg.BufferMaxTurns:
		return c.publishBuffered(ctx, body)
	}

	armed, err := c.coord.SetNX(ctx, coord.BufferTimerKey(body.SessionID), cfg.BufferTTL())
	if err != nil {
		return err
	}
	if !armed {
		// A timer is already pacing this session.
		return nil
	}

	timerBody := *body
	timerBody.SkipLatestCheck = true
	c.timers.Add(1)
	go c.runTimer(&timerBody, cfg.BufferTTL())
	log.Debug("armed buffer timer", zap.Duration("ttl", cfg.BufferTTL()))
	return nil
}

// runTimer is the detached backstop: it sleeps out the TTL window and then
// forces a flush that bypasses the staleness check.
func (c *Controller) runTimer(body *events.MessageBody, ttl time.Duration) {
	defer c.timers.Done()
	c.timerSleep(ttl)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.publishBuffered(ctx, body); err != nil {
		c.log.WithSessionID(body.SessionID).Error("timer flush publish failed", zap.Error(err))
	}
}

func (c *Controller) publishBuffered(ctx context.Context, body *events.MessageBody) error {
	event, err := bus.NewEvent(events.TypeBufferedMessage, eventSource, body)
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, events.SubjectBufferedMessage, event)
}

// WaitTimers blocks until all spawned timer goroutines have fired. Test hook.
func (c *Controller) WaitTimers() {
	c.timers.Wait()
}
