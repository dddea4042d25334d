package buffer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/acontext-io/acontext/internal/coord"
)

// ErrFlushContended is returned when the manual flush path exhausts its
// retries without ever acquiring the session lock.
var ErrFlushContended = errors.New("session is busy, flush retries exhausted")

// Flush synchronously drains a session's pending messages. It is the manual
// variant invoked by the HTTP layer: it retries lock acquisition a bounded
// number of times, sleeping between attempts, and fails with
// ErrFlushContended rather than spinning forever.
func (c *Consumer) Flush(ctx context.Context, projectID, sessionID string, maxRetries int, retryDelay time.Duration) error {
	log := c.log.WithSessionID(sessionID)
	lockKey := coord.SessionLockKey(sessionID)

	for attempt := 0; attempt < maxRetries; attempt++ {
		acquired, err := c.coord.SetNX(ctx, lockKey, c.lockTTL)
		if err != nil {
			return err
		}
		if acquired {
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := c.coord.Delete(releaseCtx, lockKey); err != nil {
					log.Error("failed to release session lock", zap.Error(err))
				}
			}()

			pending, err := c.store.Q().PendingMessages(ctx, sessionID)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				return nil
			}
			return c.agent.Run(ctx, projectID, sessionID, pending)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return ErrFlushContended
}
