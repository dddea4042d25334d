// Package coord provides the coordination store: a small KV surface with
// atomic set-if-absent plus TTL, used for session locks, buffer timers, and
// learning-space locks.
package coord

import (
	"context"
	"fmt"
	"time"
)

// Key builders. Keys are namespaced per concern; the TTL policy differs per
// namespace (see the callers).
func SessionLockKey(sessionID string) string { return "lock:" + sessionID }
func BufferTimerKey(sessionID string) string { return "buffer-timer:" + sessionID }
func LearnLockKey(spaceID string) string     { return "learn-lock:" + spaceID }

// Store is the coordination store surface. All mutations are atomic.
type Store interface {
	// SetNX sets key with the given TTL only if it is absent (or its previous
	// value has expired). Returns true if the key was newly set.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases resources.
	Close() error
}

// ErrUnavailable wraps transport failures so callers can classify them as
// transient.
type UnavailableError struct {
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("coordination store unavailable: %v", e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }
