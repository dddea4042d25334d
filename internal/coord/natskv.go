package coord

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/acontext-io/acontext/internal/common/logger"
)

const kvBucket = "acontext-coord"

// NATSStore implements Store on a JetStream key-value bucket.
//
// KV buckets only support a bucket-wide TTL, but lock and timer keys need
// per-key TTLs, so expiry travels in the value (a unix-nano deadline) and
// SetNX resolves races with Create / compare-and-Update on the revision:
//   - Create succeeds        -> key was absent, newly set.
//   - Create fails, unexpired -> already held.
//   - Create fails, expired   -> Update with the observed revision; a lost
//     CAS means another worker claimed it first.
type NATSStore struct {
	kv     nats.KeyValue
	logger *logger.Logger
}

// NewNATSStore creates the coordination bucket if needed and returns a store.
func NewNATSStore(conn *nats.Conn, log *logger.Logger) (*NATSStore, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(kvBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      kvBucket,
			Description: "session locks, buffer timers, learn locks",
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create KV bucket %s: %w", kvBucket, err)
		}
	}

	log.Info("coordination store ready", zap.String("bucket", kvBucket))
	return &NATSStore{kv: kv, logger: log}, nil
}

// SetNX sets key with the given TTL only if absent or expired.
func (s *NATSStore) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	k := encodeKey(key)
	deadline := []byte(strconv.FormatInt(time.Now().Add(ttl).UnixNano(), 10))

	_, err := s.kv.Create(k, deadline)
	if err == nil {
		return true, nil
	}
	if !isKeyExists(err) {
		return false, &UnavailableError{Cause: err}
	}

	// Key present: check expiry and CAS-claim if stale.
	entry, gerr := s.kv.Get(k)
	if gerr != nil {
		if gerr == nats.ErrKeyNotFound {
			// Deleted between Create and Get; one retry via Create.
			if _, cerr := s.kv.Create(k, deadline); cerr == nil {
				return true, nil
			}
			return false, nil
		}
		return false, &UnavailableError{Cause: gerr}
	}

	if !expired(entry.Value()) {
		return false, nil
	}

	if _, uerr := s.kv.Update(k, deadline, entry.Revision()); uerr != nil {
		// Lost the CAS race: someone else claimed the expired key.
		return false, nil
	}
	return true, nil
}

// Delete removes key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(encodeKey(key))
	if err != nil && err != nats.ErrKeyNotFound {
		return &UnavailableError{Cause: err}
	}
	return nil
}

// Exists reports whether key is present and unexpired.
func (s *NATSStore) Exists(ctx context.Context, key string) (bool, error) {
	entry, err := s.kv.Get(encodeKey(key))
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return false, nil
		}
		return false, &UnavailableError{Cause: err}
	}
	return !expired(entry.Value()), nil
}

// Close is a no-op; the underlying connection is owned by the caller.
func (s *NATSStore) Close() error { return nil }

// expired reports whether a stored unix-nano deadline has passed. Unparseable
// values count as expired so a corrupt key cannot wedge a session forever.
func expired(value []byte) bool {
	ns, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return true
	}
	return time.Now().UnixNano() >= ns
}

// encodeKey maps logical keys ("lock:{id}") onto the KV key charset.
func encodeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func isKeyExists(err error) bool {
	if err == nats.ErrKeyExists {
		return true
	}
	// Older servers surface the conflict as a wrong-sequence API error.
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}
