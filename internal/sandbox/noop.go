package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// NoopBackend is an in-process backend that executes nothing. Commands
// succeed with empty output and files read back empty. It backs tests and
// deployments without an execution backend configured.
type NoopBackend struct {
	mu    sync.Mutex
	alive map[string]bool
}

// NewNoopBackend creates an empty no-op backend.
func NewNoopBackend() *NoopBackend {
	return &NoopBackend{alive: make(map[string]bool)}
}

func (b *NoopBackend) Provision(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := "noop-" + uuid.New().String()
	b.alive[id] = true
	return id, nil
}

func (b *NoopBackend) Exec(ctx context.Context, backendID, command string) (*ExecResult, error) {
	if err := b.check(backendID); err != nil {
		return nil, err
	}
	return &ExecResult{ExitCode: 0}, nil
}

func (b *NoopBackend) ReadFile(ctx context.Context, backendID, path string) ([]byte, error) {
	if err := b.check(backendID); err != nil {
		return nil, err
	}
	return []byte{}, nil
}

func (b *NoopBackend) Release(ctx context.Context, backendID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.alive, backendID)
	return nil
}

func (b *NoopBackend) check(backendID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.alive[backendID] {
		return fmt.Errorf("sandbox backend %s is not provisioned", backendID)
	}
	return nil
}
