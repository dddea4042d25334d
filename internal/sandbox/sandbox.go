// Package sandbox exposes command execution environments behind a narrow
// backend interface and records every interaction in the sandbox log. The
// unified sandbox UUID is the only identifier that crosses the API boundary;
// backend-specific ids stay internal and the log outlives the backend.
package sandbox

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acontext-io/acontext/internal/common/logger"
	"github.com/acontext-io/acontext/internal/store"
)

// ExecResult is the outcome of one command.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Backend provisions and drives execution environments. Implementations are
// keyed by their own backend id.
type Backend interface {
	// Provision creates a new environment and returns its backend id.
	Provision(ctx context.Context) (string, error)

	// Exec runs a command in the environment.
	Exec(ctx context.Context, backendID, command string) (*ExecResult, error)

	// ReadFile returns the content of a file produced in the environment.
	ReadFile(ctx context.Context, backendID, path string) ([]byte, error)

	// Release tears the environment down. The sandbox log persists.
	Release(ctx context.Context, backendID string) error
}

// Gateway maps unified sandbox UUIDs to backend environments and persists
// the command and file history.
type Gateway struct {
	store   *store.Store
	backend Backend
	log     *logger.Logger
}

// NewGateway creates a sandbox gateway over the given backend.
func NewGateway(st *store.Store, backend Backend, log *logger.Logger) *Gateway {
	return &Gateway{store: st, backend: backend, log: log}
}

// Open provisions a new sandbox for the project and returns its unified UUID.
func (g *Gateway) Open(ctx context.Context, projectID string) (string, error) {
	backendID, err := g.backend.Provision(ctx)
	if err != nil {
		return "", err
	}
	sl := &store.SandboxLog{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		BackendID: backendID,
	}
	if err := g.store.Q().CreateSandboxLog(ctx, sl); err != nil {
		if rerr := g.backend.Release(ctx, backendID); rerr != nil {
			g.log.Error("failed to release orphaned sandbox", zap.Error(rerr))
		}
		return "", err
	}
	return sl.ID, nil
}

// Exec runs a command in the sandbox and appends it to the command history.
func (g *Gateway) Exec(ctx context.Context, sandboxID, command string) (*ExecResult, error) {
	sl, err := g.store.Q().GetSandboxLog(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	result, err := g.backend.Exec(ctx, sl.BackendID, command)
	if err != nil {
		return nil, err
	}
	if err := g.store.Q().AppendSandboxCommand(ctx, sandboxID, command); err != nil {
		return nil, err
	}
	return result, nil
}

// ExportFile reads a file out of the sandbox and records its path.
func (g *Gateway) ExportFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	sl, err := g.store.Q().GetSandboxLog(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	data, err := g.backend.ReadFile(ctx, sl.BackendID, path)
	if err != nil {
		return nil, err
	}
	if err := g.store.Q().AppendGeneratedFile(ctx, sandboxID, path); err != nil {
		return nil, err
	}
	return data, nil
}

// Close releases the backend environment. The log row stays behind as the
// audit trail.
func (g *Gateway) Close(ctx context.Context, sandboxID string) error {
	sl, err := g.store.Q().GetSandboxLog(ctx, sandboxID)
	if err != nil {
		return err
	}
	return g.backend.Release(ctx, sl.BackendID)
}

// History returns the persisted log for a sandbox.
func (g *Gateway) History(ctx context.Context, sandboxID string) (*store.SandboxLog, error) {
	return g.store.Q().GetSandboxLog(ctx, sandboxID)
}
