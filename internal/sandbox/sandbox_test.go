package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acontext-io/acontext/internal/common/logger"
	"github.com/acontext-io/acontext/internal/db"
	"github.com/acontext-io/acontext/internal/store"
)

func newGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	pool, err := db.OpenSQLitePool(":memory:")
	require.NoError(t, err)
	st, err := store.New(pool)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p := &store.Project{Name: "p", SecretHash: "h", Config: store.DefaultProjectConfig()}
	require.NoError(t, st.Q().CreateProject(context.Background(), p))
	return NewGateway(st, NewNoopBackend(), logger.Default()), p.ID
}

func TestGatewayRecordsHistory(t *testing.T) {
	g, projectID := newGateway(t)
	ctx := context.Background()

	id, err := g.Open(ctx, projectID)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	result, err := g.Exec(ctx, id, "make test")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	_, err = g.Exec(ctx, id, "make build")
	require.NoError(t, err)

	_, err = g.ExportFile(ctx, id, "/out/report.txt")
	require.NoError(t, err)

	sl, err := g.History(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, projectID, sl.ProjectID)
	assert.Equal(t, []string{"make test", "make build"}, sl.HistoryCommands)
	assert.Equal(t, []string{"/out/report.txt"}, sl.GeneratedFiles)
}

func TestGatewayLogOutlivesBackend(t *testing.T) {
	g, projectID := newGateway(t)
	ctx := context.Background()

	id, err := g.Open(ctx, projectID)
	require.NoError(t, err)
	_, err = g.Exec(ctx, id, "ls")
	require.NoError(t, err)

	require.NoError(t, g.Close(ctx, id))

	// The backend is gone but the audit trail stays queryable.
	_, err = g.Exec(ctx, id, "ls")
	assert.Error(t, err)
	sl, err := g.History(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"ls"}, sl.HistoryCommands)
}

func TestGatewayUnknownSandbox(t *testing.T) {
	g, _ := newGateway(t)
	_, err := g.Exec(context.Background(), "missing", "ls")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
