package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type sandboxLogRow struct {
	ID              string    `db:"id"`
	ProjectID       string    `db:"project_id"`
	BackendID       string    `db:"backend_id"`
	HistoryCommands string    `db:"history_commands"`
	GeneratedFiles  string    `db:"generated_files"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r sandboxLogRow) toModel() (*SandboxLog, error) {
	l := &SandboxLog{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		BackendID: r.BackendID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.HistoryCommands), &l.HistoryCommands); err != nil {
		return nil, fmt.Errorf("failed to deserialize history commands: %w", err)
	}
	if err := json.Unmarshal([]byte(r.GeneratedFiles), &l.GeneratedFiles); err != nil {
		return nil, fmt.Errorf("failed to deserialize generated files: %w", err)
	}
	return l, nil
}

// CreateSandboxLog inserts the sandbox log under its unified UUID.
func (q *Queries) CreateSandboxLog(ctx context.Context, l *SandboxLog) error {
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	commands, err := json.Marshal(emptyAsList(l.HistoryCommands))
	if err != nil {
		return err
	}
	files, err := json.Marshal(emptyAsList(l.GeneratedFiles))
	if err != nil {
		return err
	}
	_, err = q.ext.ExecContext(ctx, q.rebind(`
		INSERT INTO sandbox_logs (id, project_id, backend_id, history_commands, generated_files, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), l.ID, l.ProjectID, l.BackendID, string(commands), string(files), l.CreatedAt, l.UpdatedAt)
	return err
}

// GetSandboxLog retrieves a sandbox log by its unified UUID.
func (q *Queries) GetSandboxLog(ctx context.Context, id string) (*SandboxLog, error) {
	var row sandboxLogRow
	if err := q.getContext(ctx, &row, `
		SELECT id, project_id, backend_id, history_commands, generated_files, created_at, updated_at
		FROM sandbox_logs WHERE id = ?
	`, id); err != nil {
		return nil, err
	}
	return row.toModel()
}

// AppendSandboxCommand records an executed command against a sandbox log.
func (q *Queries) AppendSandboxCommand(ctx context.Context, id, command string) error {
	return q.appendSandboxList(ctx, id, "history_commands", command)
}

// AppendGeneratedFile records an exfiltrated file path against a sandbox log.
func (q *Queries) AppendGeneratedFile(ctx context.Context, id, path string) error {
	return q.appendSandboxList(ctx, id, "generated_files", path)
}

func (q *Queries) appendSandboxList(ctx context.Context, id, column, value string) error {
	var raw string
	if err := q.getContext(ctx, &raw, `
		SELECT `+column+` FROM sandbox_logs WHERE id = ?
	`, id); err != nil {
		return err
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return fmt.Errorf("failed to deserialize %s: %w", column, err)
	}
	list = append(list, value)
	updated, err := json.Marshal(list)
	if err != nil {
		return err
	}
	_, err = q.ext.ExecContext(ctx, q.rebind(`
		UPDATE sandbox_logs SET `+column+` = ?, updated_at = ? WHERE id = ?
	`), string(updated), time.Now().UTC(), id)
	return err
}

func emptyAsList(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
