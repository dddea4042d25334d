package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type sessionRow struct {
	ID                  string    `db:"id"`
	ProjectID           string    `db:"project_id"`
	DisplayTitle        string    `db:"display_title"`
	DisableTaskTracking bool      `db:"disable_task_tracking"`
	CreatedAt           time.Time `db:"created_at"`
}

func (r sessionRow) toModel() *Session {
	return &Session{
		ID:                  r.ID,
		ProjectID:           r.ProjectID,
		DisplayTitle:        r.DisplayTitle,
		DisableTaskTracking: r.DisableTaskTracking,
		CreatedAt:           r.CreatedAt,
	}
}

// CreateSession inserts a new session.
func (q *Queries) CreateSession(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	_, err := q.ext.ExecContext(ctx, q.rebind(`
		INSERT INTO sessions (id, project_id, display_title, disable_task_tracking, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), s.ID, s.ProjectID, s.DisplayTitle, s.DisableTaskTracking, s.CreatedAt)
	return err
}

// GetSession retrieves a session by ID.
func (q *Queries) GetSession(ctx context.Context, id string) (*Session, error) {
	var row sessionRow
	if err := q.getContext(ctx, &row, `
		SELECT id, project_id, display_title, disable_task_tracking, created_at
		FROM sessions WHERE id = ?
	`, id); err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// GetProjectSession retrieves a session scoped to a project. Used by the HTTP
// layer so one project cannot address another's sessions.
func (q *Queries) GetProjectSession(ctx context.Context, projectID, id string) (*Session, error) {
	var row sessionRow
	if err := q.getContext(ctx, &row, `
		SELECT id, project_id, display_title, disable_task_tracking, created_at
		FROM sessions WHERE id = ? AND project_id = ?
	`, id, projectID); err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// SetSessionDisplayTitle updates the display title.
func (q *Queries) SetSessionDisplayTitle(ctx context.Context, id, title string) error {
	_, err := q.ext.ExecContext(ctx, q.rebind(`
		UPDATE sessions SET display_title = ? WHERE id = ?
	`), title, id)
	return err
}
