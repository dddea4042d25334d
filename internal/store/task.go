package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type taskRow struct {
	ID            string    `db:"id"`
	SessionID     string    `db:"session_id"`
	Order         int       `db:"order"`
	Status        string    `db:"status"`
	Data          string    `db:"data"`
	RawMessageIDs string    `db:"raw_message_ids"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r taskRow) toModel() (*Task, error) {
	t := &Task{
		ID:        r.ID,
		SessionID: r.SessionID,
		Order:     r.Order,
		Status:    TaskStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Data != "" && r.Data != "{}" {
		if err := json.Unmarshal([]byte(r.Data), &t.Data); err != nil {
			return nil, fmt.Errorf("failed to deserialize task data: %w", err)
		}
	}
	if r.RawMessageIDs != "" && r.RawMessageIDs != "[]" {
		if err := json.Unmarshal([]byte(r.RawMessageIDs), &t.RawMessageIDs); err != nil {
			return nil, fmt.Errorf("failed to deserialize raw message ids: %w", err)
		}
	}
	return t, nil
}

const taskColumns = `id, session_id, "order", status, data, raw_message_ids, created_at, updated_at`

// CreateTask inserts a task at its assigned order. Callers are responsible
// for keeping orders dense (see ShiftTaskOrders).
func (q *Queries) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TaskPending
	}

	dataJSON, err := json.Marshal(t.Data)
	if err != nil {
		return fmt.Errorf("failed to serialize task data: %w", err)
	}
	idsJSON, err := json.Marshal(t.RawMessageIDs)
	if err != nil {
		return fmt.Errorf("failed to serialize raw message ids: %w", err)
	}
	if t.RawMessageIDs == nil {
		idsJSON = []byte("[]")
	}

	_, err = q.ext.ExecContext(ctx, q.rebind(`
		INSERT INTO tasks (id, session_id, "order", status, data, raw_message_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.SessionID, t.Order, string(t.Status), string(dataJSON), string(idsJSON), t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID.
func (q *Queries) GetTask(ctx context.Context, id string) (*Task, error) {
	var row taskRow
	if err := q.getContext(ctx, &row, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`, id); err != nil {
		return nil, err
	}
	return row.toModel()
}

// GetTaskByOrder retrieves the task at the given order within a session.
func (q *Queries) GetTaskByOrder(ctx context.Context, sessionID string, order int) (*Task, error) {
	var row taskRow
	if err := q.getContext(ctx, &row, `
		SELECT `+taskColumns+` FROM tasks WHERE session_id = ? AND "order" = ?
	`, sessionID, order); err != nil {
		return nil, err
	}
	return row.toModel()
}

// ListTasks returns the session's tasks ordered by "order".
func (q *Queries) ListTasks(ctx context.Context, sessionID string) ([]*Task, error) {
	var rows []taskRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, q.rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE session_id = ? ORDER BY "order" ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// MaxTaskOrder returns the highest order in the session, 0 when empty.
func (q *Queries) MaxTaskOrder(ctx context.Context, sessionID string) (int, error) {
	var max int
	err := q.getContext(ctx, &max, `
		SELECT COALESCE(MAX("order"), 0) FROM tasks WHERE session_id = ?
	`, sessionID)
	return max, err
}

// ShiftTaskOrders renumbers all tasks with order >= fromOrder by +1 in one
// statement, preserving contiguity for an insert at fromOrder.
func (q *Queries) ShiftTaskOrders(ctx context.Context, sessionID string, fromOrder int) error {
	_, err := q.ext.ExecContext(ctx, q.rebind(`
		UPDATE tasks SET "order" = "order" + 1, updated_at = ?
		WHERE session_id = ? AND "order" >= ?
	`), time.Now().UTC(), sessionID, fromOrder)
	return err
}

// UpdateTaskStatus transitions a task's status.
func (q *Queries) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	_, err := q.ext.ExecContext(ctx, q.rebind(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
	`), string(status), time.Now().UTC(), id)
	return err
}

// UpdateTaskData replaces the task's structured payload.
func (q *Queries) UpdateTaskData(ctx context.Context, id string, data TaskData) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize task data: %w", err)
	}
	_, err = q.ext.ExecContext(ctx, q.rebind(`
		UPDATE tasks SET data = ?, updated_at = ? WHERE id = ?
	`), string(dataJSON), time.Now().UTC(), id)
	return err
}

// AppendRawMessageIDs appends message ids to the task's ordered member list.
func (q *Queries) AppendRawMessageIDs(ctx context.Context, id string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	task, err := q.GetTask(ctx, id)
	if err != nil {
		return err
	}
	combined := append(task.RawMessageIDs, messageIDs...)
	idsJSON, err := json.Marshal(combined)
	if err != nil {
		return fmt.Errorf("failed to serialize raw message ids: %w", err)
	}
	_, err = q.ext.ExecContext(ctx, q.rebind(`
		UPDATE tasks SET raw_message_ids = ?, updated_at = ? WHERE id = ?
	`), string(idsJSON), time.Now().UTC(), id)
	return err
}

// CountNonTerminalTasks counts tasks with status pending or running. The
// agent keeps this at most one per session.
func (q *Queries) CountNonTerminalTasks(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := q.getContext(ctx, &n, `
		SELECT COUNT(*) FROM tasks WHERE session_id = ? AND status IN (?, ?)
	`, sessionID, string(TaskPending), string(TaskRunning))
	return n, err
}
