package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type messageRow struct {
	ID            string    `db:"id"`
	SessionID     string    `db:"session_id"`
	Role          string    `db:"role"`
	Parts         string    `db:"parts"`
	ProcessStatus string    `db:"process_status"`
	Seq           int64     `db:"seq"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r messageRow) toModel() *Message {
	return &Message{
		ID:            r.ID,
		SessionID:     r.SessionID,
		Role:          r.Role,
		Parts:         json.RawMessage(r.Parts),
		ProcessStatus: ProcessStatus(r.ProcessStatus),
		Seq:           r.Seq,
		CreatedAt:     r.CreatedAt,
	}
}

const messageColumns = `id, session_id, role, parts, process_status, seq, created_at`

// maxSeqRetries bounds retries when concurrent inserts to one session race
// on the next seq value.
const maxSeqRetries = 3

// CreateMessage inserts a new message. Seq is computed and inserted in a
// single statement; if two writers on the same session still land on the same
// value, the unique (session_id, seq) index rejects one and the insert is
// retried with a fresh seq.
func (q *Queries) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.ProcessStatus == "" {
		m.ProcessStatus = ProcessPending
	}
	parts := string(m.Parts)
	if parts == "" {
		parts = "[]"
	}

	for attempt := 0; ; attempt++ {
		err := q.getContext(ctx, &m.Seq, `
			INSERT INTO messages (id, session_id, role, parts, process_status, seq, created_at)
			SELECT ?, ?, ?, ?, ?, COALESCE(MAX(seq), 0) + 1, ?
			FROM messages WHERE session_id = ?
			RETURNING seq
		`, m.ID, m.SessionID, m.Role, parts, string(m.ProcessStatus), m.CreatedAt, m.SessionID)
		if err == nil {
			return nil
		}
		if !IsUniqueViolation(err) || attempt >= maxSeqRetries {
			return err
		}
	}
}

// GetMessage retrieves a message by ID.
func (q *Queries) GetMessage(ctx context.Context, id string) (*Message, error) {
	var row messageRow
	if err := q.getContext(ctx, &row, `
		SELECT `+messageColumns+` FROM messages WHERE id = ?
	`, id); err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ListMessages returns messages for a session in insertion order, starting
// after cursorSeq (0 = from the beginning). Returns up to limit rows and
// whether more remain.
func (q *Queries) ListMessages(ctx context.Context, sessionID string, limit int, cursorSeq int64) ([]*Message, bool, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []messageRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, q.rebind(`
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?
	`), sessionID, cursorSeq, limit+1)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	out := make([]*Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, hasMore, nil
}

// PendingMessages returns the session's unprocessed messages in insertion order.
func (q *Queries) PendingMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	var rows []messageRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, q.rebind(`
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND process_status = ?
		ORDER BY seq ASC
	`), sessionID, string(ProcessPending))
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// PendingMessageIDs returns the ids of the session's unprocessed messages in
// insertion order.
func (q *Queries) PendingMessageIDs(ctx context.Context, sessionID string) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, q.ext, &ids, q.rebind(`
		SELECT id FROM messages
		WHERE session_id = ? AND process_status = ?
		ORDER BY seq ASC
	`), sessionID, string(ProcessPending))
	return ids, err
}

// CountPending counts the session's unprocessed messages.
func (q *Queries) CountPending(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := q.getContext(ctx, &n, `
		SELECT COUNT(*) FROM messages WHERE session_id = ? AND process_status = ?
	`, sessionID, string(ProcessPending))
	return n, err
}

// LatestPendingID returns the id of the newest unprocessed message, or ""
// when none are pending. Insertion seq is the tiebreaker for messages created
// within the same instant.
func (q *Queries) LatestPendingID(ctx context.Context, sessionID string) (string, error) {
	var id string
	err := q.getContext(ctx, &id, `
		SELECT id FROM messages
		WHERE session_id = ? AND process_status = ?
		ORDER BY seq DESC LIMIT 1
	`, sessionID, string(ProcessPending))
	if err == ErrNotFound {
		return "", nil
	}
	return id, err
}

// GetMessagesByIDs loads messages preserving the order of the given ids.
func (q *Queries) GetMessagesByIDs(ctx context.Context, ids []string) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT `+messageColumns+` FROM messages WHERE id IN (?)
	`, ids)
	if err != nil {
		return nil, err
	}
	var rows []messageRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, q.rebind(query), args...); err != nil {
		return nil, err
	}

	byID := make(map[string]*Message, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.toModel()
	}
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// MarkMessagesProcessed transitions messages to the given terminal process
// status. The pending -> {success, failed} transition is one-way.
func (q *Queries) MarkMessagesProcessed(ctx context.Context, ids []string, status ProcessStatus) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE messages SET process_status = ? WHERE id IN (?) AND process_status = ?
	`, string(status), ids, string(ProcessPending))
	if err != nil {
		return err
	}
	_, err = q.ext.ExecContext(ctx, q.rebind(query), args...)
	return err
}

// IsUniqueViolation detects the duplicate-key error across sqlite and
// postgres.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
