package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CreateSkill inserts a new agent skill backed by its own disk.
func (q *Queries) CreateSkill(ctx context.Context, s *AgentSkill) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	_, err := q.ext.ExecContext(ctx, q.rebind(`
		INSERT INTO agent_skills (id, project_id, disk_id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), s.ID, s.ProjectID, s.DiskID, s.Name, s.Description, s.CreatedAt, s.UpdatedAt)
	return err
}

// GetSkill retrieves a skill by ID.
func (q *Queries) GetSkill(ctx context.Context, id string) (*AgentSkill, error) {
	var s AgentSkill
	if err := q.getContext(ctx, &s, `
		SELECT id, project_id, disk_id, name, description, created_at, updated_at
		FROM agent_skills WHERE id = ?
	`, id); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSkillByName retrieves a skill by its project-unique name.
func (q *Queries) GetSkillByName(ctx context.Context, projectID, name string) (*AgentSkill, error) {
	var s AgentSkill
	if err := q.getContext(ctx, &s, `
		SELECT id, project_id, disk_id, name, description, created_at, updated_at
		FROM agent_skills WHERE project_id = ? AND name = ?
	`, projectID, name); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateSkillDescription refreshes a skill's description.
func (q *Queries) UpdateSkillDescription(ctx context.Context, id, description string) error {
	res, err := q.ext.ExecContext(ctx, q.rebind(`
		UPDATE agent_skills SET description = ?, updated_at = ? WHERE id = ?
	`), description, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateLearningSpace inserts a new learning space.
func (q *Queries) CreateLearningSpace(ctx context.Context, ls *LearningSpace) error {
	if ls.ID == "" {
		ls.ID = uuid.New().String()
	}
	if ls.CreatedAt.IsZero() {
		ls.CreatedAt = time.Now().UTC()
	}
	_, err := q.ext.ExecContext(ctx, q.rebind(`
		INSERT INTO learning_spaces (id, project_id, name, created_at)
		VALUES (?, ?, ?, ?)
	`), ls.ID, ls.ProjectID, ls.Name, ls.CreatedAt)
	return err
}

// GetLearningSpace retrieves a learning space by ID.
func (q *Queries) GetLearningSpace(ctx context.Context, id string) (*LearningSpace, error) {
	var ls LearningSpace
	if err := q.getContext(ctx, &ls, `
		SELECT id, project_id, name, created_at FROM learning_spaces WHERE id = ?
	`, id); err != nil {
		return nil, err
	}
	return &ls, nil
}

// LinkSessionToSpace attaches a session to a learning space. A session
// belongs to at most one space; relinking moves it.
func (q *Queries) LinkSessionToSpace(ctx context.Context, spaceID, sessionID string) error {
	_, err := q.ext.ExecContext(ctx, q.rebind(`
		DELETE FROM learning_space_sessions WHERE session_id = ?
	`), sessionID)
	if err != nil {
		return err
	}
	_, err = q.ext.ExecContext(ctx, q.rebind(`
		INSERT INTO learning_space_sessions (learning_space_id, session_id)
		VALUES (?, ?)
	`), spaceID, sessionID)
	return err
}

// LearningSpaceForSession returns the learning space a session belongs to,
// or ErrNotFound when the session is not linked to any space.
func (q *Queries) LearningSpaceForSession(ctx context.Context, sessionID string) (*LearningSpace, error) {
	var ls LearningSpace
	if err := q.getContext(ctx, &ls, `
		SELECT ls.id, ls.project_id, ls.name, ls.created_at
		FROM learning_spaces ls
		JOIN learning_space_sessions lss ON lss.learning_space_id = ls.id
		WHERE lss.session_id = ?
	`, sessionID); err != nil {
		return nil, err
	}
	return &ls, nil
}

// LinkSkillToSpace records that a skill is visible within a learning space.
// Linking an already linked pair is a no-op.
func (q *Queries) LinkSkillToSpace(ctx context.Context, spaceID, skillID string) error {
	var count int
	if err := q.getContext(ctx, &count, `
		SELECT COUNT(1) FROM learning_space_skills
		WHERE learning_space_id = ? AND skill_id = ?
	`, spaceID, skillID); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err := q.ext.ExecContext(ctx, q.rebind(`
		INSERT INTO learning_space_skills (learning_space_id, skill_id)
		VALUES (?, ?)
	`), spaceID, skillID)
	return err
}

// ListSkillsBySpace returns all skills visible within a learning space,
// ordered by name.
func (q *Queries) ListSkillsBySpace(ctx context.Context, spaceID string) ([]*AgentSkill, error) {
	var skills []*AgentSkill
	err := sqlx.SelectContext(ctx, q.ext, &skills, q.rebind(`
		SELECT s.id, s.project_id, s.disk_id, s.name, s.description, s.created_at, s.updated_at
		FROM agent_skills s
		JOIN learning_space_skills lsk ON lsk.skill_id = s.id
		WHERE lsk.learning_space_id = ?
		ORDER BY s.name ASC
	`), spaceID)
	if err != nil {
		return nil, err
	}
	return skills, nil
}
