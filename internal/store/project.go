package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateProject inserts a new project.
func (q *Queries) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Config == (ProjectConfig{}) {
		p.Config = DefaultProjectConfig()
	}

	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize project config: %w", err)
	}

	_, err = q.ext.ExecContext(ctx, q.rebind(`
		INSERT INTO projects (id, name, secret_hash, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), p.ID, p.Name, p.SecretHash, string(configJSON), p.CreatedAt, p.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID.
func (q *Queries) GetProject(ctx context.Context, id string) (*Project, error) {
	var row struct {
		ID         string    `db:"id"`
		Name       string    `db:"name"`
		SecretHash string    `db:"secret_hash"`
		Config     string    `db:"config"`
		CreatedAt  time.Time `db:"created_at"`
		UpdatedAt  time.Time `db:"updated_at"`
	}
	if err := q.getContext(ctx, &row, `
		SELECT id, name, secret_hash, config, created_at, updated_at
		FROM projects WHERE id = ?
	`, id); err != nil {
		return nil, err
	}

	p := &Project{
		ID:         row.ID,
		Name:       row.Name,
		SecretHash: row.SecretHash,
		Config:     DefaultProjectConfig(),
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
	if row.Config != "" && row.Config != "{}" {
		if err := json.Unmarshal([]byte(row.Config), &p.Config); err != nil {
			return nil, fmt.Errorf("failed to deserialize project config: %w", err)
		}
	}
	return p, nil
}

// GetProjectBySecretHash resolves the project owning a peppered secret hash.
func (q *Queries) GetProjectBySecretHash(ctx context.Context, secretHash string) (*Project, error) {
	var id string
	if err := q.getContext(ctx, &id, `
		SELECT id FROM projects WHERE secret_hash = ?
	`, secretHash); err != nil {
		return nil, err
	}
	return q.GetProject(ctx, id)
}

// GetProjectConfig loads only the configuration blob. Missing projects are a
// fatal condition for the pipeline, surfaced as ErrNotFound.
func (q *Queries) GetProjectConfig(ctx context.Context, id string) (ProjectConfig, error) {
	var raw string
	if err := q.getContext(ctx, &raw, `SELECT config FROM projects WHERE id = ?`, id); err != nil {
		return ProjectConfig{}, err
	}
	cfg := DefaultProjectConfig()
	if raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return ProjectConfig{}, fmt.Errorf("failed to deserialize project config: %w", err)
		}
	}
	return cfg, nil
}

// UpdateProjectConfig replaces the configuration blob.
func (q *Queries) UpdateProjectConfig(ctx context.Context, id string, cfg ProjectConfig) error {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize project config: %w", err)
	}
	_, err = q.ext.ExecContext(ctx, q.rebind(`
		UPDATE projects SET config = ?, updated_at = ? WHERE id = ?
	`), string(configJSON), time.Now().UTC(), id)
	return err
}
