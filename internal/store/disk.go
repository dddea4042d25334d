package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CreateDisk inserts a new disk.
func (q *Queries) CreateDisk(ctx context.Context, d *Disk) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := q.ext.ExecContext(ctx, q.rebind(`
		INSERT INTO disks (id, project_id, user_id, name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), d.ID, d.ProjectID, d.UserID, d.Name, d.CreatedAt)
	return err
}

// GetDisk retrieves a disk by ID.
func (q *Queries) GetDisk(ctx context.Context, id string) (*Disk, error) {
	var d Disk
	if err := q.getContext(ctx, &d, `
		SELECT id, project_id, user_id, name, created_at FROM disks WHERE id = ?
	`, id); err != nil {
		return nil, err
	}
	return &d, nil
}

type artifactRow struct {
	ID        string    `db:"id"`
	DiskID    string    `db:"disk_id"`
	Path      string    `db:"path"`
	Filename  string    `db:"filename"`
	AssetMeta string    `db:"asset_meta"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r artifactRow) toModel() (*Artifact, error) {
	a := &Artifact{
		ID:        r.ID,
		DiskID:    r.DiskID,
		Path:      r.Path,
		Filename:  r.Filename,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.AssetMeta != "" && r.AssetMeta != "{}" {
		if err := json.Unmarshal([]byte(r.AssetMeta), &a.AssetMeta); err != nil {
			return nil, fmt.Errorf("failed to deserialize asset meta: %w", err)
		}
	}
	return a, nil
}

const artifactColumns = `id, disk_id, path, filename, asset_meta, created_at, updated_at`

// UpsertArtifact inserts or replaces the artifact at (disk, path, filename).
func (q *Queries) UpsertArtifact(ctx context.Context, a *Artifact) error {
	now := time.Now().UTC()
	metaJSON, err := json.Marshal(a.AssetMeta)
	if err != nil {
		return fmt.Errorf("failed to serialize asset meta: %w", err)
	}

	existing, err := q.GetArtifact(ctx, a.DiskID, a.Path, a.Filename)
	if err != nil && err != ErrNotFound {
		return err
	}
	if existing != nil {
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
		a.UpdatedAt = now
		_, err = q.ext.ExecContext(ctx, q.rebind(`
			UPDATE artifacts SET asset_meta = ?, updated_at = ? WHERE id = ?
		`), string(metaJSON), now, a.ID)
		return err
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err = q.ext.ExecContext(ctx, q.rebind(`
		INSERT INTO artifacts (id, disk_id, path, filename, asset_meta, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.DiskID, a.Path, a.Filename, string(metaJSON), a.CreatedAt, a.UpdatedAt)
	return err
}

// GetArtifact retrieves the artifact at (disk, path, filename).
func (q *Queries) GetArtifact(ctx context.Context, diskID, path, filename string) (*Artifact, error) {
	var row artifactRow
	if err := q.getContext(ctx, &row, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE disk_id = ? AND path = ? AND filename = ?
	`, diskID, path, filename); err != nil {
		return nil, err
	}
	return row.toModel()
}

// ListArtifacts returns all artifacts on a disk ordered by path then filename.
func (q *Queries) ListArtifacts(ctx context.Context, diskID string) ([]*Artifact, error) {
	var rows []artifactRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, q.rebind(`
		SELECT `+artifactColumns+` FROM artifacts
		WHERE disk_id = ? ORDER BY path ASC, filename ASC
	`), diskID)
	if err != nil {
		return nil, err
	}
	out := make([]*Artifact, 0, len(rows))
	for _, r := range rows {
		a, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// DeleteArtifact removes the artifact at (disk, path, filename).
func (q *Queries) DeleteArtifact(ctx context.Context, diskID, path, filename string) error {
	res, err := q.ext.ExecContext(ctx, q.rebind(`
		DELETE FROM artifacts WHERE disk_id = ? AND path = ? AND filename = ?
	`), diskID, path, filename)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
