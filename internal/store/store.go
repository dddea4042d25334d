package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acontext-io/acontext/internal/db"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides typed data access over the writer/reader pool.
//
// Autonomous operations go through Q() (writer) or RO() (reader). Multi-step
// agent work opens a UnitOfWork; every helper inside the transaction is
// invoked on uow.Q() so flushed-but-uncommitted writes stay visible to
// mid-iteration context rebuilds.
type Store struct {
	pool *db.Pool
}

// New creates a Store and initializes the schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Q returns queries bound to the writer pool.
func (s *Store) Q() *Queries {
	return &Queries{ext: s.pool.Writer()}
}

// RO returns queries bound to the reader pool. Use for hot read-only paths.
func (s *Store) RO() *Queries {
	return &Queries{ext: s.pool.Reader()}
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Begin opens a unit-of-work (one database transaction).
func (s *Store) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

// UnitOfWork wraps a single database transaction. One agent iteration maps to
// exactly one UnitOfWork; commit or rollback is explicit.
type UnitOfWork struct {
	tx   *sqlx.Tx
	done bool
}

// Q returns queries bound to this transaction.
func (u *UnitOfWork) Q() *Queries {
	return &Queries{ext: u.tx}
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Commit()
}

// Rollback aborts the transaction. Safe to call after Commit (no-op), which
// allows a deferred Rollback to back a happy-path Commit.
func (u *UnitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Rollback()
}

// Queries is the full data helper surface, bound either to a pool or to an
// open transaction.
type Queries struct {
	ext sqlx.ExtContext
}

// rebind adapts "?" placeholders to the connection's dialect.
func (q *Queries) rebind(query string) string {
	return q.ext.Rebind(query)
}

// getContext wraps sqlx.GetContext with ErrNotFound mapping.
func (q *Queries) getContext(ctx context.Context, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, q.ext, dest, q.rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
