package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultPostgresMaxConns = 25
	defaultPostgresMinConns = 5

	// postgresConnMaxLifetime bounds how long a pooled connection is reused,
	// so pooler-side limits and server restarts do not strand stale sockets.
	postgresConnMaxLifetime = 30 * time.Minute
)

// OpenPostgres opens the shared read/write pool over pgx. There is no
// writer/reader split as with SQLite; pgx multiplexes both through one pool
// sized by maxConns and minConns (zero falls back to the defaults above).
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if minConns <= 0 {
		minConns = defaultPostgresMinConns
	}
	pool.SetMaxOpenConns(maxConns)
	pool.SetMaxIdleConns(minConns)
	pool.SetConnMaxLifetime(postgresConnMaxLifetime)

	if err := pool.Ping(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}
