// Package db provides database connection management for the relational store.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs a write connection with a read connection.
//
// On SQLite the writer is pinned to one connection (WAL mode, no write
// concurrency) while the reader fans out across several read-only
// connections. On Postgres both sides are the same *sqlx.DB because pgx
// pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps already-opened writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the pool for inserts, updates, deletes, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool for read-only queries. Message listing and auth
// lookups go through here so they never queue behind agent writes.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides of the pool.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Writer and reader share one *sqlx.DB on Postgres; close it once.
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
