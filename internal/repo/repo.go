// Package repo is the data access layer over the engine's SQLite schema. It
// translates the path-keyed JSON reads/writes the teacher's
// internal/storage.Storage exposed into typed repository methods against
// database/sql, preserving the original "insert-or-replace by primary key"
// upsert semantics.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Repo bundles every entity repository behind one handle, sharing a single
// *sql.DB connection pool.
type Repo struct {
	db *sql.DB
}

// New returns a Repo backed by db. The caller owns db's lifecycle.
func New(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// DB exposes the underlying connection pool for callers (e.g. the turn lock
// or compaction pass) that need to run their own transaction spanning
// multiple repository calls.
func (r *Repo) DB() *sql.DB { return r.db }

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

// querier is satisfied by both *sql.DB and *sql.Tx. The repository methods
// in this package run against r.db directly and do not take a querier.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
