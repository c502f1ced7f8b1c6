// Package store manages the engine's embedded SQLite database: opening the
// connection with the right pragmas, running schema migrations, and
// one-shot importing a legacy JSON-tree session store into it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Options configures how the database connection is opened.
type Options struct {
	// Path is the database file path, e.g. "<data>/engine.db".
	Path string
	// BusyTimeout bounds how long a writer waits for a lock before SQLITE_BUSY.
	BusyTimeout time.Duration
	// CacheSizeKiB is the per-connection page cache size, negative-KiB form.
	CacheSizeKiB int
}

// DefaultOptions returns sane defaults for a single-process embedded store.
func DefaultOptions(path string) Options {
	return Options{
		Path:         path,
		BusyTimeout:  5 * time.Second,
		CacheSizeKiB: 20000,
	}
}

// Open opens the SQLite database at opts.Path and applies the pragmas the
// engine relies on: WAL journaling for concurrent readers during a writer
// transaction, NORMAL synchronous (durable enough with WAL, much faster
// than FULL), foreign key enforcement, and a busy timeout so a lock
// contention from the per-session write path surfaces as a bounded wait
// rather than an immediate SQLITE_BUSY.
func Open(ctx context.Context, opts Options) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", opts.Path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY under WAL for the
	// write path; readers can still use additional connections because WAL
	// allows concurrent readers alongside one writer.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA cache_size = -%d", opts.CacheSizeKiB),
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return db, nil
}
