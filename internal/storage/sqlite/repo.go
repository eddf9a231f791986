// Package sqlite registers the "sqlite" storage backend on modernc.org/sqlite.
//
// SQLite has no native timestamp type; the sqlstore dialect writes times as
// RFC3339Nano text and parses them back on read.
package sqlite

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"paineis/internal/storage"
	"paineis/internal/storage/sqlstore"
)

func init() {
	storage.Register("sqlite", New)
}

// New opens the database at cfg.DSN (a path, "file:" URI or ":memory:").
//
// The pool is capped at one connection: SQLite serializes writers anyway, and
// an in-memory database exists only on the connection that created it.
// Foreign keys are switched on for that connection.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sqlstore.New(sqlstore.FromSQL(db), sqlstore.SQLite), nil
}
