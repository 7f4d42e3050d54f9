// Package store persists runtime-owned state: accounts, operator bindings,
// per-account automation settings, supervisor status and the runtime log
// ring. Backed by an embedded sqlite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/openfarm/farm-runtime-go/internal/config"
)

// sqlxDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sqlxDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type DB struct {
	*sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	platform   TEXT NOT NULL DEFAULT 'qq',
	code       TEXT NOT NULL,
	uin        TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS bindings (
	user_id      TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL UNIQUE,
	account_name TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	account_id TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	revision   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS runtime_status (
	account_id            TEXT PRIMARY KEY,
	state                 TEXT NOT NULL DEFAULT 'stopped',
	last_start_error      TEXT NOT NULL DEFAULT '',
	last_start_at         INTEGER NOT NULL DEFAULT 0,
	last_start_success_at INTEGER NOT NULL DEFAULT 0,
	start_retry_count     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS runtime_logs (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	payload    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS whitelist (
	entry_type TEXT NOT NULL,
	entry_id   TEXT NOT NULL,
	PRIMARY KEY (entry_type, entry_id)
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open creates the database file (and parent directory) when missing and
// applies the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent runtime tasks.
	db.SetMaxOpenConns(config.DBMaxOpenConns)
	db.SetMaxIdleConns(config.DBMaxIdleConns)
	db.SetConnMaxLifetime(config.DBConnMaxLifetime)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// TxFunc is a function that runs within a transaction.
type TxFunc func(tx *sqlx.Tx) error

// WithTx executes fn within a database transaction, rolling back on error.
func (db *DB) WithTx(ctx context.Context, fn TxFunc) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
