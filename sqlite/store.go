// Package sqlite keeps the task history in a SQLite database.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/olivere/taskmanager/internal/sqlstore"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS %[1]s (
id TEXT PRIMARY KEY,
task_id INTEGER NOT NULL,
uid INTEGER NOT NULL,
bundle TEXT NOT NULL,
action INTEGER NOT NULL,
version INTEGER NOT NULL,
mode INTEGER NOT NULL,
url TEXT NOT NULL,
title TEXT,
description TEXT,
mime_type TEXT,
state INTEGER NOT NULL,
code INTEGER NOT NULL,
reason TEXT,
retry BOOLEAN NOT NULL DEFAULT 0,
tries INTEGER NOT NULL DEFAULT 0,
progress TEXT,
extras TEXT,
created INTEGER NOT NULL,
updated INTEGER NOT NULL);
CREATE INDEX IF NOT EXISTS ix_%[1]s_uid_task_id ON %[1]s (uid, task_id);
CREATE INDEX IF NOT EXISTS ix_%[1]s_bundle ON %[1]s (bundle);
CREATE INDEX IF NOT EXISTS ix_%[1]s_state ON %[1]s (state);
CREATE INDEX IF NOT EXISTS ix_%[1]s_created ON %[1]s (created);`

// Store represents a persistent SQLite storage implementation.
// It implements the taskmanager.Store interface.
type Store struct {
	*sqlstore.Store
	db *sql.DB
}

// StoreOption is an options provider for Store.
type StoreOption func(*config)

type config struct {
	table  string
	logger *slog.Logger
}

// SetTable overrides the name of the history table.
func SetTable(table string) StoreOption {
	return func(c *config) {
		c.table = table
	}
}

// SetDebug logs every statement to logger at debug level.
func SetDebug(logger *slog.Logger) StoreOption {
	return func(c *config) {
		c.logger = logger
	}
}

// NewStore opens the SQLite database at dsn, e.g. a file path or
// ":memory:", and creates the schema if necessary.
func NewStore(dsn string, options ...StoreOption) (*Store, error) {
	cfg := &config{table: "taskmanager_tasks"}
	for _, opt := range options {
		opt(cfg)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers anyway, and every connection to an
	// in-memory database would see a database of its own.
	db.SetMaxOpenConns(1)

	for _, stmt := range strings.Split(fmt.Sprintf(sqliteSchema, cfg.table), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}

	opts := []sqlstore.Option{sqlstore.SetTable(cfg.table)}
	if cfg.logger != nil {
		opts = append(opts, sqlstore.SetDebugLogger(cfg.logger))
	}
	return &Store{
		Store: sqlstore.New(db, opts...),
		db:    db,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
