// Package mysql keeps the task history in a MySQL database.
package mysql

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/olivere/taskmanager/internal/sqlstore"
)

const (
	defaultTable = "taskmanager_tasks"

	mysqlSchema = "CREATE TABLE IF NOT EXISTS `%s` (" + `
id varchar(36) primary key,
task_id int unsigned not null,
uid bigint not null,
bundle varchar(255) not null,
action tinyint unsigned not null,
version tinyint unsigned not null,
mode tinyint unsigned not null,
url text not null,
title varchar(255),
description text,
mime_type varchar(255),
state int unsigned not null,
code int unsigned not null,
reason varchar(255),
retry boolean not null default false,
tries int unsigned not null default 0,
progress text,
extras text,
created bigint not null,
updated bigint not null,
index ix_tasks_uid_task_id (uid, task_id),
index ix_tasks_bundle (bundle),
index ix_tasks_state (state),
index ix_tasks_created (created));`
)

// Store represents a persistent MySQL storage implementation.
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

// NewStore initializes a new MySQL-based storage. The database in url
// is created if it does not exist.
func NewStore(url string, options ...StoreOption) (*Store, error) {
	cfg := &config{table: defaultTable}
	for _, opt := range options {
		opt(cfg)
	}
	dsn, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := dsn.DBName
	if dbname == "" {
		return nil, errors.New("mysql: no database specified")
	}

	// First connect without DB name
	dsn.DBName = ""
	setupdb, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	// Create database
	_, err = setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	if err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	db, err := sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}

	// Create schema
	_, err = db.Exec(fmt.Sprintf(mysqlSchema, cfg.table))
	if err != nil {
		db.Close()
		return nil, err
	}

	opts := []sqlstore.Option{
		sqlstore.SetTable(cfg.table),
		sqlstore.SetLockSuffix("FOR UPDATE"),
	}
	if cfg.logger != nil {
		opts = append(opts, sqlstore.SetDebugLogger(cfg.logger))
	}
	return &Store{
		Store: sqlstore.New(db, opts...),
		db:    db,
	}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
