// Package sqlstore implements the task history on top of database/sql.
// It is shared by the SQLite and MySQL stores, which differ only in how
// they connect and create their schema.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"

	"github.com/olivere/taskmanager"
	"github.com/olivere/taskmanager/internal/dbutil"
)

const (
	defaultTable   = "taskmanager_tasks"
	defaultTimeout = 15 * time.Second
)

var columns = []string{
	"id", "task_id", "uid", "bundle", "action", "version", "mode",
	"url", "title", "description", "mime_type", "state", "code", "reason",
	"retry", "tries", "progress", "extras", "created", "updated",
}

// Store is a task history backed by a SQL database.
// It implements the taskmanager.Store interface.
type Store struct {
	db         *sql.DB
	table      string
	lockSuffix string // appended to reads that precede a write
	timeout    time.Duration
	logger     *slog.Logger // nil disables statement logging
}

// Option is an options provider for Store.
type Option func(*Store)

// SetTable overrides the table name.
func SetTable(table string) Option {
	return func(s *Store) {
		s.table = table
	}
}

// SetLockSuffix specifies the row locking clause of the dialect, e.g.
// "FOR UPDATE" on MySQL. It is empty by default.
func SetLockSuffix(suffix string) Option {
	return func(s *Store) {
		s.lockSuffix = suffix
	}
}

// SetTimeout bounds every store operation, retries included.
func SetTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// SetDebugLogger logs every statement at debug level.
func SetDebugLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New returns a Store working on db. The schema must already exist.
func New(db *sql.DB, options ...Option) *Store {
	s := &Store{
		db:      db,
		table:   defaultTable,
		timeout: defaultTimeout,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Table returns the name of the history table.
func (s *Store) Table() string {
	return s.table
}

func (s *Store) newBackoff() backoff.BackOff {
	return dbutil.NewBackOff(s.timeout)
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.Debug("exec", slog.String("sql", query), slog.Any("args", args))
	}
	return tx.ExecContext(ctx, query, args...)
}

func (s *Store) inTx(fn func(context.Context, *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return dbutil.RunInTxWithRetry(ctx, s.db, fn, dbutil.IsRetryable, s.newBackoff())
}

// Start marks records left in Running or Retrying by a previous process
// as failed.
func (s *Store) Start() error {
	// TODO This fails records of a concurrent manager working on the same database.
	return s.inTx(func(ctx context.Context, tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, sq.Update(s.table).
			Set("state", uint32(taskmanager.Failed)).
			Set("code", uint32(taskmanager.ReasonOthersError)).
			Set("reason", taskmanager.ReasonOthersError.String()).
			Set("updated", time.Now().UnixNano()).
			Where(sq.Eq{"state": []uint32{uint32(taskmanager.Running), uint32(taskmanager.Retrying)}}))
		return err
	})
}

// Create adds a new record. An existing record with the same identifier
// is replaced.
func (s *Store) Create(t *taskmanager.TaskInfo) error {
	r, err := newRow(t)
	if err != nil {
		return err
	}
	err = s.inTx(func(ctx context.Context, tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, sq.Insert(s.table).Columns(columns...).Values(r.values()...))
		return err
	})
	if dbutil.IsDup(err) {
		return s.Update(t)
	}
	return err
}

// Update replaces an existing record.
func (s *Store) Update(t *taskmanager.TaskInfo) error {
	r, err := newRow(t)
	if err != nil {
		return err
	}
	return s.inTx(func(ctx context.Context, tx *sql.Tx) error {
		sel := sq.Select("COUNT(*)").From(s.table).Where(sq.Eq{"id": r.ID})
		if s.lockSuffix != "" {
			sel = sel.Suffix(s.lockSuffix)
		}
		query, args, err := sel.ToSql()
		if err != nil {
			return err
		}
		var n int
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return taskmanager.ErrNotFound
		}
		upd := sq.Update(s.table).Where(sq.Eq{"id": r.ID})
		values := r.values()
		for i, col := range columns[1:] {
			upd = upd.Set(col, values[i+1])
		}
		_, err = s.exec(ctx, tx, upd)
		return err
	})
}

// Lookup retrieves a single record by its identifier.
func (s *Store) Lookup(id string) (*taskmanager.TaskInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	query, args, err := sq.Select(columns...).From(s.table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	var r row
	if err := r.scan(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if dbutil.IsNotFound(err) {
			return nil, taskmanager.ErrNotFound
		}
		return nil, err
	}
	return r.taskInfo()
}

// List returns the records matching the request, the most recently
// created first.
func (s *Store) List(req *taskmanager.ListRequest) (*taskmanager.ListResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	where := filter(req)
	rsp := &taskmanager.ListResponse{}

	// Count
	query, args, err := sq.Select("COUNT(*)").From(s.table).Where(where).ToSql()
	if err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&rsp.Total); err != nil {
		return nil, err
	}

	// Find
	sel := sq.Select(columns...).From(s.table).Where(where).OrderBy("created DESC", "id ASC")
	switch {
	case req.Limit > 0:
		sel = sel.Limit(uint64(req.Limit))
	case req.Offset > 0:
		// OFFSET requires LIMIT.
		sel = sel.Limit(math.MaxInt64)
	}
	if req.Offset > 0 {
		sel = sel.Offset(uint64(req.Offset))
	}
	query, args, err = sel.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r row
		if err := r.scan(rows); err != nil {
			return nil, err
		}
		t, err := r.taskInfo()
		if err != nil {
			return nil, err
		}
		rsp.Tasks = append(rsp.Tasks, t)
	}
	return rsp, rows.Err()
}

func filter(req *taskmanager.ListRequest) sq.And {
	where := sq.And{}
	if req.UID != nil {
		where = append(where, sq.Eq{"uid": int64(*req.UID)})
	}
	if req.TaskID != nil {
		where = append(where, sq.Eq{"task_id": *req.TaskID})
	}
	if req.Bundle != "" {
		where = append(where, sq.Eq{"bundle": req.Bundle})
	}
	if req.State != nil {
		where = append(where, sq.Eq{"state": uint32(*req.State)})
	}
	if req.Action != nil {
		where = append(where, sq.Eq{"action": uint32(*req.Action)})
	}
	if req.Mode != nil {
		where = append(where, sq.Eq{"mode": uint32(*req.Mode)})
	}
	if req.After > 0 {
		where = append(where, sq.GtOrEq{"created": req.After})
	}
	if req.Before > 0 {
		where = append(where, sq.Lt{"created": req.Before})
	}
	return where
}

// -- SQL representation of a history record --

type row struct {
	ID          string
	TaskID      uint32
	UID         int64
	Bundle      string
	Action      uint32
	Version     uint32
	Mode        uint32
	URL         string
	Title       sql.NullString
	Description sql.NullString
	MimeType    sql.NullString
	State       uint32
	Code        uint32
	Reason      sql.NullString
	Retry       bool
	Tries       uint32
	Progress    sql.NullString
	Extras      sql.NullString
	Created     int64
	Updated     int64
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func newRow(t *taskmanager.TaskInfo) (*row, error) {
	progress, err := json.Marshal(t.Progress)
	if err != nil {
		return nil, err
	}
	var extras string
	if len(t.Extras) > 0 {
		v, err := json.Marshal(t.Extras)
		if err != nil {
			return nil, err
		}
		extras = string(v)
	}
	return &row{
		ID:          t.ID,
		TaskID:      t.TaskID,
		UID:         int64(t.UID),
		Bundle:      t.Bundle,
		Action:      uint32(t.Action),
		Version:     uint32(t.Version),
		Mode:        uint32(t.Mode),
		URL:         t.URL,
		Title:       nullString(t.Title),
		Description: nullString(t.Description),
		MimeType:    nullString(t.MimeType),
		State:       uint32(t.State),
		Code:        uint32(t.Code),
		Reason:      nullString(t.Reason),
		Retry:       t.Retry,
		Tries:       t.Tries,
		Progress:    nullString(string(progress)),
		Extras:      nullString(extras),
		Created:     t.Created,
		Updated:     t.Updated,
	}, nil
}

// values returns the column values in the order of columns.
func (r *row) values() []interface{} {
	return []interface{}{
		r.ID, r.TaskID, r.UID, r.Bundle, r.Action, r.Version, r.Mode,
		r.URL, r.Title, r.Description, r.MimeType, r.State, r.Code, r.Reason,
		r.Retry, r.Tries, r.Progress, r.Extras, r.Created, r.Updated,
	}
}

func (r *row) scan(sc interface{ Scan(...interface{}) error }) error {
	return sc.Scan(
		&r.ID, &r.TaskID, &r.UID, &r.Bundle, &r.Action, &r.Version, &r.Mode,
		&r.URL, &r.Title, &r.Description, &r.MimeType, &r.State, &r.Code, &r.Reason,
		&r.Retry, &r.Tries, &r.Progress, &r.Extras, &r.Created, &r.Updated,
	)
}

func (r *row) taskInfo() (*taskmanager.TaskInfo, error) {
	t := &taskmanager.TaskInfo{
		ID:          r.ID,
		TaskID:      r.TaskID,
		UID:         uint64(r.UID),
		Bundle:      r.Bundle,
		Action:      taskmanager.Action(r.Action),
		Version:     taskmanager.Version(r.Version),
		Mode:        taskmanager.Mode(r.Mode),
		URL:         r.URL,
		Title:       r.Title.String,
		Description: r.Description.String,
		MimeType:    r.MimeType.String,
		State:       taskmanager.State(r.State),
		Code:        taskmanager.Reason(r.Code),
		Reason:      r.Reason.String,
		Retry:       r.Retry,
		Tries:       r.Tries,
		Created:     r.Created,
		Updated:     r.Updated,
	}
	if r.Progress.Valid && r.Progress.String != "" {
		if err := json.Unmarshal([]byte(r.Progress.String), &t.Progress); err != nil {
			return nil, err
		}
	}
	if r.Extras.Valid && r.Extras.String != "" {
		if err := json.Unmarshal([]byte(r.Extras.String), &t.Extras); err != nil {
			return nil, err
		}
	}
	return t, nil
}
