package importer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqlJobsTableName     = "activitysync_import_jobs"
	sqlOperationTimeout  = 5 * time.Second
	sqlTerminalCondition = "status IN ('completed', 'failed', 'cancelled')"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLJobStore keeps one row per job. The job document lives in payload; the
// columns next to it carry what the guarded update, the lease and the
// retention sweep filter on. The same statements run on postgres and sqlite.
type SQLJobStore struct {
	driver    string
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresJobStore(dsn string) (*SQLJobStore, error) {
	return newSQLJobStore("postgres", dsn)
}

func NewSQLiteJobStore(path string) (*SQLJobStore, error) {
	return newSQLJobStore("sqlite3", path)
}

func newSQLJobStore(driver, dsn string) (*SQLJobStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLJobStore{
		driver:    driver,
		dsn:       dsn,
		tableName: sqlJobsTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *SQLJobStore) Create(ctx context.Context, job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, source, status, payload, created_ts, completed_ts)
		VALUES ($1, $2, $3, $4, $5, $6)`, s.table())
	_, err = s.db.ExecContext(ctx, query, job.ID, job.Source, string(job.Status), string(payload), job.CreatedAt.UnixMilli(), millisOrZero(job.CompletedAt))
	return err
}

func (s *SQLJobStore) Get(ctx context.Context, id string) (*Job, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload, locked_until_ts, lock_owner FROM %s WHERE id = $1", s.table())
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, err
}

func (s *SQLJobStore) Save(ctx context.Context, job *Job) error {
	if job == nil {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, payload = $2, completed_ts = $3
		WHERE id = $4 AND (status = $5 OR NOT %s)`, s.table(), sqlTerminalCondition)
	res, err := s.db.ExecContext(ctx, query, string(job.Status), string(payload), millisOrZero(job.CompletedAt), job.ID, string(job.Status))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	var stored string
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT status FROM %s WHERE id = $1", s.table()), job.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is already %s", ErrStaleWrite, job.ID, stored)
}

func (s *SQLJobStore) List(ctx context.Context) ([]*Job, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload, locked_until_ts, lock_owner FROM %s ORDER BY created_ts ASC, id ASC", s.table())
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs := []*Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLJobStore) AcquireLease(ctx context.Context, id, owner string, until, now time.Time) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET locked_until_ts = $1, lock_owner = $2
		WHERE id = $3 AND locked_until_ts <= $4`, s.table())
	res, err := s.db.ExecContext(ctx, query, until.UnixMilli(), owner, id, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = $1", s.table()), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return false, err
}

func (s *SQLJobStore) ReleaseLease(ctx context.Context, id, owner string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET locked_until_ts = 0, lock_owner = '' WHERE id = $1 AND lock_owner = $2", s.table())
	_, err := s.db.ExecContext(ctx, query, id, owner)
	return err
}

func (s *SQLJobStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE %s AND completed_ts > 0 AND completed_ts < $1", s.table(), sqlTerminalCondition)
	res, err := s.db.ExecContext(ctx, query, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLJobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLJobStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.driver == "sqlite3" {
			// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY.
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				source TEXT NOT NULL,
				status TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_ts BIGINT NOT NULL,
				completed_ts BIGINT NOT NULL DEFAULT 0,
				locked_until_ts BIGINT NOT NULL DEFAULT 0,
				lock_owner TEXT NOT NULL DEFAULT ''
			)`, s.table()),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (status, completed_ts)",
				quoteIdentifier(s.tableName+"_status_idx"), s.table()),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLJobStore) table() string {
	return quoteIdentifier(s.tableName)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		payload     string
		lockedUntil int64
		lockOwner   string
	)
	if err := row.Scan(&payload, &lockedUntil, &lockOwner); err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	job.LockedUntil = nil
	job.LockOwner = lockOwner
	if lockedUntil > 0 {
		t := time.UnixMilli(lockedUntil).UTC()
		job.LockedUntil = &t
	}
	return &job, nil
}

func millisOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
