// Package queue is a durable, SQLite-backed job broker. It carries one-shot
// jobs consumed by the worker pools and repeating jobs that the dispatcher
// fans out at their cron-computed fire times.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrEmpty = errors.New("no jobs ready")

// Queue names. Each has its own worker pool.
const (
	QueueExecute  = "execute"
	QueueWriteLog = "write_log"
	QueueNotify   = "notify"
)

// EnsureSchema creates the broker tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  queue TEXT NOT NULL,
  payload BLOB NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  backoff_ms INTEGER NOT NULL DEFAULT 5000,
  state TEXT NOT NULL CHECK(state IN ('queued','running','failed')) DEFAULT 'queued',
  next_run_at DATETIME NOT NULL,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  leased_until DATETIME,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(queue, state, next_run_at);
CREATE TABLE IF NOT EXISTS job_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  queue TEXT NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  finished_at DATETIME
);
CREATE TABLE IF NOT EXISTS repeat_jobs (
  id TEXT NOT NULL,
  pattern TEXT NOT NULL,
  timezone TEXT NOT NULL DEFAULT '',
  queue TEXT NOT NULL,
  payload BLOB NOT NULL,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL,
  PRIMARY KEY (id, pattern)
);
CREATE INDEX IF NOT EXISTS idx_repeat_jobs_due ON repeat_jobs(next_run);
`
	_, err := db.Exec(schema)
	return err
}

// Job is a one-shot queue entry. Completed jobs are deleted, not retained.
type Job struct {
	ID                string
	Queue             string
	Payload           []byte
	Attempts          int
	MaxAttempts       int
	Backoff           time.Duration // base delay, doubled per attempt
	State             string
	NextRunAt         time.Time
	VisibilityTimeout int // seconds
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RepeatingJob is re-dispatched by the dispatcher at every cron-computed
// fire time. Identity is (ID, Pattern): registering the same task id with a
// new pattern leaves the old entry behind, which is why schedule cleanup
// must also cover historical patterns.
type RepeatingJob struct {
	ID        string // task id
	Pattern   string // cron expression
	Timezone  string
	Queue     string
	Payload   []byte // task snapshot taken at registration time
	LastRun   *time.Time
	NextRun   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EnqueueOptions tune retry behavior for a one-shot job. Zero values fall
// back to 5 attempts, 5s base backoff and a 60s visibility timeout.
type EnqueueOptions struct {
	MaxAttempts       int
	Backoff           time.Duration
	VisibilityTimeout int
	Delay             time.Duration
}

type Repository interface {
	Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) (string, error)
	LeaseNext(ctx context.Context, queue string, now time.Time) (Job, error)
	Succeed(ctx context.Context, id string) error
	Retry(ctx context.Context, id, errStr string, delay time.Duration) error
	Fail(ctx context.Context, id, errStr string) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)

	AddRepeating(ctx context.Context, r RepeatingJob) error
	RemoveRepeating(ctx context.Context, id, pattern string) (bool, error)
	DueRepeating(ctx context.Context, now time.Time) ([]RepeatingJob, error)
	AdvanceRepeating(ctx context.Context, id, pattern string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) (string, error) {
	id := "job_" + uuid.NewString()
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.Backoff == 0 {
		opts.Backoff = 5 * time.Second
	}
	if opts.VisibilityTimeout == 0 {
		opts.VisibilityTimeout = 60
	}
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id,queue,payload,attempts,max_attempts,backoff_ms,state,next_run_at,visibility_timeout,created_at,updated_at)
VALUES (?,?,?,0,?,?,'queued',?,?,?,?)`,
		id, queue, payload, opts.MaxAttempts, opts.Backoff.Milliseconds(),
		now.Add(opts.Delay), opts.VisibilityTimeout, now, now)
	return id, err
}

func (r *sqliteRepo) LeaseNext(ctx context.Context, queue string, now time.Time) (Job, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return Job{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT id,queue,payload,attempts,max_attempts,backoff_ms,state,next_run_at,visibility_timeout,created_at,updated_at
FROM jobs
WHERE queue=? AND state='queued' AND next_run_at <= ?
ORDER BY next_run_at ASC, created_at ASC
LIMIT 1`, queue, now.UTC())
	var (
		j         Job
		backoffMS int64
	)
	err = row.Scan(&j.ID, &j.Queue, &j.Payload, &j.Attempts, &j.MaxAttempts, &backoffMS,
		&j.State, &j.NextRunAt, &j.VisibilityTimeout, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		err = nil
		if rbErr := tx.Rollback(); rbErr != nil {
			return Job{}, rbErr
		}
		return Job{}, ErrEmpty
	}
	if err != nil {
		return Job{}, err
	}
	j.Backoff = time.Duration(backoffMS) * time.Millisecond

	leasedUntil := now.Add(time.Duration(j.VisibilityTimeout) * time.Second).UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET state='running', leased_until=?, updated_at=? WHERE id=?`,
		leasedUntil, time.Now().UTC(), j.ID)
	if err != nil {
		return Job{}, err
	}
	if err = tx.Commit(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Succeed records the attempt and deletes the job row.
func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO job_attempts(job_id, queue, success, error, finished_at)
  SELECT id, queue, 1, '', ?1 FROM jobs WHERE id=?2;
DELETE FROM jobs WHERE id=?3;`, time.Now().UTC(), id, id)
	return err
}

// Retry requeues the job after delay, or marks it failed once attempts are
// exhausted.
func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO job_attempts(job_id, queue, success, error, finished_at)
  SELECT id, queue, 0, ?1, ?2 FROM jobs WHERE id=?3;
UPDATE jobs
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = ?4,
    leased_until = NULL,
    updated_at = ?5
WHERE id = ?6;`, errStr, now, id, now.Add(delay), now, id)
	return err
}

// Fail marks the job failed immediately, without further retries.
func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO job_attempts(job_id, queue, success, error, finished_at)
  SELECT id, queue, 0, ?1, ?2 FROM jobs WHERE id=?3;
UPDATE jobs SET state='failed', leased_until=NULL, updated_at=?4 WHERE id=?5;`,
		errStr, now, id, now, id)
	return err
}

// RecoverStale requeues running jobs whose lease expired, e.g. after a
// crashed worker.
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state='queued', next_run_at=?, leased_until=NULL, updated_at=?
WHERE state='running' AND leased_until IS NOT NULL AND leased_until <= ?`,
		now.UTC(), now.UTC(), now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AddRepeating registers or refreshes the repeating job identified by
// (rj.ID, rj.Pattern). Re-registering the same identity replaces the stored
// snapshot and fire time instead of duplicating the entry.
func (r *sqliteRepo) AddRepeating(ctx context.Context, rj RepeatingJob) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO repeat_jobs (id,pattern,timezone,queue,payload,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id,pattern) DO UPDATE SET
  timezone=excluded.timezone,
  queue=excluded.queue,
  payload=excluded.payload,
  next_run=excluded.next_run,
  updated_at=excluded.updated_at`,
		rj.ID, rj.Pattern, rj.Timezone, rj.Queue, rj.Payload, rj.NextRun.UTC(), now, now)
	return err
}

// RemoveRepeating deletes one schedule identity. Removing an identity that
// is not registered is not an error; the boolean reports whether anything
// was actually deleted.
func (r *sqliteRepo) RemoveRepeating(ctx context.Context, id, pattern string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM repeat_jobs WHERE id=? AND pattern=?`, id, pattern)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) DueRepeating(ctx context.Context, now time.Time) ([]RepeatingJob, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,pattern,timezone,queue,payload,last_run,next_run,created_at,updated_at
FROM repeat_jobs WHERE next_run <= ? ORDER BY next_run`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RepeatingJob
	for rows.Next() {
		var (
			rj      RepeatingJob
			lastRun sql.NullTime
		)
		if err := rows.Scan(&rj.ID, &rj.Pattern, &rj.Timezone, &rj.Queue, &rj.Payload,
			&lastRun, &rj.NextRun, &rj.CreatedAt, &rj.UpdatedAt); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			rj.LastRun = &lastRun.Time
		}
		out = append(out, rj)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) AdvanceRepeating(ctx context.Context, id, pattern string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE repeat_jobs SET last_run=?, next_run=?, updated_at=? WHERE id=? AND pattern=?`,
		lastRun.UTC(), nextRun.UTC(), time.Now().UTC(), id, pattern)
	return err
}
