// Package store is the durable record of job and trigger state.
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"bookshelf/internal/db"
	"bookshelf/internal/domain"
)

const (
	DefaultQueue       = "default"
	DefaultMaxAttempts = 3
)

const jobColumns = `id,kind,payload,queue,status,attempts,max_attempts,last_error,created_at,updated_at`

type Store struct {
	db  *db.DB
	now func() time.Time
}

func New(d *db.DB) *Store {
	return &Store{db: d, now: time.Now}
}

// Create inserts a new pending job. Empty fields of j get defaults; Status,
// Attempts and timestamps are always overwritten.
func (s *Store) Create(ctx context.Context, j domain.Job) (domain.Job, error) {
	if j.ID == "" {
		j.ID = "job_" + uuid.NewString()
	}
	if j.Queue == "" {
		j.Queue = DefaultQueue
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	now := s.now()
	j.Status = domain.StatusPending
	j.Attempts = 0
	j.LastError = ""
	j.CreatedAt = db.FromMillis(db.Millis(now))
	j.UpdatedAt = j.CreatedAt

	_, err := s.db.Exec(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES (?,?,?,?,?,0,?,'',?,?)`,
		j.ID, j.Kind, j.Payload, j.Queue, string(j.Status), j.MaxAttempts, db.Millis(now), db.Millis(now))
	if err != nil {
		return domain.Job{}, errors.Wrapf(err, "create job %s", j.Kind)
	}
	return j, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(func(dest ...any) error {
		return s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, []any{id}, dest...)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	return j, err
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []domain.Job
	err := s.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id LIMIT ?`, []any{limit},
		func(rows *sql.Rows) error {
			j, err := scanJob(rows.Scan)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
			return nil
		})
	return jobs, err
}

// MarkRunning moves a job to running. A job that is already running is
// accepted too: that only happens when its visibility lease expired and the
// queue handed it to a new worker.
func (s *Store) MarkRunning(ctx context.Context, id string) (domain.Job, error) {
	return s.transition(ctx, id, domain.StatusRunning,
		[]domain.Status{domain.StatusPending, domain.StatusRunning}, "", nil)
}

func (s *Store) MarkSucceeded(ctx context.Context, id string) error {
	_, err := s.transition(ctx, id, domain.StatusSucceeded,
		[]domain.Status{domain.StatusRunning}, "last_error=''", nil)
	return err
}

// MarkFailed records msg as the last error. Whether the job is retried is
// decided by the caller through Retry.
func (s *Store) MarkFailed(ctx context.Context, id, msg string) error {
	_, err := s.transition(ctx, id, domain.StatusFailed,
		[]domain.Status{domain.StatusRunning}, "last_error=?", []any{msg})
	return err
}

// Retry moves a failed job back to pending while it still has attempts left.
func (s *Store) Retry(ctx context.Context, id string) error {
	_, err := s.transition(ctx, id, domain.StatusPending,
		[]domain.Status{domain.StatusFailed}, "", nil, "attempts < max_attempts")
	return err
}

// IncrementAttempts bumps the attempt counter of a running job and returns
// the new value.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRow(ctx, `
UPDATE jobs SET attempts = attempts + 1, updated_at = ?
WHERE id = ? AND status = 'running'
RETURNING attempts`, []any{db.Millis(s.now()), id}, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.explain(ctx, id, "increment attempts of")
	}
	if err != nil {
		return 0, errors.Wrapf(err, "increment attempts of job %s", id)
	}
	return attempts, nil
}

// Delete removes a pending job. Running and finished jobs stay.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE id=? AND status='pending'`, id)
	if err != nil {
		return errors.Wrapf(err, "delete job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explain(ctx, id, "delete")
	}
	return nil
}

// transition performs a conditional UPDATE so concurrent callers cannot both
// win. set and cond are extra SQL fragments appended to the SET and WHERE
// clauses.
func (s *Store) transition(ctx context.Context, id string, to domain.Status, from []domain.Status, set string, setArgs []any, cond ...string) (domain.Job, error) {
	q := `UPDATE jobs SET status=?, updated_at=?`
	args := []any{string(to), db.Millis(s.now())}
	if set != "" {
		q += ", " + set
		args = append(args, setArgs...)
	}
	q += ` WHERE id=? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}
	for _, c := range cond {
		q += " AND " + c
	}
	q += ` RETURNING ` + jobColumns

	j, err := scanJob(func(dest ...any) error { return s.db.QueryRow(ctx, q, args, dest...) })
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, s.explain(ctx, id, "move to "+string(to))
	}
	if err != nil {
		return domain.Job{}, errors.Wrapf(err, "move job %s to %s", id, to)
	}
	return j, nil
}

// explain turns a conditional write that matched no row into NotFound or
// InvalidTransition.
func (s *Store) explain(ctx context.Context, id, op string) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return errors.Wrapf(domain.ErrInvalidTransition, "cannot %s job %s (status %s, attempts %d/%d)",
		op, id, cur.Status, cur.Attempts, cur.MaxAttempts)
}

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var (
		j                domain.Job
		status           string
		created, updated int64
	)
	if err := scan(&j.ID, &j.Kind, &j.Payload, &j.Queue, &status, &j.Attempts, &j.MaxAttempts, &j.LastError, &created, &updated); err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.Status(status)
	j.CreatedAt = db.FromMillis(created)
	j.UpdatedAt = db.FromMillis(updated)
	return j, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
