// Package queue hands jobs from producers to workers through a durable table
// with SQS-style visibility leases. Delivery is at-least-once: a claimed entry
// that is not acknowledged before its lease ends becomes visible again.
package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bookshelf/internal/db"
	"bookshelf/internal/domain"
	"bookshelf/internal/logging"
)

// ErrLeaseLost is returned by Ack and Requeue when the entry was redelivered
// to someone else after the caller's lease expired, or is gone.
var ErrLeaseLost = errors.New("lease lost")

type Config struct {
	Name              string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// Delivery is one hand-off of a job to a consumer.
type Delivery struct {
	Seq        int64
	JobID      string
	Kind       string
	Payload    string
	Deliveries int
	Token      string
}

type Queue struct {
	db       *db.DB
	notifier Notifier
	cfg      Config
	now      func() time.Time
	log      zerolog.Logger
}

// New returns a queue instance. A nil notifier falls back to in-process
// wake-ups only.
func New(d *db.DB, n Notifier, cfg Config) *Queue {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if n == nil {
		n = NewLocalNotifier()
	}
	return &Queue{
		db:       d,
		notifier: n,
		cfg:      cfg,
		now:      time.Now,
		log:      logging.Component("queue").With().Str("queue", cfg.Name).Logger(),
	}
}

func (q *Queue) Name() string { return q.cfg.Name }

func (q *Queue) VisibilityTimeout() time.Duration { return q.cfg.VisibilityTimeout }

// Enqueue makes the job visible to consumers immediately.
func (q *Queue) Enqueue(ctx context.Context, j domain.Job) error {
	return q.EnqueueAfter(ctx, j, 0)
}

// EnqueueAfter makes the job visible once delay has passed.
func (q *Queue) EnqueueAfter(ctx context.Context, j domain.Job, delay time.Duration) error {
	_, err := q.db.Exec(ctx, `
INSERT INTO queue_entries (queue, job_id, kind, payload, visible_at, deliveries)
VALUES (?,?,?,?,?,0)`, q.cfg.Name, j.ID, j.Kind, j.Payload, db.Millis(q.now().Add(delay)))
	if err != nil {
		return errors.Wrapf(err, "enqueue job %s", j.ID)
	}
	if delay <= 0 {
		q.wake(ctx)
	}
	return nil
}

// Dequeue waits up to timeout for a visible entry. It returns nil, nil when
// the timeout passes without one.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	deadline := q.now().Add(timeout)
	for {
		// Grab the wake channel before claiming so an enqueue racing with an
		// empty claim is not missed.
		wake := q.notifier.Wait(q.cfg.Name)

		d, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(remaining, q.cfg.PollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context) (*Delivery, error) {
	lock := ""
	if q.db.Dialect() == db.Postgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	now := q.now()
	d := Delivery{Token: uuid.NewString()}
	err := q.db.QueryRow(ctx, `
UPDATE queue_entries
SET lease_token = ?, visible_at = ?, deliveries = deliveries + 1
WHERE seq = (
  SELECT seq FROM queue_entries
  WHERE queue = ? AND visible_at <= ?
  ORDER BY seq
  LIMIT 1`+lock+`
) AND visible_at <= ?
RETURNING seq, job_id, kind, payload, deliveries`,
		[]any{d.Token, db.Millis(now.Add(q.cfg.VisibilityTimeout)), q.cfg.Name, db.Millis(now), db.Millis(now)},
		&d.Seq, &d.JobID, &d.Kind, &d.Payload, &d.Deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim entry")
	}
	if d.Deliveries > 1 {
		q.log.Warn().Str("job_id", d.JobID).Int("deliveries", d.Deliveries).Msg("redelivering job after lease expiry")
	}
	return &d, nil
}

// Ack removes the entry for good.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	res, err := q.db.Exec(ctx, `DELETE FROM queue_entries WHERE seq = ? AND lease_token = ?`, d.Seq, d.Token)
	if err != nil {
		return errors.Wrapf(err, "ack job %s", d.JobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrLeaseLost, "ack job %s", d.JobID)
	}
	return nil
}

// Requeue gives the lease back; the entry is visible again after delay.
func (q *Queue) Requeue(ctx context.Context, d *Delivery, delay time.Duration) error {
	res, err := q.db.Exec(ctx, `
UPDATE queue_entries SET lease_token = NULL, visible_at = ?
WHERE seq = ? AND lease_token = ?`, db.Millis(q.now().Add(delay)), d.Seq, d.Token)
	if err != nil {
		return errors.Wrapf(err, "requeue job %s", d.JobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrLeaseLost, "requeue job %s", d.JobID)
	}
	if delay <= 0 {
		q.wake(ctx)
	}
	return nil
}

// Extend renews the caller's lease for another visibility timeout.
func (q *Queue) Extend(ctx context.Context, d *Delivery) error {
	res, err := q.db.Exec(ctx, `
UPDATE queue_entries SET visible_at = ?
WHERE seq = ? AND lease_token = ?`, db.Millis(q.now().Add(q.cfg.VisibilityTimeout)), d.Seq, d.Token)
	if err != nil {
		return errors.Wrapf(err, "extend lease of job %s", d.JobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrLeaseLost, "extend lease of job %s", d.JobID)
	}
	return nil
}

// Remove deletes the job's entry if no consumer has claimed it since it was
// enqueued or requeued. An entry whose lease expired is kept: its consumer
// may have died mid-job and redelivery is the only way the job finishes.
// It reports whether an entry was removed.
func (q *Queue) Remove(ctx context.Context, jobID string) (bool, error) {
	res, err := q.db.Exec(ctx, `
DELETE FROM queue_entries
WHERE queue = ? AND job_id = ? AND lease_token IS NULL`,
		q.cfg.Name, jobID)
	if err != nil {
		return false, errors.Wrapf(err, "remove job %s", jobID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Len counts entries, leased or not.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM queue_entries WHERE queue = ?`, []any{q.cfg.Name}, &n)
	return n, errors.Wrap(err, "queue length")
}

func (q *Queue) wake(ctx context.Context) {
	if err := q.notifier.Notify(ctx, q.cfg.Name); err != nil {
		q.log.Warn().Err(err).Msg("notify consumers")
	}
}
