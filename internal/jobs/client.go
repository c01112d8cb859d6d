// Package jobs is the producer side of the job system.
package jobs

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"bookshelf/internal/domain"
	"bookshelf/internal/queue"
	"bookshelf/internal/store"
)

// Recorder observes enqueues. *metrics.Metrics satisfies it.
type Recorder interface {
	JobEnqueued(kind string)
}

type Client struct {
	store       *store.Store
	queue       *queue.Queue
	maxAttempts int
	metrics     Recorder
}

// NewClient returns a client enqueueing on q. maxAttempts <= 0 uses the store
// default.
func NewClient(s *store.Store, q *queue.Queue, maxAttempts int) *Client {
	return &Client{store: s, queue: q, maxAttempts: maxAttempts}
}

// WithMetrics attaches a recorder and returns c.
func (c *Client) WithMetrics(r Recorder) *Client {
	c.metrics = r
	return c
}

// Enqueue validates, persists and queues a job, returning its id.
func (c *Client) Enqueue(ctx context.Context, kind, payload string) (string, error) {
	if err := domain.ValidateKind(kind); err != nil {
		return "", err
	}
	if strings.TrimSpace(payload) == "" {
		return "", errors.Wrapf(domain.ErrInvalidJob, "payload of %s job is empty", kind)
	}

	j, err := c.store.Create(ctx, domain.Job{
		Kind:        kind,
		Payload:     payload,
		Queue:       c.queue.Name(),
		MaxAttempts: c.maxAttempts,
	})
	if err != nil {
		return "", err
	}
	if err := c.queue.Enqueue(ctx, j); err != nil {
		// A job row without a queue entry would stay pending forever.
		if derr := c.store.Delete(context.WithoutCancel(ctx), j.ID); derr != nil {
			log.Warn().Err(derr).Str("job_id", j.ID).Msg("failed to drop unqueued job")
		}
		return "", err
	}
	if c.metrics != nil {
		c.metrics.JobEnqueued(kind)
	}
	log.Debug().Str("job_id", j.ID).Str("kind", kind).Str("queue", j.Queue).Msg("job enqueued")
	return j.ID, nil
}

// Cancel stops a pending job from ever running. Jobs that are leased,
// running or finished cannot be cancelled.
func (c *Client) Cancel(ctx context.Context, id string) error {
	removed, err := c.queue.Remove(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		j, err := c.store.Get(ctx, id)
		if err != nil {
			return err
		}
		return errors.Wrapf(domain.ErrInvalidTransition, "cannot cancel job %s (status %s)", id, j.Status)
	}
	if err := c.store.Delete(ctx, id); err != nil {
		c.restore(context.WithoutCancel(ctx), id)
		return err
	}
	log.Info().Str("job_id", id).Msg("job cancelled")
	return nil
}

// restore puts back the entry Cancel removed when the row refused to go, so
// a job that is still live keeps a way to reach a worker.
func (c *Client) restore(ctx context.Context, id string) {
	j, err := c.store.Get(ctx, id)
	if err != nil || j.Status.Terminal() {
		return
	}
	if err := c.queue.Enqueue(ctx, j); err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("failed to restore queue entry after refused cancel")
	}
}

func (c *Client) Get(ctx context.Context, id string) (domain.Job, error) {
	return c.store.Get(ctx, id)
}

func (c *Client) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) {
	return c.store.ListRecent(ctx, limit)
}
