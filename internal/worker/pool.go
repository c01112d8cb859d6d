// Package worker runs registered handlers for jobs taken off the queue.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"bookshelf/internal/domain"
	"bookshelf/internal/logging"
	"bookshelf/internal/metrics"
	"bookshelf/internal/queue"
)

// JobStore is the part of the job store the pool drives.
type JobStore interface {
	MarkRunning(ctx context.Context, id string) (domain.Job, error)
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, msg string) error
	Retry(ctx context.Context, id string) error
	IncrementAttempts(ctx context.Context, id string) (int, error)
}

type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Requeue(ctx context.Context, d *queue.Delivery, delay time.Duration) error
	Extend(ctx context.Context, d *queue.Delivery) error
	VisibilityTimeout() time.Duration
}

// Recorder observes finished deliveries. *metrics.Metrics satisfies it.
type Recorder interface {
	JobProcessed(kind, outcome string, took time.Duration)
}

type Config struct {
	Concurrency    int
	DequeueTimeout time.Duration
	Backoff        Backoff
	JobTimeout     time.Duration
}

func (c *Config) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Max < c.Backoff.Base {
		c.Backoff.Max = max(60*time.Second, c.Backoff.Base)
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
}

type Pool struct {
	store    JobStore
	queue    Queue
	registry *Registry
	metrics  Recorder
	cfg      Config
	log      zerolog.Logger
}

func NewPool(s JobStore, q Queue, r *Registry, cfg Config) *Pool {
	cfg.withDefaults()
	return &Pool{
		store:    s,
		queue:    q,
		registry: r,
		cfg:      cfg,
		log:      logging.Component("worker"),
	}
}

// WithMetrics attaches a recorder and returns p.
func (p *Pool) WithMetrics(r Recorder) *Pool {
	p.metrics = r
	return p
}

// Run starts the worker loops and blocks until ctx is cancelled and every
// loop has finished its current job.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info().
		Int("concurrency", p.cfg.Concurrency).
		Strs("kinds", p.registry.Kinds()).
		Msg("worker pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i)
	}
	wg.Wait()

	p.log.Info().Msg("worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, n int) {
	l := p.log.With().Int("worker", n).Logger()
	for ctx.Err() == nil {
		d, err := p.queue.Dequeue(ctx, p.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Error().Err(err).Msg("dequeue failed")
			p.pause(ctx)
			continue
		}
		if d == nil {
			continue
		}
		// The job in hand is finished even if shutdown starts meanwhile.
		if err := p.process(context.WithoutCancel(ctx), l, d); err != nil {
			l.Error().Err(err).Str("job_id", d.JobID).Msg("job bookkeeping failed; delivery left to lease expiry")
			p.pause(ctx)
		}
	}
}

// process runs one delivery. A returned error means a bookkeeping write
// failed; the delivery is then neither acked nor requeued and comes back
// once its lease expires.
func (p *Pool) process(ctx context.Context, l zerolog.Logger, d *queue.Delivery) error {
	start := time.Now()
	l = l.With().Str("job_id", d.JobID).Str("kind", d.Kind).Int("delivery", d.Deliveries).Logger()

	job, err := p.store.MarkRunning(ctx, d.JobID)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
		l.Warn().Err(err).Msg("dropping duplicate delivery")
		p.record(d.Kind, metrics.OutcomeSkipped, 0)
		return p.ack(ctx, d)
	}
	if err != nil {
		return err
	}

	handler, ok := p.registry.Lookup(job.Kind)
	if !ok {
		msg := errors.Wrapf(domain.ErrUnknownKind, "%s", job.Kind).Error()
		if err := p.store.MarkFailed(ctx, job.ID, msg); err != nil {
			return err
		}
		l.Error().Msg("no handler registered for job kind")
		p.record(job.Kind, metrics.OutcomeFailed, time.Since(start))
		return p.ack(ctx, d)
	}

	attempt, err := p.store.IncrementAttempts(ctx, job.ID)
	if err != nil {
		return err
	}
	l = l.With().Int("attempt", attempt).Int("max_attempts", job.MaxAttempts).Logger()
	l.Debug().Msg("running job")

	release := p.holdLease(ctx, l, d)
	runErr := p.invoke(ctx, l, handler, job.Payload)
	release()
	took := time.Since(start)

	if runErr == nil {
		if err := p.store.MarkSucceeded(ctx, job.ID); err != nil {
			return err
		}
		l.Info().Dur("took", took).Msg("job succeeded")
		p.record(job.Kind, metrics.OutcomeSucceeded, took)
		return p.ack(ctx, d)
	}

	if err := p.store.MarkFailed(ctx, job.ID, runErr.Error()); err != nil {
		return err
	}
	if attempt >= job.MaxAttempts || errors.Is(runErr, domain.ErrPermanent) {
		l.Error().Err(runErr).Dur("took", took).Msg("job failed permanently")
		p.record(job.Kind, metrics.OutcomeFailed, took)
		return p.ack(ctx, d)
	}

	if err := p.store.Retry(ctx, job.ID); err != nil {
		return err
	}
	delay := p.cfg.Backoff.Delay(attempt)
	if err := p.queue.Requeue(ctx, d, delay); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		return err
	}
	l.Warn().Err(runErr).Dur("retry_in", delay).Msg("job failed, retrying")
	p.record(job.Kind, metrics.OutcomeRetried, took)
	return nil
}

// invoke calls the handler with a deadline, turning errors and panics into
// errors marked ErrHandler.
func (p *Pool) invoke(ctx context.Context, l zerolog.Logger, h HandlerFunc, payload string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("handler panicked")
			err = errors.Mark(errors.Newf("panic: %v", r), domain.ErrHandler)
		}
	}()
	if err := h(ctx, payload); err != nil {
		return errors.Mark(err, domain.ErrHandler)
	}
	return nil
}

// holdLease renews d's lease while the handler runs so a job outliving the
// visibility timeout is not handed to a second worker. The returned func
// stops renewal and waits for it.
func (p *Pool) holdLease(ctx context.Context, l zerolog.Logger, d *queue.Delivery) func() {
	every := p.queue.VisibilityTimeout() / 3
	if every <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := p.queue.Extend(ctx, d); err != nil {
					if ctx.Err() != nil {
						return
					}
					l.Warn().Err(err).Msg("failed to renew lease")
					if errors.Is(err, queue.ErrLeaseLost) {
						return
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Pool) ack(ctx context.Context, d *queue.Delivery) error {
	err := p.queue.Ack(ctx, d)
	if errors.Is(err, queue.ErrLeaseLost) {
		// Someone else owns the entry now and will settle it.
		p.log.Warn().Str("job_id", d.JobID).Msg("lease expired before ack")
		return nil
	}
	return err
}

func (p *Pool) record(kind, outcome string, took time.Duration) {
	if p.metrics != nil {
		p.metrics.JobProcessed(kind, outcome, took)
	}
}

func (p *Pool) pause(ctx context.Context) {
	t := time.NewTimer(p.cfg.Backoff.Base)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
