package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"bookshelf/internal/books"
	"bookshelf/internal/config"
	"bookshelf/internal/db"
	"bookshelf/internal/embed"
	bookhandlers "bookshelf/internal/handlers/books"
	"bookshelf/internal/handlers/heartbeat"
	"bookshelf/internal/handlers/webhook"
	"bookshelf/internal/jobs"
	"bookshelf/internal/logging"
	"bookshelf/internal/metrics"
	"bookshelf/internal/queue"
	"bookshelf/internal/scheduler"
	"bookshelf/internal/store"
	"bookshelf/internal/worker"
)

// app holds every component one process may run. Components are built
// once; commands pick the ones they start.
type app struct {
	cfg     *config.Config
	db      *db.DB
	store   *store.Store
	queue   *queue.Queue
	jobs    *jobs.Client
	books   *books.Repository
	metrics *metrics.Metrics
	closers []func() error
}

func newApp(ctx context.Context, envFile string) (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if err := logging.Setup(nil, cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}

	d, err := db.Open(ctx, db.Config{
		URL:            cfg.Database.URL,
		MaxConns:       cfg.Database.MaxConns,
		AcquireTimeout: cfg.Database.AcquireTimeout,
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: d, metrics: metrics.New()}
	a.closers = append(a.closers, d.Close)

	if err := d.EnsureSchema(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	notifier, err := a.notifier(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.store = store.New(d)
	a.queue = queue.New(d, notifier, queue.Config{
		Name:              cfg.Queue.Name,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		PollInterval:      cfg.Queue.PollInterval,
	})
	a.jobs = jobs.NewClient(a.store, a.queue, cfg.Worker.MaxAttempts).WithMetrics(a.metrics)
	a.books = books.NewRepository(d)

	log.Info().
		Str("dialect", string(d.Dialect())).
		Str("queue", cfg.Queue.Name).
		Bool("broker", cfg.Queue.BrokerURL != "").
		Msg("bookshelf initialised")
	return a, nil
}

// notifier returns the Redis notifier when a broker is configured, else nil
// so the queue falls back to in-process wake-ups.
func (a *app) notifier(ctx context.Context) (queue.Notifier, error) {
	if a.cfg.Queue.BrokerURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(a.cfg.Queue.BrokerURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse BROKER_URL")
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "connect to broker")
	}
	n, err := queue.NewRedisNotifier(ctx, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	// closed in reverse order: subscription first, then the client
	a.closers = append(a.closers, client.Close, n.Close)
	return n, nil
}

func (a *app) registry() (*worker.Registry, error) {
	embedder, err := embed.New(a.cfg.OpenAI.APIKey, a.cfg.OpenAI.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	r := worker.NewRegistry()
	bookhandlers.New(a.books, embedder, a.jobs).Register(r)
	heartbeat.Register(r)
	webhook.New(nil).Register(r)
	return r, nil
}

func (a *app) pool() (*worker.Pool, error) {
	r, err := a.registry()
	if err != nil {
		return nil, err
	}
	w := a.cfg.Worker
	return worker.NewPool(a.store, a.queue, r, worker.Config{
		Concurrency:    w.Concurrency,
		DequeueTimeout: w.DequeueTimeout,
		Backoff:        worker.Backoff{Base: w.BackoffBase, Max: w.BackoffMax},
		JobTimeout:     w.JobTimeout,
	}).WithMetrics(a.metrics), nil
}

// scheduler builds the scheduler. With seed set it also creates the default
// triggers that do not exist yet; existing ones are left as they are.
func (a *app) scheduler(ctx context.Context, seed bool) (*scheduler.Service, error) {
	s := scheduler.NewService(a.store, a.jobs, a.cfg.Scheduler.SyncInterval).WithMetrics(a.metrics)
	if !seed {
		return s, nil
	}
	for _, t := range heartbeat.DefaultTriggers(a.cfg.Scheduler.HeartbeatCron, a.cfg.Scheduler.HeartbeatMinutely) {
		if _, err := s.Seed(ctx, t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (a *app) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = errors.CombineErrors(errs, a.closers[i]())
	}
	return errs
}
