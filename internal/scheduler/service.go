// Package scheduler fires cron triggers that enqueue jobs.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"bookshelf/internal/domain"
)

// Five fields, six with leading seconds, or descriptors such as @hourly and
// @every 5s.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type TriggerStore interface {
	UpsertTrigger(ctx context.Context, t domain.Trigger) (domain.Trigger, error)
	InsertTrigger(ctx context.Context, t domain.Trigger) (domain.Trigger, bool, error)
	ListTriggers(ctx context.Context) ([]domain.Trigger, error)
	DeleteTrigger(ctx context.Context, name string) error
	TouchTrigger(ctx context.Context, name string, firedAt time.Time) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, kind, payload string) (string, error)
}

// Recorder observes firings. *metrics.Metrics satisfies it.
type Recorder interface {
	TriggerFired(name string, err error)
}

type entry struct {
	id      cron.EntryID
	trigger domain.Trigger
}

type Service struct {
	store    TriggerStore
	enqueuer Enqueuer
	metrics  Recorder
	cron     *cron.Cron
	interval time.Duration
	stop     chan struct{}
	now      func() time.Time

	// changes serializes Register, Remove and Sync so a sweep never works
	// from a trigger list older than the entries it prunes.
	changes sync.Mutex

	mu      sync.Mutex
	entries map[string]entry
	ctx     context.Context
}

// NewService returns a scheduler that re-reads triggers from the store every
// syncInterval.
func NewService(store TriggerStore, enqueuer Enqueuer, syncInterval time.Duration) *Service {
	if syncInterval <= 0 {
		syncInterval = 10 * time.Second
	}
	return &Service{
		store:    store,
		enqueuer: enqueuer,
		cron:     cron.New(cron.WithParser(parser)),
		interval: syncInterval,
		stop:     make(chan struct{}),
		now:      time.Now,
		entries:  make(map[string]entry),
		ctx:      context.Background(),
	}
}

// WithMetrics attaches a recorder and returns s.
func (s *Service) WithMetrics(r Recorder) *Service {
	s.metrics = r
	return s
}

// Register validates and stores t, replacing any trigger with the same name,
// and installs it. An empty payload defaults to the trigger name.
func (s *Service) Register(ctx context.Context, t domain.Trigger) (domain.Trigger, error) {
	t, err := normalize(t)
	if err != nil {
		return domain.Trigger{}, err
	}

	s.changes.Lock()
	defer s.changes.Unlock()
	saved, err := s.store.UpsertTrigger(ctx, t)
	if err != nil {
		return domain.Trigger{}, err
	}
	if err := s.install(saved); err != nil {
		return domain.Trigger{}, err
	}
	log.Info().
		Str("trigger", saved.Name).
		Str("cron_expr", saved.CronExpr).
		Str("target_kind", saved.TargetKind).
		Bool("enabled", saved.Enabled).
		Msg("trigger registered")
	return saved, nil
}

// Seed stores t unless a trigger with its name exists, then installs
// whatever the store holds. Changes made through Register survive a restart.
func (s *Service) Seed(ctx context.Context, t domain.Trigger) (domain.Trigger, error) {
	t, err := normalize(t)
	if err != nil {
		return domain.Trigger{}, err
	}

	s.changes.Lock()
	defer s.changes.Unlock()
	stored, created, err := s.store.InsertTrigger(ctx, t)
	if err != nil {
		return domain.Trigger{}, err
	}
	if err := s.install(stored); err != nil {
		return domain.Trigger{}, err
	}
	if created {
		log.Info().Str("trigger", stored.Name).Str("cron_expr", stored.CronExpr).Msg("default trigger created")
	}
	return stored, nil
}

func normalize(t domain.Trigger) (domain.Trigger, error) {
	if strings.TrimSpace(t.Name) == "" {
		return t, errors.Wrap(domain.ErrInvalidJob, "trigger name is empty")
	}
	if err := domain.ValidateKind(t.TargetKind); err != nil {
		return t, err
	}
	if err := ValidateCronExpression(t.CronExpr); err != nil {
		return t, errors.Wrapf(domain.ErrInvalidJob, "trigger %s: %v", t.Name, err)
	}
	if t.Payload == "" {
		t.Payload = t.Name
	}
	return t, nil
}

// Remove deletes the trigger and its cron entry.
func (s *Service) Remove(ctx context.Context, name string) error {
	s.changes.Lock()
	defer s.changes.Unlock()
	s.uninstall(name)
	return s.store.DeleteTrigger(ctx, name)
}

// Sync makes the installed cron entries match the triggers in the store, so
// changes made by other processes take effect here.
func (s *Service) Sync(ctx context.Context) error {
	s.changes.Lock()
	defer s.changes.Unlock()
	triggers, err := s.store.ListTriggers(ctx)
	if err != nil {
		return err
	}
	wanted := make(map[string]bool, len(triggers))
	var errs error
	for _, t := range triggers {
		wanted[t.Name] = true
		if err := s.install(t); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}

	s.mu.Lock()
	var stale []string
	for name := range s.entries {
		if !wanted[name] {
			stale = append(stale, name)
		}
	}
	s.mu.Unlock()
	for _, name := range stale {
		s.uninstall(name)
	}
	return errs
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		log.Error().Err(err).Msg("failed to load triggers")
	}
	s.cron.Start()
	log.Info().Dur("sync_interval", s.interval).Int("triggers", s.Len()).Msg("schedule service started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer func() {
		// wait for firings in flight
		<-s.cron.Stop().Done()
		log.Info().Msg("schedule service stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				log.Error().Err(err).Msg("failed to sync triggers")
			}
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Len reports the number of installed cron entries.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// install adds or replaces the cron entry for t. Disabled triggers are
// uninstalled. An unchanged trigger keeps its entry.
func (s *Service) install(t domain.Trigger) error {
	if !t.Enabled {
		s.uninstall(t.Name)
		return nil
	}
	sched, err := parser.Parse(t.CronExpr)
	if err != nil {
		return errors.Wrapf(domain.ErrInvalidJob, "trigger %s: %v", t.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[t.Name]; ok {
		if sameSchedule(cur.trigger, t) {
			return nil
		}
		s.cron.Remove(cur.id)
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(t, sched) }))
	s.entries[t.Name] = entry{id: id, trigger: t}
	return nil
}

func (s *Service) uninstall(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[name]; ok {
		s.cron.Remove(cur.id)
		delete(s.entries, name)
		log.Debug().Str("trigger", name).Msg("trigger uninstalled")
	}
}

func sameSchedule(a, b domain.Trigger) bool {
	return a.CronExpr == b.CronExpr && a.TargetKind == b.TargetKind && a.Payload == b.Payload && a.Enabled == b.Enabled
}

// fire enqueues one job for t. Errors are logged; the next tick runs anyway.
func (s *Service) fire(t domain.Trigger, sched cron.Schedule) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	now := s.now()
	jobID, err := s.enqueuer.Enqueue(ctx, t.TargetKind, t.Payload)
	if s.metrics != nil {
		s.metrics.TriggerFired(t.Name, err)
	}
	if err != nil {
		log.Error().Err(err).Str("trigger", t.Name).Msg("failed to enqueue scheduled job")
		return
	}
	if err := s.store.TouchTrigger(ctx, t.Name, now); err != nil {
		log.Error().Err(err).Str("trigger", t.Name).Msg("failed to record trigger firing")
	}

	log.Info().
		Str("trigger", t.Name).
		Str("job_id", jobID).
		Str("kind", t.TargetKind).
		Time("next_run", sched.Next(now)).
		Msg("scheduled job enqueued")
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := parser.Parse(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
