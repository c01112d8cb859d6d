package worker_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookshelf/internal/db/dbtest"
	"bookshelf/internal/domain"
	"bookshelf/internal/jobs"
	"bookshelf/internal/metrics"
	"bookshelf/internal/queue"
	"bookshelf/internal/store"
	"bookshelf/internal/worker"
)

type harness struct {
	store    *store.Store
	queue    *queue.Queue
	client   *jobs.Client
	registry *worker.Registry
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	return newHarnessWithLease(t, maxAttempts, 5*time.Second)
}

func newHarnessWithLease(t *testing.T, maxAttempts int, visibility time.Duration) *harness {
	t.Helper()
	d := dbtest.Open(t)
	s := store.New(d)
	q := queue.New(d, nil, queue.Config{
		Name:              "test",
		VisibilityTimeout: visibility,
		PollInterval:      10 * time.Millisecond,
	})
	return &harness{
		store:    s,
		queue:    q,
		client:   jobs.NewClient(s, q, maxAttempts),
		registry: worker.NewRegistry(),
		metrics:  metrics.New(),
	}
}

// start runs a pool until the test ends.
func (h *harness) start(t *testing.T, concurrency int) {
	t.Helper()
	pool := worker.NewPool(h.store, h.queue, h.registry, worker.Config{
		Concurrency:    concurrency,
		DequeueTimeout: 50 * time.Millisecond,
		Backoff:        worker.Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond},
		JobTimeout:     time.Second,
	}).WithMetrics(h.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) waitFor(t *testing.T, id string, cond func(domain.Job) bool) domain.Job {
	t.Helper()
	var last domain.Job
	require.Eventually(t, func() bool {
		j, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return cond(j)
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached expected state", id)
	return last
}

func (h *harness) waitEmpty(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := h.queue.Len(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestJobSucceeds(t *testing.T) {
	h := newHarness(t, 3)
	got := make(chan string, 1)
	h.registry.Register("compute", func(_ context.Context, payload string) error {
		got <- payload
		return nil
	})
	h.start(t, 2)

	id, err := h.client.Enqueue(context.Background(), "compute", "42")
	require.NoError(t, err)

	j := h.waitFor(t, id, func(j domain.Job) bool { return j.Status == domain.StatusSucceeded })
	assert.Equal(t, 1, j.Attempts)
	assert.Empty(t, j.LastError)
	assert.Equal(t, "42", <-got)
	h.waitEmpty(t)
}

func TestJobFailsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, 3)
	var calls atomic.Int32
	h.registry.Register("flaky", func(context.Context, string) error {
		calls.Add(1)
		return errors.New("boom")
	})
	h.start(t, 1)

	id, err := h.client.Enqueue(context.Background(), "flaky", "x")
	require.NoError(t, err)

	j := h.waitFor(t, id, func(j domain.Job) bool {
		return j.Status == domain.StatusFailed && j.Attempts == 3
	})
	assert.Equal(t, "boom", j.LastError)
	h.waitEmpty(t)

	// no fourth attempt
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 3, calls.Load())
	j, err = h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, j.Attempts)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	h := newHarness(t, 3)
	var calls atomic.Int32
	h.registry.Register("broken", func(context.Context, string) error {
		calls.Add(1)
		return errors.Mark(errors.New("payload does not parse"), domain.ErrPermanent)
	})
	h.start(t, 1)

	id, err := h.client.Enqueue(context.Background(), "broken", "x")
	require.NoError(t, err)

	j := h.waitFor(t, id, func(j domain.Job) bool { return j.Status == domain.StatusFailed })
	assert.Equal(t, 1, j.Attempts)
	assert.Contains(t, j.LastError, "payload does not parse")
	h.waitEmpty(t)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestTransientFailureRecovers(t *testing.T) {
	h := newHarness(t, 3)
	var calls atomic.Int32
	h.registry.Register("flaky", func(context.Context, string) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	h.start(t, 1)

	id, err := h.client.Enqueue(context.Background(), "flaky", "x")
	require.NoError(t, err)

	j := h.waitFor(t, id, func(j domain.Job) bool { return j.Status == domain.StatusSucceeded })
	assert.Equal(t, 3, j.Attempts)
	assert.Empty(t, j.LastError)
}

func TestUnknownKindFailsWithoutAttempt(t *testing.T) {
	h := newHarness(t, 3)
	h.start(t, 1)

	id, err := h.client.Enqueue(context.Background(), "mystery", "x")
	require.NoError(t, err)

	j := h.waitFor(t, id, func(j domain.Job) bool { return j.Status == domain.StatusFailed })
	assert.Equal(t, 0, j.Attempts)
	assert.Contains(t, j.LastError, "unknown job kind")
	assert.Contains(t, j.LastError, "mystery")
	h.waitEmpty(t)
}

func TestPanicIsContained(t *testing.T) {
	h := newHarness(t, 1)
	h.registry.Register("explode", func(context.Context, string) error {
		panic("kaboom")
	})
	var ok atomic.Bool
	h.registry.Register("fine", func(context.Context, string) error {
		ok.Store(true)
		return nil
	})
	h.start(t, 1)

	bad, err := h.client.Enqueue(context.Background(), "explode", "x")
	require.NoError(t, err)
	good, err := h.client.Enqueue(context.Background(), "fine", "x")
	require.NoError(t, err)

	j := h.waitFor(t, bad, func(j domain.Job) bool { return j.Status == domain.StatusFailed })
	assert.Contains(t, j.LastError, "kaboom")
	assert.Equal(t, 1, j.Attempts)

	// the same worker loop keeps going
	h.waitFor(t, good, func(j domain.Job) bool { return j.Status == domain.StatusSucceeded })
	assert.True(t, ok.Load())
}

func TestHandlerSeesTimeout(t *testing.T) {
	h := newHarness(t, 1)
	h.registry.Register("slow", func(ctx context.Context, _ string) error {
		_, ok := ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		return nil
	})
	h.start(t, 1)

	id, err := h.client.Enqueue(context.Background(), "slow", "x")
	require.NoError(t, err)
	h.waitFor(t, id, func(j domain.Job) bool { return j.Status == domain.StatusSucceeded })
}

func TestLongJobKeepsItsLease(t *testing.T) {
	h := newHarnessWithLease(t, 3, 60*time.Millisecond)
	var calls atomic.Int32
	h.registry.Register("slow", func(ctx context.Context, _ string) error {
		calls.Add(1)
		select {
		case <-time.After(300 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	h.start(t, 2)

	id, err := h.client.Enqueue(context.Background(), "slow", "x")
	require.NoError(t, err)

	j := h.waitFor(t, id, func(j domain.Job) bool { return j.Status == domain.StatusSucceeded })
	assert.Equal(t, 1, j.Attempts)
	h.waitEmpty(t)
	assert.EqualValues(t, 1, calls.Load())
}

func TestManyJobsAllComplete(t *testing.T) {
	h := newHarness(t, 3)
	var mu sync.Mutex
	seen := map[string]int{}
	h.registry.Register("compute", func(_ context.Context, payload string) error {
		mu.Lock()
		seen[payload]++
		mu.Unlock()
		return nil
	})
	h.start(t, 4)

	ids := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		id, err := h.client.Enqueue(context.Background(), "compute", fmt.Sprintf("p%d", i))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		h.waitFor(t, id, func(j domain.Job) bool { return j.Status == domain.StatusSucceeded })
	}
	h.waitEmpty(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 30)
}

func TestDuplicateDeliveryOfFinishedJobIsDropped(t *testing.T) {
	h := newHarness(t, 3)
	var calls atomic.Int32
	h.registry.Register("compute", func(context.Context, string) error {
		calls.Add(1)
		return nil
	})
	ctx := context.Background()

	j, err := h.store.Create(ctx, domain.Job{Kind: "compute", Payload: "x", Queue: h.queue.Name()})
	require.NoError(t, err)
	_, err = h.store.MarkRunning(ctx, j.ID)
	require.NoError(t, err)
	require.NoError(t, h.store.MarkSucceeded(ctx, j.ID))
	require.NoError(t, h.queue.Enqueue(ctx, j))

	h.start(t, 1)
	h.waitEmpty(t)
	assert.Zero(t, calls.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 3)
	pool := worker.NewPool(h.store, h.queue, h.registry, worker.Config{
		Concurrency:    3,
		DequeueTimeout: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}
