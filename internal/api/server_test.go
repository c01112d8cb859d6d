package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookshelf/internal/api"
	bookrepo "bookshelf/internal/books"
	"bookshelf/internal/db/dbtest"
	"bookshelf/internal/domain"
	"bookshelf/internal/handlers/books"
	"bookshelf/internal/jobs"
	"bookshelf/internal/metrics"
	"bookshelf/internal/queue"
	"bookshelf/internal/scheduler"
	"bookshelf/internal/store"
)

type fixture struct {
	srv   *httptest.Server
	store *store.Store
	queue *queue.Queue
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	d := dbtest.Open(t)
	s := store.New(d)
	q := queue.New(d, nil, queue.Config{Name: "api", PollInterval: 10 * time.Millisecond})
	client := jobs.NewClient(s, q, 0)
	h := api.NewServer(api.Config{
		Jobs:          client,
		Books:         bookrepo.NewRepository(d),
		Triggers:      scheduler.NewService(s, client, time.Hour),
		TriggerReader: s,
		Metrics:       metrics.New(),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return fixture{srv: srv, store: s, queue: q}
}

func (f fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func TestPingAndHealth(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"message":"pong"}`, body)

	code, body = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/ping", "")

	code, body := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `bookshelf_http_requests_total{code="200",route="/ping"} 1`)
}

func TestCreateBookEnqueuesEmbedJob(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/books", `{"book_name":"Dune","book_description":"Spice","genre":"sci-fi"}`)
	require.Equal(t, http.StatusCreated, code, body)

	var created struct {
		ID    string `json:"id"`
		Name  string `json:"book_name"`
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &created))
	assert.Equal(t, "Dune", created.Name)
	require.NotEmpty(t, created.JobID)

	j, err := f.store.Get(context.Background(), created.JobID)
	require.NoError(t, err)
	assert.Equal(t, books.KindEmbed, j.Kind)
	assert.Equal(t, created.ID, j.Payload)

	code, body = f.do(t, http.MethodGet, "/books/"+created.ID, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"genre":"sci-fi"`)
}

func TestCreateBookValidation(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/books", `{"genre":"sci-fi"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPost, "/books", `{`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/books/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/jobs", `{"kind":"process_book","payload":"b1"}`)
	require.Equal(t, http.StatusAccepted, code, body)
	var submitted struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &submitted))

	code, body = f.do(t, http.MethodGet, "/api/jobs/"+submitted.ID, "")
	require.Equal(t, http.StatusOK, code)
	var j domain.Job
	require.NoError(t, json.Unmarshal([]byte(body), &j))
	assert.Equal(t, domain.StatusPending, j.Status)

	code, body = f.do(t, http.MethodGet, "/api/jobs?limit=10", "")
	require.Equal(t, http.StatusOK, code)
	var list []domain.Job
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	assert.Len(t, list, 1)

	code, _ = f.do(t, http.MethodDelete, "/api/jobs/"+submitted.ID, "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = f.do(t, http.MethodGet, "/api/jobs/"+submitted.ID, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSubmitJobValidation(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/jobs", `{"kind":"Bad Kind","payload":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPost, "/api/jobs", `{"kind":"process_book","payload":""}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/api/jobs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCancelLeasedJobConflicts(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodPost, "/api/jobs", `{"kind":"process_book","payload":"b1"}`)
	require.Equal(t, http.StatusAccepted, code)
	var submitted struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &submitted))

	d, err := f.queue.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)

	code, _ = f.do(t, http.MethodDelete, "/api/jobs/"+submitted.ID, "")
	assert.Equal(t, http.StatusConflict, code)
	code, _ = f.do(t, http.MethodDelete, "/api/jobs/job_missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTriggers(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPut, "/api/triggers/nightly", `{"cron_expr":"0 3 * * *","target_kind":"process_book","payload":"b1"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, `"enabled":true`)
	assert.Contains(t, body, `"next_run"`)

	// replace by name
	code, _ = f.do(t, http.MethodPut, "/api/triggers/nightly", `{"cron_expr":"0 4 * * *","target_kind":"process_book","payload":"b1","enabled":false}`)
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(t, http.MethodGet, "/api/triggers", "")
	require.Equal(t, http.StatusOK, code)
	var list []domain.Trigger
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "0 4 * * *", list[0].CronExpr)
	assert.False(t, list[0].Enabled)

	code, _ = f.do(t, http.MethodGet, "/api/triggers/nightly", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodPut, "/api/triggers/bad", `{"cron_expr":"whenever","target_kind":"process_book"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodDelete, "/api/triggers/nightly", "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = f.do(t, http.MethodGet, "/api/triggers/nightly", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodDelete, "/api/triggers/nightly", "")
	assert.Equal(t, http.StatusNotFound, code)
}
