package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"bookshelf/internal/domain"
	"bookshelf/internal/handlers/books"
	"bookshelf/internal/logging"
	"bookshelf/internal/metrics"
	"bookshelf/internal/scheduler"
)

type Jobs interface {
	Enqueue(ctx context.Context, kind, payload string) (string, error)
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.Job, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Job, error)
}

type Books interface {
	Create(ctx context.Context, b domain.Book) (domain.Book, error)
	Get(ctx context.Context, id string) (domain.Book, error)
}

type Triggers interface {
	Register(ctx context.Context, t domain.Trigger) (domain.Trigger, error)
	Remove(ctx context.Context, name string) error
}

type TriggerReader interface {
	GetTrigger(ctx context.Context, name string) (domain.Trigger, error)
	ListTriggers(ctx context.Context) ([]domain.Trigger, error)
}

type Config struct {
	Jobs          Jobs
	Books         Books
	Triggers      Triggers
	TriggerReader TriggerReader
	Metrics       *metrics.Metrics
	EnableDebug   bool
}

type Server struct {
	r   *chi.Mux
	cfg Config
	log zerolog.Logger
}

func NewServer(cfg Config) http.Handler {
	r := chi.NewRouter()
	s := &Server{r: r, cfg: cfg, log: logging.Component("http")}
	r.Use(middleware.RequestID, middleware.RealIP, s.accessLog, middleware.Recoverer)

	r.Get("/ping", s.ping)
	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	r.Post("/books", s.createBook)
	r.Get("/books/{id}", s.getBook)

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.submitJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Delete("/jobs/{id}", s.cancelJob)

		r.Get("/triggers", s.listTriggers)
		r.Put("/triggers/{name}", s.putTrigger)
		r.Get("/triggers/{name}", s.getTrigger)
		r.Delete("/triggers/{name}", s.deleteTrigger)
	})

	if cfg.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.cfg.Metrics.HTTPRequest(route, ww.Status())
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type createBookReq struct {
	Name        string `json:"book_name"`
	Description string `json:"book_description"`
	Genre       string `json:"genre"`
}

type createBookResp struct {
	domain.Book
	JobID string `json:"job_id"`
}

func (s *Server) createBook(w http.ResponseWriter, r *http.Request) {
	var req createBookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	book, err := s.cfg.Books.Create(r.Context(), domain.Book{
		Name:        req.Name,
		Description: req.Description,
		Genre:       req.Genre,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	jobID, err := s.cfg.Jobs.Enqueue(r.Context(), books.KindEmbed, book.ID)
	if err != nil {
		s.log.Error().Err(err).Str("book_id", book.ID).Msg("book created but embed job was not enqueued")
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createBookResp{Book: book, JobID: jobID})
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.cfg.Books.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

type submitReq struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.cfg.Jobs.Enqueue(r.Context(), req.Kind, req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	jobs, err := s.cfg.Jobs.ListRecent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.cfg.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Jobs.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type triggerReq struct {
	CronExpr   string `json:"cron_expr"`
	TargetKind string `json:"target_kind"`
	Payload    string `json:"payload"`
	Enabled    *bool  `json:"enabled"`
}

type triggerResp struct {
	domain.Trigger
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (s *Server) putTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	t, err := s.cfg.Triggers.Register(r.Context(), domain.Trigger{
		Name:       chi.URLParam(r, "name"),
		CronExpr:   req.CronExpr,
		TargetKind: req.TargetKind,
		Payload:    req.Payload,
		Enabled:    enabled,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withNextRun(t))
}

func (s *Server) getTrigger(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.TriggerReader.GetTrigger(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withNextRun(t))
}

func (s *Server) listTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.cfg.TriggerReader.ListTriggers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]triggerResp, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, withNextRun(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Triggers.Remove(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func withNextRun(t domain.Trigger) triggerResp {
	resp := triggerResp{Trigger: t}
	if !t.Enabled {
		return resp
	}
	if next, err := scheduler.NextRunTime(t.CronExpr, time.Now()); err == nil {
		resp.NextRun = &next
	}
	return resp
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStore), errors.Is(err, domain.ErrPoolTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", code).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
