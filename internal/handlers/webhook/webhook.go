// Package webhook calls an HTTP endpoint as a background job, so producers
// can be notified without blocking the request that triggered them.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"bookshelf/internal/domain"
	"bookshelf/internal/logging"
	"bookshelf/internal/worker"
)

const Kind = "webhook"

// maxBodyInError bounds how much of a failing response ends up in last_error.
const maxBodyInError = 512

const (
	defaultTimeout = 30 * time.Second
	maxTimeout     = 10 * time.Minute
)

// Request is the JSON job payload.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeout"` // seconds, capped at 600
}

type Handler struct {
	client *http.Client
}

// New returns a handler using client, or a default client when nil.
func New(client *http.Client) *Handler {
	if client == nil {
		client = &http.Client{}
	}
	return &Handler{client: client}
}

func (h *Handler) Register(r *worker.Registry) {
	r.Register(Kind, h.Handle)
}

// Handle sends the request. 4xx and 5xx responses fail the attempt so the
// worker retries it; a malformed payload fails the job outright.
func (h *Handler) Handle(ctx context.Context, payload string) error {
	var req Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid webhook payload"), domain.ErrPermanent)
	}
	if req.URL == "" {
		return errors.Mark(errors.Wrap(domain.ErrInvalidJob, "webhook url is required"), domain.ErrPermanent)
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}

	ctx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = bytes.NewReader([]byte(req.Body))
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "build webhook request"), domain.ErrPermanent)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "webhook request failed")
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyInError))

	if resp.StatusCode >= 400 {
		return errors.Newf("webhook returned %d: %s", resp.StatusCode, respBody)
	}
	log := logging.Component("webhook")
	log.Debug().
		Str("url", req.URL).
		Int("status", resp.StatusCode).
		Msg("webhook delivered")
	return nil
}

func (r Request) timeout() time.Duration {
	switch {
	case r.Timeout <= 0:
		return defaultTimeout
	case r.Timeout >= int(maxTimeout/time.Second):
		return maxTimeout
	}
	return time.Duration(r.Timeout) * time.Second
}
