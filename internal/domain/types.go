package domain

import (
	"regexp"
	"time"

	"github.com/cockroachdb/errors"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no worker will pick the job up again on its own.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

type Job struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Payload     string    `json:"payload"`
	Queue       string    `json:"queue"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Trigger enqueues a job of TargetKind every time CronExpr fires.
type Trigger struct {
	Name        string     `json:"name"`
	CronExpr    string     `json:"cron_expr"`
	TargetKind  string     `json:"target_kind"`
	Payload     string     `json:"payload"`
	Enabled     bool       `json:"enabled"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Book is the application entity. Background jobs only ever write Embedding.
type Book struct {
	ID          string    `json:"id"`
	Name        string    `json:"book_name"`
	Description string    `json:"book_description"`
	Genre       string    `json:"genre"`
	Embedding   string    `json:"embedding,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,63}$`)

// ValidateKind checks the format of a job kind. It does not check that a
// handler is registered for it; producers and workers may live in different
// processes.
func ValidateKind(kind string) error {
	if !kindPattern.MatchString(kind) {
		return errors.Wrapf(ErrInvalidJob, "kind %q must match %s", kind, kindPattern.String())
	}
	return nil
}
