// Package heartbeat is the cron job that proves the scheduler and workers
// are alive.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"bookshelf/internal/domain"
	"bookshelf/internal/worker"
)

const Kind = "heartbeat"

// Handle logs the time the job ran.
func Handle(_ context.Context, trigger string) error {
	log.Info().Str("component", "heartbeat").Str("trigger", trigger).Time("ran_at", time.Now()).Msg("cron job ran")
	return nil
}

func Register(r *worker.Registry) {
	r.Register(Kind, Handle)
}

// DefaultTriggers returns the built-in heartbeat triggers. An empty
// expression leaves the matching trigger out.
func DefaultTriggers(everyFiveSeconds, everyMinute string) []domain.Trigger {
	var out []domain.Trigger
	for _, d := range []struct{ name, expr string }{
		{"heartbeat", everyFiveSeconds},
		{"heartbeat-minutely", everyMinute},
	} {
		if d.expr == "" {
			continue
		}
		out = append(out, domain.Trigger{
			Name:       d.name,
			CronExpr:   d.expr,
			TargetKind: Kind,
			Payload:    d.name,
			Enabled:    true,
		})
	}
	return out
}
