package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"bookshelf/internal/db"
	"bookshelf/internal/domain"
)

const triggerColumns = `name,cron_expr,target_kind,payload,enabled,last_fired_at,created_at,updated_at`

// UpsertTrigger stores t under its name, replacing any previous trigger with
// the same name. last_fired_at and created_at survive a replace.
func (s *Store) UpsertTrigger(ctx context.Context, t domain.Trigger) (domain.Trigger, error) {
	now := db.Millis(s.now())
	_, err := s.db.Exec(ctx, `
INSERT INTO triggers (name,cron_expr,target_kind,payload,enabled,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET
  cron_expr=excluded.cron_expr,
  target_kind=excluded.target_kind,
  payload=excluded.payload,
  enabled=excluded.enabled,
  updated_at=excluded.updated_at`,
		t.Name, t.CronExpr, t.TargetKind, t.Payload, boolToInt(t.Enabled), now, now)
	if err != nil {
		return domain.Trigger{}, errors.Wrapf(err, "upsert trigger %s", t.Name)
	}
	return s.GetTrigger(ctx, t.Name)
}

// InsertTrigger stores t only if no trigger has its name yet. It reports
// whether t was stored; either way the returned trigger is what the store
// now holds.
func (s *Store) InsertTrigger(ctx context.Context, t domain.Trigger) (domain.Trigger, bool, error) {
	now := db.Millis(s.now())
	res, err := s.db.Exec(ctx, `
INSERT INTO triggers (name,cron_expr,target_kind,payload,enabled,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(name) DO NOTHING`,
		t.Name, t.CronExpr, t.TargetKind, t.Payload, boolToInt(t.Enabled), now, now)
	if err != nil {
		return domain.Trigger{}, false, errors.Wrapf(err, "insert trigger %s", t.Name)
	}
	n, _ := res.RowsAffected()
	stored, err := s.GetTrigger(ctx, t.Name)
	return stored, n > 0, err
}

func (s *Store) GetTrigger(ctx context.Context, name string) (domain.Trigger, error) {
	t, err := scanTrigger(func(dest ...any) error {
		return s.db.QueryRow(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE name=?`, []any{name}, dest...)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trigger{}, errors.Wrapf(domain.ErrNotFound, "trigger %s", name)
	}
	return t, err
}

func (s *Store) ListTriggers(ctx context.Context) ([]domain.Trigger, error) {
	var out []domain.Trigger
	err := s.db.Query(ctx, `SELECT `+triggerColumns+` FROM triggers ORDER BY name`, nil,
		func(rows *sql.Rows) error {
			t, err := scanTrigger(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	return out, err
}

func (s *Store) DeleteTrigger(ctx context.Context, name string) error {
	res, err := s.db.Exec(ctx, `DELETE FROM triggers WHERE name=?`, name)
	if err != nil {
		return errors.Wrapf(err, "delete trigger %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "trigger %s", name)
	}
	return nil
}

// TouchTrigger records a firing.
func (s *Store) TouchTrigger(ctx context.Context, name string, firedAt time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE triggers SET last_fired_at=? WHERE name=?`, db.Millis(firedAt), name)
	return errors.Wrapf(err, "touch trigger %s", name)
}

func scanTrigger(scan func(dest ...any) error) (domain.Trigger, error) {
	var (
		t                domain.Trigger
		enabled          int
		lastFired        sql.NullInt64
		created, updated int64
	)
	if err := scan(&t.Name, &t.CronExpr, &t.TargetKind, &t.Payload, &enabled, &lastFired, &created, &updated); err != nil {
		return domain.Trigger{}, err
	}
	t.Enabled = enabled != 0
	if lastFired.Valid {
		at := db.FromMillis(lastFired.Int64)
		t.LastFiredAt = &at
	}
	t.CreatedAt = db.FromMillis(created)
	t.UpdatedAt = db.FromMillis(updated)
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
