// Package db owns the process-wide connection pool. It is created once at
// startup and passed down to every repository; nothing in the module keeps a
// package-level handle.
package db

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"bookshelf/internal/domain"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

type Config struct {
	URL            string
	MaxConns       int
	AcquireTimeout time.Duration
}

// DB is a bounded connection pool. Every statement first checks out a slot
// from gate; callers block for at most acquireTimeout.
type DB struct {
	sql            *sql.DB
	dialect        Dialect
	gate           chan struct{}
	acquireTimeout time.Duration
	onClose        func()
}

// Open connects to the database named by cfg.URL. postgres:// and
// postgresql:// URLs go through pgxpool; anything else is treated as a SQLite
// path (optionally prefixed with file: or sqlite:).
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if DialectOf(cfg.URL) == Postgres {
		return openPostgres(ctx, cfg)
	}
	return openSQLite(ctx, cfg)
}

// DialectOf picks the dialect from a database URL.
func DialectOf(url string) Dialect {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return Postgres
	}
	return SQLite
}

func openPostgres(ctx context.Context, cfg Config) (*DB, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse dsn")
	}
	pcfg.MaxConns = int32(cfg.MaxConns)
	pcfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "new pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping db")
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	sqlDB.SetMaxOpenConns(cfg.MaxConns)
	d := New(sqlDB, Postgres, cfg.MaxConns, cfg.AcquireTimeout)
	d.onClose = pool.Close
	return d, nil
}

func openSQLite(ctx context.Context, cfg Config) (*DB, error) {
	dsn := sqliteDSN(cfg.URL)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	// SQLite has a single writer; one connection avoids SQLITE_BUSY under load.
	if cfg.MaxConns > 1 {
		log.Debug().Int("requested", cfg.MaxConns).Msg("sqlite pool clamped to one connection")
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "ping db")
	}
	return New(sqlDB, SQLite, 1, cfg.AcquireTimeout), nil
}

func sqliteDSN(url string) string {
	path := strings.TrimPrefix(strings.TrimPrefix(url, "sqlite://"), "sqlite:")
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// New wraps an already opened *sql.DB.
func New(sqlDB *sql.DB, dialect Dialect, maxConns int, acquireTimeout time.Duration) *DB {
	if maxConns <= 0 {
		maxConns = 1
	}
	return &DB{
		sql:            sqlDB,
		dialect:        dialect,
		gate:           make(chan struct{}, maxConns),
		acquireTimeout: acquireTimeout,
	}
}

func (d *DB) Dialect() Dialect { return d.dialect }

func (d *DB) Close() error {
	err := d.sql.Close()
	if d.onClose != nil {
		d.onClose()
	}
	return err
}

// Acquire checks out one slot of the pool. The returned func must be called
// exactly once to give the slot back.
func (d *DB) Acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(d.acquireTimeout)
	defer timer.Stop()
	select {
	case d.gate <- struct{}{}:
		return func() { <-d.gate }, nil
	case <-timer.C:
		return nil, errors.Wrapf(domain.ErrPoolTimeout, "no connection within %s", d.acquireTimeout)
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "acquire connection")
	}
}

// Exec runs a statement that returns no rows.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	release, err := d.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	res, err := d.sql.ExecContext(ctx, d.Rebind(query), args...)
	if err != nil {
		return nil, storeError(ctx, "exec", err)
	}
	return res, nil
}

// QueryRow runs a single-row query and scans it into dest. sql.ErrNoRows is
// returned as is so repositories can turn it into their own not-found error.
func (d *DB) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	release, err := d.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	err = d.sql.QueryRowContext(ctx, d.Rebind(query), args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.ErrNoRows
	}
	if err != nil {
		return storeError(ctx, "query row", err)
	}
	return nil
}

// Query runs a multi-row query and calls scan once per row.
func (d *DB) Query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	release, err := d.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	rows, err := d.sql.QueryContext(ctx, d.Rebind(query), args...)
	if err != nil {
		return storeError(ctx, "query", err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return storeError(ctx, "scan", err)
		}
	}
	if err := rows.Err(); err != nil {
		return storeError(ctx, "rows", err)
	}
	return nil
}

// Rebind rewrites ? placeholders into $N for PostgreSQL. Queries in this
// module never contain a literal question mark.
func (d *DB) Rebind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func storeError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), op)
	}
	return errors.WithSecondaryError(errors.Wrapf(domain.ErrStore, "%s: %v", op, err), err)
}

// Millis converts a time to the integer representation stored in every
// timestamp column.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// FromMillis is the inverse of Millis, always in UTC.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
