// Package config reads process settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Scheduler SchedulerConfig
	HTTP      HTTPConfig
	Log       LogConfig
	OpenAI    OpenAIConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	AcquireTimeout time.Duration
}

type QueueConfig struct {
	Name              string
	BrokerURL         string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

type WorkerConfig struct {
	Concurrency    int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	DequeueTimeout time.Duration
	JobTimeout     time.Duration
}

type SchedulerConfig struct {
	SyncInterval      time.Duration
	HeartbeatCron     string
	HeartbeatMinutely string
}

type HTTPConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string
	Format string
}

type OpenAIConfig struct {
	APIKey         string
	EmbeddingModel string
}

// Load reads the environment. A missing envFilePath is not an error; values
// already set in the environment win over the file.
func Load(envFilePath string) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "failed to load .env file")
		}
	}

	var e env
	cfg := &Config{
		Database: DatabaseConfig{
			URL:            e.str("DATABASE_URL", "file:bookshelf.db"),
			MaxConns:       e.positiveInt("DB_MAX_CONNS", 10),
			AcquireTimeout: e.duration("DB_ACQUIRE_TIMEOUT", 5*time.Second),
		},
		Queue: QueueConfig{
			Name:              e.str("QUEUE_NAME", "book-queue"),
			BrokerURL:         e.str("BROKER_URL", ""),
			VisibilityTimeout: e.duration("VISIBILITY_TIMEOUT", 60*time.Second),
			PollInterval:      e.duration("POLL_INTERVAL", 250*time.Millisecond),
		},
		Worker: WorkerConfig{
			Concurrency:    e.positiveInt("WORKER_CONCURRENCY", 10),
			MaxAttempts:    e.positiveInt("MAX_ATTEMPTS", 3),
			BackoffBase:    e.duration("BACKOFF_BASE", time.Second),
			BackoffMax:     e.duration("BACKOFF_MAX", 60*time.Second),
			DequeueTimeout: e.duration("DEQUEUE_TIMEOUT", time.Second),
			JobTimeout:     e.duration("JOB_TIMEOUT", 5*time.Minute),
		},
		Scheduler: SchedulerConfig{
			SyncInterval:      e.duration("SCHEDULER_SYNC_INTERVAL", 10*time.Second),
			HeartbeatCron:     e.str("HEARTBEAT_CRON", "*/5 * * * * *"),
			HeartbeatMinutely: e.str("HEARTBEAT_MINUTELY_CRON", "* * * * *"),
		},
		HTTP: HTTPConfig{
			Addr: e.str("HTTP_ADDR", ":8080"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(e.str("LOG_LEVEL", "info")),
			Format: strings.ToLower(e.str("LOG_FORMAT", "console")),
		},
		OpenAI: OpenAIConfig{
			APIKey:         e.str("OPENAI_API_KEY", ""),
			EmbeddingModel: e.str("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		},
	}

	if cfg.Worker.BackoffMax < cfg.Worker.BackoffBase {
		e.fail("BACKOFF_MAX", "must not be below BACKOFF_BASE")
	}
	if cfg.Log.Format != "console" && cfg.Log.Format != "json" {
		e.fail("LOG_FORMAT", "must be console or json")
	}
	if e.err != nil {
		return nil, e.err
	}
	return cfg, nil
}

// env collects every invalid variable instead of stopping at the first.
type env struct {
	err error
}

func (e *env) fail(key, msg string) {
	e.err = errors.CombineErrors(e.err, errors.Newf("%s %s", key, msg))
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) positiveInt(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		e.fail(key, "must be a positive integer, got "+strconv.Quote(v))
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.fail(key, "must be a positive duration, got "+strconv.Quote(v))
		return def
	}
	return d
}
