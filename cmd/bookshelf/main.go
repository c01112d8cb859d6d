package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"bookshelf/internal/api"
	"bookshelf/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "bookshelf",
		Usage: "book backend with a durable background job queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "environment file path",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API together with workers and the scheduler",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "HTTP bind address (overrides HTTP_ADDR)"},
					&cli.BoolFlag{Name: "no-worker", Usage: "do not run worker loops in this process"},
					&cli.BoolFlag{Name: "no-scheduler", Usage: "do not run the scheduler in this process"},
					&cli.BoolFlag{Name: "debug", Usage: "expose /debug/pprof"},
				},
				Action: serveAction,
			},
			{
				Name:   "worker",
				Usage:  "run worker loops only",
				Action: workerAction,
			},
			{
				Name:   "scheduler",
				Usage:  "run the cron scheduler only",
				Action: schedulerAction,
			},
			{
				Name:  "enqueue",
				Usage: "enqueue one job and print its id",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Usage: "job kind", Required: true},
					&cli.StringFlag{Name: "payload", Usage: "job payload", Required: true},
				},
				Action: enqueueAction,
			},
			{
				Name:   "migrate",
				Usage:  "create database tables and exit",
				Action: migrateAction,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("bookshelf failed")
		stop()
		os.Exit(1)
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.HTTP.Addr
	if v := cmd.String("addr"); v != "" {
		addr = v
	}

	svc, err := a.scheduler(ctx, !cmd.Bool("no-scheduler"))
	if err != nil {
		return err
	}
	var pool *worker.Pool
	if !cmd.Bool("no-worker") {
		if pool, err = a.pool(); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr: addr,
		Handler: api.NewServer(api.Config{
			Jobs:          a.jobs,
			Books:         a.books,
			Triggers:      svc,
			TriggerReader: a.store,
			Metrics:       a.metrics,
			EnableDebug:   cmd.Bool("debug"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if !cmd.Bool("no-scheduler") {
		g.Go(func() error {
			svc.Start(gctx)
			return nil
		})
	}
	if pool != nil {
		g.Go(func() error { return pool.Run(gctx) })
	}
	return g.Wait()
}

func workerAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer a.Close()

	pool, err := a.pool()
	if err != nil {
		return err
	}
	return pool.Run(ctx)
}

func schedulerAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.scheduler(ctx, true)
	if err != nil {
		return err
	}
	svc.Start(ctx)
	return nil
}

func enqueueAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.jobs.Enqueue(ctx, cmd.String("kind"), cmd.String("payload"))
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer a.Close()
	log.Info().Str("dialect", string(a.db.Dialect())).Msg("schema is up to date")
	return nil
}
