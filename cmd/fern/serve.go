package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/internal/server"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/worker"
)

type mode string

const (
	modeAll    mode = "serve"
	modeAPI    mode = "api"
	modeWorker mode = "worker"
)

func (m mode) api() bool    { return m == modeAll || m == modeAPI }
func (m mode) worker() bool { return m == modeAll || m == modeWorker }

// split reports whether the API and the workers run in separate processes, in which case
// the API only learns about an open circuit through Redis.
func (m mode) split() bool { return m != modeAll }

func newServeCmd(m mode) *cobra.Command {
	short := map[mode]string{
		modeAll:    "Run the HTTP API, the worker pool and the sweeper",
		modeAPI:    "Run only the HTTP API",
		modeWorker: "Run only the worker pool and the sweeper",
	}[m]

	return &cobra.Command{
		Use:   string(m),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, m)
		},
	}
}

func run(ctx context.Context, m mode) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.stop(a.cfg.ShutdownTimeout)

	if m.split() && !a.cfg.CircuitShared {
		a.logger.WithField("mode", string(m)).Warn("CIRCUIT_SHARED=false ignored, split deployments share circuit state through Redis")
	}

	// only workers talk to the result store and publish events
	if err := a.start(ctx, m.worker(), m.worker(), m.split()); err != nil {
		a.logger.WithError(err).Error("Startup failed")
		return err
	}

	cfg := a.cfg
	var (
		pool    *worker.Pool
		sweeper *worker.Sweeper
		srv     *server.Server
		checker *health.Checker
	)

	if m.worker() {
		p, err := a.newProcessor()
		if err != nil {
			return err
		}
		pool = worker.NewPool(a.queue, p, worker.PoolConfig{
			WorkerCount:  cfg.WorkerCount,
			PollInterval: cfg.WorkerPollInterval,
		}, a.logger)
		sweeper = worker.NewSweeper(a.queue, redis.NewLocker(a.redis), worker.SweeperConfig{
			Interval:         cfg.SweeperInterval,
			DLQPurgeInterval: cfg.DLQPurgeInterval,
		}, a.logger)

		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		if err := pool.Start(ctx); err != nil {
			return err
		}
	}

	serverErr := make(chan error, 1)
	if m.api() {
		checker = health.NewChecker(a.queue, a.breaker, version)
		if a.results != nil {
			checker.AddCheck("database", a.results)
		}

		jobs := handlers.NewJobHandler(a.queue, a.limiter, a.breaker, handlers.JobsConfig{
			MaxPayloadBytes: cfg.QueueMaxPayloadBytes,
			OpTimeout:       cfg.RedisOpTimeout,
		}, a.logger)

		srv = server.New(server.Config{
			AppName:           cfg.AppName,
			Port:              cfg.Port,
			ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
			ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
			WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
			IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
			MaxBodyBytes:      cfg.MaxBodyBytes,
		}, jobs, handlers.NewDLQHandler(a.queue, a.logger), checker, a.logger)

		go func() { serverErr <- srv.Start() }()
		checker.SetReady(true)
	}

	a.logger.WithField("mode", string(m)).Info("fern started")

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	case runErr = <-serverErr:
		if runErr != nil {
			a.logger.WithError(runErr).Error("HTTP server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if srv != nil {
		checker.SetReady(false)
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	if pool != nil {
		// in-flight jobs finish or are abandoned to lease reclaim
		errs = append(errs, pool.Stop(shutdownCtx))
	}
	if sweeper != nil {
		errs = append(errs, sweeper.Stop(shutdownCtx))
	}

	a.logger.Info("fern stopped")
	return errors.Join(append(errs, runErr)...)
}
