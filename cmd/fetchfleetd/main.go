// Package main wires together the fetch-fleet service binary: queue,
// scheduler, result collector, worker pool, and the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fetchfleet/fetchfleet/internal/access"
	"github.com/fetchfleet/fetchfleet/internal/api"
	"github.com/fetchfleet/fetchfleet/internal/clock/system"
	"github.com/fetchfleet/fetchfleet/internal/collector"
	"github.com/fetchfleet/fetchfleet/internal/config"
	"github.com/fetchfleet/fetchfleet/internal/events"
	collyfetcher "github.com/fetchfleet/fetchfleet/internal/fetcher/colly"
	"github.com/fetchfleet/fetchfleet/internal/fleet"
	"github.com/fetchfleet/fetchfleet/internal/id/uuid"
	"github.com/fetchfleet/fetchfleet/internal/logging"
	"github.com/fetchfleet/fetchfleet/internal/metrics"
	pubsubpublisher "github.com/fetchfleet/fetchfleet/internal/publisher/pubsub"
	queuememory "github.com/fetchfleet/fetchfleet/internal/queue/memory"
	queuepostgres "github.com/fetchfleet/fetchfleet/internal/queue/postgres"
	"github.com/fetchfleet/fetchfleet/internal/scheduler"
	"github.com/fetchfleet/fetchfleet/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.New()

	backoff := fleet.BackoffPolicy{
		Base:       time.Duration(cfg.Queue.BackoffBaseSeconds) * time.Second,
		Multiplier: cfg.Queue.BackoffMultiplier,
		Max:        time.Duration(cfg.Queue.BackoffMaxSeconds) * time.Second,
	}

	var (
		queue    fleet.TaskQueue
		memQueue *queuememory.Queue
	)
	if cfg.DB.DSN != "" {
		pool, err := queuepostgres.Connect(ctx, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		pg := queuepostgres.New(pool, queuepostgres.Config{
			LeaseDuration:      cfg.LeaseDuration(),
			DefaultMaxAttempts: cfg.Queue.MaxAttempts,
			DedupWindow:        time.Duration(cfg.Queue.DedupWindowHours) * time.Hour,
			Backoff:            backoff,
		}, clock, idGen, logger.Named("queue"))
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
		queue = pg
		logger.Info("using postgres task queue")
	} else {
		memQueue = queuememory.New(queuememory.Config{
			LeaseDuration:      cfg.LeaseDuration(),
			DefaultMaxAttempts: cfg.Queue.MaxAttempts,
			DedupWindow:        time.Duration(cfg.Queue.DedupWindowHours) * time.Hour,
			Backoff:            backoff,
		}, clock, idGen, logger.Named("queue"))
		queue = memQueue
		logger.Info("using in-memory task queue")
	}

	var sinks []events.Sink
	if cfg.Collector.EventTopic != "" {
		p, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("create publisher: %w", err)
		}
		defer p.Close() //nolint:errcheck
		sinks = append(sinks, events.NewPublisherSink(p, cfg.Collector.EventTopic))
		logger.Info("publishing completion events",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.Collector.EventTopic))
	} else if cfg.Logging.Development {
		sinks = append(sinks, events.NewLogSink(logger.Named("events")))
	}
	hub := events.NewHub(events.Config{Logger: logger.Named("events")}, sinks...)

	sched := scheduler.New(queue, scheduler.Config{
		HeartbeatInterval:   time.Duration(cfg.Scheduler.HeartbeatSeconds) * time.Second,
		SuspectAfter:        cfg.Scheduler.SuspectAfterMissed,
		DeadAfter:           cfg.Scheduler.DeadAfterMissed,
		SweepInterval:       time.Duration(cfg.Scheduler.SweepSeconds) * time.Second,
		MaxQueueDepth:       cfg.Scheduler.MaxQueueDepth,
		DeadLetterRateLimit: cfg.Scheduler.DeadLetterRateLimit,
	}, clock, logger.Named("scheduler"))

	results := collector.New(collector.Config{
		ResultTTL: time.Duration(cfg.Collector.ResultTTLHours) * time.Hour,
	}, clock, hub, logger.Named("collector"))

	accessPolicy := access.New(access.Config{
		BaseDelay: time.Duration(cfg.Access.BaseDelayMillis) * time.Millisecond,
		MinDelay:  time.Duration(cfg.Access.MinDelayMillis) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.Access.MaxDelaySeconds) * time.Second,
		IdleReset: time.Duration(cfg.Access.IdleResetSeconds) * time.Second,
		FloorRPS:  cfg.Access.FloorRPS,
	}, clock, logger.Named("access"))

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Workers.UserAgent,
		RespectRobots: cfg.Workers.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	for i := 0; i < cfg.Workers.Count; i++ {
		w, err := worker.New(worker.Config{
			Capacity:          cfg.Workers.Capacity,
			HeartbeatInterval: time.Duration(cfg.Scheduler.HeartbeatSeconds) * time.Second,
			PollInterval:      time.Duration(cfg.Workers.PollMillis) * time.Millisecond,
			FetchTimeout:      cfg.FetchTimeout(),
		}, sched, accessPolicy, fetcher, results, clock, idGen, logger.Named("worker"))
		if err != nil {
			return fmt.Errorf("create worker: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				logger.Error("worker exited", zap.String("worker_id", w.ID()), zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewServer(sched, queue, results, api.Config{
			RequestTimeout: time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
			AuthEnabled:    cfg.Auth.Enabled,
			APIKey:         cfg.Auth.APIKey,
		}, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	wg.Wait()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("event hub shutdown error", zap.Error(err))
	}
	if memQueue != nil {
		memQueue.Close()
	}
	logger.Info("shutdown complete")
	return nil
}
