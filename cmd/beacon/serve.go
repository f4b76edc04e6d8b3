package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/alecgard/beacon/internal/aggregation"
	"github.com/alecgard/beacon/internal/alert"
	"github.com/alecgard/beacon/internal/api"
	"github.com/alecgard/beacon/internal/auth"
	"github.com/alecgard/beacon/internal/config"
	"github.com/alecgard/beacon/internal/cost"
	"github.com/alecgard/beacon/internal/crypto"
	"github.com/alecgard/beacon/internal/health"
	"github.com/alecgard/beacon/internal/ingest"
	"github.com/alecgard/beacon/internal/metrics"
	"github.com/alecgard/beacon/internal/notify"
	"github.com/alecgard/beacon/internal/ratelimit"
	"github.com/alecgard/beacon/internal/report"
	"github.com/alecgard/beacon/internal/retention"
	"github.com/alecgard/beacon/internal/scheduler"
	"github.com/alecgard/beacon/internal/storage"
	"github.com/alecgard/beacon/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Beacon server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// notifyQueue is a notify.Queue that can also recover in-flight messages
// and report its depth.
type notifyQueue interface {
	notify.Queue
	Requeue(ctx context.Context) (int, error)
	SetBackoff(b notify.Backoff)
	Len() int
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	secrets, err := crypto.NewCipher(cfg.Notify.SecretKey)
	if err != nil {
		return fmt.Errorf("notify.secret_key: %w", err)
	}
	if err := cfg.OpenSecrets(secrets.Open); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.OTELEndpoint, "beacon", version, cfg.Telemetry.Insecure)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Error("shutting down tracing", "error", err)
		}
	}()

	pool, err := storage.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		s := pool.Stat()
		return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
	})

	checker := health.NewChecker(2 * time.Second)
	checker.Add("postgres", pool)

	// Redis is optional; without it the queue and rate limiter are in-process.
	var (
		queue     notifyQueue
		rateStore ratelimit.RecordStore
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		slog.Info("connected to redis", "addr", cfg.Redis.Addr)

		queue = notify.NewRedisQueue(rdb, "beacon:notify", cfg.Notify.MaxDeliveries)
		rateStore = ratelimit.NewRedisStore(rdb, 2*(cfg.RateLimit.BanDuration+cfg.RateLimit.Window))
		checker.Add("redis", health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	} else {
		queue = notify.NewMemoryQueue(cfg.Notify.MaxDeliveries)
		mem := ratelimit.NewMemoryStore()
		defer mem.Close()
		rateStore = mem
	}
	queue.SetBackoff(notify.ExponentialBackoff(cfg.Notify.RetryBackoff, cfg.Notify.RetryBackoffMax))
	checker.Add("queue", queue)
	m.RegisterQueueDepth(func() float64 { return float64(queue.Len()) })

	limiter, err := ratelimit.New(ratelimit.Config{
		MaxRequests:       cfg.RateLimit.MaxRequests,
		Window:            cfg.RateLimit.Window,
		MaxFailures:       cfg.RateLimit.MaxFailures,
		BanDuration:       cfg.RateLimit.BanDuration,
		FailureMultiplier: cfg.RateLimit.FailureMultiplier,
	}, rateStore)
	if err != nil {
		return err
	}

	aggStore := aggregation.NewStore(pool)
	alertStore := alert.NewStore(pool)
	costStore := cost.NewStore(pool)

	shards := aggregation.NewShardSet(cfg.Aggregation.HighWaterMark)
	shards.SetMetrics(m)

	var policy ingest.Policy
	if cfg.Sampling.Enabled {
		exempt := append(append([]string{}, cfg.Sampling.ExemptMetrics...), cost.UsageResources...)
		policy = ingest.NewAdaptiveSampler(nil, time.Minute, exempt...)
	}
	ingestSvc := ingest.NewService(shards, policy)
	ingestSvc.SetMetrics(m)

	evaluator := alert.NewEvaluator(alertStore, alertStore, aggStore, queue, logger)
	evaluator.SetMetrics(m)
	evaluator.SetMaxLookback(cfg.Alerting.MaxLookback)

	channels, err := notify.NewChannels(cfg.Notify.Channels, logger)
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(queue, channels, alertStore, cfg.Notify.Workers, logger)
	dispatcher.SetMetrics(m)

	if n, err := queue.Requeue(ctx); err != nil {
		slog.Error("requeueing in-flight notifications", "error", err)
	} else if n > 0 {
		slog.Info("requeued in-flight notifications", "count", n)
	}
	// Triggers lost with a previous in-process queue are sent again.
	if n, err := evaluator.Renotify(ctx, alertStore); err != nil {
		slog.Error("renotifying open alerts", "error", err)
	} else if n > 0 {
		slog.Info("renotified open alerts", "count", n)
	}

	estimator := cost.NewEstimator(aggStore, costStore, queue, cost.PriceTable(cfg.Cost.Prices),
		cfg.Cost.DailyThresholdUSD, cfg.Cost.AlertChannels, logger)
	estimator.SetMetrics(m)

	cleaner := retention.NewCleaner(
		aggStore,
		retention.DeleterFunc(alertStore.DeleteResolvedBefore),
		costStore,
		retention.Policy{
			AggregateDays: cfg.Retention.AggregateDays,
			AlertDays:     cfg.Retention.AlertDays,
			CostDays:      cfg.Retention.CostDays,
		},
		logger,
	)

	var uploader report.Uploader
	if cfg.Report.Bucket != "" {
		s3u, err := report.NewS3Uploader(ctx, cfg.Report.Bucket, cfg.Report.Region)
		if err != nil {
			return err
		}
		uploader = s3u
		checker.Add("s3", s3u)
	}
	reports := report.NewBuilder(aggStore, alertStore, costStore, uploader, cfg.Report.Prefix, logger)

	rollup := scheduler.NewRollup(shards, aggStore, evaluator, cfg.Aggregation.FlushWorkers, logger)
	runner := scheduler.NewRunner(logger)
	runner.SetMetrics(m)
	runner.Register("rollup", cfg.Schedule.Rollup, rollup.Run)
	runner.Register("cost", cfg.Schedule.Cost, estimator.Run)
	runner.Register("retention", cfg.Schedule.Retention, cleaner.Run)
	runner.Register("report", cfg.Schedule.Report, reports.Run)

	router := api.NewRouter(api.RouterDeps{
		Ingest:         ingestSvc,
		Aggregates:     aggStore,
		Costs:          costStore,
		Rules:          alert.NewService(alertStore),
		Alerts:         evaluator,
		DeadLetters:    queue,
		Tasks:          runner,
		Health:         checker,
		IngestLimiter:  ratelimit.Middleware(limiter, logger, m.IncRateLimitRejection),
		IngestKeys:     auth.NewKeySet(cfg.Auth.IngestKeyHashes),
		AdminKeyHash:   cfg.Auth.AdminKeyHash,
		OnAuthFail:     m.IncAuthFailure,
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}),
		SummaryHandler: m.Handler(),
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		_ = dispatcher.Run(dispatchCtx)
	}()
	runner.Start(taskCtx)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "tasks", runner.Tasks())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		slog.Error("server error", "error", err)
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)

	// Stop the scheduler, then cut what the shards still buffer and persist
	// it with one last rollup. The dispatcher keeps running so the
	// notifications that rollup raises still go out.
	cancelTasks()
	runner.Wait()
	shards.Close()
	if rerr := rollup.Run(shutdownCtx); rerr != nil {
		slog.Error("final rollup", "error", rerr)
	}
	if d, ok := queue.(interface{ Drain(context.Context) error }); ok {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Notify.DrainTimeout)
		if derr := d.Drain(drainCtx); derr != nil {
			slog.Warn("notifications left undelivered at shutdown", "pending", queue.Len(), "error", derr)
		}
		drainCancel()
	}
	cancelDispatch()
	<-dispatchDone

	return err
}
