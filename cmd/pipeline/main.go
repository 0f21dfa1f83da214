package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/notification-pipeline/internal/api"
	"github.com/LeventeLantos/notification-pipeline/internal/cache"
	"github.com/LeventeLantos/notification-pipeline/internal/client"
	"github.com/LeventeLantos/notification-pipeline/internal/config"
	"github.com/LeventeLantos/notification-pipeline/internal/deadletter"
	"github.com/LeventeLantos/notification-pipeline/internal/metrics"
	"github.com/LeventeLantos/notification-pipeline/internal/model"
	"github.com/LeventeLantos/notification-pipeline/internal/queue"
	"github.com/LeventeLantos/notification-pipeline/internal/ratelimit"
	"github.com/LeventeLantos/notification-pipeline/internal/repo"
	"github.com/LeventeLantos/notification-pipeline/internal/retry"
	"github.com/LeventeLantos/notification-pipeline/internal/scheduler"
	"github.com/LeventeLantos/notification-pipeline/internal/service"
	"github.com/LeventeLantos/notification-pipeline/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Server.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("pipeline stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pm := metrics.NewPipeline(reg)

	dlq := deadletter.NewManager(cfg.DeadLetter, logger).
		WithAlert(func(size, threshold int) {
			logger.Error("dead-letter lane above alert threshold", "size", size, "threshold", threshold)
		})

	var archive repo.DeadLetterRepository
	if cfg.Database.PostgresURL != "" {
		db, err := openPostgres(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return err
		}
		defer db.Close()

		pg := repo.NewPostgresDeadLetterRepo(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("dead-letter schema: %w", err)
		}
		archive = pg
		dlq.WithArchiver(pg)
	}

	limits := ratelimit.NewManager(cfg.RateLimits, logger)
	retries := retry.NewHandler(cfg.Retry)
	gateway := metrics.NewGateway(client.NewGatewayClient(cfg.Gateway.URL, cfg.Gateway.APIKey, cfg.Gateway.Timeout), reg)

	processor := service.NewProcessor(cfg.Batch, gateway, limits, retries, dlq, logger).WithMetrics(pm)

	var statusStore webhook.StatusStore
	var notifier webhook.Notifier
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}

		store := cache.NewRedisStore(rdb, cfg.Redis.TTL)
		processor.WithHooks(func(ctx context.Context, msg model.QueuedMessage, providerMessageID string) error {
			return store.StoreSent(ctx, msg, providerMessageID, time.Now())
		})
		statusStore = store
		notifier = cache.NewRedisNotifier(rdb, "")
	} else {
		logger.Warn("REDIS_ADDR not set, delivery records are not kept")
	}

	q := queue.New(cfg.Queue, processor, dlq, logger).WithMetrics(pm)
	defer q.Destroy()

	if err := dlq.Start(ctx); err != nil {
		return err
	}

	wp, err := webhook.NewProcessor(cfg.Webhook.Config, statusStore, logger)
	if err != nil {
		return fmt.Errorf("webhook processor: %w", err)
	}
	if notifier != nil {
		wp.WithNotifier(notifier)
	}

	processTask, err := scheduler.New("process", cfg.Scheduler.ProcessInterval, func(ctx context.Context) {
		q.Process(ctx)
	}, logger)
	if err != nil {
		return err
	}
	healthTask, err := scheduler.New("health", cfg.Scheduler.HealthInterval, func(context.Context) {
		q.PerformHealthCheck()
	}, logger)
	if err != nil {
		return err
	}

	h := api.NewHandler(q, dlq, limits, wp, processTask, healthTask).
		WithMetrics(pm).
		WithAckFailures(cfg.Webhook.AckFailures).
		WithLogger(logger)
	if archive != nil {
		h.WithArchive(archive)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	processTask.Start()
	healthTask.Start()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("pipeline starting",
			"addr", cfg.Server.Address,
			"process_interval", cfg.Scheduler.ProcessInterval.String(),
			"batch", cfg.Batch.MaxBatchSize,
			"redis", cfg.Redis.Enabled,
			"archive", archive != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			processTask.Stop()
			healthTask.Stop()
			return fmt.Errorf("http server: %w", err)
		}
	}

	processTask.Stop()
	healthTask.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	st := q.GetQueueStatus()
	logger.Info("pipeline stopped", "queued", st.Queued, "scheduled", st.Scheduled, "dead_letters", st.DeadLetters)
	return nil
}

func openPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
