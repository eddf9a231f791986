// Package app wires the components shared by the paineis commands: storage,
// blob store, Redis queue and cache, metrics backend and the processing
// service.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"paineis/internal/cache"
	"paineis/internal/config"
	"paineis/internal/ingest"
	"paineis/internal/metrics"
	"paineis/internal/metrics/datadog"
	"paineis/internal/processing"
	"paineis/internal/queue"
	"paineis/internal/storage"
)

// App holds the opened components. Close releases them.
type App struct {
	Repo    storage.Repository
	Blobs   storage.BlobStore
	Redis   *redis.Client
	Queue   *queue.Queue
	Cache   *cache.Payloads
	Service *processing.Service
	Logger  *zap.Logger
}

// Open connects to the configured repository (creating the schema if
// needed) and, when Redis is configured, to Redis.
//
// Edge cases:
//   - Without Redis the queue is left out of the service, so uploads are
//     processed in-process, and the dashboard cache is disabled.
//
// Errors:
//   - Unknown storage kind, connection or schema failures.
//   - Redis configured but unreachable.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	repo, err := storage.New(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	rdb, err := queue.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		repo.Close()
		return nil, err
	}

	a := &App{
		Repo:   repo,
		Blobs:  storage.NewLocalBlobStore(cfg.Storage.BlobDir),
		Redis:  rdb,
		Queue:  queue.New(rdb, cfg.Redis.QueueKey, cfg.Worker.PollTimeout, logger),
		Cache:  cache.New(rdb, cfg.Redis.CachePrefix, cfg.Redis.CacheTTL, logger),
		Logger: logger,
	}

	sheetsTimeout := cfg.Ingest.SheetsTimeout
	if sheetsTimeout <= 0 {
		sheetsTimeout = ingest.DefaultSheetTimeout
	}
	opts := processing.Options{
		Repo:       a.Repo,
		Blobs:      a.Blobs,
		Cache:      a.Cache,
		HTTPClient: &http.Client{Timeout: sheetsTimeout},
		Logger:     logger,
	}
	if a.Queue.Available() {
		opts.Queue = a.Queue
	}
	a.Service = processing.New(opts)

	logger.Info("app ready",
		zap.String("storage", cfg.Storage.Kind),
		zap.String("dsn", config.RedactDSN(cfg.Storage.DSN)),
		zap.Bool("redis", rdb != nil),
	)
	return a, nil
}

// Close releases Redis and the repository.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("close redis", zap.Error(err))
		}
	}
	a.Repo.Close()
}

// metricsBackend is what the datadog backend provides on top of
// metrics.Backend.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = metrics.SetBackend
)

// InitMetrics installs the configured metrics backend and returns its
// cleanup. The cleanup is never nil and runs the final flush.
//
// Backends:
//   - "", "none": the nop backend stays in place.
//   - "datadog": periodic submission to Datadog (DD_API_KEY, DD_SITE).
//
// Errors:
//   - Unknown backend names and datadog init failures.
func InitMetrics(ctx context.Context, cfg config.MetricsConfig, logger *zap.Logger) (func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func() {}

	switch cfg.Backend {
	case "", "none":
		return noop, nil
	case "datadog":
		tags := datadog.ParseTagsCSV(cfg.Tags)
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    cfg.Job,
			Tags:       tags,
			FlushEvery: cfg.FlushEvery,
		})
		if err != nil {
			return noop, err
		}
		setMetricsBackend(b)
		logger.Info("metrics enabled", zap.String("backend", cfg.Backend), zap.String("job", cfg.Job), zap.Strings("tags", tags))
		return func() {
			if err := b.Close(); err != nil {
				logger.Warn("metrics close", zap.Error(err))
			}
		}, nil
	default:
		return noop, fmt.Errorf("unknown metrics backend %q", cfg.Backend)
	}
}
