// Command worker consumes the ingestion queue and processes dataset
// versions until interrupted.
//
// Usage:
//
//	worker [-config config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"paineis/internal/app"
	"paineis/internal/config"

	// register all backends with the storage factory.
	_ "paineis/internal/storage/all"
)

// errNoQueue is returned when Redis is not configured: there is nothing to
// consume.
var errNoQueue = errors.New("redis is not configured (set PAINEIS_REDIS_ADDR)")

// consumeFunc blocks until ctx is done.
type consumeFunc func(ctx context.Context) error

type appDeps struct {
	loadConfig  func(path string) (*config.Config, error)
	newLogger   func(cfg config.LogConfig) (*zap.Logger, error)
	initMetrics func(ctx context.Context, cfg config.MetricsConfig, logger *zap.Logger) (func(), error)
	openWorker  func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (consumeFunc, func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:  config.Load,
		newLogger:   config.LogConfig.NewLogger,
		initMetrics: app.InitMetrics,
		openWorker:  openWorker,
	}
}

// openWorker opens the app and binds the queue to the processing service.
func openWorker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (consumeFunc, func(), error) {
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if !a.Queue.Available() {
		a.Close()
		return nil, nil, errNoQueue
	}
	consume := func(ctx context.Context) error {
		return a.Queue.Consume(ctx, a.Service.HandleJob)
	}
	return consume, a.Close, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runMain loads config and consumes jobs until ctx is cancelled.
//
// Exit codes: 0 after a clean shutdown, 1 on startup or consume errors,
// 2 on usage errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config YAML path (default config.yaml when present, else env only)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: worker [-config path]")
		return 2
	}

	cfg, err := deps.loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	logger, err := deps.newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stderr, "init logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	cleanup, err := deps.initMetrics(ctx, cfg.Metrics, logger)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	consume, closeWorker, err := deps.openWorker(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "open: %v\n", err)
		return 1
	}
	defer closeWorker()

	logger.Info("worker started", zap.String("queue", cfg.Redis.QueueKey))
	if err := consume(ctx); err != nil {
		fmt.Fprintf(stderr, "consume: %v\n", err)
		return 1
	}
	logger.Info("worker stopped")
	fmt.Fprintln(stdout, "ok")
	return 0
}
