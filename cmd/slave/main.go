// Command slave runs the worker loop: reserve a task from the queue,
// execute it under the isolate runner and report results.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/disttest/internal/adapter/blob/s3"
	"github.com/fairyhunter13/disttest/internal/adapter/observability"
	"github.com/fairyhunter13/disttest/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/disttest/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/disttest/internal/client"
	"github.com/fairyhunter13/disttest/internal/config"
	"github.com/fairyhunter13/disttest/internal/slave"
	"github.com/fairyhunter13/disttest/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.EnsureSlaveConfigured(); err != nil {
		slog.Error("configuration incomplete", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	queue, err := redisq.New(ctx, cfg.RedisAddr, cfg.ReserveTTL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = queue.Close() }()

	blobs, err := s3.New(ctx, s3.Options{
		Bucket:    cfg.ResultBucket,
		Region:    cfg.AWSRegion,
		AccessKey: cfg.AWSAccessKey,
		SecretKey: cfg.AWSSecretKey,
		Endpoint:  cfg.S3Endpoint,
	})
	if err != nil {
		slog.Error("blob store setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Multiple slaves share a host; each locks its own cache dir.
	cacheDir, releaseCache, err := slave.AcquireCacheDir(cfg.IsolateCacheDir)
	if err != nil {
		slog.Error("no free isolate cache dir", slog.Any("error", err))
		os.Exit(1)
	}
	defer releaseCache()
	slog.Info("acquired isolate cache", slog.String("dir", cacheDir))

	runner := slave.NewRunner(slave.RunnerConfig{
		IsolateHome:   cfg.IsolateHome,
		IsolateServer: cfg.IsolateServer,
		CacheDir:      cacheDir,
	})

	results := usecase.NewResultService(postgres.NewTaskRepo(pool), blobs)
	master := client.New(cfg)
	worker := slave.New(queue, results, master, runner)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("worker loop failed", slog.Any("error", err))
		os.Exit(1)
	}
	// Hand any reserved task back before the instance goes away.
	worker.Shutdown()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	slog.Info("metrics server starting", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil {
		slog.Warn("metrics server stopped", slog.Any("error", err))
	}
}
