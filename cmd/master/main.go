// Command master runs the dist-test coordinator: the HTTP API that
// accepts jobs, feeds the task queue and serves results.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/disttest/internal/adapter/blob/s3"
	"github.com/fairyhunter13/disttest/internal/adapter/httpserver"
	"github.com/fairyhunter13/disttest/internal/adapter/observability"
	"github.com/fairyhunter13/disttest/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/disttest/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/disttest/internal/app"
	"github.com/fairyhunter13/disttest/internal/config"
	"github.com/fairyhunter13/disttest/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.EnsureMasterConfigured(); err != nil {
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

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	repo := postgres.NewTaskRepo(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

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

	jobs := usecase.NewJobService(queue, repo, blobs)

	auth, err := httpserver.NewDigestAuth(cfg.Accounts, cfg.AllowedIPRanges)
	if err != nil {
		slog.Error("auth setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	srv := httpserver.NewServer(cfg, jobs, auth)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.String("addr", cfg.ListenAddr))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
