// Command autoscaler resizes the slave instance group to match queue
// depth.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/disttest/internal/adapter/observability"
	"github.com/fairyhunter13/disttest/internal/autoscaler"
	"github.com/fairyhunter13/disttest/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.EnsureAutoscalerConfigured(); err != nil {
		slog.Error("configuration incomplete", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	fleet := &autoscaler.GCloudFleet{Group: cfg.FleetGroup}
	stats := autoscaler.NewMasterStats(cfg.MasterURL)
	scaler := autoscaler.New(fleet, stats,
		cfg.MaxSlaves, cfg.GrowStep, cfg.ShrinkLag, cfg.ScaleInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scaler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("autoscaler failed", slog.Any("error", err))
		os.Exit(1)
	}
}
