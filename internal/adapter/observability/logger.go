// Package observability provides logging, metrics and tracing for the
// dist-test binaries.
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/disttest/internal/config"
)

// SetupLogger configures a JSON slog logger with service/env fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
