package autoscaler

import (
	"context"
	"log/slog"
	"time"
)

// Scaler is the control loop. Backlog grows the fleet by GrowStep up to
// MaxSlaves; a fully idle queue shrinks it to one instance, but only
// after ShrinkLag has passed since the last grow. The lag keeps the
// fleet from flapping inside the cloud's minimum billing increment.
type Scaler struct {
	Fleet     Fleet
	Stats     StatsSource
	MaxSlaves int
	GrowStep  int
	ShrinkLag time.Duration
	Interval  time.Duration

	nowFn func() time.Time

	current  int
	lastGrow time.Time
}

// New constructs a Scaler.
func New(fleet Fleet, stats StatsSource, maxSlaves, growStep int, shrinkLag, interval time.Duration) *Scaler {
	return &Scaler{
		Fleet:     fleet,
		Stats:     stats,
		MaxSlaves: maxSlaves,
		GrowStep:  growStep,
		ShrinkLag: shrinkLag,
		Interval:  interval,
		nowFn:     time.Now,
	}
}

// Run polls and resizes until ctx is canceled. Errors are logged and
// the loop continues; nothing is persisted across restarts.
func (s *Scaler) Run(ctx context.Context) error {
	size, err := s.Fleet.TargetSize(ctx)
	if err != nil {
		return err
	}
	s.current = size
	slog.Info("autoscaler started", "initial_size", size)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.step(ctx); err != nil {
				slog.Warn("autoscaler step failed", "err", err)
			}
		}
	}
}

func (s *Scaler) step(ctx context.Context) error {
	stats, err := s.Stats.Stats(ctx)
	if err != nil {
		return err
	}
	slog.Info("queue stats", "ready", stats.Ready, "reserved", stats.Reserved, "size", s.current)

	target := s.current
	switch {
	case stats.Ready > 0:
		target = min(s.MaxSlaves, s.current+s.GrowStep)
		s.lastGrow = s.nowFn()
	case stats.Ready+stats.Reserved == 0 && s.nowFn().Sub(s.lastGrow) > s.ShrinkLag:
		target = 1
	}

	if target == s.current {
		return nil
	}
	slog.Info("resizing fleet", "from", s.current, "to", target)
	if err := s.Fleet.Resize(ctx, target); err != nil {
		return err
	}
	s.current = target
	return nil
}
