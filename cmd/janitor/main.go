package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/kirillkom/interpretation-engine/internal/bootstrap"
	"github.com/kirillkom/interpretation-engine/internal/config"
	"github.com/kirillkom/interpretation-engine/internal/core/usecase"
	"github.com/kirillkom/interpretation-engine/internal/observability/logging"
)

type sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		once     bool
		schedule string
		horizon  time.Duration
	)

	cmd := &cobra.Command{
		Use:           "janitor",
		Short:         "Delete cached interpretations nobody has read within the staleness horizon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			slog.SetDefault(logging.NewJSONLogger("janitor", cfg.LogLevel))

			if horizon <= 0 {
				horizon = cfg.StalenessHorizon
			}
			if schedule == "" {
				schedule = cfg.JanitorSchedule
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, closeStore, err := bootstrap.OpenArtifactStore(ctx, cfg)
			if err != nil {
				slog.Error("janitor_store_failed", "error", err)
				return err
			}
			defer closeStore()

			janitor := usecase.NewStalenessJanitor(store, horizon)
			if once {
				_, err := runSweep(ctx, janitor)
				return err
			}
			return runScheduled(ctx, schedule, janitor)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule (defaults to JANITOR_SCHEDULE)")
	cmd.Flags().DurationVar(&horizon, "horizon", 0, "staleness horizon (defaults to STALENESS_HORIZON)")
	return cmd
}

func runSweep(ctx context.Context, s sweeper) (int64, error) {
	start := time.Now()
	deleted, err := s.Sweep(ctx)
	if err != nil {
		slog.Error("janitor_sweep_failed", "error", err)
		return 0, err
	}
	slog.Info("janitor_sweep_completed",
		"deleted", deleted,
		"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
	)
	return deleted, nil
}

// runScheduled sweeps on every cron tick until ctx ends. Overlapping ticks are skipped.
func runScheduled(ctx context.Context, schedule string, s sweeper) error {
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(schedule, func() {
		_, _ = runSweep(ctx, s)
	}); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}

	slog.Info("janitor_scheduled", "schedule", schedule)
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}
