package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/uwdash/internal/monitoring"
	"github.com/sells-group/uwdash/internal/pipeline"
	"github.com/sells-group/uwdash/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the deal-stage folders and re-extract changed models",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		initial, _ := cmd.Flags().GetBool("initial")
		g, gctx := errgroup.WithContext(ctx)
		startBackground(gctx, g, e, initial)
		return g.Wait()
	},
}

// newWatcher builds the change watcher for e's runner.
func newWatcher(e *env) *watcher.Watcher {
	eval := e.Runner.Evaluator()
	return watcher.New(e.Runner, watcher.Options{
		Stages:           e.Runner.Stages(),
		PollInterval:     cfg.PollInterval(),
		Cooldown:         cfg.Cooldown(),
		RescansPerMinute: cfg.Monitoring.RescansPerMinute,
		Depth:            cfg.Monitoring.WatchDepth,
		Filter:           func(name string) bool { return eval.Prefilter(name).Included },
	})
}

// startBackground adds the watcher and the health checker to g. With
// initial set, a full batch runs before watching starts.
func startBackground(ctx context.Context, g *errgroup.Group, e *env, initial bool) {
	g.Go(func() error {
		if initial {
			report, err := e.Runner.Run(ctx, pipeline.Scope{Trigger: pipeline.TriggerManual})
			if err != nil {
				zap.L().Error("initial batch failed", zap.Error(err))
			} else {
				zap.L().Info("initial batch complete",
					zap.String("run_id", report.ID),
					zap.Int("stored", report.Stored),
					zap.Int("failed", len(report.Failures)),
				)
			}
		}
		return newWatcher(e).Watch(ctx)
	})

	checker := monitoring.NewChecker(
		monitoring.NewCollector(e.Store),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
	g.Go(func() error {
		checker.Run(ctx)
		return nil
	})
}

func init() {
	watchCmd.Flags().Bool("initial", true, "run a full batch before watching")
	rootCmd.AddCommand(watchCmd)
}
