package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/uwdash/internal/config"
)

// Checker collects a snapshot on a fixed interval and sends any alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
}

// NewChecker creates a Checker. A zero check interval means five minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{collector: collector, alerter: alerter, interval: interval}
}

// Run blocks, checking once per interval, until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("health checks started", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checks stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("collect snapshot failed", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	log.Debug("store health",
		zap.Int("rows", snap.Rows),
		zap.Int("failures", snap.Failures),
		zap.Int("alerts", len(alerts)),
	)
	if len(alerts) == 0 {
		return
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("alerts raised", zap.Int("triggered", len(alerts)), zap.Int("sent", sent))
}
