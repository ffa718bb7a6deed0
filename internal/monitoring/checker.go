package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fiskala/regtruth/internal/config"
)

// Checker drives the alerter off periodic metric snapshots. The first check
// fires immediately so an already-open circuit is alerted at startup rather
// than one interval later.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
	}
}

// Run blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("alert checker running",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.checkOnce(ctx, log)
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (c *Checker) checkOnce(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("collect metrics for alerting", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return
	}
	if snap.CircuitOpen {
		log.Warn("circuit is open, all extraction admissions are denied")
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("alerts dispatched",
		zap.Int("triggered", len(alerts)),
		zap.Int("sent", sent),
	)
}
