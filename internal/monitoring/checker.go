package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/grantvault/orgmemory/internal/config"
)

// Checker periodically looks for tenants whose conflict scan has gone stale.
type Checker struct {
	collector  *Collector
	alerter    *Alerter
	interval   time.Duration
	staleAfter time.Duration
}

// NewChecker creates a background stale-scan checker. Zero intervals fall
// back to 60 minutes between checks and a 26 hour staleness window.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	stale := time.Duration(cfg.StaleScanThresholdHours) * time.Hour
	if stale <= 0 {
		stale = 26 * time.Hour
	}
	return &Checker{
		collector:  collector,
		alerter:    alerter,
		interval:   interval,
		staleAfter: stale,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting stale scan checker",
		zap.Duration("interval", c.interval),
		zap.Duration("stale_after", c.staleAfter),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("stale scan checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one collection and dispatches any resulting alerts. It
// returns the number of alerts delivered.
func (c *Checker) Check(ctx context.Context) int {
	snap, err := c.collector.Collect(ctx, c.staleAfter)
	if err != nil {
		zap.L().Error("monitoring: failed to collect scan snapshot", zap.Error(err))
		return 0
	}

	alerts := c.alerter.EvaluateSnapshot(snap)
	if len(alerts) == 0 {
		zap.L().Debug("monitoring: all tenant scans fresh", zap.Int("tenants", snap.Tenants))
		return 0
	}

	sent := c.alerter.Dispatch(ctx, alerts)
	zap.L().Info("monitoring: stale scan check complete",
		zap.Int("stale_tenants", len(snap.Stale)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}
