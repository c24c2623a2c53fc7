// Package conflict runs the recurring compliance conflict scan across every
// onboarded tenant. One tenant's failure never affects another's.
package conflict

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grantvault/orgmemory/internal/metrics"
	"github.com/grantvault/orgmemory/internal/model"
)

// DefaultCron runs the scan daily at 03:00 (seconds-first cron expression).
const DefaultCron = "0 0 3 * * *"

// TenantSource lists tenants eligible for scanning.
type TenantSource interface {
	ListOnboardedTenants(ctx context.Context) ([]model.Tenant, error)
}

// Detector finds conflicts for one tenant and returns how many it found.
// Stored conflicts carry runID.
type Detector interface {
	DetectConflicts(ctx context.Context, runID string, tenant model.Tenant) (int, error)
}

// AuditWriter appends audit entries.
type AuditWriter interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
}

// Notifier is told about every completed run.
type Notifier interface {
	NotifyRun(ctx context.Context, summary *RunSummary)
}

// TenantConflictRun is the outcome for one tenant in one run.
type TenantConflictRun struct {
	TenantID      string `json:"tenantId"`
	TenantName    string `json:"tenantName"`
	ConflictCount int    `json:"conflictCount"`
	Success       bool   `json:"success"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	DurationMs    int64  `json:"durationMs"`
}

// RunSummary aggregates one run. Results follow the tenant list order.
type RunSummary struct {
	RunID            string              `json:"runId"`
	StartedAt        time.Time           `json:"startedAt"`
	FinishedAt       time.Time           `json:"finishedAt"`
	ProcessedTenants int                 `json:"processedTenants"`
	Successful       int                 `json:"successful"`
	Failed           int                 `json:"failed"`
	TotalConflicts   int                 `json:"totalConflicts"`
	Results          []TenantConflictRun `json:"results"`
}

// FailureRate is Failed / ProcessedTenants, or 0 for an empty run.
func (s *RunSummary) FailureRate() float64 {
	if s.ProcessedTenants == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.ProcessedTenants)
}

// Options tune a Scheduler.
type Options struct {
	// Concurrency bounds tenants scanned at once. Values below 1 mean 1.
	Concurrency int
	// TenantTimeout bounds one tenant's detection and audit. 0 means 5m.
	TenantTimeout time.Duration
	// Cron is the recurring trigger for Start. Empty means DefaultCron.
	Cron     string
	Notifier Notifier
}

// Scheduler runs conflict scans.
type Scheduler struct {
	tenants  TenantSource
	detector Detector
	audit    AuditWriter
	opts     Options

	now   func() time.Time
	newID func() string

	running sync.Mutex
}

// NewScheduler returns a scheduler over its collaborators.
func NewScheduler(tenants TenantSource, detector Detector, audit AuditWriter, opts Options) *Scheduler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.TenantTimeout <= 0 {
		opts.TenantTimeout = 5 * time.Minute
	}
	if opts.Cron == "" {
		opts.Cron = DefaultCron
	}
	return &Scheduler{
		tenants:  tenants,
		detector: detector,
		audit:    audit,
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Run scans every onboarded tenant once. It fails only when the tenant
// list cannot be loaded; per-tenant failures are recorded in the summary.
func (s *Scheduler) Run(ctx context.Context) (*RunSummary, error) {
	tenants, err := s.tenants.ListOnboardedTenants(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "conflict: list onboarded tenants")
	}

	summary := &RunSummary{
		RunID:     s.newID(),
		StartedAt: s.now().UTC(),
		Results:   make([]TenantConflictRun, len(tenants)),
	}
	log := zap.L().With(zap.String("run_id", summary.RunID))
	log.Info("conflict scan started",
		zap.Int("tenants", len(tenants)),
		zap.Int("concurrency", s.opts.Concurrency),
	)

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)
	for i, tenant := range tenants {
		g.Go(func() error {
			summary.Results[i] = s.scanTenant(ctx, summary.RunID, tenant)
			return nil
		})
	}
	_ = g.Wait()

	summary.FinishedAt = s.now().UTC()
	summary.ProcessedTenants = len(tenants)
	for _, r := range summary.Results {
		if r.Success {
			summary.Successful++
			summary.TotalConflicts += r.ConflictCount
		} else {
			summary.Failed++
		}
	}

	metrics.ObserveScan(summary.Successful, summary.Failed, summary.TotalConflicts, summary.FinishedAt.Sub(summary.StartedAt))
	log.Info("conflict scan complete",
		zap.Int("processed", summary.ProcessedTenants),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Int("total_conflicts", summary.TotalConflicts),
	)

	if s.opts.Notifier != nil {
		s.opts.Notifier.NotifyRun(ctx, summary)
	}
	return summary, nil
}

// scanTenant never returns an error; every failure, including a panic,
// becomes a failed TenantConflictRun.
func (s *Scheduler) scanTenant(ctx context.Context, runID string, tenant model.Tenant) (run TenantConflictRun) {
	start := s.now()
	run = TenantConflictRun{TenantID: tenant.ID, TenantName: tenant.Name}
	log := zap.L().With(zap.String("run_id", runID), zap.String("tenant_id", tenant.ID))

	defer func() {
		if r := recover(); r != nil {
			run.Success = false
			run.ConflictCount = 0
			run.ErrorMessage = fmt.Sprintf("panic: %v", r)
			log.Error("conflict scan panicked", zap.Any("panic", r))
		}
		run.DurationMs = s.now().Sub(start).Milliseconds()
	}()

	if err := ctx.Err(); err != nil {
		run.ErrorMessage = err.Error()
		return run
	}

	tctx, cancel := context.WithTimeout(ctx, s.opts.TenantTimeout)
	defer cancel()

	count, err := s.detector.DetectConflicts(tctx, runID, tenant)
	if err == nil && tctx.Err() != nil {
		err = tctx.Err()
	}
	if err != nil {
		run.ErrorMessage = err.Error()
		log.Warn("conflict detection failed", zap.Error(err))
		return run
	}

	entry := model.AuditEntry{
		ID:             s.newID(),
		OrganizationID: tenant.ID,
		Action:         model.AuditActionConflictScan,
		Description:    fmt.Sprintf("Conflict scan found %d conflicts", count),
		Actor:          model.ActorSystem,
		Metadata: map[string]any{
			"conflictCount": count,
			"runId":         runID,
		},
		CreatedAt: s.now().UTC(),
	}
	if err := s.audit.AppendAudit(tctx, entry); err != nil {
		run.ErrorMessage = eris.Wrap(err, "write audit entry").Error()
		log.Warn("conflict scan audit failed", zap.Error(err))
		return run
	}

	run.ConflictCount = count
	run.Success = true
	log.Debug("conflict scan tenant complete", zap.Int("conflicts", count))
	return run
}

// Start runs the scan on the cron schedule until ctx is cancelled. A tick
// that fires while a run is still in progress is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := cron.Parse(s.opts.Cron); err != nil {
		return eris.Wrapf(err, "conflict: invalid cron %q", s.opts.Cron)
	}

	c := cron.New()
	if err := c.AddFunc(s.opts.Cron, func() { s.tick(ctx) }); err != nil {
		return eris.Wrapf(err, "conflict: schedule %q", s.opts.Cron)
	}

	zap.L().Info("conflict scheduler started", zap.String("cron", s.opts.Cron))
	c.Start()
	<-ctx.Done()
	c.Stop()
	zap.L().Info("conflict scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.TryLock() {
		zap.L().Warn("conflict scan still running, skipping tick")
		return
	}
	defer s.running.Unlock()

	if _, err := s.Run(ctx); err != nil {
		zap.L().Error("conflict scan failed", zap.Error(err))
	}
}

// NextRun returns the next trigger time after from.
func (s *Scheduler) NextRun(from time.Time) (time.Time, error) {
	sched, err := cron.Parse(s.opts.Cron)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "conflict: invalid cron %q", s.opts.Cron)
	}
	return sched.Next(from), nil
}
