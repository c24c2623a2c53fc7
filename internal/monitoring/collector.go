package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/grantvault/orgmemory/internal/model"
	"github.com/grantvault/orgmemory/internal/store"
)

// ScanSource is the read-only persistence the collector needs.
type ScanSource interface {
	ListOnboardedTenants(ctx context.Context) ([]model.Tenant, error)
	ListAudit(ctx context.Context, filter store.AuditFilter) ([]model.AuditEntry, error)
}

// TenantScan is the most recent successful scan for one tenant.
type TenantScan struct {
	TenantID   string     `json:"tenant_id"`
	TenantName string     `json:"tenant_name"`
	LastScanAt *time.Time `json:"last_scan_at,omitempty"`
}

// ScanSnapshot summarizes scan freshness across onboarded tenants.
type ScanSnapshot struct {
	Tenants     int           `json:"tenants"`
	Stale       []TenantScan  `json:"stale,omitempty"`
	OldestScan  *time.Time    `json:"oldest_scan,omitempty"`
	StaleAfter  time.Duration `json:"-"`
	CollectedAt time.Time     `json:"collected_at"`
}

// Collector builds ScanSnapshots from conflict scan audit entries.
type Collector struct {
	src ScanSource
	now func() time.Time
}

// NewCollector creates a collector over src.
func NewCollector(src ScanSource) *Collector {
	return &Collector{src: src, now: time.Now}
}

// Collect marks every onboarded tenant whose newest CONFLICT_SCAN audit
// entry is missing or older than staleAfter as stale.
func (c *Collector) Collect(ctx context.Context, staleAfter time.Duration) (*ScanSnapshot, error) {
	tenants, err := c.src.ListOnboardedTenants(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list tenants")
	}

	last := make(map[string]time.Time, len(tenants))
	for _, tn := range tenants {
		entries, err := c.src.ListAudit(ctx, store.AuditFilter{
			OrganizationID: tn.ID,
			Action:         model.AuditActionConflictScan,
			Limit:          1,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list scan audits for %s", tn.ID)
		}
		if len(entries) > 0 {
			last[tn.ID] = entries[0].CreatedAt
		}
	}

	now := c.now().UTC()
	snap := &ScanSnapshot{
		Tenants:     len(tenants),
		StaleAfter:  staleAfter,
		CollectedAt: now,
	}
	for _, tn := range tenants {
		ts := TenantScan{TenantID: tn.ID, TenantName: tn.Name}
		at, ok := last[tn.ID]
		if ok {
			ts.LastScanAt = &at
			if snap.OldestScan == nil || at.Before(*snap.OldestScan) {
				oldest := at
				snap.OldestScan = &oldest
			}
		}
		if !ok || now.Sub(at) > staleAfter {
			snap.Stale = append(snap.Stale, ts)
		}
	}
	sort.Slice(snap.Stale, func(i, j int) bool { return snap.Stale[i].TenantID < snap.Stale[j].TenantID })
	return snap, nil
}
