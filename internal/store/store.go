package store

import (
	"context"

	"github.com/grantvault/orgmemory/internal/model"
)

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	OrganizationID string            `json:"organization_id,omitempty"`
	Action         model.AuditAction `json:"action,omitempty"`
	Limit          int               `json:"limit,omitempty"`
}

// Store defines the relational persistence used by the memory pipeline and
// the conflict scan.
type Store interface {
	// Tenants
	UpsertTenant(ctx context.Context, t model.Tenant) error
	ListOnboardedTenants(ctx context.Context) ([]model.Tenant, error)

	// Documents
	UpsertDocument(ctx context.Context, d model.Document) error
	GetDocuments(ctx context.Context, tenantID string, ids []string) (map[string]model.Document, error)

	// Requirements and conflicts
	UpsertRequirement(ctx context.Context, r model.Requirement) error
	ListRequirements(ctx context.Context, tenantID string) ([]model.Requirement, error)
	ReplaceConflicts(ctx context.Context, tenantID string, conflicts []model.Conflict) error
	ListConflicts(ctx context.Context, tenantID string) ([]model.Conflict, error)

	// Audit
	AppendAudit(ctx context.Context, e model.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
