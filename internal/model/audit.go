package model

import "time"

// ActorSystem marks audit entries written by background jobs.
const ActorSystem = "SYSTEM"

// AuditAction names an audited event.
type AuditAction string

const (
	AuditActionConflictScan  AuditAction = "CONFLICT_SCAN"
	AuditActionDraftWithheld AuditAction = "DRAFT_WITHHELD"
)

// AuditEntry is an append-only record of something that happened to a tenant.
type AuditEntry struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Action         AuditAction    `json:"action"`
	Description    string         `json:"description"`
	Actor          string         `json:"actor"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
