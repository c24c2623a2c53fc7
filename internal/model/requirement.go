package model

import "time"

// Requirement is one compliance obligation extracted from a grant document,
// e.g. a reporting deadline or a match percentage.
type Requirement struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	GrantID    string     `json:"grant_id"`
	Kind       string     `json:"kind"`
	Value      string     `json:"value"`
	DueDate    *time.Time `json:"due_date,omitempty"`
	DocumentID string     `json:"document_id,omitempty"`
}

// Conflict pairs two requirements on the same grant and kind that disagree.
type Conflict struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	GrantID      string    `json:"grant_id"`
	Kind         string    `json:"kind"`
	RequirementA string    `json:"requirement_a"`
	RequirementB string    `json:"requirement_b"`
	Reason       string    `json:"reason"`
	RunID        string    `json:"run_id,omitempty"`
	DetectedAt   time.Time `json:"detected_at"`
}
