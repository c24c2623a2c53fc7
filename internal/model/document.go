package model

import "time"

// Document is the relational record for an indexed file. Chunks in the
// vector index reference it by ID.
type Document struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	ParseScore *int       `json:"parse_score,omitempty"` // parse confidence, set once parsed
	DatedAt    *time.Time `json:"dated_at,omitempty"`    // effective date of the content
	CreatedAt  time.Time  `json:"created_at"`
}
