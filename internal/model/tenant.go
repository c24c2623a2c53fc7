package model

import "time"

// Tenant is one organization using the product. Only onboarded tenants are
// included in scheduled scans.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Onboarded bool      `json:"onboarded"`
	CreatedAt time.Time `json:"created_at"`
}
