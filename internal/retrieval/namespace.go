package retrieval

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Namespace scopes every index query to one tenant. The zero value is
// invalid; build one with NewNamespace.
type Namespace struct {
	tenantID string
}

// NewNamespace returns the namespace for tenantID.
func NewNamespace(tenantID string) (Namespace, error) {
	id := strings.TrimSpace(tenantID)
	if id == "" {
		return Namespace{}, eris.Wrap(ErrInvalidRequest, "retrieval: tenant id is required")
	}
	return Namespace{tenantID: id}, nil
}

// TenantID returns the tenant the namespace belongs to.
func (n Namespace) TenantID() string { return n.tenantID }

// String returns the index namespace name.
func (n Namespace) String() string { return n.tenantID }

// Valid reports whether n was built by NewNamespace.
func (n Namespace) Valid() bool { return n.tenantID != "" }
