package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/grantvault/orgmemory/internal/model"
)

// RequirementStore is the persistence RequirementDetector needs.
type RequirementStore interface {
	ListRequirements(ctx context.Context, tenantID string) ([]model.Requirement, error)
	ReplaceConflicts(ctx context.Context, tenantID string, conflicts []model.Conflict) error
}

// RequirementDetector flags requirements on the same grant and kind that
// disagree on value or due date. Each run replaces the tenant's conflicts.
type RequirementDetector struct {
	store RequirementStore
	now   func() time.Time
}

// NewRequirementDetector returns a detector over st.
func NewRequirementDetector(st RequirementStore) *RequirementDetector {
	return &RequirementDetector{store: st, now: time.Now}
}

// DetectConflicts implements Detector.
func (d *RequirementDetector) DetectConflicts(ctx context.Context, runID string, tenant model.Tenant) (int, error) {
	reqs, err := d.store.ListRequirements(ctx, tenant.ID)
	if err != nil {
		return 0, eris.Wrapf(err, "conflict: list requirements for %s", tenant.ID)
	}

	found := Find(reqs, d.now().UTC())
	for i := range found {
		found[i].TenantID = tenant.ID
		found[i].RunID = runID
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := d.store.ReplaceConflicts(ctx, tenant.ID, found); err != nil {
		return 0, eris.Wrapf(err, "conflict: replace conflicts for %s", tenant.ID)
	}
	return len(found), nil
}

type groupKey struct {
	grant string
	kind  string
}

// Find returns one conflict per disagreeing pair within each grant and
// kind group. Output is ordered by grant, kind, then requirement IDs.
func Find(reqs []model.Requirement, at time.Time) []model.Conflict {
	groups := make(map[groupKey][]model.Requirement)
	var keys []groupKey
	for _, r := range reqs {
		k := groupKey{grant: r.GrantID, kind: r.Kind}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], r)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].grant != keys[j].grant {
			return keys[i].grant < keys[j].grant
		}
		return keys[i].kind < keys[j].kind
	})

	var out []model.Conflict
	for _, k := range keys {
		group := groups[k]
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				reason := disagreement(group[i], group[j])
				if reason == "" {
					continue
				}
				out = append(out, model.Conflict{
					ID:           uuid.NewString(),
					TenantID:     group[i].TenantID,
					GrantID:      k.grant,
					Kind:         k.kind,
					RequirementA: group[i].ID,
					RequirementB: group[j].ID,
					Reason:       reason,
					DetectedAt:   at,
				})
			}
		}
	}
	return out
}

func disagreement(a, b model.Requirement) string {
	if a.Value != b.Value {
		return fmt.Sprintf("value %q differs from %q", a.Value, b.Value)
	}
	// A missing due date is not a disagreement.
	if a.DueDate == nil || b.DueDate == nil || sameDay(*a.DueDate, *b.DueDate) {
		return ""
	}
	return fmt.Sprintf("due date %s differs from %s",
		a.DueDate.UTC().Format(time.DateOnly), b.DueDate.UTC().Format(time.DateOnly))
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
