// Package scope builds the tenant predicate shared by every follow-up read path.
package scope

import (
	"fmt"
	"strings"
)

// Predicate matches rows owned by a clinic or by any of its legacy owner ids.
type Predicate struct {
	TenantID       string
	LegacyOwnerIDs []string
}

// Build returns the predicate for a tenant. Blank owner ids are dropped.
func Build(tenantID string, legacyOwnerIDs []string) Predicate {
	owners := make([]string, 0, len(legacyOwnerIDs))
	for _, id := range legacyOwnerIDs {
		if id = strings.TrimSpace(id); id != "" {
			owners = append(owners, id)
		}
	}
	return Predicate{TenantID: strings.TrimSpace(tenantID), LegacyOwnerIDs: owners}
}

// Empty reports whether the predicate matches nothing.
func (p Predicate) Empty() bool {
	return p.TenantID == "" && len(p.LegacyOwnerIDs) == 0
}

// SQL renders the predicate with placeholders numbered from start and returns the bound
// arguments. An empty predicate renders FALSE so an unscoped query is never produced.
func (p Predicate) SQL(start int) (string, []any) {
	switch {
	case p.Empty():
		return "FALSE", nil
	case p.TenantID == "":
		return fmt.Sprintf("owner_id = ANY($%d)", start), []any{p.LegacyOwnerIDs}
	case len(p.LegacyOwnerIDs) == 0:
		return fmt.Sprintf("clinic_id = $%d", start), []any{p.TenantID}
	default:
		return fmt.Sprintf("(clinic_id = $%d OR owner_id = ANY($%d))", start, start+1),
			[]any{p.TenantID, p.LegacyOwnerIDs}
	}
}

// Matches evaluates the predicate in memory. Fakes and tests use it.
func (p Predicate) Matches(clinicID, ownerID string) bool {
	if p.TenantID != "" && clinicID == p.TenantID {
		return true
	}
	for _, id := range p.LegacyOwnerIDs {
		if ownerID != "" && ownerID == id {
			return true
		}
	}
	return false
}
