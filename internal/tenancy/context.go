package tenancy

import "context"

type ctxKey string

const (
	clinicKey ctxKey = "vetfollowup.clinic_id"
	ownersKey ctxKey = "vetfollowup.legacy_owner_ids"
)

// WithClinicID stores the clinic id in context.
func WithClinicID(ctx context.Context, clinicID string) context.Context {
	return context.WithValue(ctx, clinicKey, clinicID)
}

// ClinicIDFromContext extracts the clinic id if present.
func ClinicIDFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(clinicKey)
	if val == nil {
		return "", false
	}
	clinicID, ok := val.(string)
	return clinicID, ok && clinicID != ""
}

// WithLegacyOwnerIDs stores the pre-migration owner ids that still belong to the current clinic.
func WithLegacyOwnerIDs(ctx context.Context, ownerIDs []string) context.Context {
	cp := append([]string(nil), ownerIDs...)
	return context.WithValue(ctx, ownersKey, cp)
}

// LegacyOwnerIDsFromContext returns the legacy owner ids, or nil.
func LegacyOwnerIDsFromContext(ctx context.Context) []string {
	ids, _ := ctx.Value(ownersKey).([]string)
	return ids
}
