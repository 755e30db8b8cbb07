package identity

import (
	"context"
	"time"
)

// Repository is the persistence contract the resolver relies on. Lookups return a store error of
// kind not-found when nothing matches; inserts return kind unique-violation on a conflicting key.
type Repository interface {
	SlugExists(ctx context.Context, slug string) (bool, error)

	FindActiveClinicByName(ctx context.Context, name string) (*Clinic, error)
	FindActiveClinicBySlug(ctx context.Context, slug string) (*Clinic, error)
	InsertClinic(ctx context.Context, clinic *Clinic) error
	DeactivateClinic(ctx context.Context, id string, at time.Time) error

	FindProvider(ctx context.Context, clinicID, externalID string) (*Provider, error)
	InsertProvider(ctx context.Context, provider *Provider) error

	FindPatient(ctx context.Context, clientID, name string) (*CanonicalPatient, error)
	InsertPatient(ctx context.Context, patient *CanonicalPatient) error
	RecordVisit(ctx context.Context, id string, d Demographics, at time.Time) (*CanonicalPatient, error)
}
