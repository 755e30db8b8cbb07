package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/wolfman30/vet-followup/internal/contact"
	"github.com/wolfman30/vet-followup/internal/observability/metrics"
	"github.com/wolfman30/vet-followup/internal/slug"
	"github.com/wolfman30/vet-followup/internal/store"
	"github.com/wolfman30/vet-followup/pkg/logging"
)

// ErrUnresolvedConflict is returned when an insert hit a unique violation and the follow-up
// lookup still found no row.
var ErrUnresolvedConflict = errors.New("identity: unique violation not resolved by re-lookup")

// Resolver finds or creates identities. It holds no cache: every call goes to the repository,
// and concurrent callers converge through the schema's unique constraints.
type Resolver struct {
	repo     Repository
	slugs    *slug.Allocator
	validate *validator.Validate
	metrics  *metrics.FollowupMetrics
	logger   *logging.Logger
	now      func() time.Time
}

// NewResolver wires a resolver to its repository.
func NewResolver(repo Repository, m *metrics.FollowupMetrics, logger *logging.Logger) *Resolver {
	if repo == nil {
		panic("identity: repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{
		repo:     repo,
		slugs:    slug.NewAllocator(repo, logger),
		validate: validator.New(),
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// resolve is the optimistic insert-then-reconcile loop shared by every entity. It returns the
// entity and whether this call created it.
func resolve[T any](
	ctx context.Context,
	r *Resolver,
	entity, key string,
	find func(context.Context) (*T, error),
	insert func(context.Context) (*T, error),
) (*T, bool, error) {
	existing, err := find(ctx)
	if err == nil {
		return existing, false, nil
	}
	if !store.IsNotFound(err) {
		r.logger.Error("identity: lookup failed", "entity", entity, "key", key, "error", err)
		return nil, false, err
	}

	created, err := insert(ctx)
	if err == nil {
		return created, true, nil
	}
	if !store.IsUniqueViolation(err) {
		r.logger.Error("identity: insert failed", "entity", entity, "key", key, "error", err)
		return nil, false, err
	}

	// Lost a create race: the winner's row should now be visible. Look once, never loop.
	winner, lookupErr := find(ctx)
	if lookupErr == nil {
		r.metrics.ObserveReconciliation(entity, true)
		r.logger.Info("identity: insert race reconciled", "entity", entity, "key", key)
		return winner, false, nil
	}
	r.metrics.ObserveReconciliation(entity, false)
	r.logger.Error("identity: insert race not reconciled", "entity", entity, "key", key, "insert_error", err, "lookup_error", lookupErr)
	if !store.IsNotFound(lookupErr) {
		return nil, false, fmt.Errorf("identity: %s %q: reconcile lookup: %w", entity, key, lookupErr)
	}
	return nil, false, fmt.Errorf("identity: %s %q: %w: %w", entity, key, ErrUnresolvedConflict, err)
}

// GetOrCreateClinic returns the active clinic with this name (case-insensitive), creating it
// with a fresh slug when none exists.
func (r *Resolver) GetOrCreateClinic(ctx context.Context, in ClinicInput) (*Clinic, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	if err := r.validate.Struct(in); err != nil {
		return nil, store.Validation("get_or_create", "clinic", err.Error())
	}

	clinic, _, err := resolve(ctx, r, "clinic", in.Name,
		func(ctx context.Context) (*Clinic, error) {
			return r.repo.FindActiveClinicByName(ctx, in.Name)
		},
		func(ctx context.Context) (*Clinic, error) {
			s, err := r.slugs.Allocate(ctx, in.Name)
			if err != nil {
				return nil, store.Validation("get_or_create", "clinic", err.Error())
			}
			c := &Clinic{
				ID:                 uuid.NewString(),
				Name:               in.Name,
				Slug:               s,
				Email:              in.Email,
				Phone:              contact.NormalizePhone(in.Phone),
				Address:            strings.TrimSpace(in.Address),
				ProvisioningSource: strings.TrimSpace(in.ProvisioningSource),
				IsActive:           true,
			}
			if err := r.repo.InsertClinic(ctx, c); err != nil {
				return nil, err
			}
			r.logger.Info("identity: clinic created", "clinic_id", c.ID, "slug", c.Slug)
			return c, nil
		},
	)
	return clinic, err
}

// GetOrCreateProvider returns the provider with this external id in the clinic, creating it when
// needed. Unknown roles become DefaultRole.
func (r *Resolver) GetOrCreateProvider(ctx context.Context, in ProviderInput) (*Provider, error) {
	in.ClinicID = strings.TrimSpace(in.ClinicID)
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	if err := r.validate.Struct(in); err != nil {
		return nil, store.Validation("get_or_create", "provider", err.Error())
	}
	key := in.ClinicID + "/" + in.ExternalID

	provider, _, err := resolve(ctx, r, "provider", key,
		func(ctx context.Context) (*Provider, error) {
			return r.repo.FindProvider(ctx, in.ClinicID, in.ExternalID)
		},
		func(ctx context.Context) (*Provider, error) {
			p := &Provider{
				ID:         uuid.NewString(),
				ClinicID:   in.ClinicID,
				ExternalID: in.ExternalID,
				Name:       strings.TrimSpace(in.Name),
				Role:       NormalizeRole(in.Role),
			}
			if err := r.repo.InsertProvider(ctx, p); err != nil {
				return nil, err
			}
			return p, nil
		},
	)
	return provider, err
}

// RecordPatientVisit finds the canonical patient for (client, name) and records a visit on it,
// or creates the patient with a visit count of one. Demographics only fill empty fields.
func (r *Resolver) RecordPatientVisit(ctx context.Context, in VisitInput) (*CanonicalPatient, error) {
	in.ClientID = strings.TrimSpace(in.ClientID)
	in.Name = strings.TrimSpace(in.Name)
	if err := r.validate.Struct(in); err != nil {
		return nil, store.Validation("record_visit", "patient", err.Error())
	}
	at := in.VisitedAt
	if at.IsZero() {
		at = r.now()
	}
	at = at.UTC()
	key := in.ClientID + "/" + in.Name

	patient, created, err := resolve(ctx, r, "patient", key,
		func(ctx context.Context) (*CanonicalPatient, error) {
			return r.repo.FindPatient(ctx, in.ClientID, in.Name)
		},
		func(ctx context.Context) (*CanonicalPatient, error) {
			p := &CanonicalPatient{
				ID:           uuid.NewString(),
				ClientID:     in.ClientID,
				Name:         in.Name,
				VisitCount:   1,
				FirstVisitAt: at,
				LastVisitAt:  at,
			}
			p.Demographics, _ = p.Demographics.FillMissing(in.Demographics)
			if err := r.repo.InsertPatient(ctx, p); err != nil {
				return nil, err
			}
			return p, nil
		},
	)
	if err != nil || created {
		return patient, err
	}

	updated, err := r.repo.RecordVisit(ctx, patient.ID, in.Demographics, at)
	if err != nil {
		r.logger.Error("identity: record visit failed", "patient_id", patient.ID, "error", err)
		return nil, err
	}
	return updated, nil
}

// DeactivateClinic soft-deletes a clinic. Its name becomes free for a new active clinic.
func (r *Resolver) DeactivateClinic(ctx context.Context, clinicID string) error {
	if strings.TrimSpace(clinicID) == "" {
		return store.Validation("deactivate", "clinic", "clinic id required")
	}
	if err := r.repo.DeactivateClinic(ctx, clinicID, r.now().UTC()); err != nil {
		r.logger.Error("identity: deactivate clinic failed", "clinic_id", clinicID, "error", err)
		return err
	}
	return nil
}

// FindClinicByName is a read path: absent and failed lookups both return nil.
func (r *Resolver) FindClinicByName(ctx context.Context, name string) *Clinic {
	return findOrNil(r, "clinic", name, func() (*Clinic, error) {
		return r.repo.FindActiveClinicByName(ctx, strings.TrimSpace(name))
	})
}

// FindClinicBySlug is a read path: absent and failed lookups both return nil.
func (r *Resolver) FindClinicBySlug(ctx context.Context, s string) *Clinic {
	return findOrNil(r, "clinic", s, func() (*Clinic, error) {
		return r.repo.FindActiveClinicBySlug(ctx, strings.TrimSpace(s))
	})
}

func (r *Resolver) FindProvider(ctx context.Context, clinicID, externalID string) *Provider {
	return findOrNil(r, "provider", clinicID+"/"+externalID, func() (*Provider, error) {
		return r.repo.FindProvider(ctx, clinicID, externalID)
	})
}

func (r *Resolver) FindCanonicalPatient(ctx context.Context, clientID, name string) *CanonicalPatient {
	return findOrNil(r, "patient", clientID+"/"+name, func() (*CanonicalPatient, error) {
		return r.repo.FindPatient(ctx, clientID, strings.TrimSpace(name))
	})
}

func findOrNil[T any](r *Resolver, entity, key string, find func() (*T, error)) *T {
	v, err := find()
	if err != nil {
		if !store.IsNotFound(err) {
			r.logger.Warn("identity: lookup failed", "entity", entity, "key", key, "error", err)
		}
		return nil
	}
	return v
}
