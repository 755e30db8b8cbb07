package identity

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wolfman30/vet-followup/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("vetfollowup.internal.identity")

// PostgresRepository stores identities in the relational database. Uniqueness is enforced by
// the schema: lower(name) among active clinics, (clinic_id, external_id) for providers and
// (client_id, lower(name)) for canonical patients.
type PostgresRepository struct {
	db store.DB
}

// NewPostgresRepository wraps a pgx pool (or pgxmock in tests).
func NewPostgresRepository(db store.DB) *PostgresRepository {
	if db == nil {
		panic("identity: db required")
	}
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "identity."+op, trace.WithAttributes(attribute.String("db.system", "postgresql")))
}

func (r *PostgresRepository) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM clinics WHERE slug = $1)`, slug).Scan(&exists)
	if err != nil {
		return false, store.Wrap("select", "clinic_slug", slug, err)
	}
	return exists, nil
}

const clinicColumns = `id, name, slug, email, phone, address, provisioning_source, is_active, created_at, updated_at`

func scanClinic(row pgx.Row) (*Clinic, error) {
	var c Clinic
	if err := row.Scan(&c.ID, &c.Name, &c.Slug, &c.Email, &c.Phone, &c.Address, &c.ProvisioningSource, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *PostgresRepository) FindActiveClinicByName(ctx context.Context, name string) (*Clinic, error) {
	ctx, span := r.startSpan(ctx, "find_clinic_by_name")
	defer span.End()

	c, err := scanClinic(r.db.QueryRow(ctx, `
		SELECT `+clinicColumns+`
		FROM clinics
		WHERE lower(name) = lower($1) AND is_active
	`, name))
	if err != nil {
		err = store.Wrap("select", "clinic", name, err)
		if !store.IsNotFound(err) {
			span.RecordError(err)
		}
		return nil, err
	}
	return c, nil
}

func (r *PostgresRepository) FindActiveClinicBySlug(ctx context.Context, slug string) (*Clinic, error) {
	c, err := scanClinic(r.db.QueryRow(ctx, `
		SELECT `+clinicColumns+`
		FROM clinics
		WHERE slug = $1 AND is_active
	`, slug))
	if err != nil {
		return nil, store.Wrap("select", "clinic", slug, err)
	}
	return c, nil
}

func (r *PostgresRepository) InsertClinic(ctx context.Context, c *Clinic) error {
	ctx, span := r.startSpan(ctx, "insert_clinic")
	defer span.End()

	err := r.db.QueryRow(ctx, `
		INSERT INTO clinics (id, name, slug, email, phone, address, provisioning_source, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		RETURNING is_active, created_at, updated_at
	`, c.ID, c.Name, c.Slug, c.Email, c.Phone, c.Address, c.ProvisioningSource).Scan(&c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		return store.Wrap("insert", "clinic", c.Name, err)
	}
	return nil
}

func (r *PostgresRepository) DeactivateClinic(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE clinics SET is_active = FALSE, updated_at = $2 WHERE id = $1 AND is_active`, id, at)
	if err != nil {
		return store.Wrap("update", "clinic", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.Wrap("update", "clinic", id, pgx.ErrNoRows)
	}
	return nil
}

func (r *PostgresRepository) FindProvider(ctx context.Context, clinicID, externalID string) (*Provider, error) {
	var p Provider
	var role string
	err := r.db.QueryRow(ctx, `
		SELECT id, clinic_id, external_id, name, role, created_at
		FROM providers
		WHERE clinic_id = $1 AND external_id = $2
	`, clinicID, externalID).Scan(&p.ID, &p.ClinicID, &p.ExternalID, &p.Name, &role, &p.CreatedAt)
	if err != nil {
		return nil, store.Wrap("select", "provider", clinicID+"/"+externalID, err)
	}
	p.Role = NormalizeRole(role)
	return &p, nil
}

func (r *PostgresRepository) InsertProvider(ctx context.Context, p *Provider) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO providers (id, clinic_id, external_id, name, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, p.ID, p.ClinicID, p.ExternalID, p.Name, string(p.Role)).Scan(&p.CreatedAt)
	if err != nil {
		return store.Wrap("insert", "provider", p.ClinicID+"/"+p.ExternalID, err)
	}
	return nil
}

func (r *PostgresRepository) FindPatient(ctx context.Context, clientID, name string) (*CanonicalPatient, error) {
	ctx, span := r.startSpan(ctx, "find_patient")
	defer span.End()

	var p CanonicalPatient
	err := r.db.QueryRow(ctx, `
		SELECT id, client_id, name, species, breed, sex, date_of_birth, color, microchip_id,
		       visit_count, first_visit_at, last_visit_at
		FROM canonical_patients
		WHERE client_id = $1 AND lower(name) = lower($2)
	`, clientID, name).Scan(
		&p.ID, &p.ClientID, &p.Name,
		&p.Species, &p.Breed, &p.Sex, &p.DateOfBirth, &p.Color, &p.MicrochipID,
		&p.VisitCount, &p.FirstVisitAt, &p.LastVisitAt,
	)
	if err != nil {
		err = store.Wrap("select", "patient", clientID+"/"+name, err)
		if !store.IsNotFound(err) {
			span.RecordError(err)
		}
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) InsertPatient(ctx context.Context, p *CanonicalPatient) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO canonical_patients (id, client_id, name, species, breed, sex, date_of_birth, color, microchip_id,
		                                visit_count, first_visit_at, last_visit_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.ClientID, p.Name, p.Species, p.Breed, p.Sex, p.DateOfBirth, p.Color, p.MicrochipID,
		p.VisitCount, p.FirstVisitAt, p.LastVisitAt)
	if err != nil {
		return store.Wrap("insert", "patient", p.ClientID+"/"+p.Name, err)
	}
	return nil
}

// RecordVisit increments the visit counter and fills only empty demographic columns, in one
// statement so concurrent visits never lose an increment.
func (r *PostgresRepository) RecordVisit(ctx context.Context, id string, d Demographics, at time.Time) (*CanonicalPatient, error) {
	ctx, span := r.startSpan(ctx, "record_visit")
	defer span.End()

	var p CanonicalPatient
	err := r.db.QueryRow(ctx, `
		UPDATE canonical_patients
		SET species = COALESCE(NULLIF(species, ''), $2),
		    breed = COALESCE(NULLIF(breed, ''), $3),
		    sex = COALESCE(NULLIF(sex, ''), $4),
		    date_of_birth = COALESCE(date_of_birth, $5),
		    color = COALESCE(NULLIF(color, ''), $6),
		    microchip_id = COALESCE(NULLIF(microchip_id, ''), $7),
		    visit_count = visit_count + 1,
		    first_visit_at = LEAST(first_visit_at, $8),
		    last_visit_at = GREATEST(last_visit_at, $8),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id, client_id, name, species, breed, sex, date_of_birth, color, microchip_id,
		          visit_count, first_visit_at, last_visit_at
	`, id, d.Species, d.Breed, d.Sex, d.DateOfBirth, d.Color, d.MicrochipID, at).Scan(
		&p.ID, &p.ClientID, &p.Name,
		&p.Species, &p.Breed, &p.Sex, &p.DateOfBirth, &p.Color, &p.MicrochipID,
		&p.VisitCount, &p.FirstVisitAt, &p.LastVisitAt,
	)
	if err != nil {
		span.RecordError(err)
		return nil, store.Wrap("update", "patient", id, err)
	}
	return &p, nil
}
