// Package followup turns discharged cases into scheduled owner follow-ups and tracks them to
// completion.
package followup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wolfman30/vet-followup/internal/identity"
	"github.com/wolfman30/vet-followup/internal/readiness"
	"github.com/wolfman30/vet-followup/internal/scope"
	"github.com/wolfman30/vet-followup/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("vetfollowup.internal.followup")

// Case is a discharge case as ingested from a practice system or entered by staff.
type Case struct {
	ID       string `json:"id"`
	ClinicID string `json:"clinic_id,omitempty"`
	// OwnerID is the pre-tenancy user that created the case, if any.
	OwnerID    string `json:"owner_id,omitempty"`
	ClinicName string `json:"clinic_name"`

	ProviderExternalID string `json:"provider_external_id,omitempty"`
	ProviderName       string `json:"provider_name,omitempty"`
	ProviderRole       string `json:"provider_role,omitempty"`

	ClientID     string                `json:"client_id,omitempty"`
	PatientName  string                `json:"patient_name,omitempty"`
	Demographics identity.Demographics `json:"demographics"`

	Source         readiness.Source `json:"source"`
	CaseType       string           `json:"case_type,omitempty"`
	ExternalNote   string           `json:"external_note,omitempty"`
	StructuredNote string           `json:"structured_note,omitempty"`
	Summary        string           `json:"summary,omitempty"`
	Transcript     string           `json:"transcript,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`

	OwnerName  string `json:"owner_name,omitempty"`
	OwnerPhone string `json:"owner_phone,omitempty"`
	OwnerEmail string `json:"owner_email,omitempty"`

	DischargedAt time.Time `json:"discharged_at"`
}

// Readiness projects the fields the readiness gates inspect.
func (c *Case) Readiness() readiness.Case {
	return readiness.Case{
		Source:         c.Source,
		CaseType:       c.CaseType,
		ExternalNote:   c.ExternalNote,
		StructuredNote: c.StructuredNote,
		Summary:        c.Summary,
		Transcript:     c.Transcript,
		Metadata:       c.Metadata,
		OwnerPhone:     c.OwnerPhone,
		OwnerEmail:     c.OwnerEmail,
	}
}

// CaseReader loads cases visible to a tenant.
type CaseReader interface {
	GetCase(ctx context.Context, caseID string, p scope.Predicate) (*Case, error)
}

// OwnerDirectory lists the legacy owner ids that still own rows for a clinic.
type OwnerDirectory interface {
	LegacyOwnerIDs(ctx context.Context, clinicID string) ([]string, error)
}

// PostgresCaseReader reads discharge_cases.
type PostgresCaseReader struct {
	db store.DB
}

func NewPostgresCaseReader(db store.DB) *PostgresCaseReader {
	return &PostgresCaseReader{db: db}
}

// GetCase returns a store NotFound error when the case is missing or outside the scope.
func (r *PostgresCaseReader) GetCase(ctx context.Context, caseID string, p scope.Predicate) (*Case, error) {
	ctx, span := tracer.Start(ctx, "followup.cases.get")
	defer span.End()
	span.SetAttributes(attribute.String("case_id", caseID))

	where, args := p.SQL(2)
	row := r.db.QueryRow(ctx, `
		SELECT id, COALESCE(clinic_id::text, ''), COALESCE(owner_id, ''), clinic_name,
			COALESCE(provider_external_id, ''), COALESCE(provider_name, ''), COALESCE(provider_role, ''),
			COALESCE(client_id, ''), COALESCE(patient_name, ''),
			COALESCE(species, ''), COALESCE(breed, ''), COALESCE(sex, ''), date_of_birth,
			source, COALESCE(case_type, ''), COALESCE(external_note, ''), COALESCE(structured_note, ''),
			COALESCE(summary, ''), COALESCE(transcript, ''), metadata,
			COALESCE(owner_name, ''), COALESCE(owner_phone, ''), COALESCE(owner_email, ''), discharged_at
		FROM discharge_cases
		WHERE id = $1 AND `+where, append([]any{caseID}, args...)...)

	var c Case
	var source string
	var meta []byte
	err := row.Scan(
		&c.ID, &c.ClinicID, &c.OwnerID, &c.ClinicName,
		&c.ProviderExternalID, &c.ProviderName, &c.ProviderRole,
		&c.ClientID, &c.PatientName,
		&c.Demographics.Species, &c.Demographics.Breed, &c.Demographics.Sex, &c.Demographics.DateOfBirth,
		&source, &c.CaseType, &c.ExternalNote, &c.StructuredNote,
		&c.Summary, &c.Transcript, &meta,
		&c.OwnerName, &c.OwnerPhone, &c.OwnerEmail, &c.DischargedAt,
	)
	if err != nil {
		span.RecordError(err)
		return nil, store.Wrap("select", "discharge_case", caseID, err)
	}
	c.Source = readiness.Source(source)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("followup: decode case metadata: %w", err)
		}
	}
	return &c, nil
}

// PostgresOwnerDirectory reads clinic_legacy_owners.
type PostgresOwnerDirectory struct {
	db store.DB
}

func NewPostgresOwnerDirectory(db store.DB) *PostgresOwnerDirectory {
	return &PostgresOwnerDirectory{db: db}
}

func (d *PostgresOwnerDirectory) LegacyOwnerIDs(ctx context.Context, clinicID string) ([]string, error) {
	rows, err := d.db.Query(ctx, `SELECT owner_id FROM clinic_legacy_owners WHERE clinic_id = $1 ORDER BY owner_id`, clinicID)
	if err != nil {
		return nil, store.Wrap("select", "clinic_legacy_owner", clinicID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("followup: scan legacy owners: %w", err)
	}
	return ids, nil
}
