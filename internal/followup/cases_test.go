package followup

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/vet-followup/internal/readiness"
	"github.com/wolfman30/vet-followup/internal/scope"
	"github.com/wolfman30/vet-followup/internal/store"
)

var caseCols = []string{
	"id", "clinic_id", "owner_id", "clinic_name",
	"provider_external_id", "provider_name", "provider_role",
	"client_id", "patient_name",
	"species", "breed", "sex", "date_of_birth",
	"source", "case_type", "external_note", "structured_note",
	"summary", "transcript", "metadata",
	"owner_name", "owner_phone", "owner_email", "discharged_at",
}

func TestPostgresCaseReaderScopesQuery(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	r := NewPostgresCaseReader(mock)

	discharged := time.Date(2026, 10, 14, 14, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM discharge_cases\s+WHERE id = \$1 AND \(clinic_id = \$2 OR owner_id = ANY\(\$3\)\)`).
		WithArgs("case-1", "clinic-1", []string{"legacy-1"}).
		WillReturnRows(pgxmock.NewRows(caseCols).AddRow(
			"case-1", "", "legacy-1", "Riverside Animal Hospital",
			"dr-7", "Dr. Patel", "dvm",
			"client-9", "Biscuit",
			"canine", "beagle", "", (*time.Time)(nil),
			"external", "dental", "Two extractions.", "",
			"", "", []byte(`{"weight_kg":12.5}`),
			"Sam", "+12015550123", "", discharged,
		))

	c, err := r.GetCase(context.Background(), "case-1", scope.Build("clinic-1", []string{"legacy-1"}))
	require.NoError(t, err)
	assert.Equal(t, "legacy-1", c.OwnerID)
	assert.Equal(t, readiness.SourceExternal, c.Source)
	assert.Equal(t, "canine", c.Demographics.Species)
	assert.Nil(t, c.Demographics.DateOfBirth)
	assert.Equal(t, 12.5, c.Metadata["weight_kg"])
	assert.Equal(t, discharged, c.DischargedAt)
	assert.True(t, c.Readiness().OwnerPhone != "")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCaseReaderEmptyScopeMatchesNothing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	r := NewPostgresCaseReader(mock)

	mock.ExpectQuery(`WHERE id = \$1 AND FALSE`).
		WithArgs("case-1").
		WillReturnRows(pgxmock.NewRows(caseCols))

	_, err = r.GetCase(context.Background(), "case-1", scope.Build("", nil))
	assert.True(t, store.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOwnerDirectory(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	d := NewPostgresOwnerDirectory(mock)

	mock.ExpectQuery(`SELECT owner_id FROM clinic_legacy_owners WHERE clinic_id = \$1`).
		WithArgs("clinic-1").
		WillReturnRows(pgxmock.NewRows([]string{"owner_id"}).AddRow("legacy-1").AddRow("legacy-2"))

	ids, err := d.LegacyOwnerIDs(context.Background(), "clinic-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy-1", "legacy-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
