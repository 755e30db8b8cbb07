package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"pgx no rows", pgx.ErrNoRows, KindNotFound},
		{"pgx no rows wrapped", fmt.Errorf("lookup: %w", pgx.ErrNoRows), KindNotFound},
		{"pgconn unique", &pgconn.PgError{Code: "23505", ConstraintName: "clinics_name_active_key"}, KindUniqueViolation},
		{"pgconn unique wrapped", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), KindUniqueViolation},
		{"pgconn fk violation", &pgconn.PgError{Code: "23503"}, KindOther},
		{"plain error", errors.New("connection reset"), KindOther},
		{"validation", Validation("insert", "clinic", "name required"), KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrapKeepsContextAndCause(t *testing.T) {
	cause := &pgconn.PgError{Code: "23505"}
	err := Wrap("insert", "clinic", "oak street vet", cause)
	require.Error(t, err)

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindUniqueViolation, se.Kind)
	assert.Equal(t, "clinic", se.Entity)
	assert.Contains(t, err.Error(), "oak street vet")
	assert.Contains(t, err.Error(), "unique_violation")
	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsUniqueViolation(fmt.Errorf("outer: %w", err)))
	assert.False(t, IsNotFound(err))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap("select", "clinic", "x", nil))
	assert.False(t, IsNotFound(nil))
	assert.False(t, IsUniqueViolation(nil))
}
