package calls

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wolfman30/vet-followup/internal/scope"
	"github.com/wolfman30/vet-followup/internal/store"
)

// Store is the persistence contract for scheduled actions.
type Store interface {
	Create(ctx context.Context, a *Action) error
	Get(ctx context.Context, id uuid.UUID) (*Action, error)
	FindByExternalID(ctx context.Context, externalID string) (*Action, error)
	SetDispatched(ctx context.Context, id uuid.UUID, externalID string, status Status, at time.Time) error
	SetExternalID(ctx context.Context, id uuid.UUID, externalID string, at time.Time) (bool, error)
	SetTerminal(ctx context.Context, id uuid.UUID, o Outcome, at time.Time) (bool, error)
	MergeMetadata(ctx context.Context, id uuid.UUID, patch Metadata, at time.Time) (Metadata, error)
	CountByStatus(ctx context.Context, p scope.Predicate) (map[Status]int64, error)
	List(ctx context.Context, p scope.Predicate, limit int) ([]Action, error)
}

// PostgresStore provides CRUD operations for scheduled_actions.
type PostgresStore struct {
	db store.DB
}

// NewPostgresStore creates a new scheduled action store.
func NewPostgresStore(db store.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const actionColumns = `id, case_id, clinic_id, COALESCE(owner_id, ''), channel, status, recipient, scheduled_for,
	COALESCE(external_id, ''), metadata, ended_at, COALESCE(ended_reason, ''), duration_seconds, cost_cents, created_at, updated_at`

// Create inserts a new action.
func (s *PostgresStore) Create(ctx context.Context, a *Action) error {
	meta, err := json.Marshal(a.Metadata.Clone())
	if err != nil {
		return fmt.Errorf("calls: encode metadata: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO scheduled_actions (id, case_id, clinic_id, owner_id, channel, status, recipient, scheduled_for, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9::jsonb, $10, $11)`,
		a.ID, a.CaseID, a.ClinicID, a.OwnerID, string(a.Channel), string(a.Status), a.Recipient,
		a.ScheduledFor, string(meta), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return store.Wrap("insert", "scheduled_action", a.ID.String(), err)
	}
	return nil
}

// Get fetches one action.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Action, error) {
	rows, err := s.db.Query(ctx, `SELECT `+actionColumns+` FROM scheduled_actions WHERE id = $1`, id)
	if err != nil {
		return nil, store.Wrap("select", "scheduled_action", id.String(), err)
	}
	defer rows.Close()
	return firstAction(rows, id.String())
}

// FindByExternalID resolves a dispatch provider id back to the action.
func (s *PostgresStore) FindByExternalID(ctx context.Context, externalID string) (*Action, error) {
	rows, err := s.db.Query(ctx, `SELECT `+actionColumns+` FROM scheduled_actions WHERE external_id = $1 LIMIT 1`, externalID)
	if err != nil {
		return nil, store.Wrap("select", "scheduled_action", externalID, err)
	}
	defer rows.Close()
	return firstAction(rows, externalID)
}

// SetDispatched records the external id alongside the new in-flight status.
func (s *PostgresStore) SetDispatched(ctx context.Context, id uuid.UUID, externalID string, status Status, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduled_actions SET status = $2, external_id = $3, updated_at = $4
		WHERE id = $1`, id, string(status), externalID, at)
	if err != nil {
		return store.Wrap("update", "scheduled_action", id.String(), err)
	}
	if tag.RowsAffected() == 0 {
		return store.Wrap("update", "scheduled_action", id.String(), pgx.ErrNoRows)
	}
	return nil
}

// SetExternalID fills a missing external id and leaves the status alone. It reports false when
// the row already carries one.
func (s *PostgresStore) SetExternalID(ctx context.Context, id uuid.UUID, externalID string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduled_actions SET external_id = $2, updated_at = $3
		WHERE id = $1 AND COALESCE(external_id, '') = ''`, id, externalID, at)
	if err != nil {
		return false, store.Wrap("update", "scheduled_action", id.String(), err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetTerminal writes the terminal fields once. It reports false when the row was already
// terminal (or missing) and nothing changed.
func (s *PostgresStore) SetTerminal(ctx context.Context, id uuid.UUID, o Outcome, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduled_actions
		SET status = $2, ended_at = $3, ended_reason = $4, duration_seconds = $5, cost_cents = $6, updated_at = $7
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, string(o.Status), o.EndedAt, o.Reason, o.DurationSeconds, o.CostCents, at)
	if err != nil {
		return false, store.Wrap("update", "scheduled_action", id.String(), err)
	}
	return tag.RowsAffected() > 0, nil
}

// MergeMetadata applies patch on top of the stored metadata with jsonb concatenation.
func (s *PostgresStore) MergeMetadata(ctx context.Context, id uuid.UUID, patch Metadata, at time.Time) (Metadata, error) {
	encoded, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("calls: encode metadata patch: %w", err)
	}
	var raw []byte
	err = s.db.QueryRow(ctx, `
		UPDATE scheduled_actions
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb, updated_at = $3
		WHERE id = $1
		RETURNING metadata`, id, string(encoded), at).Scan(&raw)
	if err != nil {
		return nil, store.Wrap("update", "scheduled_action", id.String(), err)
	}
	return decodeMetadata(raw)
}

// CountByStatus runs one grouped count within the scope.
func (s *PostgresStore) CountByStatus(ctx context.Context, p scope.Predicate) (map[Status]int64, error) {
	where, args := p.SQL(1)
	rows, err := s.db.Query(ctx, `
		SELECT status, COUNT(*)
		FROM scheduled_actions
		WHERE `+where+`
		GROUP BY status`, args...)
	if err != nil {
		return nil, store.Wrap("select", "scheduled_action_stats", p.TenantID, err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("calls: scan stats: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calls: iterate stats: %w", err)
	}
	return counts, nil
}

// List returns actions within the scope, soonest first.
func (s *PostgresStore) List(ctx context.Context, p scope.Predicate, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args := p.SQL(1)
	args = append(args, limit)
	rows, err := s.db.Query(ctx, `
		SELECT `+actionColumns+`
		FROM scheduled_actions
		WHERE `+where+`
		ORDER BY scheduled_for ASC
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, store.Wrap("select", "scheduled_action", p.TenantID, err)
	}
	defer rows.Close()
	return scanActions(rows)
}

func firstAction(rows pgx.Rows, key string) (*Action, error) {
	actions, err := scanActions(rows)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, store.Wrap("select", "scheduled_action", key, pgx.ErrNoRows)
	}
	return &actions[0], nil
}

func scanActions(rows pgx.Rows) ([]Action, error) {
	var result []Action
	for rows.Next() {
		var a Action
		var channel, status string
		var meta []byte
		err := rows.Scan(
			&a.ID, &a.CaseID, &a.ClinicID, &a.OwnerID, &channel, &status, &a.Recipient, &a.ScheduledFor,
			&a.ExternalID, &meta, &a.EndedAt, &a.EndedReason, &a.DurationSeconds, &a.CostCents,
			&a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("calls: scan action: %w", err)
		}
		a.Channel = Channel(channel)
		a.Status = Status(status)
		if a.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calls: iterate actions: %w", err)
	}
	return result, nil
}

func decodeMetadata(raw []byte) (Metadata, error) {
	meta := Metadata{}
	if len(raw) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("calls: decode metadata: %w", err)
	}
	return meta, nil
}
