package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/vet-followup/internal/observability/metrics"
	"github.com/wolfman30/vet-followup/internal/scope"
	"github.com/wolfman30/vet-followup/internal/store"
	"github.com/wolfman30/vet-followup/pkg/logging"
)

var (
	// ErrActionNotFound is returned when a mutation targets an unknown action.
	ErrActionNotFound = errors.New("calls: action not found")
	// ErrInvalidTransition is returned when the state machine does not allow the move.
	ErrInvalidTransition = errors.New("calls: invalid status transition")
	// ErrNotCancellable is returned when cancel is requested after dispatch. Such actions must be
	// cancelled with the dispatch provider.
	ErrNotCancellable = errors.New("calls: only queued actions can be cancelled")
)

// Tracker owns every mutation of a scheduled action. It applies transitions in the order it is
// called; callers serialize competing events for the same action.
type Tracker struct {
	store   Store
	metrics *metrics.FollowupMetrics
	logger  *logging.Logger
	now     func() time.Time
}

// NewTracker creates a tracker over store.
func NewTracker(s Store, m *metrics.FollowupMetrics, logger *logging.Logger) *Tracker {
	if s == nil {
		panic("calls: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Tracker{store: s, metrics: m, logger: logger, now: time.Now}
}

// Create inserts a queued action.
func (t *Tracker) Create(ctx context.Context, in NewAction) (*Action, error) {
	if strings.TrimSpace(in.CaseID) == "" || strings.TrimSpace(in.ClinicID) == "" {
		return nil, store.Validation("create", "scheduled_action", "case id and clinic id required")
	}
	if in.Channel != ChannelCall && in.Channel != ChannelEmail {
		return nil, store.Validation("create", "scheduled_action", fmt.Sprintf("unknown channel %q", in.Channel))
	}
	now := t.now().UTC()
	meta := in.Metadata.Clone()
	if _, ok := meta[MetadataRetryCount]; !ok {
		meta[MetadataRetryCount] = 0
	}
	a := &Action{
		ID:           uuid.New(),
		CaseID:       in.CaseID,
		ClinicID:     in.ClinicID,
		OwnerID:      in.OwnerID,
		Channel:      in.Channel,
		Status:       StatusQueued,
		Recipient:    in.Recipient,
		ScheduledFor: in.ScheduledFor.UTC(),
		Metadata:     meta,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.store.Create(ctx, a); err != nil {
		return nil, err
	}
	t.metrics.ObserveTransition(string(StatusQueued), false)
	return a, nil
}

// Get returns the action or ErrActionNotFound.
func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*Action, error) {
	a, err := t.store.Get(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
		}
		return nil, err
	}
	return a, nil
}

// FindByExternalID resolves a dispatch id. Absent and failed lookups both return nil.
func (t *Tracker) FindByExternalID(ctx context.Context, externalID string) *Action {
	a, err := t.store.FindByExternalID(ctx, externalID)
	if err != nil {
		if !store.IsNotFound(err) {
			t.logger.Warn("calls: lookup by external id failed", "external_id", externalID, "error", err)
		}
		return nil
	}
	return a
}

// MarkDispatched records that the dispatch client accepted the action. Allowed from queued to
// ringing or in_progress, and from ringing to in_progress. When the action already reached the
// requested status (or in_progress for ringing) only a missing external id is filled in. A terminal
// action still gets its external id but returns ErrInvalidTransition with the stored record.
func (t *Tracker) MarkDispatched(ctx context.Context, id uuid.UUID, externalID string, status Status) (*Action, error) {
	if status != StatusRinging && status != StatusInProgress {
		return nil, fmt.Errorf("%w: %s is not an in-flight status", ErrInvalidTransition, status)
	}
	a, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if externalID == "" {
		externalID = a.ExternalID
	}
	if a.Status == status && a.ExternalID == externalID {
		t.metrics.ObserveTransition(string(status), true)
		return a, nil
	}
	reached := a.Status == status || (a.Status == StatusInProgress && status == StatusRinging)
	if reached || a.Status.IsTerminal() {
		a, err = t.adoptExternalID(ctx, a, externalID)
		if err != nil {
			return nil, err
		}
		if a.Status.IsTerminal() {
			return a, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
		}
		t.metrics.ObserveTransition(string(status), true)
		return a, nil
	}
	allowed := a.Status == StatusQueued || (a.Status == StatusRinging && status == StatusInProgress)
	if !allowed {
		return a, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
	}

	now := t.now().UTC()
	if err := t.store.SetDispatched(ctx, id, externalID, status, now); err != nil {
		return nil, err
	}
	a.Status, a.ExternalID, a.UpdatedAt = status, externalID, now
	t.metrics.ObserveTransition(string(status), false)
	t.logger.Info("calls: action dispatched", "action_id", id.String(), "external_id", externalID, "status", status)
	return a, nil
}

// adoptExternalID stores externalID when the action has none yet.
func (t *Tracker) adoptExternalID(ctx context.Context, a *Action, externalID string) (*Action, error) {
	if externalID == "" || a.ExternalID != "" {
		return a, nil
	}
	now := t.now().UTC()
	set, err := t.store.SetExternalID(ctx, a.ID, externalID, now)
	if err != nil {
		return nil, err
	}
	if !set {
		return t.Get(ctx, a.ID)
	}
	a.ExternalID, a.UpdatedAt = externalID, now
	t.logger.Info("calls: external id recorded", "action_id", a.ID.String(), "external_id", externalID, "status", a.Status)
	return a, nil
}

// Complete records a successful terminal event.
func (t *Tracker) Complete(ctx context.Context, id uuid.UUID, o Outcome) (*Action, error) {
	o.Status = StatusCompleted
	return t.terminate(ctx, id, o)
}

// Fail records a failed terminal event.
func (t *Tracker) Fail(ctx context.Context, id uuid.UUID, reason string) (*Action, error) {
	return t.terminate(ctx, id, Outcome{Status: StatusFailed, Reason: reason})
}

// Terminate records any terminal outcome reported by the dispatch provider. Unlike Cancel, a
// provider-confirmed cancellation is accepted from every in-flight status.
func (t *Tracker) Terminate(ctx context.Context, id uuid.UUID, o Outcome) (*Action, error) {
	if !o.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, o.Status)
	}
	return t.terminate(ctx, id, o)
}

// Cancel moves a queued action to cancelled. Cancelling an already cancelled action is a no-op.
func (t *Tracker) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Action, error) {
	a, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case StatusCancelled:
		t.metrics.ObserveTransition(string(StatusCancelled), true)
		return a, nil
	case StatusQueued:
	default:
		return a, fmt.Errorf("%w (status %s)", ErrNotCancellable, a.Status)
	}
	if reason == "" {
		reason = "cancelled"
	}
	return t.write(ctx, a, Outcome{Status: StatusCancelled, Reason: reason})
}

// terminate writes terminal fields once. A terminal event for an already terminal action returns
// the stored record untouched.
func (t *Tracker) terminate(ctx context.Context, id uuid.UUID, o Outcome) (*Action, error) {
	a, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status.IsTerminal() {
		t.metrics.ObserveTransition(string(o.Status), true)
		t.logger.Debug("calls: duplicate terminal event ignored", "action_id", id.String(), "status", a.Status, "event", o.Status)
		return a, nil
	}
	return t.write(ctx, a, o)
}

func (t *Tracker) write(ctx context.Context, a *Action, o Outcome) (*Action, error) {
	now := t.now().UTC()
	if o.EndedAt.IsZero() {
		o.EndedAt = now
	}
	o.EndedAt = o.EndedAt.UTC()

	changed, err := t.store.SetTerminal(ctx, a.ID, o, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Lost to a concurrent terminal write; report what is stored.
		t.metrics.ObserveTransition(string(o.Status), true)
		return t.Get(ctx, a.ID)
	}
	a.Status = o.Status
	a.EndedAt = &o.EndedAt
	a.EndedReason = o.Reason
	a.DurationSeconds = o.DurationSeconds
	a.CostCents = o.CostCents
	a.UpdatedAt = now
	t.metrics.ObserveTransition(string(o.Status), false)
	t.logger.Info("calls: action finished", "action_id", a.ID.String(), "status", o.Status, "reason", o.Reason)
	return a, nil
}

// IncrementRetryCount bumps metadata.retry_count and returns the new value. It is bookkeeping
// only and never triggers a dispatch.
func (t *Tracker) IncrementRetryCount(ctx context.Context, id uuid.UUID) (int, error) {
	a, err := t.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	next := a.Metadata.RetryCount() + 1
	merged, err := t.store.MergeMetadata(ctx, id, Metadata{MetadataRetryCount: next}, t.now().UTC())
	if err != nil {
		if store.IsNotFound(err) {
			return 0, fmt.Errorf("%w: %s", ErrActionNotFound, id)
		}
		return 0, err
	}
	return merged.RetryCount(), nil
}

// MergeMetadata applies caller-supplied keys without dropping existing ones.
func (t *Tracker) MergeMetadata(ctx context.Context, id uuid.UUID, patch Metadata) (Metadata, error) {
	merged, err := t.store.MergeMetadata(ctx, id, patch, t.now().UTC())
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
		}
		return nil, err
	}
	return merged, nil
}

// Stats returns per-status counts within the scope, with every known status present.
func (t *Tracker) Stats(ctx context.Context, p scope.Predicate) (Stats, error) {
	stats := make(Stats, len(AllStatuses))
	for _, s := range AllStatuses {
		stats[s] = 0
	}
	if p.Empty() {
		return stats, nil
	}
	counts, err := t.store.CountByStatus(ctx, p)
	if err != nil {
		return nil, err
	}
	for s, n := range counts {
		if s.Valid() {
			stats[s] = n
		}
	}
	return stats, nil
}

// List returns actions within the scope. Read path: failures degrade to an empty list.
func (t *Tracker) List(ctx context.Context, p scope.Predicate, limit int) []Action {
	if p.Empty() {
		return []Action{}
	}
	actions, err := t.store.List(ctx, p, limit)
	if err != nil {
		t.logger.Warn("calls: list actions failed", "clinic_id", p.TenantID, "error", err)
		return []Action{}
	}
	if actions == nil {
		actions = []Action{}
	}
	return actions
}
