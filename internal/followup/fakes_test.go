package followup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wolfman30/vet-followup/internal/calls"
	"github.com/wolfman30/vet-followup/internal/dispatch"
	"github.com/wolfman30/vet-followup/internal/identity"
	"github.com/wolfman30/vet-followup/internal/scope"
	"github.com/wolfman30/vet-followup/internal/store"
)

// memoryActions is an in-memory calls.Store.
type memoryActions struct {
	mu      sync.Mutex
	actions map[uuid.UUID]*calls.Action
}

func newMemoryActions() *memoryActions {
	return &memoryActions{actions: make(map[uuid.UUID]*calls.Action)}
}

func (m *memoryActions) copyOf(a *calls.Action) *calls.Action {
	cp := *a
	cp.Metadata = a.Metadata.Clone()
	return &cp
}

func (m *memoryActions) Create(ctx context.Context, a *calls.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a.ID] = m.copyOf(a)
	return nil
}

func (m *memoryActions) Get(ctx context.Context, id uuid.UUID) (*calls.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, store.Wrap("select", "scheduled_action", id.String(), pgx.ErrNoRows)
	}
	return m.copyOf(a), nil
}

func (m *memoryActions) FindByExternalID(ctx context.Context, externalID string) (*calls.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.ExternalID == externalID {
			return m.copyOf(a), nil
		}
	}
	return nil, store.Wrap("select", "scheduled_action", externalID, pgx.ErrNoRows)
}

func (m *memoryActions) SetDispatched(ctx context.Context, id uuid.UUID, externalID string, status calls.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.actions[id]
	a.ExternalID, a.Status, a.UpdatedAt = externalID, status, at
	return nil
}

func (m *memoryActions) SetExternalID(ctx context.Context, id uuid.UUID, externalID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok || a.ExternalID != "" {
		return false, nil
	}
	a.ExternalID, a.UpdatedAt = externalID, at
	return true, nil
}

func (m *memoryActions) SetTerminal(ctx context.Context, id uuid.UUID, o calls.Outcome, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.actions[id]
	if a.Status.IsTerminal() {
		return false, nil
	}
	ended := o.EndedAt
	a.Status, a.EndedAt, a.EndedReason = o.Status, &ended, o.Reason
	a.DurationSeconds, a.CostCents, a.UpdatedAt = o.DurationSeconds, o.CostCents, at
	return true, nil
}

func (m *memoryActions) MergeMetadata(ctx context.Context, id uuid.UUID, patch calls.Metadata, at time.Time) (calls.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, store.Wrap("update", "scheduled_action", id.String(), pgx.ErrNoRows)
	}
	a.Metadata = a.Metadata.Merge(patch)
	return a.Metadata.Clone(), nil
}

func (m *memoryActions) CountByStatus(ctx context.Context, p scope.Predicate) (map[calls.Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[calls.Status]int64{}
	for _, a := range m.actions {
		if p.Matches(a.ClinicID, a.OwnerID) {
			out[a.Status]++
		}
	}
	return out, nil
}

func (m *memoryActions) List(ctx context.Context, p scope.Predicate, limit int) ([]calls.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.Action
	for _, a := range m.actions {
		if p.Matches(a.ClinicID, a.OwnerID) {
			out = append(out, *m.copyOf(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryActions) only() *calls.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		return m.copyOf(a)
	}
	return nil
}

type fakeCases struct {
	cases map[string]*Case
	seen  []scope.Predicate
}

func (f *fakeCases) GetCase(ctx context.Context, caseID string, p scope.Predicate) (*Case, error) {
	f.seen = append(f.seen, p)
	c, ok := f.cases[caseID]
	if !ok || !p.Matches(c.ClinicID, c.OwnerID) {
		return nil, store.Wrap("select", "discharge_case", caseID, pgx.ErrNoRows)
	}
	cp := *c
	return &cp, nil
}

type fakeOwners struct {
	ids []string
	err error
}

func (f fakeOwners) LegacyOwnerIDs(ctx context.Context, clinicID string) ([]string, error) {
	return f.ids, f.err
}

type fakeIdentity struct {
	mu        sync.Mutex
	clinicID  string
	providers []identity.ProviderInput
	visits    []identity.VisitInput
	err       error
}

func (f *fakeIdentity) GetOrCreateClinic(ctx context.Context, in identity.ClinicInput) (*identity.Clinic, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &identity.Clinic{ID: f.clinicID, Name: in.Name, IsActive: true}, nil
}

func (f *fakeIdentity) GetOrCreateProvider(ctx context.Context, in identity.ProviderInput) (*identity.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers = append(f.providers, in)
	return &identity.Provider{ID: "prov-1", ClinicID: in.ClinicID, ExternalID: in.ExternalID}, nil
}

func (f *fakeIdentity) RecordPatientVisit(ctx context.Context, in identity.VisitInput) (*identity.CanonicalPatient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits = append(f.visits, in)
	return &identity.CanonicalPatient{ID: "pat-1", ClientID: in.ClientID, Name: in.Name, VisitCount: len(f.visits)}, nil
}

// scriptedGenerator returns replies in order, then repeats the last one.
type scriptedGenerator struct {
	replies []string
	errs    []error
	calls   int
}

func (g *scriptedGenerator) Chat(ctx context.Context, system, user string) (string, error) {
	i := g.calls
	g.calls++
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i >= len(g.replies) {
		i = len(g.replies) - 1
	}
	return g.replies[i], nil
}

type scheduledCall struct {
	recipient dispatch.Recipient
	payload   dispatch.Payload
	when      time.Time
}

type fakeDispatch struct {
	scheduled []scheduledCall
	errs      []error
	attempts  int
	cancelled []string
	cancelErr error
	// delivered runs after a task is accepted, standing in for a worker that fires immediately.
	delivered func(p dispatch.Payload)
}

func (d *fakeDispatch) Schedule(ctx context.Context, r dispatch.Recipient, p dispatch.Payload, when time.Time) (string, error) {
	i := d.attempts
	d.attempts++
	if i < len(d.errs) && d.errs[i] != nil {
		return "", d.errs[i]
	}
	d.scheduled = append(d.scheduled, scheduledCall{recipient: r, payload: p, when: when})
	if d.delivered != nil {
		d.delivered(p)
	}
	return dispatch.TaskID(p.ActionID), nil
}

func (d *fakeDispatch) Cancel(ctx context.Context, externalID string) error {
	if d.cancelErr != nil {
		return d.cancelErr
	}
	d.cancelled = append(d.cancelled, externalID)
	return nil
}

var errBoom = errors.New("boom")
