package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wolfman30/vet-followup/internal/store"
)

// memoryRepository enforces the same unique keys as the schema.
type memoryRepository struct {
	mu        sync.Mutex
	clinics   []*Clinic
	providers []*Provider
	patients  []*CanonicalPatient

	// gate holds the first n lookups until all n have arrived and reports each as a miss, so
	// concurrent callers all race to insert.
	gate    int
	release chan struct{}

	insertErr   error
	lookupErr   error
	slugErr     error

	inserts int
}

var errUnique = &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}

func linedUp(n int) *memoryRepository {
	return &memoryRepository{gate: n, release: make(chan struct{})}
}

// lineUp must be called without holding mu.
func (m *memoryRepository) lineUp() bool {
	m.mu.Lock()
	if m.gate == 0 {
		m.mu.Unlock()
		return false
	}
	m.gate--
	if m.gate == 0 {
		close(m.release)
	}
	release := m.release
	m.mu.Unlock()
	<-release
	return true
}

func (m *memoryRepository) SlugExists(ctx context.Context, s string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slugErr != nil {
		return false, m.slugErr
	}
	for _, c := range m.clinics {
		if c.Slug == s {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepository) FindActiveClinicByName(ctx context.Context, name string) (*Clinic, error) {
	missed := m.lineUp()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, store.Wrap("select", "clinic", name, m.lookupErr)
	}
	if !missed {
		for _, c := range m.clinics {
			if c.IsActive && strings.EqualFold(c.Name, name) {
				cp := *c
				return &cp, nil
			}
		}
	}
	return nil, store.Wrap("select", "clinic", name, pgx.ErrNoRows)
}

func (m *memoryRepository) FindActiveClinicBySlug(ctx context.Context, s string) (*Clinic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clinics {
		if c.IsActive && c.Slug == s {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.Wrap("select", "clinic", s, pgx.ErrNoRows)
}

func (m *memoryRepository) InsertClinic(ctx context.Context, c *Clinic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	if m.insertErr != nil {
		return store.Wrap("insert", "clinic", c.Name, m.insertErr)
	}
	for _, existing := range m.clinics {
		if (existing.IsActive && strings.EqualFold(existing.Name, c.Name)) || existing.Slug == c.Slug {
			return store.Wrap("insert", "clinic", c.Name, errUnique)
		}
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt, c.IsActive = now, now, true
	cp := *c
	m.clinics = append(m.clinics, &cp)
	return nil
}

func (m *memoryRepository) DeactivateClinic(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clinics {
		if c.ID == id && c.IsActive {
			c.IsActive = false
			c.UpdatedAt = at
			return nil
		}
	}
	return store.Wrap("update", "clinic", id, pgx.ErrNoRows)
}

func (m *memoryRepository) FindProvider(ctx context.Context, clinicID, externalID string) (*Provider, error) {
	missed := m.lineUp()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !missed {
		for _, p := range m.providers {
			if p.ClinicID == clinicID && p.ExternalID == externalID {
				cp := *p
				return &cp, nil
			}
		}
	}
	return nil, store.Wrap("select", "provider", clinicID+"/"+externalID, pgx.ErrNoRows)
}

func (m *memoryRepository) InsertProvider(ctx context.Context, p *Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	for _, existing := range m.providers {
		if existing.ClinicID == p.ClinicID && existing.ExternalID == p.ExternalID {
			return store.Wrap("insert", "provider", p.ExternalID, errUnique)
		}
	}
	p.CreatedAt = time.Now().UTC()
	cp := *p
	m.providers = append(m.providers, &cp)
	return nil
}

func (m *memoryRepository) FindPatient(ctx context.Context, clientID, name string) (*CanonicalPatient, error) {
	missed := m.lineUp()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !missed {
		for _, p := range m.patients {
			if p.ClientID == clientID && strings.EqualFold(p.Name, name) {
				cp := *p
				return &cp, nil
			}
		}
	}
	return nil, store.Wrap("select", "patient", clientID+"/"+name, pgx.ErrNoRows)
}

func (m *memoryRepository) InsertPatient(ctx context.Context, p *CanonicalPatient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	for _, existing := range m.patients {
		if existing.ClientID == p.ClientID && strings.EqualFold(existing.Name, p.Name) {
			return store.Wrap("insert", "patient", p.Name, errUnique)
		}
	}
	cp := *p
	m.patients = append(m.patients, &cp)
	return nil
}

func (m *memoryRepository) RecordVisit(ctx context.Context, id string, d Demographics, at time.Time) (*CanonicalPatient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.ID == id {
			applyVisit(p, d, at)
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.Wrap("update", "patient", id, pgx.ErrNoRows)
}

func (m *memoryRepository) clinicRows(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.clinics {
		if strings.EqualFold(c.Name, name) {
			n++
		}
	}
	return n
}

var errBoom = errors.New("connection reset by peer")

// applyVisit mirrors the merge PostgresRepository.RecordVisit does in SQL.
func applyVisit(p *CanonicalPatient, in Demographics, at time.Time) {
	p.Demographics, _ = p.Demographics.FillMissing(in)
	p.VisitCount++
	if p.FirstVisitAt.IsZero() || at.Before(p.FirstVisitAt) {
		p.FirstVisitAt = at
	}
	if at.After(p.LastVisitAt) {
		p.LastVisitAt = at
	}
}
