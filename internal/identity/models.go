// Package identity resolves clinics, providers and canonical patients, creating them on first
// reference without ever producing duplicate rows.
package identity

import (
	"strings"
	"time"
)

// Clinic is a tenant.
type Clinic struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Slug               string    `json:"slug"`
	Email              string    `json:"email,omitempty"`
	Phone              string    `json:"phone,omitempty"`
	Address            string    `json:"address,omitempty"`
	ProvisioningSource string    `json:"provisioning_source,omitempty"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ClinicInput describes a clinic referenced by an upstream system.
type ClinicInput struct {
	Name               string `json:"name" validate:"required,max=200"`
	Email              string `json:"email,omitempty" validate:"omitempty,email"`
	Phone              string `json:"phone,omitempty" validate:"omitempty,max=32"`
	Address            string `json:"address,omitempty" validate:"omitempty,max=500"`
	ProvisioningSource string `json:"provisioning_source,omitempty" validate:"omitempty,max=64"`
}

// Role is a provider's function at the clinic.
type Role string

const (
	RoleVeterinarian Role = "veterinarian"
	RoleVetTech      Role = "vet_tech"
	RoleReceptionist Role = "receptionist"
	RoleOther        Role = "other"
)

// DefaultRole is assigned when an input role is not recognized.
const DefaultRole = RoleOther

var roleAliases = map[string]Role{
	"veterinarian": RoleVeterinarian,
	"vet":          RoleVeterinarian,
	"dvm":          RoleVeterinarian,
	"doctor":       RoleVeterinarian,
	"vet_tech":     RoleVetTech,
	"vettech":      RoleVetTech,
	"technician":   RoleVetTech,
	"tech":         RoleVetTech,
	"lvt":          RoleVetTech,
	"rvt":          RoleVetTech,
	"receptionist": RoleReceptionist,
	"front_desk":   RoleReceptionist,
	"csr":          RoleReceptionist,
	"other":        RoleOther,
}

// NormalizeRole maps free-form role text onto the closed role set. Unknown values coerce to
// DefaultRole instead of failing.
func NormalizeRole(raw string) Role {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "-", "_", ".", "").Replace(key)
	if role, ok := roleAliases[key]; ok {
		return role
	}
	return DefaultRole
}

// Provider is a clinic staff member known to an external practice system.
type Provider struct {
	ID         string    `json:"id"`
	ClinicID   string    `json:"clinic_id"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProviderInput references a provider by its external id within a clinic.
type ProviderInput struct {
	ClinicID   string `json:"clinic_id" validate:"required"`
	ExternalID string `json:"external_id" validate:"required,max=128"`
	Name       string `json:"name" validate:"omitempty,max=200"`
	Role       string `json:"role,omitempty"`
}

// Demographics are write-once: a recorded value is never overwritten.
type Demographics struct {
	Species     string     `json:"species,omitempty"`
	Breed       string     `json:"breed,omitempty"`
	Sex         string     `json:"sex,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	Color       string     `json:"color,omitempty"`
	MicrochipID string     `json:"microchip_id,omitempty"`
}

// FillMissing copies fields from in that are empty on d and reports whether anything changed.
func (d Demographics) FillMissing(in Demographics) (Demographics, bool) {
	changed := false
	fill := func(dst *string, src string) {
		if strings.TrimSpace(*dst) == "" && strings.TrimSpace(src) != "" {
			*dst = strings.TrimSpace(src)
			changed = true
		}
	}
	fill(&d.Species, in.Species)
	fill(&d.Breed, in.Breed)
	fill(&d.Sex, in.Sex)
	fill(&d.Color, in.Color)
	fill(&d.MicrochipID, in.MicrochipID)
	if d.DateOfBirth == nil && in.DateOfBirth != nil {
		dob := *in.DateOfBirth
		d.DateOfBirth = &dob
		changed = true
	}
	return d, changed
}

// CanonicalPatient is one animal across all of its visits.
type CanonicalPatient struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id"`
	Name         string    `json:"name"`
	Demographics `json:"demographics"`
	VisitCount   int       `json:"visit_count"`
	FirstVisitAt time.Time `json:"first_visit_at"`
	LastVisitAt  time.Time `json:"last_visit_at"`
}

// VisitInput records that a patient was seen.
type VisitInput struct {
	ClientID     string       `json:"client_id" validate:"required"`
	Name         string       `json:"name" validate:"required,max=200"`
	Demographics Demographics `json:"demographics"`
	VisitedAt    time.Time    `json:"visited_at"`
}
