// Package readiness decides whether a discharge case qualifies for an automated follow-up.
package readiness

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/wolfman30/vet-followup/internal/contact"
)

// Requirement names reported in Result.Missing, in this order.
const (
	RequirementContent = "clinical_content"
	RequirementContact = "contact_info"
)

// Source is how a case entered the platform.
type Source string

const (
	SourceExternal Source = "external"
	SourceManual   Source = "manual"
)

var sensitiveCaseTypes = map[string]bool{
	"euthanasia":      true,
	"deceased":        true,
	"doa":             true,
	"dead_on_arrival": true,
}

var sensitiveKeywords = regexp.MustCompile(`(?i)\b(euthanasia|euthani[sz](?:e|ed|ation)|put to sleep|deceased|passed away|dead on arrival|doa|cremation)\b`)

// Case is the slice of a discharge case the gates look at.
type Case struct {
	Source         Source         `json:"source"`
	CaseType       string         `json:"case_type,omitempty"`
	ExternalNote   string         `json:"external_note,omitempty"`
	StructuredNote string         `json:"structured_note,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	Transcript     string         `json:"transcript,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	OwnerPhone     string         `json:"owner_phone,omitempty"`
	OwnerEmail     string         `json:"owner_email,omitempty"`
}

// TestMode redirects follow-ups to a fixed contact.
type TestMode struct {
	Enabled bool
	Phone   string
	Email   string
}

// Contact is where a ready follow-up should go. Empty fields mean that channel is unusable.
type Contact struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Result is the outcome of Evaluate.
type Result struct {
	Ready           bool     `json:"ready"`
	Missing         []string `json:"missing"`
	Excluded        bool     `json:"excluded"`
	ExclusionReason string   `json:"exclusion_reason,omitempty"`
	Contact         Contact  `json:"contact"`
}

// Evaluate runs the sensitivity check and then the content and contact gates.
func Evaluate(c Case, tm TestMode) Result {
	if reason, ok := sensitiveReason(c); ok {
		return Result{Ready: false, Missing: []string{}, Excluded: true, ExclusionReason: reason}
	}

	missing := []string{}
	if !hasContent(c) {
		missing = append(missing, RequirementContent)
	}
	dest, ok := resolveContact(c, tm)
	if !ok {
		missing = append(missing, RequirementContact)
	}
	return Result{Ready: len(missing) == 0, Missing: missing, Contact: dest}
}

func hasContent(c Case) bool {
	nonEmpty := func(s string) bool { return strings.TrimSpace(s) != "" }
	if c.Source == SourceExternal {
		return nonEmpty(c.ExternalNote)
	}
	return nonEmpty(c.StructuredNote) || nonEmpty(c.Summary) || nonEmpty(c.Transcript)
}

// resolveContact uses only the test contact in test mode so real owners are never reached. An
// invalid test contact fails the gate.
func resolveContact(c Case, tm TestMode) (Contact, bool) {
	if tm.Enabled {
		dest := validContact(tm.Phone, tm.Email)
		if dest.Phone == "" && dest.Email == "" {
			return Contact{}, false
		}
		return dest, true
	}
	dest := validContact(c.OwnerPhone, c.OwnerEmail)
	return dest, dest.Phone != "" || dest.Email != ""
}

func validContact(phone, email string) Contact {
	var dest Contact
	if contact.ValidPhone(phone) {
		dest.Phone = contact.NormalizePhone(phone)
	}
	if contact.ValidEmail(email) {
		dest.Email = strings.ToLower(strings.TrimSpace(email))
	}
	return dest
}

func sensitiveReason(c Case) (string, bool) {
	tag := strings.ToLower(strings.TrimSpace(c.CaseType))
	tag = strings.NewReplacer(" ", "_", "-", "_").Replace(tag)
	if sensitiveCaseTypes[tag] {
		return "sensitive_case_type:" + tag, true
	}
	texts := []string{c.ExternalNote, c.StructuredNote, c.Summary}
	texts = append(texts, metadataText(c.Metadata)...)
	for _, text := range texts {
		if m := sensitiveKeywords.FindString(text); m != "" {
			return "sensitive_keyword:" + strings.ToLower(m), true
		}
	}
	return "", false
}

// metadataText flattens metadata values into scannable strings in key order.
func metadataText(meta map[string]any) []string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		out = append(out, flatten(meta[k])...)
	}
	return out
}

func flatten(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return []string{val}
	case map[string]any:
		return metadataText(val)
	case []any:
		var out []string
		for _, item := range val {
			out = append(out, flatten(item)...)
		}
		return out
	case []string:
		return val
	default:
		return []string{fmt.Sprint(val)}
	}
}
