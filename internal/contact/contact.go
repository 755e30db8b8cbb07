// Package contact validates and normalizes owner and clinic contact details.
package contact

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nyaruka/phonenumbers"
)

const defaultRegion = "US"

var validate = validator.New()

var placeholderEmailLocals = map[string]bool{
	"none":     true,
	"noemail":  true,
	"no-email": true,
	"no.email": true,
	"na":       true,
	"n/a":      true,
	"unknown":  true,
	"noreply":  true,
	"no-reply": true,
}

var placeholderEmailDomains = map[string]bool{
	"example.com": true,
	"example.org": true,
	"example.net": true,
	"none.com":    true,
}

// NormalizePhone formats a phone number to E.164. If parsing fails, it returns the trimmed input.
func NormalizePhone(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return trimmed
	}
	number, err := phonenumbers.Parse(trimmed, defaultRegion)
	if err != nil {
		return trimmed
	}
	if !phonenumbers.IsValidNumber(number) {
		return trimmed
	}
	return phonenumbers.Format(number, phonenumbers.E164)
}

// ValidPhone reports whether input is a real, dialable, non-placeholder number.
func ValidPhone(input string) bool {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || isPlaceholderPhone(trimmed) {
		return false
	}
	number, err := phonenumbers.Parse(trimmed, defaultRegion)
	if err != nil {
		return false
	}
	return phonenumbers.IsValidNumber(number)
}

// ValidEmail reports whether input is a well-formed, non-placeholder address.
func ValidEmail(input string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(input))
	if trimmed == "" {
		return false
	}
	if err := validate.Var(trimmed, "required,email"); err != nil {
		return false
	}
	local, domain, _ := strings.Cut(trimmed, "@")
	return !placeholderEmailLocals[local] && !placeholderEmailDomains[domain]
}

// isPlaceholderPhone catches filler values like 000-000-0000 or 1234567890.
func isPlaceholderPhone(input string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, input)
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if digits == "" {
		return true
	}
	if digits == "1234567890" || digits == "0123456789" {
		return true
	}
	return strings.Count(digits, digits[:1]) == len(digits)
}
