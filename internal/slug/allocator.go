// Package slug generates unique, URL-safe identifiers from display names.
package slug

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wolfman30/vet-followup/pkg/logging"
)

const maxAttempts = 5

// ErrEmptySlug is returned when a name normalizes to nothing.
var ErrEmptySlug = errors.New("slug: name has no alphanumeric characters")

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Checker reports whether a slug is already taken.
type Checker interface {
	SlugExists(ctx context.Context, slug string) (bool, error)
}

// Allocator hands out slugs that are unique according to its Checker.
type Allocator struct {
	checker Checker
	logger  *logging.Logger
	now     func() time.Time
}

// NewAllocator creates an allocator backed by checker.
func NewAllocator(checker Checker, logger *logging.Logger) *Allocator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Allocator{checker: checker, logger: logger, now: time.Now}
}

// Normalize lowercases name and collapses every non-alphanumeric run into a single hyphen.
func Normalize(name string) string {
	s := nonAlnum.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// Allocate returns the first free candidate among base, base-2 … base-5. When all of those
// collide it appends the last six digits of the unix time and returns without re-checking,
// so allocation always terminates.
func (a *Allocator) Allocate(ctx context.Context, name string) (string, error) {
	base := Normalize(name)
	if base == "" {
		return "", ErrEmptySlug
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		candidate := base
		if attempt > 1 {
			candidate = fmt.Sprintf("%s-%d", base, attempt)
		}
		taken, err := a.checker.SlugExists(ctx, candidate)
		if err != nil {
			a.logger.Warn("slug: availability check failed", "candidate", candidate, "error", err)
			continue
		}
		if !taken {
			return candidate, nil
		}
	}

	suffix := fmt.Sprintf("%06d", a.now().Unix()%1_000_000)
	fallback := base + "-" + suffix
	a.logger.Warn("slug: candidates exhausted, using timestamp suffix", "base", base, "slug", fallback)
	return fallback, nil
}
