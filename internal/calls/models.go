// Package calls tracks scheduled follow-up actions through their lifecycle.
package calls

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status tracks the lifecycle of a scheduled action.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusQueued, StatusRinging, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Channel specifies how the follow-up is delivered.
type Channel string

const (
	ChannelCall  Channel = "call"
	ChannelEmail Channel = "email"
)

// MetadataRetryCount is the metadata key holding the advisory retry counter.
const MetadataRetryCount = "retry_count"

// Metadata is the free-form bag persisted as jsonb. Unknown keys are always preserved.
type Metadata map[string]any

// RetryCount returns the retry counter, treating absent or unreadable values as 0.
func (m Metadata) RetryCount() int {
	switch v := m[MetadataRetryCount].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// SetRetryCount returns a copy with the counter set.
func (m Metadata) SetRetryCount(n int) Metadata {
	out := m.Clone()
	out[MetadataRetryCount] = n
	return out
}

// Merge returns a copy of m with patch applied on top. Keys absent from patch are untouched.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := m.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy that is never nil.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Action is a scheduled call or email tied to a discharge case.
type Action struct {
	ID              uuid.UUID  `json:"id"`
	CaseID          string     `json:"case_id"`
	ClinicID        string     `json:"clinic_id"`
	OwnerID         string     `json:"owner_id,omitempty"`
	Channel         Channel    `json:"channel"`
	Status          Status     `json:"status"`
	Recipient       string     `json:"recipient"`
	ScheduledFor    time.Time  `json:"scheduled_for"`
	ExternalID      string     `json:"external_id,omitempty"`
	Metadata        Metadata   `json:"metadata"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EndedReason     string     `json:"ended_reason,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	CostCents       *int       `json:"cost_cents,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewAction is the input for Tracker.Create.
type NewAction struct {
	CaseID       string
	ClinicID     string
	OwnerID      string
	Channel      Channel
	Recipient    string
	ScheduledFor time.Time
	Metadata     Metadata
}

// Outcome carries the terminal fields reported by the dispatch provider.
type Outcome struct {
	Status          Status
	Reason          string
	EndedAt         time.Time
	DurationSeconds *int
	CostCents       *int
}

// Stats counts actions per status. Every known status is present.
type Stats map[Status]int64

// Total sums all statuses.
func (s Stats) Total() int64 {
	var total int64
	for _, n := range s {
		total += n
	}
	return total
}
