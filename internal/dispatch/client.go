// Package dispatch delivers follow-up calls and emails at their scheduled time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Task types handled by the worker.
const (
	TypeFollowupCall  = "followup:call"
	TypeFollowupEmail = "followup:email"
)

var (
	// ErrAlreadyRunning is returned by Cancel when the task has left the queue.
	ErrAlreadyRunning = errors.New("dispatch: task already running or finished")
	// ErrUnsupportedChannel is returned for channels the worker cannot deliver.
	ErrUnsupportedChannel = errors.New("dispatch: unsupported channel")
)

// Recipient is who the follow-up reaches.
type Recipient struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Payload is the generated content plus enough context to report back.
type Payload struct {
	ActionID string `json:"action_id"`
	ClinicID string `json:"clinic_id"`
	CaseID   string `json:"case_id,omitempty"`
	Channel  string `json:"channel"`
	Script   string `json:"script,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Body     string `json:"body,omitempty"`
}

// Client hands a follow-up to the delivery backend.
type Client interface {
	Schedule(ctx context.Context, recipient Recipient, payload Payload, whenUTC time.Time) (string, error)
	Cancel(ctx context.Context, externalID string) error
}

// taskMessage is the JSON body of a queued task.
type taskMessage struct {
	Recipient Recipient `json:"recipient"`
	Payload   Payload   `json:"payload"`
	DueAt     time.Time `json:"due_at"`
}

func taskType(channel string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(channel)) {
	case "call":
		return TypeFollowupCall, nil
	case "email":
		return TypeFollowupEmail, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedChannel, channel)
	}
}

func validateRecipient(channel string, r Recipient) error {
	switch channel {
	case TypeFollowupCall:
		if strings.TrimSpace(r.Phone) == "" {
			return fmt.Errorf("dispatch: recipient phone required for calls")
		}
	case TypeFollowupEmail:
		if strings.TrimSpace(r.Email) == "" {
			return fmt.Errorf("dispatch: recipient email required for email")
		}
	}
	return nil
}

// APIError is a non-2xx answer from a delivery provider.
type APIError struct {
	Provider string
	Code     int
	Body     string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Code, e.Body)
}

// StatusCode exposes the HTTP status for retry classification.
func (e *APIError) StatusCode() int { return e.Code }
