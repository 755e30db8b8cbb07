// Package generation produces follow-up scripts and emails with a hosted language model.
package generation

import (
	"context"
	"fmt"
)

// Client is a single-turn chat completion.
type Client interface {
	Chat(ctx context.Context, system, user string) (string, error)
}

// StatusError carries the provider's HTTP-equivalent status so retry classification can use it.
type StatusError struct {
	Provider string
	Code     int
	Err      error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generation: %s returned status %d: %v", e.Provider, e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode exposes the status to retry.Classify.
func (e *StatusError) StatusCode() int { return e.Code }
