package retry

import (
	"errors"
	"net/http"
	"strings"
)

// ErrMalformed marks a response that arrived but could not be parsed.
var ErrMalformed = errors.New("retry: malformed response")

var transientSignals = []string{
	"rate limit",
	"rate exceeded",
	"too many requests",
	"service unavailable",
	"internal server error",
	"throttl",
}

// StatusCode extracts an HTTP-like status code from err. It understands errors exposing
// StatusCode() (our clients) or HTTPStatusCode() (AWS SDK response errors).
func StatusCode(err error) (int, bool) {
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return sc.StatusCode(), true
	}
	var hc interface{ HTTPStatusCode() int }
	if errors.As(err, &hc) {
		return hc.HTTPStatusCode(), true
	}
	return 0, false
}

// IsRetryableStatus reports whether an HTTP status is one of the transient ones.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}

// Classify is the default classifier for generation and dispatch calls.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, ErrMalformed) {
		return Malformed
	}
	if code, ok := StatusCode(err); ok {
		if IsRetryableStatus(code) {
			return Retryable
		}
		return Fatal
	}
	msg := strings.ToLower(err.Error())
	for _, signal := range transientSignals {
		if strings.Contains(msg, signal) {
			return Retryable
		}
	}
	return Fatal
}
