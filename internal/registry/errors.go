package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/torwi-dev/juscash/internal/breaker"
)

var (
	// ErrMissingToken is returned by New when no API token is configured.
	ErrMissingToken = errors.New("registry token is not configured")
	// ErrUnauthorized is returned when the registry rejects the credentials. It is never retried.
	ErrUnauthorized = errors.New("registry rejected credentials")
	// ErrRunNotFound is returned when a conflicting run cannot be recovered.
	ErrRunNotFound = errors.New("registry run not found")
)

// duplicateMarkers are body fragments the registry uses to reject an existing entity.
var duplicateMarkers = []string{"duplicate", "já existe", "already exists"}

// TransportError wraps a failure to complete the HTTP exchange.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("registry %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-2xx registry response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("registry %s %s: HTTP %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("registry %s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// SubmissionError reports a record the registry did not accept.
type SubmissionError struct {
	CaseID string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit record %s: %v", e.CaseID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// countsTowardBreaker classifies errors that indicate an unhealthy registry:
// transport failures and server errors. Client errors pass through.
func countsTowardBreaker(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= http.StatusInternalServerError
	}
	return false
}

func isRateLimited(err error) bool {
	var status *StatusError
	return errors.As(err, &status) && status.Code == http.StatusTooManyRequests
}

func isNotFound(err error) bool {
	var status *StatusError
	return errors.As(err, &status) && status.Code == http.StatusNotFound
}

// isDuplicate reports whether the registry rejected an entity because it already exists.
func isDuplicate(err error) bool {
	var status *StatusError
	if !errors.As(err, &status) {
		return false
	}
	if status.Code == http.StatusConflict {
		return true
	}
	if status.Code < 400 || status.Code >= 500 {
		return false
	}
	body := strings.ToLower(status.Body)
	for _, marker := range duplicateMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

func isOpen(err error) bool {
	return errors.Is(err, breaker.ErrOpen)
}
