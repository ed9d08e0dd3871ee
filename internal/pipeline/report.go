package pipeline

import (
	"time"

	"github.com/torwi-dev/juscash/internal/model"
)

// Report aggregates the outcome of one run.
type Report struct {
	TraceID string
	RunID   string
	Date    model.Date
	Status  model.RunStatus
	// AlreadyCompleted marks a run skipped because the registry had finished it.
	AlreadyCompleted bool

	Pages            int
	Documents        int
	Skipped          int
	ExtractionErrors int
	Found            int
	Valid            int
	Invalid          int
	Created          int
	Duplicates       int
	SubmitErrors     int

	Truncated    bool
	Stopped      bool
	Notes        []string
	ErrorMessage string

	Started  time.Time
	Finished time.Time
}

// Errors counts documents without text, rejected records and failed submissions.
func (r Report) Errors() int {
	return r.ExtractionErrors + r.Invalid + r.SubmitErrors
}

// Duration is the wall time of the run.
func (r Report) Duration() time.Duration {
	if r.Started.IsZero() || r.Finished.Before(r.Started) {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// SuccessRate is the percentage of valid records the registry now holds.
func (r Report) SuccessRate() float64 {
	if r.Valid == 0 {
		return 0
	}
	return float64(r.Created+r.Duplicates) / float64(r.Valid) * 100
}

// RunEvent is the notification published when a run closes.
type RunEvent struct {
	RunID        string    `json:"runId"`
	TraceID      string    `json:"traceId,omitempty"`
	TargetDate   string    `json:"targetDate"`
	Status       string    `json:"status"`
	Pages        int       `json:"pages"`
	Found        int       `json:"found"`
	Created      int       `json:"created"`
	Duplicates   int       `json:"duplicates"`
	Errors       int       `json:"errors"`
	Truncated    bool      `json:"truncated,omitempty"`
	Stopped      bool      `json:"stopped,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// Event builds the notification payload for r.
func (r Report) Event() RunEvent {
	return RunEvent{
		RunID:        r.RunID,
		TraceID:      r.TraceID,
		TargetDate:   r.Date.String(),
		Status:       string(r.Status),
		Pages:        r.Pages,
		Found:        r.Found,
		Created:      r.Created,
		Duplicates:   r.Duplicates,
		Errors:       r.Errors(),
		Truncated:    r.Truncated,
		Stopped:      r.Stopped,
		ErrorMessage: r.ErrorMessage,
		FinishedAt:   r.Finished,
	}
}
