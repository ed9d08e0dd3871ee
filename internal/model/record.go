// Package model defines the records exchanged between the crawl, extraction and registry stages.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultDefendant is the respondent attached to every submitted case.
const DefaultDefendant = "Instituto Nacional do Seguro Social - INSS"

// minFullTextLen is the minimum trimmed length of a record body.
const minFullTextLen = 20

var caseIDPattern = regexp.MustCompile(`^\d{7}-\d{2}\.\d{4}\.\d\.\d{2}\.\d{4}$`)

// ErrInvalidRecord is matched by every ValidationError.
var ErrInvalidRecord = errors.New("invalid case record")

// ValidationError reports why a CaseRecord cannot be submitted.
type ValidationError struct {
	CaseID string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.CaseID == "" {
		return fmt.Sprintf("invalid case record: %s", e.Reason)
	}
	return fmt.Sprintf("invalid case record %s: %s", e.CaseID, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidRecord) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRecord
}

// CaseRecord is one court decision extracted from a gazette document.
type CaseRecord struct {
	CaseID           string
	PublicationDate  *Date
	AvailabilityDate *Date
	Parties          []string
	Representatives  []string
	Defendant        string
	PrincipalAmount  *decimal.Decimal
	InterestAmount   *decimal.Decimal
	FeesAmount       *decimal.Decimal
	FullText         string
	SourceLocation   string
	RunID            string
}

// Validate enforces the minimum content a record needs before submission.
func (r CaseRecord) Validate() error {
	if strings.TrimSpace(r.CaseID) == "" {
		return &ValidationError{Reason: "case id is empty"}
	}
	if len(r.Parties) == 0 {
		return &ValidationError{CaseID: r.CaseID, Reason: "no parties identified"}
	}
	if len([]rune(strings.TrimSpace(r.FullText))) < minFullTextLen {
		return &ValidationError{CaseID: r.CaseID, Reason: "full text too short"}
	}
	return nil
}

// HasCanonicalCaseID reports whether the case id follows the unified numbering format.
// Records with non-canonical ids are still accepted.
func (r CaseRecord) HasCanonicalCaseID() bool {
	return caseIDPattern.MatchString(r.CaseID)
}

// RunStatus describes the lifecycle of a RunRecord.
type RunStatus string

const (
	// RunStatusRunning marks a run that has been opened in the registry.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted marks a run that finished and reported its counts.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed marks a run that aborted with an error message.
	RunStatusFailed RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s RunStatus) CanTransition(next RunStatus) bool {
	return s == RunStatusRunning && next.Terminal()
}

// RunRecord is the registry's view of one ingestion run.
type RunRecord struct {
	ID             string     `json:"id"`
	TargetDate     Date       `json:"targetDate"`
	Status         RunStatus  `json:"status"`
	StartedAt      *time.Time `json:"startTime,omitempty"`
	FinishedAt     *time.Time `json:"endTime,omitempty"`
	FoundCount     int        `json:"foundCount"`
	NewCount       int        `json:"newCount"`
	DuplicateCount int        `json:"duplicateCount"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	SourceURL      string     `json:"sourceUrl,omitempty"`
	HostName       string     `json:"hostName,omitempty"`
	ExecutedBy     string     `json:"executedBy,omitempty"`
	Environment    string     `json:"environment,omitempty"`
}
