package registry

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/torwi-dev/juscash/internal/model"
)

// RunUpdate is the terminal report for a run.
type RunUpdate struct {
	Status         model.RunStatus
	FoundCount     int
	NewCount       int
	DuplicateCount int
	ErrorMessage   string
}

// BatchResult aggregates per-record outcomes of SubmitBatch.
type BatchResult struct {
	Created    int
	Duplicates int
	Failed     int
	Errors     []error
}

// Submitted is the number of records the registry holds after the batch.
func (r BatchResult) Submitted() int {
	return r.Created + r.Duplicates
}

type createRunPayload struct {
	TargetDate  model.Date `json:"targetDate"`
	SourceURL   string     `json:"sourceUrl,omitempty"`
	HostName    string     `json:"hostName,omitempty"`
	ExecutedBy  string     `json:"executedBy,omitempty"`
	Environment string     `json:"environment,omitempty"`
}

type updateRunPayload struct {
	Status         model.RunStatus `json:"status"`
	EndTime        time.Time       `json:"endTime"`
	FoundCount     *int            `json:"foundCount,omitempty"`
	NewCount       *int            `json:"newCount,omitempty"`
	DuplicateCount *int            `json:"duplicateCount,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
}

type recordPayload struct {
	CaseID           string      `json:"caseId"`
	Parties          []string    `json:"parties"`
	Representatives  []string    `json:"representatives"`
	Defendant        string      `json:"defendant"`
	FullText         string      `json:"fullText"`
	SourceURL        string      `json:"sourceUrl,omitempty"`
	RunID            any         `json:"runId,omitempty"`
	ContentHash      string      `json:"contentHash"`
	PublicationDate  *model.Date `json:"publicationDate,omitempty"`
	AvailabilityDate *model.Date `json:"availabilityDate,omitempty"`
	PrincipalAmount  json.Number `json:"principalAmount,omitempty"`
	InterestAmount   json.Number `json:"interestAmount,omitempty"`
	FeesAmount       json.Number `json:"feesAmount,omitempty"`
}

// amount renders a fixed-point value with two decimals so no float conversion happens on the wire.
func amount(d *decimal.Decimal) json.Number {
	if d == nil {
		return ""
	}
	return json.Number(d.StringFixed(2))
}

// runIDValue sends numeric run ids as JSON numbers.
func runIDValue(id string) any {
	if id == "" {
		return nil
	}
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

// flexID accepts string or numeric ids.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type wireRun struct {
	model.RunRecord
	ID flexID `json:"id"`
}

func (w *wireRun) record() model.RunRecord {
	r := w.RunRecord
	r.ID = string(w.ID)
	return r
}

type runEnvelope struct {
	Run       *wireRun `json:"run"`
	Execution *wireRun `json:"execution"`
}

// decodeRun reads a run from either an enveloped or a bare response body.
func decodeRun(body []byte) (model.RunRecord, bool) {
	if len(bytes.TrimSpace(body)) == 0 {
		return model.RunRecord{}, false
	}
	var env runEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		for _, w := range []*wireRun{env.Run, env.Execution} {
			if w != nil && w.ID != "" {
				return w.record(), true
			}
		}
	}
	var bare wireRun
	if err := json.Unmarshal(body, &bare); err == nil && bare.ID != "" {
		return bare.record(), true
	}
	return model.RunRecord{}, false
}
