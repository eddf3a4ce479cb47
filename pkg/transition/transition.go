// Package transition applies parsed agency outcomes to case records.
//
// A successful case advances one step along the stage graph, but only when it
// currently sits at the expected predecessor stage. Anything else is recorded
// as a per-case error and left alone. Failed cases are flagged without moving.
package transition

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Per-case error codes.
const (
	CodeStageMismatch = "STAGE_MISMATCH"
	CodeStageConflict = "STAGE_CONFLICT"
	CodeCaseNotFound  = "CASE_NOT_FOUND"
	CodeUnknownStage  = "UNKNOWN_STAGE"
	CodeStoreError    = "STORE_ERROR"
)

// ErrorStatusAgency marks a case the agency reported as failed.
const ErrorStatusAgency = "E"

// DefaultAdminFee is added when a case advances into a final-reminder stage.
const DefaultAdminFee = 10.00

// DefaultChunkSize bounds how many cases are applied between progress logs.
const DefaultChunkSize = 500

var (
	// ErrCaseNotFound is returned by stores for unknown case IDs.
	ErrCaseNotFound = errors.New("case not found")

	// ErrStageConflict is returned by UpdateStage when the case is no longer
	// at the expected stage.
	ErrStageConflict = errors.New("case stage changed concurrently")
)

// IsCaseNotFound reports whether err wraps ErrCaseNotFound.
func IsCaseNotFound(err error) bool { return errors.Is(err, ErrCaseNotFound) }

// IsStageConflict reports whether err wraps ErrStageConflict.
func IsStageConflict(err error) bool { return errors.Is(err, ErrStageConflict) }

// CaseRecord is the stage-relevant view of a case.
type CaseRecord struct {
	CaseID            string    `json:"case_id"`
	PrevStage         string    `json:"prev_stage,omitempty"`
	LastStage         string    `json:"last_stage"`
	NextStage         string    `json:"next_stage,omitempty"`
	NextStageDate     time.Time `json:"next_stage_date,omitempty"`
	CompositionAmount float64   `json:"composition_amount"`
	AdministrationFee float64   `json:"administration_fee"`
	AmountPayable     float64   `json:"amount_payable"`
	PostalRegnNo      string    `json:"postal_regn_no,omitempty"`
	ErrorStatus       string    `json:"error_status,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// StageUpdate is one conditional stage write. Stores apply it only while the
// case is still at ExpectedStage.
type StageUpdate struct {
	CaseID        string
	ExpectedStage string
	PrevStage     string
	LastStage     string
	NextStage     string
	NextStageDate time.Time

	// Optional fields; nil leaves the stored value unchanged.
	AdministrationFee *float64
	AmountPayable     *float64
	PostalRegnNo      *string
}

// CaseStore is the case repository.
type CaseStore interface {
	GetStage(ctx context.Context, caseID string) (CaseRecord, error)
	UpdateStage(ctx context.Context, u StageUpdate) error
	RecordError(ctx context.Context, caseID, status string) error
	SetPostalRegnNo(ctx context.Context, caseID, regnNo string) error
}

// CaseError is a failure scoped to one case.
type CaseError struct {
	CaseID string `json:"case_id"`
	Code   string `json:"code"`
	Err    error  `json:"-"`
}

func (e *CaseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("case %s: %s", e.CaseID, e.Code)
	}
	return fmt.Sprintf("case %s: %s: %v", e.CaseID, e.Code, e.Err)
}

func (e *CaseError) Unwrap() error { return e.Err }

// Result summarises one Apply call.
type Result struct {
	// UpdatedCount counts cases written: stage advances, or postal numbers
	// for auxiliary-only outcomes.
	UpdatedCount int `json:"updated_count"`

	// ErrorCount equals len(PerCaseErrors).
	ErrorCount int `json:"error_count"`

	// FlaggedCount counts agency-failed cases marked with an error status.
	FlaggedCount int `json:"flagged_count"`

	// UnchangedCount counts cases already at the outcome's stage.
	UnchangedCount int `json:"unchanged_count"`

	PerCaseErrors []*CaseError `json:"per_case_errors,omitempty"`
}

func (r *Result) addError(caseID, code string, err error) {
	r.PerCaseErrors = append(r.PerCaseErrors, &CaseError{CaseID: caseID, Code: code, Err: err})
	r.ErrorCount = len(r.PerCaseErrors)
}
