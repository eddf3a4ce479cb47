// Package parser turns decrypted agency files into per-case outcomes.
//
// Agency layouts live in subpackages (lta, toppan). This package holds the
// shared outcome type, its normalisation rules and a registry keyed by
// agency.
package parser

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Auxiliary field keys shared across agencies.
const (
	AuxPostalRegnNo = "postal_regn_no"
	AuxPostalCode   = "postal_code"
	AuxOwnerID      = "owner_id"
	AuxOwnerIDType  = "owner_id_type"
	AuxOwnerName    = "owner_name"
	AuxVehicleNo    = "vehicle_no"
	AuxErrorCode    = "error_code"
	AuxErrorReason  = "error_reason"
)

// ParsedOutcome is the normalised result of one agency file.
type ParsedOutcome struct {
	// Stage is the processing stage the agency confirms, e.g. "RD2".
	Stage string `json:"stage"`

	SuccessfulCaseIDs []string `json:"successful_case_ids"`
	FailedCaseIDs     []string `json:"failed_case_ids"`

	// AuxiliaryFields holds per-case values keyed by case ID then field name.
	AuxiliaryFields map[string]map[string]string `json:"auxiliary_fields,omitempty"`

	SourceFile string `json:"source_file"`

	// ProcessedAt is the agency's processing time when the file carries one.
	ProcessedAt time.Time `json:"processed_at,omitempty"`

	// AuxiliaryOnly outcomes record auxiliary values without moving stages.
	AuxiliaryOnly bool `json:"auxiliary_only,omitempty"`

	// Status is the agency's free-text status line, if any.
	Status string `json:"status,omitempty"`

	// Warnings are non-fatal problems, e.g. skipped detail records.
	Warnings []string `json:"warnings,omitempty"`
}

// SetAux stores an auxiliary value for caseID. Empty values are ignored.
func (o *ParsedOutcome) SetAux(caseID, key, value string) {
	if value == "" {
		return
	}
	if o.AuxiliaryFields == nil {
		o.AuxiliaryFields = make(map[string]map[string]string)
	}
	fields := o.AuxiliaryFields[caseID]
	if fields == nil {
		fields = make(map[string]string)
		o.AuxiliaryFields[caseID] = fields
	}
	fields[key] = value
}

// Aux returns an auxiliary value for caseID.
func (o ParsedOutcome) Aux(caseID, key string) (string, bool) {
	v, ok := o.AuxiliaryFields[caseID][key]
	return v, ok
}

// Warnf appends a formatted warning.
func (o *ParsedOutcome) Warnf(format string, args ...any) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}

// Normalize de-duplicates both lists in first-seen order and removes from
// the successful list any ID that also failed.
func Normalize(o ParsedOutcome) ParsedOutcome {
	failed := make(map[string]struct{}, len(o.FailedCaseIDs))
	failedIDs := make([]string, 0, len(o.FailedCaseIDs))
	for _, id := range o.FailedCaseIDs {
		if _, dup := failed[id]; dup {
			continue
		}
		failed[id] = struct{}{}
		failedIDs = append(failedIDs, id)
	}

	seen := make(map[string]struct{}, len(o.SuccessfulCaseIDs))
	okIDs := make([]string, 0, len(o.SuccessfulCaseIDs))
	for _, id := range o.SuccessfulCaseIDs {
		if _, isFailed := failed[id]; isFailed {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		okIDs = append(okIDs, id)
	}

	o.SuccessfulCaseIDs = okIDs
	o.FailedCaseIDs = failedIDs
	return o
}

// Parser decodes one agency's file layout.
type Parser interface {
	Parse(plaintext []byte, normalizedFileName string) (ParsedOutcome, error)
}

// Func adapts a function to Parser.
type Func func(plaintext []byte, normalizedFileName string) (ParsedOutcome, error)

// Parse calls f.
func (f Func) Parse(plaintext []byte, normalizedFileName string) (ParsedOutcome, error) {
	return f(plaintext, normalizedFileName)
}

// Parse error codes shared by agency parsers.
const (
	CodeEmptyFile            = "EMPTY_FILE"
	CodeUnsupportedType      = "UNSUPPORTED_TYPE"
	CodeHeaderInvalid        = "HEADER_INVALID"
	CodeTrailerMissing       = "TRAILER_MISSING"
	CodeTrailerInvalid       = "TRAILER_INVALID"
	CodeTrailerCountMismatch = "TRAILER_COUNT_MISMATCH"
	CodeFieldInvalidFiller   = "FIELD_INVALID_FILLER"
)

// ParseError is a permanent failure to decode a file. Files that fail with a
// ParseError are quarantined rather than retried.
type ParseError struct {
	Code    string
	Message string
	// Line is the 1-based line number, or 0 when not tied to a line.
	Line int
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error %s at line %d: %s", e.Code, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error %s: %s", e.Code, e.Message)
}

// Errorf builds a *ParseError.
func Errorf(code string, line int, format string, args ...any) *ParseError {
	return &ParseError{Code: code, Line: line, Message: fmt.Sprintf(format, args...)}
}

// IsParseError reports whether err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Registry maps agency names to parsers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// Register adds or replaces the parser for agency.
func (r *Registry) Register(agency string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[agency] = p
}

// Lookup returns the parser for agency.
func (r *Registry) Lookup(agency string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[agency]
	return p, ok
}

// Agencies lists registered agency names in order.
func (r *Registry) Agencies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse runs the agency's parser and normalises the outcome.
func (r *Registry) Parse(agency string, plaintext []byte, normalizedFileName string) (ParsedOutcome, error) {
	p, ok := r.Lookup(agency)
	if !ok {
		return ParsedOutcome{}, Errorf(CodeUnsupportedType, 0, "no parser registered for agency %s", agency)
	}
	out, err := p.Parse(plaintext, normalizedFileName)
	if err != nil {
		return ParsedOutcome{}, err
	}
	if out.SourceFile == "" {
		out.SourceFile = normalizedFileName
	}
	return Normalize(out), nil
}
