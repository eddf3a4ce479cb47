// Package output provides JSONL output for ingest runs.
//
// Output is structured as typed record envelopes containing per-file
// outcomes, errors and a final run summary. Each line is a self-contained
// JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: goingest.<type>.v<version>
const (
	// TypeFile identifies per-file outcome records.
	TypeFile = "goingest.file.v1"

	// TypeError identifies error records.
	TypeError = "goingest.error.v1"

	// TypeSummary identifies final run summary records.
	TypeSummary = "goingest.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// The type field determines how to interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "goingest.file.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the correlation ID for this run.
	JobID string `json:"job_id"`

	// Agency is the agency code the run processed.
	Agency string `json:"agency"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// FileRecord is the data payload for one file's final state in a run.
type FileRecord struct {
	// Path is the full remote path of the file.
	Path string `json:"path"`

	// GroupKey is the retry/notice grouping key derived from the name.
	GroupKey string `json:"group_key,omitempty"`

	// Kind is "plain" or "encrypted".
	Kind string `json:"kind"`

	// State is the file's terminal state (done, awaiting_callback,
	// quarantined, retained or failed).
	State string `json:"state"`

	// Stage is the confirmed stage the file's outcomes map to.
	Stage string `json:"stage,omitempty"`

	// RequestID is the decrypt request when the file awaits a callback.
	RequestID string `json:"request_id,omitempty"`

	// Updated counts cases advanced by this file.
	Updated int `json:"updated"`

	// CaseErrors counts per-case transition failures.
	CaseErrors int `json:"case_errors"`

	// Cleanup is the cleanup outcome, if cleanup ran.
	Cleanup string `json:"cleanup,omitempty"`

	// ArchivePaths lists where the file's bytes were archived.
	ArchivePaths []string `json:"archive_paths,omitempty"`

	// Error is the file-level failure message, if any.
	Error string `json:"error,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the entire run,
// so one bad file or case never hides the outcome of the rest.
type ErrorRecord struct {
	// Phase is the pipeline phase that failed (discover, resolve, parse,
	// transition or cleanup).
	Phase string `json:"phase"`

	// Code is a machine-readable error code.
	Code string `json:"code,omitempty"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// File is the remote path related to this error, if applicable.
	File string `json:"file,omitempty"`

	// CaseID is the case related to this error, if applicable.
	CaseID string `json:"case_id,omitempty"`
}

// SummaryRecord is the data payload for final summaries.
//
// A summary record is always the last line of a run's output.
type SummaryRecord struct {
	Trigger string `json:"trigger,omitempty"`
	State   string `json:"state"`
	Success bool   `json:"success"`

	FilesFound       int `json:"files_found"`
	FilesProcessed   int `json:"files_processed"`
	FilesPending     int `json:"files_pending"`
	FilesDeleted     int `json:"files_deleted"`
	FilesQuarantined int `json:"files_quarantined"`
	NoticesUpdated   int `json:"notices_updated"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Errors is the count of errors recorded.
	Errors int `json:"errors"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
