package jobregistry

import "time"

// JobState is the lifecycle state of a recorded job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateRunning JobState = "running"
	JobStateSuccess JobState = "success"
	JobStatePartial JobState = "partial"
	JobStateFailed  JobState = "failed"
	JobStateUnknown JobState = "unknown"

	// JobStateStopping and JobStateStopped are set by `jobs stop`.
	JobStateStopping JobState = "stopping"
	JobStateStopped  JobState = "stopped"
)

// Terminal reports whether the job has finished.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSuccess, JobStatePartial, JobStateFailed, JobStateStopped:
		return true
	}
	return false
}

// JobKind distinguishes scheduled runs from single-file resumes.
type JobKind string

const (
	JobKindRun    JobKind = "run"
	JobKindResume JobKind = "resume"
)

// Counts mirrors the ingest job counters.
type Counts struct {
	FilesFound       int `json:"files_found"`
	FilesProcessed   int `json:"files_processed"`
	FilesPending     int `json:"files_pending"`
	FilesDeleted     int `json:"files_deleted"`
	FilesQuarantined int `json:"files_quarantined"`
	NoticesUpdated   int `json:"notices_updated"`
}

// ErrorEntry is one recorded file or case error.
type ErrorEntry struct {
	File    string `json:"file,omitempty"`
	CaseID  string `json:"case_id,omitempty"`
	Phase   string `json:"phase"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// FileEntry is the final state of one file in a job.
type FileEntry struct {
	Path      string `json:"path"`
	State     string `json:"state"`
	RequestID string `json:"request_id,omitempty"`
	Cleanup   string `json:"cleanup,omitempty"`
}

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID     string    `json:"job_id"`
	Kind      JobKind   `json:"kind"`
	Agency    string    `json:"agency"`
	State     JobState  `json:"state"`
	Trigger   string    `json:"trigger,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	PID       int       `json:"pid,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	Counts Counts       `json:"counts"`
	Errors []ErrorEntry `json:"errors,omitempty"`
	Files  []FileEntry  `json:"files,omitempty"`

	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
}
