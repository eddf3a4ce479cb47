package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/3leaps/goingest/pkg/cleanup"
	"github.com/3leaps/goingest/pkg/discovery"
	"github.com/3leaps/goingest/pkg/jobregistry"
	"github.com/3leaps/goingest/pkg/transition"
)

// State is a run or file lifecycle state.
type State string

const (
	StateIdle             State = "idle"
	StateDiscovering      State = "discovering"
	StateResolving        State = "resolving"
	StateAwaitingCallback State = "awaiting_callback"
	StateParsing          State = "parsing"
	StateTransitioning    State = "transitioning"
	StateCleaningUp       State = "cleaning_up"
	StateDone             State = "done"

	// File-only terminal states.
	StateQuarantined State = "quarantined"
	StateRetained    State = "retained"
	StateFailed      State = "failed"
)

// Error phases.
const (
	PhaseDiscover   = "discover"
	PhaseResolve    = "resolve"
	PhaseParse      = "parse"
	PhaseTransition = "transition"
	PhaseCleanup    = "cleanup"
)

// JobError is one file- or case-level failure recorded in a JobResult.
type JobError struct {
	File    string `json:"file,omitempty"`
	CaseID  string `json:"case_id,omitempty"`
	Phase   string `json:"phase"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *JobError) Error() string {
	switch {
	case e.CaseID != "":
		return fmt.Sprintf("%s %s case %s: %s", e.Phase, e.File, e.CaseID, e.Message)
	case e.File != "":
		return fmt.Sprintf("%s %s: %s", e.Phase, e.File, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Phase, e.Message)
}

func (e *JobError) Unwrap() error { return e.Err }

// FileReport is the final state of one file in a run.
type FileReport struct {
	File         discovery.RemoteFile `json:"file"`
	State        State                `json:"state"`
	RequestID    string               `json:"request_id,omitempty"`
	ArchivePaths []string             `json:"archive_paths,omitempty"`
	Stage        string               `json:"stage,omitempty"`
	Transition   *transition.Result   `json:"transition,omitempty"`
	Cleanup      cleanup.Outcome      `json:"cleanup,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// JobResult aggregates one run. Workers only append to it through its
// methods; nothing is overwritten.
type JobResult struct {
	mu sync.Mutex

	JobID   string              `json:"job_id"`
	Kind    jobregistry.JobKind `json:"kind"`
	Agency  string              `json:"agency"`
	Trigger string              `json:"trigger,omitempty"`
	State   State               `json:"state"`
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`

	FilesFound       int `json:"files_found"`
	FilesProcessed   int `json:"files_processed"`
	FilesPending     int `json:"files_pending"`
	FilesDeleted     int `json:"files_deleted"`
	FilesQuarantined int `json:"files_quarantined"`
	NoticesUpdated   int `json:"notices_updated"`

	Errors []*JobError   `json:"errors,omitempty"`
	Files  []*FileReport `json:"files,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

func (r *JobResult) setState(s State) {
	r.mu.Lock()
	r.State = s
	r.mu.Unlock()
}

func (r *JobResult) addError(e *JobError) {
	r.mu.Lock()
	r.Errors = append(r.Errors, e)
	r.mu.Unlock()
}

func (r *JobResult) addFile(f *FileReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Files = append(r.Files, f)
	switch f.State {
	case StateDone:
		r.FilesProcessed++
	case StateAwaitingCallback:
		r.FilesPending++
	case StateQuarantined:
		r.FilesQuarantined++
	}
	if f.Cleanup == cleanup.Deleted {
		r.FilesDeleted++
	}
	if f.Transition != nil {
		r.NoticesUpdated += f.Transition.UpdatedCount
	}
}

// finish marks the run done. Success means no errors were recorded.
func (r *JobResult) finish(endedAt time.Time, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.State = StateDone
	r.EndedAt = endedAt
	r.Success = len(r.Errors) == 0
	if message == "" {
		message = fmt.Sprintf("%d of %d files processed, %d awaiting decrypt, %d quarantined, %d deleted, %d notices updated",
			r.FilesProcessed, r.FilesFound, r.FilesPending, r.FilesQuarantined, r.FilesDeleted, r.NoticesUpdated)
	}
	r.Message = message
}

// JobState maps the result onto the persisted job state.
func (r *JobResult) JobState() jobregistry.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobStateLocked()
}

func (r *JobResult) jobStateLocked() jobregistry.JobState {
	switch {
	case r.State != StateDone:
		if r.EndedAt.IsZero() {
			return jobregistry.JobStateRunning
		}
		return jobregistry.JobStateFailed
	case r.Success:
		return jobregistry.JobStateSuccess
	default:
		return jobregistry.JobStatePartial
	}
}

// Record converts the result into its job.json form.
func (r *JobResult) Record(pid int) *jobregistry.JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := r.StartedAt
	rec := &jobregistry.JobRecord{
		JobID:     r.JobID,
		Kind:      r.Kind,
		Agency:    r.Agency,
		State:     r.jobStateLocked(),
		Trigger:   r.Trigger,
		Message:   r.Message,
		PID:       pid,
		CreatedAt: started,
		StartedAt: &started,
		Counts: jobregistry.Counts{
			FilesFound:       r.FilesFound,
			FilesProcessed:   r.FilesProcessed,
			FilesPending:     r.FilesPending,
			FilesDeleted:     r.FilesDeleted,
			FilesQuarantined: r.FilesQuarantined,
			NoticesUpdated:   r.NoticesUpdated,
		},
	}
	if !r.EndedAt.IsZero() {
		ended := r.EndedAt
		rec.EndedAt = &ended
		rec.LastHeartbeat = &ended
	}
	for _, e := range r.Errors {
		rec.Errors = append(rec.Errors, jobregistry.ErrorEntry{
			File: e.File, CaseID: e.CaseID, Phase: e.Phase, Code: e.Code, Message: e.Message,
		})
	}
	for _, f := range r.Files {
		rec.Files = append(rec.Files, jobregistry.FileEntry{
			Path: f.File.Path(), State: string(f.State), RequestID: f.RequestID, Cleanup: string(f.Cleanup),
		})
		if f.RequestID != "" && r.Kind == jobregistry.JobKindResume {
			rec.RequestID = f.RequestID
		}
	}
	return rec
}
