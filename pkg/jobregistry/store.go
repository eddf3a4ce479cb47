package jobregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Store persists and loads JobRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/stdout.log   (background runs only)
//	<root>/<job_id>/stderr.log   (background runs only)
//
// Root is expected to be under the app data dir. Writes are atomic renames,
// so concurrent runs and callbacks can record jobs side by side.
type Store struct {
	root string

	// mu serializes writers within one process (orchestrator and heartbeat).
	mu sync.Mutex
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func (s *Store) Write(record *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(record)
}

// Update applies fn to the current record for jobID and writes the result.
// prev is nil when no record exists yet. Returning nil skips the write.
func (s *Store) Update(jobID string, fn func(prev *JobRecord) *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.read(jobID)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	next := fn(prev)
	if next == nil {
		return nil
	}
	return s.write(next)
}

func (s *Store) write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	finalPath := s.JobPath(jobID)
	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

func (s *Store) Get(jobID string) (*JobRecord, error) {
	record, err := s.read(jobID)
	if err != nil {
		return nil, err
	}

	// Zombie detection: if a job claims running but its pid is gone, mark unknown.
	if record.State == JobStateRunning && record.PID > 0 {
		if !isProcessAlive(record.PID) {
			record.State = JobStateUnknown
			now := time.Now().UTC()
			record.LastHeartbeat = &now
			_ = s.Write(record)
		}
	}

	return record, nil
}

func (s *Store) read(jobID string) (*JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	path := s.JobPath(jobID)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &record, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Agency string
	Kind   JobKind
	State  JobState
	Limit  int
}

func (f ListFilter) match(r JobRecord) bool {
	if f.Agency != "" && !strings.EqualFold(f.Agency, r.Agency) {
		return false
	}
	if f.Kind != "" && f.Kind != r.Kind {
		return false
	}
	if f.State != "" && f.State != r.State {
		return false
	}
	return true
}

// List returns matching records, newest first. Unreadable job directories
// are skipped.
func (s *Store) List(f ListFilter) ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		r, err := s.Get(jobID)
		if err != nil {
			continue
		}
		if !f.match(*r) {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return jobSortTime(out[i]).After(jobSortTime(out[j]))
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}

	return out, nil
}

// GC removes finished jobs that ended before cutoff and returns their IDs.
// Running and unknown jobs are kept.
func (s *Store) GC(cutoff time.Time) ([]string, error) {
	records, err := s.List(ListFilter{})
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, r := range records {
		if !r.State.Terminal() || r.EndedAt == nil || !r.EndedAt.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(s.JobDir(r.JobID)); err != nil {
			return removed, fmt.Errorf("remove job %s: %w", r.JobID, err)
		}
		removed = append(removed, r.JobID)
	}
	return removed, nil
}

func jobSortTime(r JobRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
