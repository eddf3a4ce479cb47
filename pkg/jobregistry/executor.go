package jobregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ManagedJobFlag passes the pre-allocated job ID to a background child.
const ManagedJobFlag = "--_managed-job-id"

// Executor spawns and manages background ingest runs.
//
// A background run is a child process running `goingest run` in managed
// mode, capturing stdout/stderr to per-job log files. The child rewrites
// job.json as the run progresses.
type Executor struct {
	store *Store

	// exe and now are test seams.
	exe func() (string, error)
	now func() time.Time
}

func NewExecutor(root string) *Executor {
	return &Executor{store: NewStore(root), exe: os.Executable, now: time.Now}
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) StdoutPath(jobID string) string {
	return filepath.Join(e.store.JobDir(jobID), "stdout.log")
}

func (e *Executor) StderrPath(jobID string) string {
	return filepath.Join(e.store.JobDir(jobID), "stderr.log")
}

type BackgroundOptions struct {
	// Dedupe refuses to start when a run for the agency is already running.
	Dedupe bool

	// ConfigPath is forwarded to the child as --config.
	ConfigPath string
}

// StartRunBackground spawns a managed child process running:
//
//	goingest run --agency <agency> --_managed-job-id <job_id>
//
// It returns after the child successfully starts.
func (e *Executor) StartRunBackground(agency string, opts BackgroundOptions) (*JobRecord, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}
	agency = strings.ToUpper(strings.TrimSpace(agency))
	if agency == "" {
		return nil, fmt.Errorf("agency is required")
	}

	if opts.Dedupe {
		running, _ := e.store.List(ListFilter{Agency: agency, State: JobStateRunning})
		if len(running) > 0 {
			return nil, fmt.Errorf("duplicate running job exists: %s", running[0].JobID)
		}
	}

	exe, err := e.exe()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	jobID := uuid.New().String()
	jobDir := e.store.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	stdoutFile, err := os.Create(e.StdoutPath(jobID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(e.StderrPath(jobID))
	if err != nil {
		_ = stdoutFile.Close()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
	}()

	args := []string{"run", "--agency", agency, ManagedJobFlag, jobID}
	if strings.TrimSpace(opts.ConfigPath) != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start managed run: %w", err)
	}

	now := e.now().UTC()
	rec := &JobRecord{
		JobID:         jobID,
		Kind:          JobKindRun,
		Agency:        agency,
		State:         JobStateRunning,
		Trigger:       "background",
		PID:           cmd.Process.Pid,
		CreatedAt:     now,
		StartedAt:     &now,
		LastHeartbeat: func() *time.Time { t := now; return &t }(),
		StdoutPath:    e.StdoutPath(jobID),
		StderrPath:    e.StderrPath(jobID),
	}
	if err := e.store.Write(rec); err != nil {
		return nil, err
	}
	// The child owns the record from here; reap it so it never lingers as a zombie.
	go func() { _ = cmd.Wait() }()

	return rec, nil
}
