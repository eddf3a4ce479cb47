package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/goingest/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage ingest job records",
	Long: `Manage job records written by ingest runs and decrypt resumes.

Every run (foreground, background, scheduled or HTTP-triggered) and every
decrypt callback resume writes a job.json under the jobs directory. Job IDs
can be shortened to any unique prefix.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a running background job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show logs for a background job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete finished job records older than --max-age",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("agency", "", "Only jobs for this agency")
	jobsListCmd.Flags().String("kind", "", "Only jobs of this kind: run or resume")
	jobsListCmd.Flags().String("state", "", "Only jobs in this state")
	jobsListCmd.Flags().Int("limit", 0, "Maximum jobs to show (0 = all)")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
	jobsLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = no tail)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output")
	jobsGCCmd.Flags().String("max-age", "168h", "Delete finished jobs that ended longer ago than this")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

// openJobStore resolves the jobs directory from config without opening any
// other component.
func openJobStore(cmd *cobra.Command) (*jobregistry.Store, error) {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, err
	}
	root, err := jobsRootDir(cfg)
	if err != nil {
		return nil, err
	}
	return jobregistry.NewStore(root), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	agency, _ := cmd.Flags().GetString("agency")
	kind, _ := cmd.Flags().GetString("kind")
	state, _ := cmd.Flags().GetString("state")
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := openJobStore(cmd)
	if err != nil {
		return err
	}
	jobs, err := store.List(jobregistry.ListFilter{
		Agency: strings.TrimSpace(agency),
		Kind:   jobregistry.JobKind(strings.ToLower(strings.TrimSpace(kind))),
		State:  jobregistry.JobState(strings.ToLower(strings.TrimSpace(state))),
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		if jobs == nil {
			jobs = []jobregistry.JobRecord{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}
	return writeJobsTable(os.Stdout, jobs)
}

func writeJobsTable(out io.Writer, jobs []jobregistry.JobRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB ID\tKIND\tAGENCY\tSTATE\tTRIGGER\tSTARTED\tENDED\tFOUND\tDONE\tPENDING\tERRORS")
	for _, j := range jobs {
		trigger := j.Trigger
		if trigger == "" {
			trigger = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			shortJobID(j.JobID),
			j.Kind,
			j.Agency,
			j.State,
			trigger,
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
			j.Counts.FilesFound,
			j.Counts.FilesProcessed,
			j.Counts.FilesPending,
			len(j.Errors),
		)
	}
	return w.Flush()
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openJobStore(cmd)
	if err != nil {
		return err
	}
	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return err
	}
	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	writeJobStatus(os.Stdout, rec)
	return nil
}

func writeJobStatus(w io.Writer, rec *jobregistry.JobRecord) {
	_, _ = fmt.Fprintf(w, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(w, "kind=%s\n", rec.Kind)
	_, _ = fmt.Fprintf(w, "agency=%s\n", rec.Agency)
	_, _ = fmt.Fprintf(w, "state=%s\n", rec.State)
	if rec.Trigger != "" {
		_, _ = fmt.Fprintf(w, "trigger=%s\n", rec.Trigger)
	}
	if rec.RequestID != "" {
		_, _ = fmt.Fprintf(w, "request_id=%s\n", rec.RequestID)
	}
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(w, "pid=%d\n", rec.PID)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(w, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(w, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.LastHeartbeat != nil {
		_, _ = fmt.Fprintf(w, "last_heartbeat=%s\n", rec.LastHeartbeat.UTC().Format(time.RFC3339))
	}
	c := rec.Counts
	_, _ = fmt.Fprintf(w, "files_found=%d files_processed=%d files_pending=%d files_deleted=%d files_quarantined=%d notices_updated=%d\n",
		c.FilesFound, c.FilesProcessed, c.FilesPending, c.FilesDeleted, c.FilesQuarantined, c.NoticesUpdated)
	if rec.Message != "" {
		_, _ = fmt.Fprintf(w, "message=%s\n", rec.Message)
	}
	for _, e := range rec.Errors {
		target := e.File
		if e.CaseID != "" {
			target = e.CaseID
		}
		code := e.Code
		if code == "" {
			code = "-"
		}
		_, _ = fmt.Fprintf(w, "error phase=%s code=%s target=%s: %s\n", e.Phase, code, target, e.Message)
	}
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	sigStr, _ := cmd.Flags().GetString("signal")
	sigStr = strings.TrimSpace(strings.ToLower(sigStr))
	if sigStr == "" {
		sigStr = "term"
	}
	if sigStr != "term" && sigStr != "kill" {
		return fmt.Errorf("invalid --signal %q (expected term or kill)", sigStr)
	}

	store, err := openJobStore(cmd)
	if err != nil {
		return err
	}
	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return err
	}
	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}
	if rec.PID <= 0 {
		return fmt.Errorf("job has no pid recorded")
	}
	if rec.PID == os.Getpid() {
		return fmt.Errorf("job %s belongs to this process", shortJobID(rec.JobID))
	}
	if rec.State != jobregistry.JobStateRunning {
		return fmt.Errorf("job is not running (state=%s)", rec.State)
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	sig := syscall.SIGTERM
	if sigStr == "kill" {
		sig = syscall.SIGKILL
	}

	markJob(store, rec.JobID, jobregistry.JobStateStopping)
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal %s: %w", sigStr, err)
	}

	if sig == syscall.SIGKILL {
		markJob(store, rec.JobID, jobregistry.JobStateStopped)
		_, _ = fmt.Fprintln(os.Stdout, "sent=kill")
		return nil
	}

	// A terminated run records its partial result first; give it time.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if !isProcessAlive(rec.PID) {
			markJob(store, rec.JobID, jobregistry.JobStateStopped)
			_, _ = fmt.Fprintln(os.Stdout, "sent=term")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}

	_ = proc.Signal(syscall.SIGKILL)
	markJob(store, rec.JobID, jobregistry.JobStateStopped)
	_, _ = fmt.Fprintln(os.Stdout, "sent=term;forced=kill")
	return nil
}

// markJob moves a job to state, keeping whatever the run last recorded.
func markJob(store *jobregistry.Store, jobID string, state jobregistry.JobState) {
	_ = store.Update(jobID, func(prev *jobregistry.JobRecord) *jobregistry.JobRecord {
		if prev == nil {
			return nil
		}
		now := time.Now().UTC()
		prev.State = state
		prev.LastHeartbeat = &now
		if state.Terminal() && prev.EndedAt == nil {
			prev.EndedAt = &now
		}
		return prev
	})
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.TrimSpace(strings.ToLower(stream))
	if stream == "" {
		stream = "stdout"
	}
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	store, err := openJobStore(cmd)
	if err != nil {
		return err
	}
	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return err
	}
	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}

	var paths []string
	switch stream {
	case "stdout":
		paths = []string{rec.StdoutPath}
	case "stderr":
		paths = []string{rec.StderrPath}
	case "both":
		paths = []string{rec.StdoutPath, rec.StderrPath}
	default:
		return fmt.Errorf("invalid --stream %q (expected stdout, stderr, or both)", stream)
	}
	for _, p := range paths {
		if p == "" {
			return fmt.Errorf("job %s has no captured logs (only background runs do)", shortJobID(rec.JobID))
		}
	}

	if follow {
		if len(paths) > 1 {
			return fmt.Errorf("--follow needs a single --stream")
		}
		return followLog(cmd, paths[0])
	}
	for _, p := range paths {
		if err := printLogTail(os.Stdout, p, tailN); err != nil {
			return err
		}
	}
	return nil
}

func printLogTail(out io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(out, f)
		return err
	}
	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(out, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	buf := make([]string, 0, n)
	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// followLog prints the file and then polls for appended content until the
// command context is cancelled.
func followLog(cmd *cobra.Command, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ctx := cmd.Context()
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			_, _ = fmt.Fprint(os.Stdout, line)
		}
		if err == nil {
			continue
		}
		if err != io.EOF {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(250 * time.Millisecond):
		}
	}
}

type jobsGCResult struct {
	Deleted     int      `json:"deleted"`
	WouldDelete int      `json:"would_delete"`
	DryRun      bool     `json:"dry_run"`
	MaxAge      string   `json:"max_age"`
	JobIDs      []string `json:"job_ids,omitempty"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return fmt.Errorf("invalid --max-age: %w", err)
	}
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be > 0")
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if !dryRun {
		if err := refuseReadOnly("jobs gc"); err != nil {
			return err
		}
	}

	store, err := openJobStore(cmd)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	res := jobsGCResult{DryRun: dryRun, MaxAge: maxAgeStr}
	if dryRun {
		jobs, err := store.List(jobregistry.ListFilter{})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if j.State.Terminal() && j.EndedAt != nil && j.EndedAt.Before(cutoff) {
				res.JobIDs = append(res.JobIDs, j.JobID)
			}
		}
		res.WouldDelete = len(res.JobIDs)
	} else {
		res.JobIDs, err = store.GC(cutoff)
		if err != nil {
			return err
		}
		res.Deleted = len(res.JobIDs)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", res.WouldDelete)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", res.Deleted)
	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func resolveJobID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}
	if strings.ContainsAny(input, `/\`) || input == "." || input == ".." {
		return "", fmt.Errorf("invalid job_id %q", input)
	}

	// Exact match first.
	if _, err := store.Get(input); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := store.List(jobregistry.ListFilter{})
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id or --json", len(matches))
	}
	return matches[0], nil
}
