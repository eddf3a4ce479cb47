package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goingest/internal/observability"
	"github.com/3leaps/goingest/pkg/discovery"
	"github.com/3leaps/goingest/pkg/ingest"
	"github.com/3leaps/goingest/pkg/jobregistry"
	"github.com/3leaps/goingest/pkg/output"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingest pass for an agency",
	Long: `Run discovers the agency's response files on the remote store, resolves
their plaintext (decrypting when needed), applies confirmed stages to the
referenced cases and removes files that were fully recorded.

Files awaiting an asynchronous decrypt callback are left in place and resumed
by 'goingest serve' when the callback arrives.

Examples:
  goingest run --agency LTA
  goingest run --agency TOPPAN --json
  goingest run --agency TOPPAN --jsonl > run.jsonl
  goingest run --agency LTA --background`,
	RunE: runIngest,
}

var (
	runAgency     string
	runBackground bool
	runJSON       bool
	runJSONL      bool
	runManagedJob string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runAgency, "agency", "", "Agency code, e.g. LTA or TOPPAN (required)")
	runCmd.Flags().BoolVar(&runBackground, "background", false, "Start the run as a managed background job and return its job id")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the job result as JSON")
	runCmd.Flags().BoolVar(&runJSONL, "jsonl", false, "Print per-file, error and summary records as JSONL")
	runCmd.Flags().StringVar(&runManagedJob, strings.TrimPrefix(jobregistry.ManagedJobFlag, "--"), "", "")
	_ = runCmd.Flags().MarkHidden(strings.TrimPrefix(jobregistry.ManagedJobFlag, "--"))
	_ = runCmd.MarkFlagRequired("agency")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	agency := strings.ToUpper(strings.TrimSpace(runAgency))
	if agency == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing agency", fmt.Errorf("--agency is required"))
	}
	if err := refuseReadOnly("ingest run (processed files are deleted from the remote store)"); err != nil {
		return err
	}

	if runJSON && runJSONL {
		return exitError(foundry.ExitInvalidArgument, "Conflicting output flags", fmt.Errorf("--json and --jsonl are mutually exclusive"))
	}

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}

	if runBackground {
		jobsDir, err := jobsRootDir(cfg)
		if err != nil {
			return err
		}
		rec, err := jobregistry.NewExecutor(jobsDir).StartRunBackground(agency, jobregistry.BackgroundOptions{
			Dedupe:     true,
			ConfigPath: cfgFile,
		})
		if err != nil {
			return exitError(exitFailure, "Failed to start background run", err)
		}
		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		}
		_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\npid=%d\nstdout=%s\nstderr=%s\n", rec.JobID, rec.PID, rec.StdoutPath, rec.StderrPath)
		return nil
	}

	if err := observability.InitCLIAndServerLoggers(appIdentity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer observability.Sync()
	logger := observability.ServerLogger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize pipeline", err)
	}
	defer func() { _ = p.Close() }()

	trigger := "cli"
	if runManagedJob != "" {
		trigger = "background"
		stopHeartbeat := startManagedHeartbeat(ctx, p.jobs, runManagedJob, logger)
		defer stopHeartbeat()
	}

	res, err := p.orchestrator.RunWithOptions(ctx, agency, ingest.RunOptions{JobID: runManagedJob, Trigger: trigger})
	if err != nil {
		var de *discovery.DiscoveryError
		switch {
		case errors.Is(err, ingest.ErrRunInProgress):
			return exitError(exitFailure, "Run already in progress", err)
		case errors.Is(err, discovery.ErrUnknownAgency):
			return exitError(foundry.ExitInvalidArgument, "Unknown agency", err)
		case errors.As(err, &de):
			return exitError(foundry.ExitExternalServiceUnavailable, "Remote store unavailable", err)
		default:
			return exitError(exitFailure, "Ingest run failed", err)
		}
	}

	switch {
	case runJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	case runJSONL:
		w := output.NewJSONLWriter(os.Stdout, res.JobID, res.Agency)
		defer func() { _ = w.Close() }()
		if err := res.Emit(context.WithoutCancel(ctx), w); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write JSONL output", err)
		}
	default:
		printRunSummary(os.Stdout, res)
	}

	if !res.Success {
		return exitError(exitFailure, "Ingest run finished with errors", fmt.Errorf("%d errors recorded in job %s", len(res.Errors), res.JobID))
	}
	return nil
}

func printRunSummary(w io.Writer, res *ingest.JobResult) {
	status := color.GreenString("success")
	if !res.Success {
		status = color.YellowString("partial")
		if res.FilesProcessed == 0 && res.FilesPending == 0 && len(res.Errors) > 0 {
			status = color.RedString("failed")
		}
	}
	_, _ = fmt.Fprintf(w, "%s %s run %s: %s\n", color.CyanString(res.Agency), res.Trigger, shortJobID(res.JobID), status)
	_, _ = fmt.Fprintf(w, "  found %d, processed %d, awaiting decrypt %d, quarantined %d, deleted %d, notices updated %d\n",
		res.FilesFound, res.FilesProcessed, res.FilesPending, res.FilesQuarantined, res.FilesDeleted, res.NoticesUpdated)
	if !res.EndedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "  took %s\n", res.EndedAt.Sub(res.StartedAt).Round(time.Millisecond))
	}
	for _, e := range res.Errors {
		target := e.File
		if e.CaseID != "" {
			target = e.CaseID
		}
		code := e.Code
		if code != "" {
			code = " " + code
		}
		_, _ = fmt.Fprintf(w, "  %s [%s%s] %s: %s\n", color.RedString("error"), e.Phase, code, target, e.Message)
	}
}

const managedHeartbeatInterval = 30 * time.Second

// startManagedHeartbeat refreshes last_heartbeat on the job record while a
// managed run is in progress. It reads the latest record on every tick so
// progress written by the run is never overwritten.
func startManagedHeartbeat(ctx context.Context, store *jobregistry.Store, jobID string, logger *zap.Logger) func() {
	if store == nil || jobID == "" {
		return func() {}
	}

	t := time.NewTicker(managedHeartbeatInterval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				beat(store, jobID, time.Now().UTC(), logger)
			}
		}
	}()

	return func() {
		t.Stop()
		close(done)
		<-stopped
	}
}

func beat(store *jobregistry.Store, jobID string, now time.Time, logger *zap.Logger) {
	err := store.Update(jobID, func(prev *jobregistry.JobRecord) *jobregistry.JobRecord {
		if prev == nil || prev.State.Terminal() {
			return nil
		}
		prev.LastHeartbeat = &now
		return prev
	})
	if err != nil {
		logger.Warn("Failed to write job heartbeat", zap.String("job_id", jobID), zap.Error(err))
	}
}
