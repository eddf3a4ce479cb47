// Package ingest runs the agency response pipeline: discover, resolve,
// parse, apply and clean up.
//
// A run processes file groups on a bounded worker pool. Encrypted files
// submitted for async decryption stay on the remote store; the decrypt
// callback later re-enters the pipeline for that one file through
// ResumeFile.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/goingest/pkg/archive"
	"github.com/3leaps/goingest/pkg/cleanup"
	"github.com/3leaps/goingest/pkg/decrypt"
	"github.com/3leaps/goingest/pkg/discovery"
	"github.com/3leaps/goingest/pkg/jobregistry"
	"github.com/3leaps/goingest/pkg/parser"
	"github.com/3leaps/goingest/pkg/transition"
)

// DefaultConcurrency is the worker pool size when Config.Concurrency is zero.
const DefaultConcurrency = 4

// MessageNoFiles is the result message of a run that found nothing.
const MessageNoFiles = "no response files found"

// QuarantineFolder is the archive folder for unparseable files.
const QuarantineFolder = "quarantine"

// Lister discovers files for an agency.
type Lister interface {
	Agency(name string) (discovery.Agency, bool)
	List(ctx context.Context, agency string) ([]discovery.RemoteFile, error)
}

// Resolver obtains plaintext or defers to an async decrypt.
type Resolver interface {
	Resolve(ctx context.Context, f discovery.RemoteFile) (decrypt.Resolution, error)
	ExpireStale(ctx context.Context, ttl time.Duration) (int64, error)
}

// Applier applies a parsed outcome to cases.
type Applier interface {
	Apply(ctx context.Context, outcome parser.ParsedOutcome) transition.Result
}

// Finalizer removes applied files from the remote store.
type Finalizer interface {
	Finalize(ctx context.Context, f discovery.RemoteFile, applied bool) (cleanup.Outcome, error)
}

// Config configures an Orchestrator.
type Config struct {
	Discoverer Lister
	Resolver   Resolver
	Parsers    *parser.Registry
	Engine     Applier
	Cleanup    Finalizer

	// Archive receives quarantine copies. Optional.
	Archive archive.Archive

	// Jobs records every run and resume. Optional.
	Jobs *jobregistry.Store

	// Locker guards against concurrent runs per agency. Default: NewMemLocker().
	Locker Locker

	// Concurrency is the number of file groups processed in parallel.
	// Default: 4
	Concurrency int

	// RateLimit caps files started per second. Zero means unlimited.
	RateLimit float64

	// RequestTTL fails decrypt requests pending longer than this at the
	// start of each run. Default: decrypt.DefaultRequestTTL.
	RequestTTL time.Duration

	Logger *zap.Logger
	Now    func() time.Time
	NewID  func() string
}

// Orchestrator ties the pipeline components into runs.
type Orchestrator struct {
	cfg     Config
	logger  *zap.Logger
	limiter *rate.Limiter
}

var _ decrypt.Resumer = (*Orchestrator)(nil)

// New validates cfg and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Discoverer == nil:
		return nil, fmt.Errorf("discoverer is required")
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("resolver is required")
	case cfg.Parsers == nil:
		return nil, fmt.Errorf("parser registry is required")
	case cfg.Engine == nil:
		return nil, fmt.Errorf("transition engine is required")
	case cfg.Cleanup == nil:
		return nil, fmt.Errorf("cleanup coordinator is required")
	}
	if cfg.Locker == nil {
		cfg.Locker = NewMemLocker()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = decrypt.DefaultRequestTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	o := &Orchestrator{cfg: cfg, logger: cfg.Logger}
	if cfg.RateLimit > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return o, nil
}

// RunOptions tunes a single run.
type RunOptions struct {
	// JobID reuses a pre-allocated job ID (background runs).
	JobID string

	// Trigger is recorded on the job, e.g. "schedule", "cli" or "http".
	Trigger string
}

// Run processes every file currently on the remote store for agency.
//
// The returned error is a *discovery.DiscoveryError when listing fails, or
// ErrRunInProgress when the agency's lease is held. File and case failures
// are recorded in the result instead.
func (o *Orchestrator) Run(ctx context.Context, agency string) (*JobResult, error) {
	return o.RunWithOptions(ctx, agency, RunOptions{})
}

// RunWithOptions is Run with a job ID and trigger.
func (o *Orchestrator) RunWithOptions(ctx context.Context, agency string, opts RunOptions) (*JobResult, error) {
	agency = strings.ToUpper(strings.TrimSpace(agency))
	profile, ok := o.cfg.Discoverer.Agency(agency)
	if !ok {
		return nil, &discovery.DiscoveryError{Agency: agency, Err: discovery.ErrUnknownAgency}
	}

	release, ok := o.cfg.Locker.TryLock(agency)
	if !ok {
		return nil, ErrRunInProgress
	}
	defer release()

	res := o.newResult(agency, jobregistry.JobKindRun, opts.JobID, opts.Trigger)
	if _, ok := o.cfg.Parsers.Lookup(agency); !ok {
		msg := fmt.Sprintf("no parser registered for agency %s", agency)
		res.addError(&JobError{Phase: PhaseParse, Code: parser.CodeUnsupportedType, Message: msg})
		res.finish(o.cfg.Now().UTC(), msg)
		o.record(res)
		return res, nil
	}
	log := o.logger.With(zap.String("job_id", res.JobID), zap.String("agency", agency))
	log.Info("Starting ingest run")
	o.record(res)

	if _, err := o.cfg.Resolver.ExpireStale(ctx, o.cfg.RequestTTL); err != nil {
		log.Warn("Failed to expire stale decrypt requests", zap.Error(err))
	}

	res.setState(StateDiscovering)
	files, err := o.cfg.Discoverer.List(ctx, agency)
	if err != nil {
		var de *discovery.DiscoveryError
		if !errors.As(err, &de) {
			de = &discovery.DiscoveryError{Agency: agency, Directory: profile.Directory, Err: err}
			err = de
		}
		log.Error("Failed to list remote files", zap.Bool("transient", de.Transient()), zap.Error(err))
		res.addError(&JobError{Phase: PhaseDiscover, Message: err.Error(), Err: err})
		res.mu.Lock()
		res.EndedAt = o.cfg.Now().UTC()
		res.Message = "discovery failed: " + err.Error()
		res.mu.Unlock()
		o.record(res)
		return res, err
	}

	res.FilesFound = len(files)
	if len(files) == 0 {
		res.finish(o.cfg.Now().UTC(), MessageNoFiles)
		log.Info("No response files found")
		o.record(res)
		return res, nil
	}

	res.setState(StateResolving)
	groups := discovery.GroupByKey(files)
	keys := discovery.SortedKeys(groups)

	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, key := range keys {
		sem <- struct{}{}
		wg.Add(1)
		go func(group []discovery.RemoteFile) {
			defer wg.Done()
			defer func() { <-sem }()
			o.processGroup(ctx, res, profile, group)
		}(groups[key])
	}
	wg.Wait()

	res.finish(o.cfg.Now().UTC(), "")
	log.Info("Finished ingest run",
		zap.Bool("success", res.Success),
		zap.Int("files_found", res.FilesFound),
		zap.Int("files_processed", res.FilesProcessed),
		zap.Int("files_pending", res.FilesPending),
		zap.Int("files_deleted", res.FilesDeleted),
		zap.Int("files_quarantined", res.FilesQuarantined),
		zap.Int("notices_updated", res.NoticesUpdated),
		zap.Int("errors", len(res.Errors)))
	o.record(res)
	return res, nil
}

// processGroup handles one group's files in order, primary first.
func (o *Orchestrator) processGroup(ctx context.Context, res *JobResult, profile discovery.Agency, group []discovery.RemoteFile) {
	ordered := make([]discovery.RemoteFile, 0, len(group))
	if primary, ok := profile.Primary(group); ok {
		ordered = append(ordered, primary)
		for _, f := range group {
			if f.Name != primary.Name {
				ordered = append(ordered, f)
			}
		}
	} else {
		ordered = append(ordered, group...)
	}

	for _, f := range ordered {
		if err := o.waitForRateLimit(ctx); err != nil {
			report := &FileReport{File: f, State: StateRetained, Error: err.Error()}
			res.addError(&JobError{File: f.Path(), Phase: PhaseResolve, Message: err.Error(), Err: err})
			res.addFile(report)
			continue
		}
		res.addFile(o.processFile(ctx, res, f))
	}
}

func (o *Orchestrator) waitForRateLimit(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	return o.limiter.Wait(ctx)
}

// processFile runs one file from resolve to cleanup. Nothing here returns an
// error; failures are recorded on res and the file report.
func (o *Orchestrator) processFile(ctx context.Context, res *JobResult, f discovery.RemoteFile) *FileReport {
	report := &FileReport{File: f, State: StateResolving}

	resolution, err := o.cfg.Resolver.Resolve(ctx, f)
	report.ArchivePaths = resolution.ArchivePaths
	if err != nil {
		o.logger.Error("Failed to resolve remote file", zap.String("file", f.Path()), zap.Error(err))
		report.State = StateFailed
		report.RequestID = resolution.RequestID
		report.Error = err.Error()
		res.addError(&JobError{File: f.Path(), Phase: PhaseResolve, Code: resolveCode(err), Message: err.Error(), Err: err})
		return report
	}
	if resolution.Pending {
		report.State = StateAwaitingCallback
		report.RequestID = resolution.RequestID
		o.logger.Info("Awaiting decrypt callback", zap.String("file", f.Path()), zap.String("request_id", resolution.RequestID))
		return report
	}

	o.complete(ctx, res, f, resolution.Plaintext, report)
	return report
}

// complete runs parse, apply and cleanup for a file whose plaintext is
// archived. Ack-only files go straight to cleanup.
func (o *Orchestrator) complete(ctx context.Context, res *JobResult, f discovery.RemoteFile, plaintext []byte, report *FileReport) {
	if f.SkipsParse() {
		o.finalize(ctx, res, f, true, report)
		report.State = StateDone
		return
	}

	report.State = StateParsing
	outcome, err := o.cfg.Parsers.Parse(f.Agency, plaintext, f.NormalizedName())
	if err != nil {
		o.quarantine(ctx, res, f, plaintext, err, report)
		return
	}
	report.Stage = outcome.Stage
	for _, w := range outcome.Warnings {
		o.logger.Warn("Parser warning", zap.String("file", f.Path()), zap.String("warning", w))
	}

	report.State = StateTransitioning
	tr := o.cfg.Engine.Apply(ctx, outcome)
	report.Transition = &tr
	durable := true
	for _, ce := range tr.PerCaseErrors {
		res.addError(&JobError{File: f.Path(), CaseID: ce.CaseID, Phase: PhaseTransition, Code: ce.Code, Message: ce.Error(), Err: ce})
		if ce.Code == transition.CodeStoreError {
			durable = false
		}
	}

	report.State = StateCleaningUp
	if !durable {
		// Keep the file so the next run retries the cases the store refused.
		o.finalize(ctx, res, f, false, report)
		report.State = StateRetained
		return
	}
	o.finalize(ctx, res, f, true, report)
	report.State = StateDone
}

// quarantine copies an unparseable file aside and removes it, so a poison
// file is not retried forever.
func (o *Orchestrator) quarantine(ctx context.Context, res *JobResult, f discovery.RemoteFile, plaintext []byte, parseErr error, report *FileReport) {
	code := ""
	var pe *parser.ParseError
	if errors.As(parseErr, &pe) {
		code = pe.Code
	}
	report.Error = parseErr.Error()
	res.addError(&JobError{File: f.Path(), Phase: PhaseParse, Code: code, Message: parseErr.Error(), Err: parseErr})
	o.logger.Warn("Quarantining unparseable file", zap.String("file", f.Path()), zap.String("code", code), zap.Error(parseErr))

	if pe == nil {
		// Not a content problem; leave the file for the next run.
		o.finalize(ctx, res, f, false, report)
		report.State = StateRetained
		return
	}

	if o.cfg.Archive != nil {
		p := archive.Path(QuarantineFolder, f.Agency, f.NormalizedName())
		up := o.cfg.Archive.Upload(ctx, plaintext, p)
		if !up.Success {
			err := up.Err
			if err == nil {
				err = fmt.Errorf("quarantine upload to %s failed", p)
			}
			o.logger.Error("Failed to archive quarantined file", zap.String("file", f.Path()), zap.Error(err))
			res.addError(&JobError{File: f.Path(), Phase: PhaseParse, Message: err.Error(), Err: err})
			o.finalize(ctx, res, f, false, report)
			report.State = StateRetained
			return
		}
		report.ArchivePaths = append(report.ArchivePaths, up.Path)
	}

	o.finalize(ctx, res, f, true, report)
	report.State = StateQuarantined
}

func (o *Orchestrator) finalize(ctx context.Context, res *JobResult, f discovery.RemoteFile, applied bool, report *FileReport) {
	out, err := o.cfg.Cleanup.Finalize(ctx, f, applied)
	report.Cleanup = out
	if err != nil {
		res.addError(&JobError{File: f.Path(), Phase: PhaseCleanup, Code: "CLEANUP_FAILED", Message: err.Error(), Err: err})
	}
}

// ResumeFile continues a file after its decrypt callback: parse, apply and
// clean up. It records its own single-file job. The returned error is
// non-nil when the file did not complete cleanly.
func (o *Orchestrator) ResumeFile(ctx context.Context, req decrypt.Request, plaintext []byte) error {
	f := discovery.RemoteFile{
		Name:         req.SourceFile,
		Directory:    req.Directory,
		Agency:       req.Agency,
		DiscoveredAt: req.SubmittedAt,
		GroupKey:     req.GroupKey,
		FileType:     req.FileType,
		Kind:         discovery.KindEncrypted,
		AckOnly:      req.AckOnly,
	}

	res := o.newResult(req.Agency, jobregistry.JobKindResume, "", "callback")
	res.FilesFound = 1
	log := o.logger.With(zap.String("job_id", res.JobID), zap.String("request_id", req.RequestID))
	log.Info("Resuming file after decrypt callback", zap.String("file", f.Path()))

	report := &FileReport{File: f, State: StateParsing, RequestID: req.RequestID}
	o.complete(ctx, res, f, plaintext, report)
	res.addFile(report)
	res.finish(o.cfg.Now().UTC(), "")
	o.record(res)

	if report.State != StateDone {
		return fmt.Errorf("file %s ended %s: %s", f.Path(), report.State, report.Error)
	}
	if !res.Success {
		return fmt.Errorf("file %s applied with %d errors", f.Path(), len(res.Errors))
	}
	return nil
}

func (o *Orchestrator) newResult(agency string, kind jobregistry.JobKind, jobID, trigger string) *JobResult {
	if jobID == "" {
		jobID = o.cfg.NewID()
	}
	return &JobResult{
		JobID:     jobID,
		Kind:      kind,
		Agency:    agency,
		Trigger:   trigger,
		State:     StateIdle,
		StartedAt: o.cfg.Now().UTC(),
	}
}

func (o *Orchestrator) record(res *JobResult) {
	if o.cfg.Jobs == nil {
		return
	}
	next := res.Record(os.Getpid())
	err := o.cfg.Jobs.Update(next.JobID, func(prev *jobregistry.JobRecord) *jobregistry.JobRecord {
		if prev != nil {
			// Background runs are pre-registered by the executor with log paths.
			next.CreatedAt = prev.CreatedAt
			next.StdoutPath = prev.StdoutPath
			next.StderrPath = prev.StderrPath
			if next.LastHeartbeat == nil {
				next.LastHeartbeat = prev.LastHeartbeat
			}
			if prev.State == jobregistry.JobStateStopping && !next.State.Terminal() {
				next.State = prev.State
			}
		}
		return next
	})
	if err != nil {
		o.logger.Warn("Failed to write job record", zap.String("job_id", res.JobID), zap.Error(err))
	}
}

func resolveCode(err error) string {
	var de *decrypt.DecryptError
	if errors.As(err, &de) {
		return "DECRYPT_" + strings.ToUpper(de.Op)
	}
	return ""
}
