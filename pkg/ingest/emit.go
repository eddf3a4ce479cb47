package ingest

import (
	"context"

	"github.com/3leaps/goingest/pkg/output"
)

// Emit writes the run as JSONL: one file record per file, one error record
// per recorded error, then a summary record.
func (r *JobResult) Emit(ctx context.Context, w output.Writer) error {
	r.mu.Lock()
	files := append([]*FileReport(nil), r.Files...)
	errs := append([]*JobError(nil), r.Errors...)
	sum := &output.SummaryRecord{
		Trigger:          r.Trigger,
		State:            string(r.State),
		Success:          r.Success,
		FilesFound:       r.FilesFound,
		FilesProcessed:   r.FilesProcessed,
		FilesPending:     r.FilesPending,
		FilesDeleted:     r.FilesDeleted,
		FilesQuarantined: r.FilesQuarantined,
		NoticesUpdated:   r.NoticesUpdated,
		Errors:           len(r.Errors),
	}
	if !r.EndedAt.IsZero() {
		sum.Duration = r.EndedAt.Sub(r.StartedAt)
		sum.DurationHuman = sum.Duration.String()
	}
	r.mu.Unlock()

	for _, f := range files {
		rec := &output.FileRecord{
			Path:         f.File.Path(),
			GroupKey:     f.File.GroupKey,
			Kind:         string(f.File.Kind),
			State:        string(f.State),
			Stage:        f.Stage,
			RequestID:    f.RequestID,
			Cleanup:      string(f.Cleanup),
			ArchivePaths: f.ArchivePaths,
			Error:        f.Error,
		}
		if f.Transition != nil {
			rec.Updated = f.Transition.UpdatedCount
			rec.CaseErrors = f.Transition.ErrorCount
		}
		if err := w.WriteFile(ctx, rec); err != nil {
			return err
		}
	}
	for _, e := range errs {
		if err := w.WriteError(ctx, &output.ErrorRecord{
			Phase:   e.Phase,
			Code:    e.Code,
			Message: e.Message,
			File:    e.File,
			CaseID:  e.CaseID,
		}); err != nil {
			return err
		}
	}

	return w.WriteSummary(ctx, sum)
}
