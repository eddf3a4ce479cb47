package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records for an ingest run.
//
// Implementations must be safe for concurrent use; each Write* call emits
// exactly one newline-terminated line.
type Writer interface {
	WriteFile(ctx context.Context, file *FileRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
type JSONLWriter struct {
	w      io.Writer
	jobID  string
	agency string
	now    func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter creates a writer that stamps every record with jobID and
// agency.
func NewJSONLWriter(w io.Writer, jobID, agency string) *JSONLWriter {
	return &JSONLWriter{
		w:      w,
		jobID:  jobID,
		agency: agency,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WriteFile emits a per-file outcome record.
func (jw *JSONLWriter) WriteFile(ctx context.Context, file *FileRecord) error {
	return jw.writeRecord(ctx, TypeFile, file)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close marks the writer as closed. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(Record{
		Type:   recordType,
		TS:     jw.now(),
		JobID:  jw.jobID,
		Agency: jw.agency,
		Data:   payload,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// A short write with a nil error would truncate the line.
	line = append(line, '\n')
	if err := writeAll(jw.w, line); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
