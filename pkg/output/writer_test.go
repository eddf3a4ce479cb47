package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedWriter(w io.Writer) *JSONLWriter {
	jw := NewJSONLWriter(w, "job-123", "LTA")
	jw.now = func() time.Time { return time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC) }
	return jw
}

func decodeLine(t *testing.T, line []byte) Record {
	t.Helper()
	var rec Record
	require.NoError(t, json.Unmarshal(line, &rec))
	return rec
}

func TestJSONLWriter_WriteFile(t *testing.T) {
	var buf bytes.Buffer
	w := fixedWriter(&buf)

	err := w.WriteFile(context.Background(), &FileRecord{
		Path:         "/nro/output/NRO_RES_20250102.csv",
		GroupKey:     "NRO_RES_20250102",
		Kind:         "plain",
		State:        "done",
		Stage:        "RD1",
		Updated:      3,
		Cleanup:      "deleted",
		ArchivePaths: []string{"lta/2025-01-02/NRO_RES_20250102.csv"},
	})
	require.NoError(t, err)

	rec := decodeLine(t, buf.Bytes())
	assert.Equal(t, TypeFile, rec.Type)
	assert.Equal(t, "job-123", rec.JobID)
	assert.Equal(t, "LTA", rec.Agency)
	assert.Equal(t, time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC), rec.TS)

	var data FileRecord
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	assert.Equal(t, "/nro/output/NRO_RES_20250102.csv", data.Path)
	assert.Equal(t, 3, data.Updated)
	assert.Equal(t, []string{"lta/2025-01-02/NRO_RES_20250102.csv"}, data.ArchivePaths)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := fixedWriter(&buf)

	require.NoError(t, w.WriteError(context.Background(), &ErrorRecord{
		Phase:   "resolve",
		Code:    "DECRYPT_SUBMIT",
		Message: "gateway returned 503",
		File:    "/nro/output/a.csv.gpg",
	}))

	rec := decodeLine(t, buf.Bytes())
	assert.Equal(t, TypeError, rec.Type)

	var data ErrorRecord
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	assert.Equal(t, "resolve", data.Phase)
	assert.Equal(t, "DECRYPT_SUBMIT", data.Code)
	assert.Empty(t, data.CaseID)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := fixedWriter(&buf)

	require.NoError(t, w.WriteSummary(context.Background(), &SummaryRecord{
		State:          "done",
		Success:        true,
		FilesFound:     4,
		FilesProcessed: 4,
		Duration:       2 * time.Second,
		DurationHuman:  "2s",
	}))

	rec := decodeLine(t, buf.Bytes())
	assert.Equal(t, TypeSummary, rec.Type)
	assert.Contains(t, string(rec.Data), `"duration_ns":2000000000`)
	assert.Contains(t, string(rec.Data), `"duration":"2s"`)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := fixedWriter(&buf)

	require.NoError(t, w.WriteFile(context.Background(), &FileRecord{Path: "/a"}))
	require.NoError(t, w.WriteSummary(context.Background(), &SummaryRecord{}))

	out := buf.String()
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := fixedWriter(&buf)

	require.NoError(t, w.Close())
	err := w.WriteFile(context.Background(), &FileRecord{Path: "/a"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := fixedWriter(&buf)

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = w.WriteFile(context.Background(), &FileRecord{Path: "/a", Updated: id*perWriter + j})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, writers*perWriter)
	for i, line := range lines {
		var rec Record
		assert.NoError(t, json.Unmarshal([]byte(line), &rec), "line %d: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := fixedWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteFile(ctx, &FileRecord{Path: "/a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

type failingWriter struct{ err error }

func (f *failingWriter) Write([]byte) (int, error) { return 0, f.err }

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := fixedWriter(&failingWriter{err: errors.New("disk full")})

	err := w.WriteFile(context.Background(), &FileRecord{Path: "/a"})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
	assert.Equal(t, "output: write: disk full", err.Error())
}

// shortWriteWriter writes at most n bytes per call.
type shortWriteWriter struct {
	buf bytes.Buffer
	n   int
}

func (sw *shortWriteWriter) Write(p []byte) (int, error) {
	if len(p) > sw.n {
		p = p[:sw.n]
	}
	return sw.buf.Write(p)
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{n: 7}
	w := fixedWriter(sw)

	require.NoError(t, w.WriteFile(context.Background(), &FileRecord{Path: "/toppan/out/LOG-D2_0001.txt", State: "done"}))

	lines := strings.Split(strings.TrimSpace(sw.buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, TypeFile, decodeLine(t, []byte(lines[0])).Type)
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write([]byte) (int, error) { return 0, nil }

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := fixedWriter(zeroWriteWriter{})

	err := w.WriteFile(context.Background(), &FileRecord{Path: "/a"})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestFileRecord_OmitEmpty(t *testing.T) {
	b, err := json.Marshal(FileRecord{Path: "/a", Kind: "plain", State: "retained"})
	require.NoError(t, err)

	s := string(b)
	assert.NotContains(t, s, "request_id")
	assert.NotContains(t, s, "archive_paths")
	assert.NotContains(t, s, `"error":`)
	assert.Contains(t, s, `"updated":0`)
}
