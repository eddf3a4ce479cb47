package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goingest/pkg/provider/file"
)

type failingPutter struct {
	mu    sync.Mutex
	calls int
}

func (f *failingPutter) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("bucket unavailable")
}

func TestProviderArchive_UploadToFile(t *testing.T) {
	base := t.TempDir()
	p, err := file.New(file.Config{BaseDir: base})
	require.NoError(t, err)

	a, err := NewProviderArchive(p, "file://"+base)
	require.NoError(t, err)

	res := a.Upload(context.Background(), []byte("payload"), "/lta/20250101/VRL-URA-OFFREPLY-D2-20250101093000.p7")
	require.True(t, res.Success, "upload failed: %v", res.Err)
	assert.Equal(t, int64(7), res.Size)
	assert.Equal(t, "lta/20250101/VRL-URA-OFFREPLY-D2-20250101093000.p7", res.Path)
	assert.Equal(t, "file://"+base+"/lta/20250101/VRL-URA-OFFREPLY-D2-20250101093000.p7", res.URL)

	got, err := os.ReadFile(filepath.Join(base, "lta", "20250101", "VRL-URA-OFFREPLY-D2-20250101093000.p7"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestProviderArchive_UploadFailureIsReported(t *testing.T) {
	putter := &failingPutter{}
	a, err := NewProviderArchive(putter, "s3://archive")
	require.NoError(t, err)

	res := a.Upload(context.Background(), []byte("x"), "toppan/a")
	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "bucket unavailable")
	assert.Equal(t, 1, putter.calls)
}

func TestProviderArchive_EmptyPath(t *testing.T) {
	a, err := NewProviderArchive(&failingPutter{}, "")
	require.NoError(t, err)
	res := a.Upload(context.Background(), []byte("x"), "/")
	assert.False(t, res.Success)
	require.Error(t, res.Err)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "ocms/toppan/DPT-URA-LOG-D2-001", Path("ocms/", "TOPPAN", "DPT-URA-LOG-D2-001"))
	assert.Equal(t, "toppan/DPT-URA-LOG-D2-001", Path("", "TOPPAN", "DPT-URA-LOG-D2-001"))

	d := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, "lta/20250102/file.txt", DatedPath("LTA", d, "file.txt"))
}
