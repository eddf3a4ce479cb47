package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goingest/pkg/provider"
	"github.com/3leaps/goingest/pkg/provider/file"
)

func newFileStore(t *testing.T, opts Options) (*ProviderStore, string) {
	t.Helper()
	base := t.TempDir()
	p, err := file.New(file.Config{BaseDir: base})
	require.NoError(t, err)
	s, err := NewProviderStore(p, opts)
	require.NoError(t, err)
	return s, base
}

func writeFile(t *testing.T, base, rel, content string) {
	t.Helper()
	full := filepath.Join(base, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestProviderStore_ListDirectChildrenOnly(t *testing.T) {
	s, base := newFileStore(t, Options{})
	writeFile(t, base, "nro/output/VRL-URA-OFFREPLY-D2-20250101093000", "x")
	writeFile(t, base, "nro/output/archive/old.txt", "y")
	writeFile(t, base, "nro/other.txt", "z")

	names, err := s.List(context.Background(), "/nro/output")
	require.NoError(t, err)
	assert.Equal(t, []string{"VRL-URA-OFFREPLY-D2-20250101093000"}, names)
}

func TestProviderStore_ListMissingDir(t *testing.T) {
	s, _ := newFileStore(t, Options{})
	names, err := s.List(context.Background(), "/output")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestProviderStore_Download(t *testing.T) {
	s, base := newFileStore(t, Options{})
	writeFile(t, base, "output/a.log", "hello")

	data, err := s.Download(context.Background(), "/output/a.log")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = s.Download(context.Background(), "/output/missing.log")
	require.Error(t, err)
	assert.True(t, provider.IsNotFound(err))
}

func TestProviderStore_DownloadLimit(t *testing.T) {
	s, base := newFileStore(t, Options{MaxDownloadBytes: 4})
	writeFile(t, base, "output/big.log", "too large")

	_, err := s.Download(context.Background(), "/output/big.log")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestProviderStore_DeleteIsIdempotent(t *testing.T) {
	s, base := newFileStore(t, Options{})
	writeFile(t, base, "output/a.log", "hello")

	deleted, err := s.Delete(context.Background(), "/output/a.log")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(context.Background(), "/output/a.log")
	require.NoError(t, err)
	assert.False(t, deleted)
}

type listOnly struct{}

func (listOnly) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	return &provider.ListResult{}, nil
}
func (listOnly) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) { return nil, nil }
func (listOnly) Close() error                                                    { return nil }

func TestNewProviderStore_RequiresCapabilities(t *testing.T) {
	_, err := NewProviderStore(nil, Options{})
	require.Error(t, err)

	_, err = NewProviderStore(listOnly{}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "downloads")
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "/nro/output/a", Join("/nro/output", "a"))
	assert.Equal(t, "/output/a", Join("output/", "a"))
}
