// Package file implements the provider interface over a local directory.
//
// It backs the archive in single-host deployments and stands in for the
// agency drop directory when the SFTP endpoint is mounted locally. Keys are
// slash-separated paths relative to BaseDir.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/goingest/pkg/provider"
)

const (
	tempPrefix      = ".goingest-put-"
	defaultFileMode = 0o644
	defaultMaxKeys  = 1000
)

type Config struct {
	BaseDir string

	// FileMode for objects written by PutObject. Zero means 0644.
	FileMode os.FileMode

	// Sync fsyncs each object before it becomes visible. Archive
	// deployments on local disks should set it.
	Sync bool
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	if c.FileMode&^os.ModePerm != 0 {
		return fmt.Errorf("file mode %v has non-permission bits", c.FileMode)
	}
	return nil
}

// Provider implements provider.Provider for a local directory.
type Provider struct {
	baseDir string
	mode    os.FileMode
	sync    bool
}

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.ObjectGetter  = (*Provider)(nil)
	_ provider.ObjectPutter  = (*Provider)(nil)
	_ provider.ObjectDeleter = (*Provider)(nil)
)

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode := cfg.FileMode
	if mode == 0 {
		mode = defaultFileMode
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir), mode: mode, sync: cfg.Sync}, nil
}

func (p *Provider) Close() error { return nil }

// List returns keys starting with opts.Prefix in lexical order. The prefix
// may end mid-name ("lta/NRO_RES_"), as with S3.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}

	prefix := strings.TrimPrefix(opts.Prefix, "/")
	keys, err := p.keysWithPrefix(ctx, prefix)
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}

	// The continuation token is the last key of the previous page.
	start := 0
	if opts.ContinuationToken != "" {
		start = sort.Search(len(keys), func(i int) bool { return keys[i] > opts.ContinuationToken })
	}
	end := min(start+maxKeys, len(keys))

	res := &provider.ListResult{Objects: make([]provider.ObjectSummary, 0, end-start)}
	for _, k := range keys[start:end] {
		st, err := os.Stat(p.mustPath(k))
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		res.Objects = append(res.Objects, provider.ObjectSummary{Key: k, Size: st.Size(), LastModified: st.ModTime()})
	}
	if end < len(keys) {
		res.IsTruncated = true
		res.ContinuationToken = keys[end-1]
	}
	return res, nil
}

func (p *Provider) Head(_ context.Context, key string) (*provider.ObjectMeta, error) {
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	if !st.Mode().IsRegular() {
		return nil, p.wrapError("Head", key, fs.ErrNotExist)
	}
	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{Key: strings.TrimPrefix(key, "/"), Size: st.Size(), LastModified: st.ModTime()},
	}, nil
}

func (p *Provider) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	full, err := p.fullPath(key)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	return f, st.Size(), nil
}

// PutObject writes body to a temp file next to the target and renames it
// into place, so readers never see a partial object. A non-negative
// contentLength must match the bytes copied.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return p.wrapError("PutObject", key, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, body)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if contentLength >= 0 && n != contentLength {
		return p.wrapError("PutObject", key, fmt.Errorf("wrote %d bytes, expected %d", n, contentLength))
	}
	if err := tmp.Chmod(p.mode); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if p.sync {
		if err := tmp.Sync(); err != nil {
			return p.wrapError("PutObject", key, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

// DeleteObject removes key. A missing key is not an error.
func (p *Provider) DeleteObject(_ context.Context, key string) error {
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

// fullPath resolves key under baseDir. Cleaning against "/" keeps ".."
// segments from escaping the base.
func (p *Provider) fullPath(key string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(key)), "/")
	if clean == "" {
		return "", fmt.Errorf("empty key")
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

func (p *Provider) mustPath(key string) string {
	return filepath.Join(p.baseDir, filepath.FromSlash(key))
}

// keysWithPrefix walks the deepest directory the prefix names and keeps
// regular files whose key starts with prefix.
func (p *Provider) keysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	walkDir := p.baseDir
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir, err := p.fullPath(prefix[:i])
		if err != nil {
			return nil, err
		}
		walkDir = dir
	}
	if _, err := os.Stat(walkDir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	err := filepath.WalkDir(walkDir, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, full)
		if err != nil {
			return nil
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Bucket: p.baseDir, Key: key, Err: err}
	switch {
	case os.IsNotExist(err):
		wrapped.Err = provider.ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
