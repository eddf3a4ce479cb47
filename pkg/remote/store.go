// Package remote is the file store abstraction over an agency's
// file-transfer endpoint.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/3leaps/goingest/pkg/provider"
)

// DefaultMaxDownloadBytes bounds a single download when MaxDownloadBytes is unset.
const DefaultMaxDownloadBytes = 64 << 20

// ErrTooLarge indicates a remote file exceeded the download limit.
var ErrTooLarge = errors.New("remote file exceeds download limit")

// FileStore lists, downloads and deletes files on the remote endpoint.
type FileStore interface {
	// List returns the base names of files directly under dir.
	List(ctx context.Context, dir string) ([]string, error)

	// Download returns the full content of the file at p.
	Download(ctx context.Context, p string) ([]byte, error)

	// Delete removes the file at p. It reports false, with no error, when
	// the file was already gone.
	Delete(ctx context.Context, p string) (bool, error)
}

// ProviderStore adapts a provider to FileStore.
type ProviderStore struct {
	p        provider.Provider
	getter   provider.ObjectGetter
	deleter  provider.ObjectDeleter
	maxBytes int64
}

var _ FileStore = (*ProviderStore)(nil)

// Options tunes a ProviderStore.
type Options struct {
	// MaxDownloadBytes caps a single download. Default: 64 MiB.
	MaxDownloadBytes int64
}

// NewProviderStore wraps p. The provider must support reads and deletes.
func NewProviderStore(p provider.Provider, opts Options) (*ProviderStore, error) {
	if p == nil {
		return nil, fmt.Errorf("provider is nil")
	}
	getter, ok := p.(provider.ObjectGetter)
	if !ok {
		return nil, fmt.Errorf("provider does not support downloads")
	}
	deleter, ok := p.(provider.ObjectDeleter)
	if !ok {
		return nil, fmt.Errorf("provider does not support deletes")
	}
	if opts.MaxDownloadBytes <= 0 {
		opts.MaxDownloadBytes = DefaultMaxDownloadBytes
	}
	return &ProviderStore{p: p, getter: getter, deleter: deleter, maxBytes: opts.MaxDownloadBytes}, nil
}

// List pages through the provider and keeps only direct children of dir.
func (s *ProviderStore) List(ctx context.Context, dir string) ([]string, error) {
	prefix := dirPrefix(dir)

	var names []string
	err := provider.Walk(ctx, s.p, prefix, func(obj provider.ObjectSummary) error {
		rest := strings.TrimPrefix(obj.Key, prefix)
		if rest != "" && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Download reads the whole file, failing with ErrTooLarge past the limit.
func (s *ProviderStore) Download(ctx context.Context, p string) ([]byte, error) {
	body, size, err := s.getter.GetObject(ctx, key(p))
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	if size > s.maxBytes {
		return nil, fmt.Errorf("%s: %w (%d > %d bytes)", p, ErrTooLarge, size, s.maxBytes)
	}

	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	n, err := io.Copy(&buf, io.LimitReader(body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", p, err)
	}
	if n > s.maxBytes {
		return nil, fmt.Errorf("%s: %w", p, ErrTooLarge)
	}
	return buf.Bytes(), nil
}

// Delete checks existence first so a repeated delete reports false.
func (s *ProviderStore) Delete(ctx context.Context, p string) (bool, error) {
	k := key(p)
	if _, err := s.p.Head(ctx, k); err != nil {
		if provider.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if err := s.deleter.DeleteObject(ctx, k); err != nil {
		if provider.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Join builds a remote path from a directory and file name.
func Join(dir, name string) string {
	return path.Join("/", dir, name)
}

func dirPrefix(dir string) string {
	d := strings.Trim(path.Clean("/"+dir), "/")
	if d == "" {
		return ""
	}
	return d + "/"
}

func key(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
