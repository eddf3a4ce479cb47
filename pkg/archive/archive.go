// Package archive stores audit copies of agency payloads in durable object
// storage.
//
// Both the encrypted form (as received) and the decrypted form are archived
// before a remote file becomes eligible for deletion.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/3leaps/goingest/pkg/provider"
)

// UploadResult reports the outcome of a single upload.
type UploadResult struct {
	Success bool
	URL     string
	Path    string
	Size    int64
	Err     error
}

// Archive uploads payload copies.
type Archive interface {
	Upload(ctx context.Context, data []byte, p string) UploadResult
}

// ProviderArchive writes archive copies through a provider's PutObject.
type ProviderArchive struct {
	putter  provider.ObjectPutter
	baseURL string
}

var _ Archive = (*ProviderArchive)(nil)

// NewProviderArchive builds an archive over putter. baseURL prefixes the
// URL reported for each upload (e.g. "s3://bucket" or "file:///var/archive").
func NewProviderArchive(putter provider.ObjectPutter, baseURL string) (*ProviderArchive, error) {
	if putter == nil {
		return nil, fmt.Errorf("archive putter is nil")
	}
	return &ProviderArchive{putter: putter, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Upload writes data at p. Failures are returned in the result, never panicked.
func (a *ProviderArchive) Upload(ctx context.Context, data []byte, p string) UploadResult {
	key := strings.TrimPrefix(path.Clean("/"+p), "/")
	res := UploadResult{Path: key, Size: int64(len(data))}
	if key == "" {
		res.Err = fmt.Errorf("archive path is empty")
		return res
	}

	if err := a.putter.PutObject(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		res.Err = fmt.Errorf("archive upload %s: %w", key, err)
		return res
	}

	res.Success = true
	if a.baseURL != "" {
		res.URL = a.baseURL + "/" + key
	} else {
		res.URL = key
	}
	return res
}

// Path returns {folder}/{agency}/{name}.
func Path(folder, agency, name string) string {
	return joinNonEmpty(folder, strings.ToLower(agency), name)
}

// DatedPath returns {agency}/{yyyymmdd}/{name}.
func DatedPath(agency string, date time.Time, name string) string {
	return joinNonEmpty(strings.ToLower(agency), date.Format("20060102"), name)
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
