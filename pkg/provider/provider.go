// Package provider abstracts the storage endpoints an ingest run touches:
// the agency drop (SFTP, or a local directory standing in for it) and the
// audit archive (S3 or a local directory).
//
// The base interface only lists and stats. Downloads, uploads and deletes
// are capabilities a caller asserts for.
package provider

import (
	"context"
	"time"
)

// Provider lists objects under a root. Implementations are safe for
// concurrent use.
type Provider interface {
	// List returns one page of keys starting with opts.Prefix.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head stats one key. Missing keys yield ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	Close() error
}

type ListOptions struct {
	// Prefix may end mid-name, e.g. "lta/NRO_RES_".
	Prefix string

	ContinuationToken string

	// MaxKeys caps the page. Zero picks the provider default.
	MaxKeys int
}

type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is empty on the last page.
	ContinuationToken string
	IsTruncated       bool
}

// ObjectSummary is what List knows about a key. Keys are slash-separated
// and relative to the provider root.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string // empty for sftp and file
	LastModified time.Time
}

// ObjectMeta is the Head result.
type ObjectMeta struct {
	ObjectSummary

	ContentType string
	Metadata    map[string]string
}

// Walk calls fn for every object under prefix, following continuation
// tokens until the listing is exhausted or fn returns an error.
func Walk(ctx context.Context, p Provider, prefix string, fn func(ObjectSummary) error) error {
	var token string
	for {
		res, err := p.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return err
		}
		for _, obj := range res.Objects {
			if err := fn(obj); err != nil {
				return err
			}
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			return nil
		}
		token = res.ContinuationToken
	}
}

// ProviderType names a backend in errors and config.
type ProviderType string

const (
	ProviderS3   ProviderType = "s3"
	ProviderSFTP ProviderType = "sftp"
	ProviderFile ProviderType = "file"
)

func (p ProviderType) String() string {
	return string(p)
}
