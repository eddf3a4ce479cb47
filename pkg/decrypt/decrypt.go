// Package decrypt resolves agency files to plaintext.
//
// Plain files are downloaded and archived. Encrypted files are either
// decrypted inline through a SyncDecrypter, or submitted to an external
// service whose answer arrives later through OnDecryptCallback. Outstanding
// requests live in a durable RequestStore so that a callback handled by any
// instance can find them.
package decrypt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/goingest/pkg/remote"
)

// Status is the lifecycle state of a decrypt request.
type Status string

const (
	StatusPending Status = "pending"

	// StatusResuming is held while a callback archives and resumes the
	// file. The file stays claimed until the request leaves it.
	StatusResuming  Status = "resuming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusResuming, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Mode selects how encrypted files are decrypted for an agency.
type Mode string

const (
	// ModeAsync submits a request and waits for a callback.
	ModeAsync Mode = "async"

	// ModeSync decrypts inline through a SyncDecrypter.
	ModeSync Mode = "sync"
)

// ReasonTimeout is recorded on requests expired by ExpireStale.
const ReasonTimeout = "timeout"

// Request correlates an outstanding decrypt call with its source file.
type Request struct {
	RequestID   string    `json:"request_id"`
	AppCode     string    `json:"app_code"`
	Agency      string    `json:"agency"`
	SourceFile  string    `json:"source_file"`
	Directory   string    `json:"directory"`
	GroupKey    string    `json:"group_key,omitempty"`
	FileType    string    `json:"file_type,omitempty"`
	AckOnly     bool      `json:"ack_only,omitempty"`
	ArchiveURL  string    `json:"archive_url,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
}

// SourcePath is the full remote path of the source file.
func (r Request) SourcePath() string {
	return remote.Join(r.Directory, r.SourceFile)
}

// Gateway submits fire-and-forget decrypt requests to the external service.
type Gateway interface {
	RequestDecrypt(ctx context.Context, appCode, operation, fileRef string, metadata map[string]string, requestID string) error
}

// SyncDecrypter is an optional Gateway capability for inline decryption.
type SyncDecrypter interface {
	Decrypt(ctx context.Context, appCode, fileRef string, ciphertext []byte) ([]byte, error)
}

// Resumer re-enters the pipeline at the parse step for one file once its
// plaintext has arrived.
type Resumer interface {
	ResumeFile(ctx context.Context, req Request, plaintext []byte) error
}

// ResumerFunc adapts a function to Resumer.
type ResumerFunc func(ctx context.Context, req Request, plaintext []byte) error

// ResumeFile calls f.
func (f ResumerFunc) ResumeFile(ctx context.Context, req Request, plaintext []byte) error {
	return f(ctx, req, plaintext)
}

var (
	// ErrRequestNotFound is returned when no request has the given ID.
	ErrRequestNotFound = errors.New("decrypt request not found")

	// ErrSyncUnsupported is returned by gateways without a sync endpoint.
	ErrSyncUnsupported = errors.New("synchronous decrypt not supported")
)

// DecryptError is a per-file resolution failure. The source file stays on the
// remote store, so Retryable errors are retried by the next run.
type DecryptError struct {
	Op        string
	File      string
	RequestID string
	Retryable bool
	Err       error
}

func (e *DecryptError) Error() string {
	msg := fmt.Sprintf("decrypt %s %s", e.Op, e.File)
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}

// IsRequestNotFound reports whether err wraps ErrRequestNotFound.
func IsRequestNotFound(err error) bool {
	return errors.Is(err, ErrRequestNotFound)
}
