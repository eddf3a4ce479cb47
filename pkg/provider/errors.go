package provider

import (
	"errors"
	"fmt"
)

// Sentinels carried by ProviderError.Err. Backends map their native errors
// onto these so callers never inspect SDK or SFTP status codes.
var (
	ErrNotFound            = errors.New("object not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrBucketNotFound      = errors.New("bucket not found") // bucket, or sftp root
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrThrottled           = errors.New("request throttled")
)

// ProviderError records the failed operation and the object it touched.
type ProviderError struct {
	Op       string
	Provider ProviderType
	Bucket   string // bucket, sftp host or base directory
	Key      string
	Err      error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Key != "":
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Provider, e.Op, e.Bucket, e.Key, e.Err)
	case e.Bucket != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Bucket, e.Err)
	default:
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool            { return errors.Is(err, ErrNotFound) }
func IsAccessDenied(err error) bool        { return errors.Is(err, ErrAccessDenied) }
func IsBucketNotFound(err error) bool      { return errors.Is(err, ErrBucketNotFound) }
func IsInvalidCredentials(err error) bool  { return errors.Is(err, ErrInvalidCredentials) }
func IsProviderUnavailable(err error) bool { return errors.Is(err, ErrProviderUnavailable) }
func IsThrottled(err error) bool           { return errors.Is(err, ErrThrottled) }

// IsTransient reports errors worth retrying on a later run.
func IsTransient(err error) bool {
	return IsThrottled(err) || IsProviderUnavailable(err)
}
