// Package s3 implements the provider interface for the S3 audit archive.
//
// Archived agency payloads are written once and never rewritten, so the
// provider is tuned for puts: every object can carry server-side encryption,
// a storage class and an integrity checksum. Credentials resolve through the
// AWS SDK v2 default chain unless static keys are configured.
package s3

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config configures an S3 provider.
//
// For S3-compatible stores (MinIO, Wasabi) set Endpoint and usually
// ForcePathStyle.
type Config struct {
	Bucket string

	// Region falls back to env/profile, then to us-east-1 for AWS proper.
	// No default is applied when Endpoint is set.
	Region   string
	Endpoint string
	Profile  string

	// Static credentials take precedence over the default chain and must be
	// set together.
	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool

	// Prefix is prepended to every key, e.g. "audit/ingest".
	Prefix string

	// ServerSideEncryption is "", "AES256" or "aws:kms".
	ServerSideEncryption string

	// KMSKeyID selects the key for aws:kms. Empty uses the bucket default.
	KMSKeyID string

	// StorageClass for new objects, e.g. "STANDARD_IA". Empty uses the
	// bucket default.
	StorageClass string

	// MaxKeys is the default List page size (capped at 1000).
	MaxKeys int
}

const (
	DefaultMaxKeys   = 1000
	MaxAllowedKeys   = 1000
	DefaultAWSRegion = "us-east-1"

	sseAES256 = string(types.ServerSideEncryptionAes256)
	sseKMS    = string(types.ServerSideEncryptionAwsKms)
)

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}

	switch c.ServerSideEncryption {
	case "", sseAES256, sseKMS:
	default:
		return &ConfigError{Field: "ServerSideEncryption", Message: "must be AES256 or aws:kms, got " + c.ServerSideEncryption}
	}
	if c.KMSKeyID != "" && c.ServerSideEncryption != sseKMS {
		return &ConfigError{Field: "KMSKeyID", Message: "requires server side encryption aws:kms"}
	}

	if c.StorageClass != "" && !knownStorageClass(c.StorageClass) {
		return &ConfigError{Field: "StorageClass", Message: "unknown storage class " + c.StorageClass}
	}
	if strings.Contains(c.Prefix, "..") {
		return &ConfigError{Field: "Prefix", Message: "must not contain .."}
	}
	return nil
}

func knownStorageClass(sc string) bool {
	for _, v := range types.StorageClass("").Values() {
		if string(v) == sc {
			return true
		}
	}
	return false
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
