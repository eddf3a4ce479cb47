// Package sftp implements the provider interface for SFTP endpoints.
//
// Agencies drop their response files on an SFTP server; this provider is the
// production backend for the remote file store.
package sftp

import (
	"strings"
	"time"
)

// Config configures an SFTP provider.
//
// Authentication uses either Password or PrivateKey (PEM). When both are
// set, the key is offered first.
//
// Host key verification uses KnownHostsFile. InsecureIgnoreHostKey disables
// verification and exists for local test servers only.
type Config struct {
	// Host is the SFTP server hostname (required).
	Host string

	// Port is the SSH port. Default: 22.
	Port int

	// User is the login user (required).
	User string

	// Password is used for password authentication.
	Password string

	// PrivateKey is a PEM-encoded private key.
	PrivateKey []byte

	// PrivateKeyPassphrase decrypts PrivateKey when it is encrypted.
	PrivateKeyPassphrase string

	// KnownHostsFile is an OpenSSH known_hosts file used to verify the server.
	KnownHostsFile string

	// InsecureIgnoreHostKey skips host key verification.
	InsecureIgnoreHostKey bool

	// BaseDir is the remote root that keys are resolved against. Default: "/".
	BaseDir string

	// DialTimeout bounds TCP connect plus SSH handshake. Default: 30s.
	DialTimeout time.Duration

	// MaxKeys is the default page size for List operations. Default: 1000.
	MaxKeys int
}

// DefaultPort is the standard SSH port.
const DefaultPort = 22

// DefaultDialTimeout bounds connection setup when Config.DialTimeout is zero.
const DefaultDialTimeout = 30 * time.Second

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return &ConfigError{Field: "Host", Message: "host is required"}
	}
	if strings.TrimSpace(c.User) == "" {
		return &ConfigError{Field: "User", Message: "user is required"}
	}
	if c.Password == "" && len(c.PrivateKey) == 0 {
		return &ConfigError{Field: "Password/PrivateKey", Message: "password or private key is required"}
	}
	if c.KnownHostsFile == "" && !c.InsecureIgnoreHostKey {
		return &ConfigError{Field: "KnownHostsFile", Message: "known hosts file is required unless host key checking is disabled"}
	}
	if c.Port < 0 || c.Port > 65535 {
		return &ConfigError{Field: "Port", Message: "port must be between 0 and 65535"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "sftp config: " + e.Field + ": " + e.Message
}
