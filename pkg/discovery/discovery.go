// Package discovery lists agency response files on the remote store and
// classifies them into groups.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/goingest/pkg/provider"
	"github.com/3leaps/goingest/pkg/remote"
)

// Kind classifies how a file is handled.
type Kind string

const (
	// KindEncrypted files are decrypted before parsing.
	KindEncrypted Kind = "encrypted"

	// KindPlain files are parsed directly.
	KindPlain Kind = "plain"

	// KindAckOnly files are plain ack-only files. Encrypted ack-only files
	// stay KindEncrypted and carry RemoteFile.AckOnly instead.
	KindAckOnly Kind = "ack_only"
)

// RemoteFile is an immutable snapshot of a listing entry.
type RemoteFile struct {
	Name         string    `json:"name"`
	Directory    string    `json:"directory"`
	Agency       string    `json:"agency"`
	DiscoveredAt time.Time `json:"discovered_at"`
	GroupKey     string    `json:"group_key"`
	FileType     string    `json:"file_type,omitempty"`
	Kind         Kind      `json:"kind"`

	// AckOnly files are archived and removed without parsing, whether or
	// not they are encrypted.
	AckOnly bool `json:"ack_only,omitempty"`
}

// Path returns the full remote path of the file.
func (f RemoteFile) Path() string {
	return remote.Join(f.Directory, f.Name)
}

// SkipsParse reports whether the file is archived and removed without being
// parsed.
func (f RemoteFile) SkipsParse() bool {
	return f.AckOnly || f.Kind == KindAckOnly
}

// NormalizedName is the file name without the encrypted suffix.
func (f RemoteFile) NormalizedName() string {
	return strings.TrimSuffix(f.Name, EncryptedSuffix)
}

// ClaimChecker reports whether a file already has an outstanding decrypt
// request. Claimed files are skipped by discovery.
type ClaimChecker interface {
	IsClaimed(ctx context.Context, agency, path string) (bool, error)
}

// ErrUnknownAgency is wrapped by DiscoveryError for agencies without a profile.
var ErrUnknownAgency = errors.New("unknown agency")

// DiscoveryError is fatal to a run.
type DiscoveryError struct {
	Agency    string
	Directory string
	Err       error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %s files in %s: %v", e.Agency, e.Directory, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Transient reports whether the remote store was throttled or briefly
// unavailable, so the next scheduled run is likely to succeed.
func (e *DiscoveryError) Transient() bool {
	return provider.IsTransient(e.Err)
}

// Config configures a Discoverer.
type Config struct {
	// Store lists the remote directories (required).
	Store remote.FileStore

	// Agencies maps agency names to profiles. Default: DefaultAgencies().
	Agencies map[string]Agency

	// Claims is optional. When nil no file is treated as claimed.
	Claims ClaimChecker

	Logger *zap.Logger

	// Now is used for DiscoveredAt. Default: time.Now.
	Now func() time.Time
}

// Discoverer finds relevant files for an agency.
type Discoverer struct {
	store    remote.FileStore
	agencies map[string]Agency
	claims   ClaimChecker
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Discoverer.
func New(cfg Config) (*Discoverer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("discovery store is required")
	}
	if cfg.Agencies == nil {
		cfg.Agencies = DefaultAgencies()
	}
	for name, a := range cfg.Agencies {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if name != a.Name {
			return nil, fmt.Errorf("agency key %q does not match profile name %q", name, a.Name)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Discoverer{
		store:    cfg.Store,
		agencies: cfg.Agencies,
		claims:   cfg.Claims,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Agency returns the profile registered under name.
func (d *Discoverer) Agency(name string) (Agency, bool) {
	a, ok := d.agencies[name]
	return a, ok
}

// List returns the relevant, unclaimed files for agency sorted by name.
//
// Any listing or claim lookup failure returns a *DiscoveryError and no files.
func (d *Discoverer) List(ctx context.Context, agency string) ([]RemoteFile, error) {
	a, ok := d.agencies[agency]
	if !ok {
		return nil, &DiscoveryError{Agency: agency, Err: ErrUnknownAgency}
	}

	names, err := d.store.List(ctx, a.Directory)
	if err != nil {
		return nil, &DiscoveryError{Agency: agency, Directory: a.Directory, Err: err}
	}
	sort.Strings(names)

	now := d.now().UTC()
	var files []RemoteFile
	var ignored, claimed int
	for _, name := range names {
		key, fileType, kind, ok := a.Classify(name)
		if !ok {
			ignored++
			continue
		}
		f := RemoteFile{
			Name:         name,
			Directory:    a.Directory,
			Agency:       a.Name,
			DiscoveredAt: now,
			GroupKey:     key,
			FileType:     fileType,
			Kind:         kind,
			AckOnly:      a.IsAckOnly(fileType),
		}
		if d.claims != nil {
			isClaimed, err := d.claims.IsClaimed(ctx, a.Name, f.Path())
			if err != nil {
				return nil, &DiscoveryError{Agency: agency, Directory: a.Directory, Err: fmt.Errorf("claim lookup for %s: %w", name, err)}
			}
			if isClaimed {
				claimed++
				continue
			}
		}
		files = append(files, f)
	}

	d.logger.Debug("Discovered response files",
		zap.String("agency", agency),
		zap.String("directory", a.Directory),
		zap.Int("listed", len(names)),
		zap.Int("matched", len(files)),
		zap.Int("ignored", ignored),
		zap.Int("claimed", claimed),
	)
	return files, nil
}

// GroupByKey groups files by their group key, preserving input order within
// each group.
func GroupByKey(files []RemoteFile) map[string][]RemoteFile {
	groups := make(map[string][]RemoteFile)
	for _, f := range files {
		groups[f.GroupKey] = append(groups[f.GroupKey], f)
	}
	return groups
}

// SortedKeys returns the keys of groups in ascending order.
func SortedKeys(groups map[string][]RemoteFile) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
