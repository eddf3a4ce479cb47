package discovery

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Known agency names.
const (
	AgencyLTA    = "LTA"
	AgencyToppan = "TOPPAN"
)

// EncryptedSuffix marks a file that must be decrypted before parsing.
const EncryptedSuffix = ".p7"

// Agency describes where an agency drops its response files and how their
// names are classified.
type Agency struct {
	// Name is the agency code, e.g. "LTA".
	Name string

	// Directory is the remote directory listed for this agency.
	Directory string

	// Pattern identifies relevant files. Names that do not match are ignored.
	Pattern *regexp.Regexp

	// KeyGroup is the Pattern submatch holding the group key.
	KeyGroup int

	// TypeGroup is the Pattern submatch holding the file type. Zero means the
	// agency has a single file type, named by PrimaryMarker.
	TypeGroup int

	// PrimaryMarker selects the primary file of a group. Empty means the first
	// non-ack-only file is primary.
	PrimaryMarker string

	// AckOnlyTypes are file types that are archived and deleted without parsing.
	AckOnlyTypes []string

	// Ignore holds doublestar patterns matched against file names. Matching
	// files are skipped even when Pattern matches.
	Ignore []string
}

// LTA returns the vehicle registry profile.
func LTA() Agency {
	return Agency{
		Name:          AgencyLTA,
		Directory:     "/nro/output",
		Pattern:       regexp.MustCompile(`^VRL-URA-OFFREPLY-D2-(\d{14})`),
		KeyGroup:      1,
		PrimaryMarker: "OFFREPLY",
	}
}

// Toppan returns the print and registered-mail vendor profile.
func Toppan() Agency {
	return Agency{
		Name:         AgencyToppan,
		Directory:    "/output",
		Pattern:      regexp.MustCompile(`^DPT-URA-(LOG-D2|LOG-PDF|RD2-D2|DN2-D2|PDF-D2)-(\d+)`),
		KeyGroup:     2,
		TypeGroup:    1,
		AckOnlyTypes: []string{"LOG-PDF", "PDF-D2"},
	}
}

// DefaultAgencies returns the built-in agency profiles keyed by name.
func DefaultAgencies() map[string]Agency {
	return map[string]Agency{
		AgencyLTA:    LTA(),
		AgencyToppan: Toppan(),
	}
}

// Validate checks the profile for configuration mistakes.
func (a Agency) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("agency name is required")
	}
	if strings.TrimSpace(a.Directory) == "" {
		return fmt.Errorf("agency %s: directory is required", a.Name)
	}
	if a.Pattern == nil {
		return fmt.Errorf("agency %s: file pattern is required", a.Name)
	}
	groups := a.Pattern.NumSubexp()
	if a.KeyGroup < 1 || a.KeyGroup > groups {
		return fmt.Errorf("agency %s: key group %d out of range (pattern has %d)", a.Name, a.KeyGroup, groups)
	}
	if a.TypeGroup < 0 || a.TypeGroup > groups {
		return fmt.Errorf("agency %s: type group %d out of range (pattern has %d)", a.Name, a.TypeGroup, groups)
	}
	for _, p := range a.Ignore {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("agency %s: invalid ignore pattern %q", a.Name, p)
		}
	}
	return nil
}

// Classify extracts the group key, file type and kind from a file name.
// ok is false when the name is not relevant to this agency. Encryption wins
// over ack-only; use IsAckOnly on fileType for the latter.
func (a Agency) Classify(name string) (groupKey, fileType string, kind Kind, ok bool) {
	if a.ignored(name) {
		return "", "", "", false
	}
	m := a.Pattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", "", false
	}

	groupKey = m[a.KeyGroup]
	fileType = a.PrimaryMarker
	if a.TypeGroup > 0 {
		fileType = m[a.TypeGroup]
	}

	switch {
	case strings.HasSuffix(name, EncryptedSuffix):
		kind = KindEncrypted
	case a.IsAckOnly(fileType):
		kind = KindAckOnly
	default:
		kind = KindPlain
	}
	return groupKey, fileType, kind, true
}

// Primary selects the single primary file of a group: the first file that is
// not ack-only and whose name contains PrimaryMarker.
func (a Agency) Primary(group []RemoteFile) (RemoteFile, bool) {
	for _, f := range group {
		if f.SkipsParse() {
			continue
		}
		if a.PrimaryMarker == "" || strings.Contains(f.Name, a.PrimaryMarker) {
			return f, true
		}
	}
	return RemoteFile{}, false
}

// IsAckOnly reports whether fileType is only acknowledged, never parsed.
func (a Agency) IsAckOnly(fileType string) bool {
	for _, t := range a.AckOnlyTypes {
		if t == fileType {
			return true
		}
	}
	return false
}

func (a Agency) ignored(name string) bool {
	// Temp files from in-flight uploads and other dotfiles are never candidates.
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, p := range a.Ignore {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
