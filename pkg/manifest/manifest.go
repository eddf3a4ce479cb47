// Package manifest loads and validates goingest pipeline manifests.
//
// A pipeline manifest is a YAML or JSON file describing which agencies are
// ingested, where their response files land, how file names are classified
// and how confirmed stages are applied to cases.
//
// Manifests are validated against an embedded JSON Schema before they are
// decoded. Unknown properties are rejected.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	agencies:
//	  - name: LTA
//	    directory: /nro/output
//	    pattern: '^VRL-URA-OFFREPLY-D2-(\d{14})'
//	    key_group: 1
//	    primary_marker: OFFREPLY
//	    decrypt_mode: async
//	transition:
//	  admin_fee: 10.00
//	  timezone: Asia/Singapore
//	run:
//	  concurrency: 4
package manifest

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // agency timezones must resolve on minimal images

	"github.com/3leaps/goingest/pkg/decrypt"
	"github.com/3leaps/goingest/pkg/discovery"
)

// Manifest is a validated pipeline manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Agencies lists the agency profiles. At least one is required.
	Agencies []AgencyConfig `json:"agencies" yaml:"agencies"`

	// Transition tunes the stage transition engine (optional).
	Transition TransitionConfig `json:"transition,omitempty" yaml:"transition,omitempty"`

	// Run tunes the orchestrator (optional).
	Run RunConfig `json:"run,omitempty" yaml:"run,omitempty"`
}

// AgencyConfig describes one agency's drop directory and file naming.
type AgencyConfig struct {
	// Name is the agency code, e.g. "LTA". Stored upper-case.
	Name string `json:"name" yaml:"name"`

	// Directory is the remote directory listed for the agency.
	Directory string `json:"directory" yaml:"directory"`

	// Pattern is a regular expression matched against file names.
	Pattern string `json:"pattern" yaml:"pattern"`

	// KeyGroup is the Pattern submatch holding the group key. Default: 1.
	KeyGroup int `json:"key_group,omitempty" yaml:"key_group,omitempty"`

	// TypeGroup is the Pattern submatch holding the file type. Optional.
	TypeGroup int `json:"type_group,omitempty" yaml:"type_group,omitempty"`

	// PrimaryMarker selects the primary file of a group. Optional.
	PrimaryMarker string `json:"primary_marker,omitempty" yaml:"primary_marker,omitempty"`

	// AckOnlyTypes are archived and removed without parsing. Optional.
	AckOnlyTypes []string `json:"ack_only_types,omitempty" yaml:"ack_only_types,omitempty"`

	// Ignore holds doublestar patterns for names to skip. Optional.
	Ignore []string `json:"ignore,omitempty" yaml:"ignore,omitempty"`

	// DecryptMode is "async" or "sync". Default: "async".
	DecryptMode string `json:"decrypt_mode,omitempty" yaml:"decrypt_mode,omitempty"`
}

// TransitionConfig tunes fee and due-date computation.
type TransitionConfig struct {
	// AdminFee is added when a case reaches a final reminder. Optional.
	AdminFee *float64 `json:"admin_fee,omitempty" yaml:"admin_fee,omitempty"`

	// Timezone names the location used for processing-day midnight.
	// Example: "Asia/Singapore". Default: UTC.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`

	// ChunkSize is the number of cases applied between progress logs.
	ChunkSize int `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`

	// Durations overrides the wait after each stage, e.g. {"RD1": "336h"}.
	Durations map[string]string `json:"durations,omitempty" yaml:"durations,omitempty"`
}

// RunConfig tunes a run.
type RunConfig struct {
	// Concurrency is the number of file groups processed in parallel.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// RateLimit caps files started per second. Zero means unlimited.
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	// RequestTTL fails decrypt requests pending longer than this, e.g. "2h".
	RequestTTL string `json:"request_ttl,omitempty" yaml:"request_ttl,omitempty"`
}

// Default values applied by ApplyDefaults.
const (
	DefaultKeyGroup    = 1
	DefaultDecryptMode = string(decrypt.ModeAsync)
)

// ApplyDefaults fills optional fields.
func (m *Manifest) ApplyDefaults() {
	for i := range m.Agencies {
		a := &m.Agencies[i]
		a.Name = strings.ToUpper(strings.TrimSpace(a.Name))
		if a.KeyGroup == 0 {
			a.KeyGroup = DefaultKeyGroup
		}
		if a.DecryptMode == "" {
			a.DecryptMode = DefaultDecryptMode
		}
	}
}

// DiscoveryAgencies compiles the agency profiles for discovery.New.
func (m *Manifest) DiscoveryAgencies() (map[string]discovery.Agency, error) {
	out := make(map[string]discovery.Agency, len(m.Agencies))
	for _, ac := range m.Agencies {
		if _, dup := out[ac.Name]; dup {
			return nil, fmt.Errorf("agency %s is declared twice", ac.Name)
		}
		re, err := regexp.Compile(ac.Pattern)
		if err != nil {
			return nil, fmt.Errorf("agency %s: invalid pattern: %w", ac.Name, err)
		}
		a := discovery.Agency{
			Name:          ac.Name,
			Directory:     ac.Directory,
			Pattern:       re,
			KeyGroup:      ac.KeyGroup,
			TypeGroup:     ac.TypeGroup,
			PrimaryMarker: ac.PrimaryMarker,
			AckOnlyTypes:  ac.AckOnlyTypes,
			Ignore:        ac.Ignore,
		}
		if err := a.Validate(); err != nil {
			return nil, err
		}
		out[a.Name] = a
	}
	return out, nil
}

// AgencyNames returns the agency codes in declaration order.
func (m *Manifest) AgencyNames() []string {
	out := make([]string, 0, len(m.Agencies))
	for _, a := range m.Agencies {
		out = append(out, a.Name)
	}
	return out
}

// DecryptModes returns the decrypt mode per agency.
func (m *Manifest) DecryptModes() map[string]decrypt.Mode {
	out := make(map[string]decrypt.Mode, len(m.Agencies))
	for _, a := range m.Agencies {
		mode := a.DecryptMode
		if mode == "" {
			mode = DefaultDecryptMode
		}
		out[a.Name] = decrypt.Mode(mode)
	}
	return out
}

// ParseDurations parses the transition duration overrides.
func (t TransitionConfig) ParseDurations() (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(t.Durations))
	for stage, s := range t.Durations {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("transition duration for %s: %w", stage, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("transition duration for %s must not be negative", stage)
		}
		out[strings.ToUpper(stage)] = d
	}
	return out, nil
}

// Location loads the configured timezone, or UTC.
func (t TransitionConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(t.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return nil, fmt.Errorf("transition timezone: %w", err)
	}
	return loc, nil
}

// ParseRequestTTL returns the request TTL, or zero when unset.
func (r RunConfig) ParseRequestTTL() (time.Duration, error) {
	if strings.TrimSpace(r.RequestTTL) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.RequestTTL)
	if err != nil {
		return 0, fmt.Errorf("run.request_ttl: %w", err)
	}
	return d, nil
}

// Check runs the semantic checks the schema cannot express.
func (m *Manifest) Check() error {
	if _, err := m.DiscoveryAgencies(); err != nil {
		return err
	}
	if _, err := m.Transition.ParseDurations(); err != nil {
		return err
	}
	if _, err := m.Transition.Location(); err != nil {
		return err
	}
	_, err := m.Run.ParseRequestTTL()
	return err
}
