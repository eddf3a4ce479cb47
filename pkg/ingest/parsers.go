package ingest

import (
	"time"

	"github.com/3leaps/goingest/pkg/discovery"
	"github.com/3leaps/goingest/pkg/parser"
	"github.com/3leaps/goingest/pkg/parser/lta"
	"github.com/3leaps/goingest/pkg/parser/toppan"
)

// DefaultParsers registers the built-in agency parsers. Dates in files are
// read in loc; nil means UTC.
func DefaultParsers(loc *time.Location) *parser.Registry {
	r := parser.NewRegistry()
	r.Register(discovery.AgencyLTA, lta.New(loc))
	r.Register(discovery.AgencyToppan, toppan.New(loc))
	return r
}
