package transition

import (
	"fmt"
	"sort"
	"time"
)

// Stage codes.
const (
	StageNPA = "NPA"
	StageROV = "ROV"
	StageRD1 = "RD1"
	StageRD2 = "RD2"
	StageRR3 = "RR3"
	StageDN1 = "DN1"
	StageDN2 = "DN2"
	StageDR3 = "DR3"
	StageCPC = "CPC"
)

// Graph is the directed stage lifecycle. Each stage has at most one
// successor; a stage may have several predecessors (paths converge on CPC).
type Graph struct {
	next  map[string]string
	prev  map[string][]string
	final map[string]bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		next:  make(map[string]string),
		prev:  make(map[string][]string),
		final: make(map[string]bool),
	}
}

// DefaultGraph is the owner, driver and registry lookup lifecycle.
//
//	NPA -> ROV -> RD1 -> RD2 -> RR3 -> CPC
//	              DN1 -> DN2 -> DR3 -> CPC
func DefaultGraph() *Graph {
	g := NewGraph()
	g.MustPath(StageNPA, StageROV, StageRD1, StageRD2, StageRR3, StageCPC)
	g.MustPath(StageDN1, StageDN2, StageDR3, StageCPC)
	g.MarkFinal(StageRR3, StageDR3)
	return g
}

// Path adds the edges stages[0]->stages[1]->... A stage that already has a
// different successor is rejected.
func (g *Graph) Path(stages ...string) error {
	for i := 0; i+1 < len(stages); i++ {
		from, to := stages[i], stages[i+1]
		if from == "" || to == "" || from == to {
			return fmt.Errorf("invalid edge %q -> %q", from, to)
		}
		if existing, ok := g.next[from]; ok {
			if existing != to {
				return fmt.Errorf("stage %s already advances to %s", from, existing)
			}
			continue
		}
		g.next[from] = to
		g.prev[to] = append(g.prev[to], from)
	}
	return nil
}

// MustPath is Path for static graphs.
func (g *Graph) MustPath(stages ...string) {
	if err := g.Path(stages...); err != nil {
		panic(err)
	}
}

// MarkFinal flags final-reminder stages. Advancing into one adds the
// administration fee.
func (g *Graph) MarkFinal(stages ...string) {
	for _, s := range stages {
		g.final[s] = true
	}
}

// Successor returns the stage after s.
func (g *Graph) Successor(s string) (string, bool) {
	n, ok := g.next[s]
	return n, ok
}

// Predecessors returns the stages a case must be at for an outcome
// confirming s to apply.
func (g *Graph) Predecessors(s string) []string {
	return append([]string(nil), g.prev[s]...)
}

// Known reports whether s appears anywhere in the graph.
func (g *Graph) Known(s string) bool {
	_, hasNext := g.next[s]
	_, hasPrev := g.prev[s]
	return hasNext || hasPrev
}

// IsFinal reports whether s is a final-reminder stage.
func (g *Graph) IsFinal(s string) bool {
	return g.final[s]
}

// Stages lists every stage, sorted.
func (g *Graph) Stages() []string {
	seen := make(map[string]struct{})
	for from, to := range g.next {
		seen[from] = struct{}{}
		seen[to] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) expects(s, current string) bool {
	for _, p := range g.prev[s] {
		if p == current {
			return true
		}
	}
	return false
}

// DefaultDurations is the wait between a stage being confirmed and the case
// becoming due for the next one.
func DefaultDurations() map[string]time.Duration {
	const day = 24 * time.Hour
	return map[string]time.Duration{
		StageROV: 0,
		StageRD1: 14 * day,
		StageDN1: 14 * day,
		StageRD2: 21 * day,
		StageDN2: 21 * day,
		StageRR3: 28 * day,
		StageDR3: 28 * day,
	}
}
