package transition

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/goingest/pkg/parser"
)

// Config configures an Engine.
type Config struct {
	Store CaseStore

	// Graph defines the lifecycle. Default: DefaultGraph().
	Graph *Graph

	// Durations maps a confirmed stage to the wait before its successor is
	// due. Missing stages use DefaultDurations(); unknown ones use zero.
	Durations map[string]time.Duration

	// AdminFee is charged on entering a final-reminder stage.
	// Default: DefaultAdminFee. Negative values are rejected.
	AdminFee float64

	// ChunkSize bounds cases per progress log. Default: DefaultChunkSize.
	ChunkSize int

	// Location defines midnight for next-stage dates. Default: UTC.
	Location *time.Location

	Logger *zap.Logger
	Now    func() time.Time
}

// Engine applies ParsedOutcomes to a CaseStore.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewEngine validates cfg and fills defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("case store is required")
	}
	if cfg.Graph == nil {
		cfg.Graph = DefaultGraph()
	}
	durations := DefaultDurations()
	for stage, d := range cfg.Durations {
		if d < 0 {
			return nil, fmt.Errorf("duration for stage %s must not be negative", stage)
		}
		durations[stage] = d
	}
	cfg.Durations = durations
	if cfg.AdminFee < 0 {
		return nil, fmt.Errorf("admin fee must not be negative")
	}
	if cfg.AdminFee == 0 {
		cfg.AdminFee = DefaultAdminFee
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{cfg: cfg, logger: cfg.Logger}, nil
}

// Graph returns the engine's stage graph.
func (e *Engine) Graph() *Graph { return e.cfg.Graph }

// Apply writes the outcome case by case. A failure on one case is recorded
// in the result and never stops the others.
func (e *Engine) Apply(ctx context.Context, outcome parser.ParsedOutcome) Result {
	outcome = parser.Normalize(outcome)
	var res Result

	if outcome.AuxiliaryOnly {
		e.chunked(outcome.SuccessfulCaseIDs, outcome, "postal numbers", func(id string) {
			e.applyAuxiliary(ctx, id, outcome, &res)
		})
	} else {
		stage := outcome.Stage
		if !e.cfg.Graph.Known(stage) || len(e.cfg.Graph.Predecessors(stage)) == 0 {
			for _, id := range outcome.SuccessfulCaseIDs {
				res.addError(id, CodeUnknownStage, fmt.Errorf("stage %q cannot be confirmed by an agency outcome", stage))
			}
		} else {
			due := e.nextStageDate(stage, outcome.ProcessedAt)
			e.chunked(outcome.SuccessfulCaseIDs, outcome, "stage advances", func(id string) {
				e.advance(ctx, id, stage, due, outcome, &res)
			})
		}
	}

	for _, id := range outcome.FailedCaseIDs {
		if err := e.cfg.Store.RecordError(ctx, id, ErrorStatusAgency); err != nil {
			res.addError(id, storeCode(err), err)
			continue
		}
		res.FlaggedCount++
	}

	e.logger.Info("Applied outcome",
		zap.String("source_file", outcome.SourceFile),
		zap.String("stage", outcome.Stage),
		zap.Int("updated", res.UpdatedCount),
		zap.Int("flagged", res.FlaggedCount),
		zap.Int("unchanged", res.UnchangedCount),
		zap.Int("errors", res.ErrorCount))
	return res
}

func (e *Engine) chunked(ids []string, outcome parser.ParsedOutcome, what string, fn func(id string)) {
	size := e.cfg.ChunkSize
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		for _, id := range ids[start:end] {
			fn(id)
		}
		e.logger.Debug("Applied chunk of "+what,
			zap.String("source_file", outcome.SourceFile),
			zap.Int("done", end),
			zap.Int("total", len(ids)))
	}
}

func (e *Engine) advance(ctx context.Context, id, stage string, due time.Time, outcome parser.ParsedOutcome, res *Result) {
	rec, err := e.cfg.Store.GetStage(ctx, id)
	if err != nil {
		res.addError(id, storeCode(err), err)
		return
	}

	if rec.LastStage == stage {
		// The same response applied earlier; keep any new postal number.
		if regn, ok := outcome.Aux(id, parser.AuxPostalRegnNo); ok && regn != rec.PostalRegnNo {
			if err := e.cfg.Store.SetPostalRegnNo(ctx, id, regn); err != nil {
				res.addError(id, storeCode(err), err)
				return
			}
		}
		res.UnchangedCount++
		return
	}

	if !e.cfg.Graph.expects(stage, rec.LastStage) {
		res.addError(id, CodeStageMismatch,
			fmt.Errorf("case is at %q, outcome %s expects one of %v", rec.LastStage, stage, e.cfg.Graph.Predecessors(stage)))
		return
	}

	next, _ := e.cfg.Graph.Successor(stage)
	u := StageUpdate{
		CaseID:        id,
		ExpectedStage: rec.LastStage,
		PrevStage:     rec.LastStage,
		LastStage:     stage,
		NextStage:     next,
		NextStageDate: due,
	}
	if e.cfg.Graph.IsFinal(next) {
		fee := e.cfg.AdminFee
		payable := roundCents(rec.CompositionAmount + fee)
		u.AdministrationFee = &fee
		u.AmountPayable = &payable
	}
	if regn, ok := outcome.Aux(id, parser.AuxPostalRegnNo); ok {
		u.PostalRegnNo = &regn
	}

	if err := e.cfg.Store.UpdateStage(ctx, u); err != nil {
		res.addError(id, storeCode(err), err)
		return
	}
	res.UpdatedCount++
}

func (e *Engine) applyAuxiliary(ctx context.Context, id string, outcome parser.ParsedOutcome, res *Result) {
	regn, ok := outcome.Aux(id, parser.AuxPostalRegnNo)
	if !ok {
		return
	}
	if err := e.cfg.Store.SetPostalRegnNo(ctx, id, regn); err != nil {
		res.addError(id, storeCode(err), err)
		return
	}
	res.UpdatedCount++
}

// nextStageDate is midnight of the processing day plus the stage's wait.
func (e *Engine) nextStageDate(stage string, processedAt time.Time) time.Time {
	if processedAt.IsZero() {
		processedAt = e.cfg.Now()
	}
	t := processedAt.In(e.cfg.Location)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, e.cfg.Location)
	return midnight.Add(e.cfg.Durations[stage])
}

func storeCode(err error) string {
	switch {
	case IsCaseNotFound(err):
		return CodeCaseNotFound
	case IsStageConflict(err):
		return CodeStageConflict
	default:
		return CodeStoreError
	}
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
