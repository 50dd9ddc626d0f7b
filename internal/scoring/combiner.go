// Package scoring combines model and rule outputs into the final
// score event.
package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
)

// EngineVersion tags every emitted score event.
const EngineVersion = "kestrel-1.0"

// Combiner blends the ensemble model score with the rule score and
// assigns the risk category.
type Combiner struct {
	ruleInfluence float64
	bands         domain.Bands
}

// NewCombiner creates a combiner from scoring configuration.
func NewCombiner(cfg *domain.ScoringConfig) *Combiner {
	influence := cfg.RuleInfluence
	if influence <= 0 {
		influence = 1.0
	}

	bands := cfg.Bands
	if bands.Medium <= 0 || bands.High <= bands.Medium || bands.Critical <= bands.High {
		bands = domain.DefaultBands()
	}

	return &Combiner{
		ruleInfluence: influence,
		bands:         bands,
	}
}

// CombineInput contains everything needed to build a score event.
type CombineInput struct {
	TenantID  string
	TxID      string
	AccountID string
	TraceID   string

	Model *model.Result
	Rules *domain.RuleOutcome

	Degraded  bool
	StartTime time.Time

	WindowMs   int64
	FeaturesMs int64
	RulesMs    int64
	ModelMs    int64
}

// Combine produces the final score event. The final score is
// min(modelScore + ruleScore * ruleInfluence, 1.0); clamping keeps the
// attribution advisory rather than renormalized.
func (c *Combiner) Combine(ctx context.Context, input *CombineInput) (*domain.ScoreEvent, error) {
	rules := input.Rules
	if rules == nil {
		rules = &domain.RuleOutcome{}
	}

	modelScore := input.Model.Score
	confidence := input.Model.Confidence
	ruleScore := rules.Score

	if !isFinite(modelScore) {
		return nil, &domain.ComputationError{Stage: "combine", Err: fmt.Errorf("model score is not finite")}
	}
	if !isFinite(ruleScore) {
		return nil, &domain.ComputationError{Stage: "combine", Err: fmt.Errorf("rule score is not finite")}
	}
	if !isFinite(confidence) {
		return nil, &domain.ComputationError{Stage: "combine", Err: fmt.Errorf("confidence is not finite")}
	}

	finalScore := math.Min(modelScore+ruleScore*c.ruleInfluence, 1.0)

	event := &domain.ScoreEvent{
		ID:             uuid.New().String(),
		TenantID:       input.TenantID,
		TxID:           input.TxID,
		AccountID:      input.AccountID,
		Score:          finalScore,
		Category:       c.bands.Categorize(finalScore),
		Confidence:     confidence,
		ModelScore:     modelScore,
		RuleScore:      ruleScore,
		Attribution:    input.Model.Attribution,
		TriggeredRules: rules.TriggeredIDs(),
		Degraded:       input.Degraded,
		ScoredAt:       time.Now().UTC(),
	}

	event.Metadata = domain.ScoreMetadata{
		TraceID:       input.TraceID,
		WindowMs:      input.WindowMs,
		FeaturesMs:    input.FeaturesMs,
		RulesMs:       input.RulesMs,
		ModelMs:       input.ModelMs,
		TotalMs:       time.Since(input.StartTime).Milliseconds(),
		EngineVersion: EngineVersion,
	}

	return event, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
