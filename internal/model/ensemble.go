package model

import (
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Result carries the combined model output.
type Result struct {
	Score          float64
	Confidence     float64
	PrimaryScore   float64
	SecondaryScore float64

	// Fallback is set when one model component failed and the other
	// scored alone.
	Fallback    bool
	Attribution []domain.Contribution
}

// Ensemble combines a primary and a secondary model into one score
// with an agreement-based confidence. One failing component degrades
// to single-model scoring with penalized confidence; both failing is a
// computation error.
type Ensemble struct {
	primary   Model
	secondary Model

	primaryWeight        float64
	secondaryWeight      float64
	attributionThreshold float64
	fallbackPenalty      float64
}

// NewEnsemble creates an ensemble from two model components.
func NewEnsemble(primary, secondary Model, cfg *domain.ScoringConfig) *Ensemble {
	pw := cfg.PrimaryWeight
	sw := cfg.SecondaryWeight
	if pw <= 0 || sw <= 0 || math.Abs(pw+sw-1.0) > 1e-9 {
		pw, sw = 0.6, 0.4
	}

	threshold := cfg.AttributionThreshold
	if threshold <= 0 {
		threshold = 0.01
	}

	penalty := cfg.FallbackConfidencePenalty
	if penalty <= 0 || penalty > 1 {
		penalty = 0.5
	}

	return &Ensemble{
		primary:              primary,
		secondary:            secondary,
		primaryWeight:        pw,
		secondaryWeight:      sw,
		attributionThreshold: threshold,
		fallbackPenalty:      penalty,
	}
}

// Score runs both model components and combines their outputs.
func (e *Ensemble) Score(fv domain.FeatureVector) (*Result, error) {
	primaryScore, primaryAttr, primaryErr := e.primary.Score(fv)
	secondaryScore, secondaryAttr, secondaryErr := e.secondary.Score(fv)

	switch {
	case primaryErr != nil && secondaryErr != nil:
		return nil, &domain.ComputationError{
			Stage: "model",
			Err:   fmt.Errorf("%s: %v; %s: %v", e.primary.ID(), primaryErr, e.secondary.ID(), secondaryErr),
		}

	case primaryErr != nil:
		return &Result{
			Score:          secondaryScore,
			Confidence:     e.fallbackPenalty,
			SecondaryScore: secondaryScore,
			Fallback:       true,
			Attribution:    e.filterAttribution(secondaryAttr),
		}, nil

	case secondaryErr != nil:
		return &Result{
			Score:        primaryScore,
			Confidence:   e.fallbackPenalty,
			PrimaryScore: primaryScore,
			Fallback:     true,
			Attribution:  e.filterAttribution(primaryAttr),
		}, nil
	}

	merged := make(Attribution, len(primaryAttr))
	for name, value := range primaryAttr {
		merged[name] += value * e.primaryWeight
	}
	for name, value := range secondaryAttr {
		merged[name] += value * e.secondaryWeight
	}

	return &Result{
		Score:          e.primaryWeight*primaryScore + e.secondaryWeight*secondaryScore,
		Confidence:     1.0 - math.Abs(primaryScore-secondaryScore),
		PrimaryScore:   primaryScore,
		SecondaryScore: secondaryScore,
		Attribution:    e.filterAttribution(merged),
	}, nil
}

// filterAttribution drops insignificant contributions and orders the
// rest by descending magnitude, name as tie-break so output order is
// deterministic.
func (e *Ensemble) filterAttribution(attr Attribution) []domain.Contribution {
	contributions := make([]domain.Contribution, 0, len(attr))
	for name, value := range attr {
		if math.Abs(value) >= e.attributionThreshold {
			contributions = append(contributions, domain.Contribution{Feature: name, Value: value})
		}
	}

	sort.Slice(contributions, func(i, j int) bool {
		mi, mj := math.Abs(contributions[i].Value), math.Abs(contributions[j].Value)
		if mi != mj {
			return mi > mj
		}
		return contributions[i].Feature < contributions[j].Feature
	})
	return contributions
}
