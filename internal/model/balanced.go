package model

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BalancedModel approximates a random forest: feature weights are
// blended toward uniform, and the link is a rescaled tanh. It is the
// secondary validation model, deliberately shaped differently from the
// primary so disagreement between the two carries signal.
type BalancedModel struct{}

// NewBalancedModel creates the secondary scoring model.
func NewBalancedModel() *BalancedModel {
	return &BalancedModel{}
}

// ID returns the model identifier.
func (m *BalancedModel) ID() string {
	return "balanced-v1"
}

// Score produces a probability-like risk score and a per-feature
// attribution. Missing features score as zero.
func (m *BalancedModel) Score(fv domain.FeatureVector) (float64, Attribution, error) {
	uniform := 1.0 / float64(len(expectedFeatures))

	var weightedSum float64
	attribution := make(Attribution, len(expectedFeatures))

	for _, name := range expectedFeatures {
		value := normalize(name, fv.Get(name))
		weight := 0.6*importanceWeights[name] + 0.4*uniform
		weightedSum += value * weight
		attribution[name] = value * weight * attributionScale
	}

	score := math.Tanh(weightedSum*2.0)*0.5 + 0.5
	return score, attribution, nil
}
