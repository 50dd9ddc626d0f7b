package model

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// GradientModel approximates a gradient boosted tree ensemble with an
// importance-weighted linear stage behind a sigmoid link. It is the
// primary model.
type GradientModel struct{}

// NewGradientModel creates the primary scoring model.
func NewGradientModel() *GradientModel {
	return &GradientModel{}
}

// ID returns the model identifier.
func (m *GradientModel) ID() string {
	return "gradient-v1"
}

// Score produces a probability-like risk score and a per-feature
// attribution. Missing features score as zero.
func (m *GradientModel) Score(fv domain.FeatureVector) (float64, Attribution, error) {
	var weightedSum float64
	attribution := make(Attribution, len(expectedFeatures))

	for _, name := range expectedFeatures {
		value := normalize(name, fv.Get(name))
		weight := importanceWeights[name]
		weightedSum += value * weight
		attribution[name] = value * weight * attributionScale
	}

	score := 1.0 / (1.0 + math.Exp(-5.0*(weightedSum-0.5)))
	return score, attribution, nil
}
