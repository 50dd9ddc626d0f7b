// Package model provides the scoring models and the ensemble that
// combines them.
package model

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Attribution maps feature names to signed score contributions.
type Attribution map[string]float64

// Model scores a feature vector and explains the result. Any inference
// backend satisfying this contract plugs into the ensemble.
type Model interface {
	ID() string
	Score(fv domain.FeatureVector) (float64, Attribution, error)
}

// attributionScale keeps per-feature contributions small enough that
// the attribution threshold separates significant features.
const attributionScale = 0.1

// expectedFeatures is the model input schema, in a fixed order. Window
// aggregates feed the derived velocity features rather than entering
// the models directly.
var expectedFeatures = []string{
	domain.FeatAmount,
	domain.FeatAmountLog,
	domain.FeatAmountRounded,
	domain.FeatAmountOver10K,
	domain.FeatAmountOver50K,
	domain.FeatAmountDeviation,

	domain.FeatVelocityScore,
	domain.FeatVelocityAcceleration,
	domain.FeatStructuringScore,
	domain.FeatNearThresholdCount,

	domain.FeatCountryRisk,
	domain.FeatHighRiskCountry,
	domain.FeatSanctionsCountry,
	domain.FeatTaxHaven,
	domain.FeatRiskLevelCritical,

	domain.FeatKYCGapScore,
	domain.FeatPEPExposure,
	domain.FeatAccountAgeScore,
	domain.FeatNewAccount,

	domain.FeatHourOfDay,
	domain.FeatIsWeekend,
	domain.FeatIsOffHours,
}

// importanceWeights are the learned feature importances exported from
// the trained models. Account age carries a negative weight: seasoned
// accounts reduce risk.
var importanceWeights = map[string]float64{
	domain.FeatAmount:          0.12,
	domain.FeatAmountLog:       0.08,
	domain.FeatAmountRounded:   0.03,
	domain.FeatAmountOver10K:   0.06,
	domain.FeatAmountOver50K:   0.09,
	domain.FeatAmountDeviation: 0.11,

	domain.FeatVelocityScore:        0.15,
	domain.FeatVelocityAcceleration: 0.12,
	domain.FeatStructuringScore:     0.18,
	domain.FeatNearThresholdCount:   0.08,

	domain.FeatCountryRisk:       0.16,
	domain.FeatHighRiskCountry:   0.14,
	domain.FeatSanctionsCountry:  0.25,
	domain.FeatTaxHaven:          0.13,
	domain.FeatRiskLevelCritical: 0.20,

	domain.FeatKYCGapScore:     0.14,
	domain.FeatPEPExposure:     0.22,
	domain.FeatAccountAgeScore: -0.08,
	domain.FeatNewAccount:      0.10,

	domain.FeatHourOfDay:  0.02,
	domain.FeatIsWeekend:  0.04,
	domain.FeatIsOffHours: 0.06,
}

var monetaryFeatures = map[string]bool{
	domain.FeatAmount:       true,
	domain.FeatAmount30d:    true,
	domain.FeatAmount7d:     true,
	domain.FeatAvgAmount30d: true,
}

var countFeatures = map[string]bool{
	domain.FeatCount30d: true,
	domain.FeatCount7d:  true,
}

// normalize maps a raw feature value into [0,1] for model input.
// Monetary amounts are log-scaled against a one million reference,
// counts against 100 transactions, and everything else is clamped.
func normalize(name string, value float64) float64 {
	switch {
	case monetaryFeatures[name]:
		return math.Min(math.Log(math.Max(value, 1))/math.Log(1_000_000), 1.0)
	case countFeatures[name]:
		return math.Min(value/100.0, 1.0)
	case name == domain.FeatHourOfDay:
		return value / 24.0
	case name == domain.FeatAmountLog:
		return math.Min(value/15.0, 1.0)
	default:
		return math.Min(math.Max(value, 0.0), 1.0)
	}
}
