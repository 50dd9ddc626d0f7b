package domain

import (
	"time"
)

// Category is the coarse risk band a final score falls into.
type Category string

const (
	CategoryLow      Category = "low"
	CategoryMedium   Category = "medium"
	CategoryHigh     Category = "high"
	CategoryCritical Category = "critical"
)

// Bands holds the category boundaries. The intervals are half-open:
// a score equal to a boundary falls into the band above it.
type Bands struct {
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// DefaultBands returns the standard Low/Medium/High/Critical cut
// points at 0.3, 0.7 and 0.9.
func DefaultBands() Bands {
	return Bands{Medium: 0.3, High: 0.7, Critical: 0.9}
}

// Categorize maps a final score to its band.
func (b Bands) Categorize(score float64) Category {
	switch {
	case score >= b.Critical:
		return CategoryCritical
	case score >= b.High:
		return CategoryHigh
	case score >= b.Medium:
		return CategoryMedium
	default:
		return CategoryLow
	}
}

// Contribution is one feature's signed share of the model score.
type Contribution struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"value"`
}

// ScoreEvent is the immutable scoring outcome emitted once per
// successfully processed transaction.
type ScoreEvent struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	TxID      string `json:"txId"`
	AccountID string `json:"accountId"`

	Score      float64  `json:"score"`
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`

	ModelScore float64 `json:"modelScore"`
	RuleScore  float64 `json:"ruleScore"`

	// Attribution is sorted by descending magnitude and advisory only.
	Attribution    []Contribution `json:"attribution,omitempty"`
	TriggeredRules []string       `json:"triggeredRules,omitempty"`

	// Degraded marks scores computed with reference defaults.
	Degraded bool      `json:"degraded"`
	ScoredAt time.Time `json:"scoredAt"`

	Metadata ScoreMetadata `json:"metadata"`
}

// ShouldAlert reports whether the event belongs on the alert stream.
func (e *ScoreEvent) ShouldAlert() bool {
	return e.Category == CategoryHigh || e.Category == CategoryCritical
}

// ScoreMetadata carries processing information for observability.
type ScoreMetadata struct {
	TraceID       string `json:"traceId"`
	WindowMs      int64  `json:"windowMs"`
	FeaturesMs    int64  `json:"featuresMs"`
	RulesMs       int64  `json:"rulesMs"`
	ModelMs       int64  `json:"modelMs"`
	TotalMs       int64  `json:"totalMs"`
	EngineVersion string `json:"engineVersion"`
}

// FailureEvent is the diagnostic emitted when a transaction terminates
// in a failed state. It is not a ScoreEvent and carries no score.
type FailureEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	TxID      string    `json:"txId"`
	AccountID string    `json:"accountId"`
	Stage     string    `json:"stage"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failedAt"`
}
