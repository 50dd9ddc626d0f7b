package domain

// ScoringRule is one weighted predicate in the rule catalogue.
// Expression is a CEL boolean over the feature vector and the raw
// transaction fields.
type ScoringRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Category groups catalogue entries by the signal they read.
	Category string `json:"category"`

	// CEL expression to evaluate
	Expression string `json:"expression"`

	// Weight added to the rule score when the predicate holds
	Weight float64 `json:"weight"`

	// Whether the rule is active
	Enabled bool `json:"enabled"`
}

// Rule categories.
const (
	RuleCategoryAmount    = "amount"
	RuleCategoryVelocity  = "velocity"
	RuleCategoryGeography = "geography"
	RuleCategoryTemporal  = "temporal"
	RuleCategoryCustomer  = "customer"
)

// RuleHit records one triggered rule.
type RuleHit struct {
	RuleID   string  `json:"ruleId"`
	Category string  `json:"category"`
	Weight   float64 `json:"weight"`
}

// RuleOutcome is the rule engine's verdict for one transaction.
// Rules are independent, so the outcome does not depend on catalogue
// order beyond the ordering of Triggered.
type RuleOutcome struct {
	// Triggered lists hits in catalogue order.
	Triggered []RuleHit `json:"triggered"`

	// RawSum is the unbounded weight sum, kept for diagnostics.
	RawSum float64 `json:"rawSum"`

	// Score is min(RawSum, 1).
	Score float64 `json:"score"`

	// Errored lists rules whose expression failed to evaluate; they
	// contribute nothing to the score.
	Errored []string `json:"errored,omitempty"`
}

// TriggeredIDs returns the ordered identifiers of triggered rules.
func (o *RuleOutcome) TriggeredIDs() []string {
	ids := make([]string, 0, len(o.Triggered))
	for _, h := range o.Triggered {
		ids = append(ids, h.RuleID)
	}
	return ids
}

// GlobalTenantID marks rules and reference rows visible to every
// tenant.
const GlobalTenantID = "*"
