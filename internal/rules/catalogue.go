package rules

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultCatalogue returns the built-in weighted rule catalogue. The
// catalogue is seeded into the repository on first boot; after that
// the repository copy is authoritative and rules are managed through
// the API.
func DefaultCatalogue() []*domain.ScoringRule {
	return []*domain.ScoringRule{
		{
			ID:          "amount-large-10k",
			TenantID:    domain.GlobalTenantID,
			Name:        "Large Amount 10K",
			Description: "Transaction at or above the 10,000 reporting threshold",
			Category:    domain.RuleCategoryAmount,
			Expression:  `features["amount_threshold_10k"] == 1.0`,
			Weight:      0.10,
			Enabled:     true,
		},
		{
			ID:          "amount-large-50k",
			TenantID:    domain.GlobalTenantID,
			Name:        "Large Amount 50K",
			Description: "Transaction at or above 50,000",
			Category:    domain.RuleCategoryAmount,
			Expression:  `features["amount_threshold_50k"] == 1.0`,
			Weight:      0.15,
			Enabled:     true,
		},
		{
			ID:          "amount-round-number",
			TenantID:    domain.GlobalTenantID,
			Name:        "Round Amount",
			Description: "Suspiciously round transaction amount",
			Category:    domain.RuleCategoryAmount,
			Expression:  `features["amount_rounded"] == 1.0 && amount >= 1000.0`,
			Weight:      0.05,
			Enabled:     true,
		},
		{
			ID:          "amount-structuring",
			TenantID:    domain.GlobalTenantID,
			Name:        "Structuring Pattern",
			Description: "Repeated amounts just under reporting thresholds",
			Category:    domain.RuleCategoryAmount,
			Expression:  `features["structuring_score"] >= 0.8`,
			Weight:      0.30,
			Enabled:     true,
		},
		{
			ID:          "geo-sanctions",
			TenantID:    domain.GlobalTenantID,
			Name:        "Sanctioned Country",
			Description: "Counterparty in a sanctioned country",
			Category:    domain.RuleCategoryGeography,
			Expression:  `features["sanctions_country"] == 1.0`,
			Weight:      0.50,
			Enabled:     true,
		},
		{
			ID:          "geo-high-risk",
			TenantID:    domain.GlobalTenantID,
			Name:        "High Risk Country",
			Description: "Counterparty country risk above the high-risk threshold",
			Category:    domain.RuleCategoryGeography,
			Expression:  `features["high_risk_country"] == 1.0`,
			Weight:      0.25,
			Enabled:     true,
		},
		{
			ID:          "geo-tax-haven",
			TenantID:    domain.GlobalTenantID,
			Name:        "Tax Haven",
			Description: "Counterparty in a known tax haven",
			Category:    domain.RuleCategoryGeography,
			Expression:  `features["tax_haven"] == 1.0`,
			Weight:      0.20,
			Enabled:     true,
		},
		{
			ID:          "temporal-off-hours",
			TenantID:    domain.GlobalTenantID,
			Name:        "Off Hours",
			Description: "Transaction outside business hours",
			Category:    domain.RuleCategoryTemporal,
			Expression:  `features["is_off_hours"] == 1.0`,
			Weight:      0.05,
			Enabled:     true,
		},
		{
			ID:          "temporal-weekend",
			TenantID:    domain.GlobalTenantID,
			Name:        "Weekend Activity",
			Description: "Transaction on a weekend",
			Category:    domain.RuleCategoryTemporal,
			Expression:  `features["is_weekend"] == 1.0`,
			Weight:      0.05,
			Enabled:     true,
		},
		{
			ID:          "customer-pep",
			TenantID:    domain.GlobalTenantID,
			Name:        "PEP Exposure",
			Description: "Customer is a politically exposed person",
			Category:    domain.RuleCategoryCustomer,
			Expression:  `features["pep_exposure"] == 1.0`,
			Weight:      0.30,
			Enabled:     true,
		},
		{
			ID:          "customer-kyc-gap",
			TenantID:    domain.GlobalTenantID,
			Name:        "KYC Gap",
			Description: "Customer verification below expected level",
			Category:    domain.RuleCategoryCustomer,
			Expression:  `features["kyc_gap_score"] >= 0.75`,
			Weight:      0.15,
			Enabled:     true,
		},
		{
			ID:          "velocity-surge",
			TenantID:    domain.GlobalTenantID,
			Name:        "Velocity Surge",
			Description: "Transaction count in the long window near saturation",
			Category:    domain.RuleCategoryVelocity,
			Expression:  `features["velocity_score"] >= 0.8`,
			Weight:      0.15,
			Enabled:     true,
		},
	}
}

// EnsureCatalogue seeds the default catalogue when the repository
// holds no rules yet, then returns the active catalogue.
func EnsureCatalogue(ctx context.Context, repo domain.Repository) ([]*domain.ScoringRule, error) {
	existing, err := repo.ListRules(ctx, domain.GlobalTenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	if len(existing) > 0 {
		return existing, nil
	}

	for _, rule := range DefaultCatalogue() {
		if err := repo.SaveRule(ctx, domain.GlobalTenantID, rule); err != nil {
			return nil, fmt.Errorf("failed to seed rule %s: %w", rule.ID, err)
		}
	}

	// Re-read so callers always see repository order, seeded or not.
	seeded, err := repo.ListRules(ctx, domain.GlobalTenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return seeded, nil
}
