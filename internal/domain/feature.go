package domain

// FeatureVector is the named numeric snapshot a transaction is scored
// on. Vectors are immutable once computed and always carry the full
// feature set.
type FeatureVector map[string]float64

// Get returns the named feature, or 0 when absent.
func (f FeatureVector) Get(name string) float64 { return f[name] }

// Clone returns an independent copy.
func (f FeatureVector) Clone() FeatureVector {
	out := make(FeatureVector, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Feature names emitted by the computer. Rules and models refer to
// features exclusively through these names.
const (
	FeatAmount          = "amount"
	FeatAmountLog       = "amount_log"
	FeatAmountRounded   = "amount_rounded"
	FeatAmountOver10K   = "amount_threshold_10k"
	FeatAmountOver50K   = "amount_threshold_50k"

	FeatAmount7d    = "amt_7d"
	FeatCount7d     = "count_7d"
	FeatAvgAmount7d = "avg_amt_7d"

	FeatAmount30d    = "amt_30d"
	FeatCount30d     = "count_30d"
	FeatAvgAmount30d = "avg_amt_30d"

	FeatVelocityScore        = "velocity_score"
	FeatVelocityAcceleration = "velocity_acceleration"
	FeatAmountDeviation      = "amount_deviation"

	FeatCustomerAmount30d = "cust_amt_30d"
	FeatCustomerCount30d  = "cust_count_30d"
	FeatCustomerAvg30d    = "cust_avg_30d"

	FeatStructuringScore   = "structuring_score"
	FeatNearThresholdCount = "near_threshold_count"

	FeatCountryRisk          = "country_risk"
	FeatHighRiskCountry      = "high_risk_country"
	FeatSanctionsCountry     = "sanctions_country"
	FeatHighRiskJurisdiction = "high_risk_jurisdiction"
	FeatTaxHaven             = "tax_haven"
	FeatRiskLevelLow         = "risk_level_low"
	FeatRiskLevelMedium      = "risk_level_medium"
	FeatRiskLevelHigh        = "risk_level_high"
	FeatRiskLevelCritical    = "risk_level_critical"

	FeatKYCGapScore     = "kyc_gap_score"
	FeatPEPExposure     = "pep_exposure"
	FeatAccountAgeScore = "account_age_score"
	FeatNewAccount      = "new_account"

	FeatHourOfDay  = "hour_of_day"
	FeatIsWeekend  = "is_weekend"
	FeatIsOffHours = "is_off_hours"
)
