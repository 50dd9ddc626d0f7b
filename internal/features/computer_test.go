package features

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/window"
)

const day = 24 * time.Hour

// Monday noon, well inside business hours.
var base = time.Date(2025, 6, 16, 12, 0, 0, 0, time.UTC)

func testComputer() (*Computer, *window.Aggregator) {
	cfg := domain.DefaultConfig()
	agg := window.New(cfg.Windows.Short(), cfg.Windows.Long())
	return NewComputer(cfg, agg, nil), agg
}

func makeTx(id string, amount float64, country string, ts time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:                  id,
		TenantID:            "tenant-001",
		AccountID:           "acc-001",
		Amount:              amount,
		Currency:            "USD",
		CounterpartyCountry: country,
		Timestamp:           ts,
	}
}

func record(t *testing.T, agg *window.Aggregator, tx *domain.Transaction, customerID string) {
	t.Helper()
	if !agg.Record(tx.TenantID, tx.AccountID, customerID, tx.ID, tx.Timestamp, tx.Amount) {
		t.Fatalf("failed to record %s", tx.ID)
	}
}

func closeTo(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeFullVector(t *testing.T) {
	comp, agg := testComputer()
	tx := makeTx("tx-1", 2500, "US", base)
	record(t, agg, tx, "")

	customer := &domain.Customer{ID: "cust-001", KYCLevel: domain.KYCStandard}
	account := &domain.Account{ID: "acc-001", CustomerID: "cust-001", OpenedAt: base.Add(-400 * day)}

	fv, degraded, err := comp.Compute(tx, customer, account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if degraded {
		t.Error("expected non-degraded with full reference data")
	}
	if len(fv) != FeatureCount {
		t.Errorf("expected %d features, got %d", FeatureCount, len(fv))
	}

	names := []string{
		domain.FeatAmount, domain.FeatAmountLog, domain.FeatAmountRounded,
		domain.FeatAmountOver10K, domain.FeatAmountOver50K,
		domain.FeatAmount7d, domain.FeatCount7d, domain.FeatAvgAmount7d,
		domain.FeatAmount30d, domain.FeatCount30d, domain.FeatAvgAmount30d,
		domain.FeatVelocityScore, domain.FeatVelocityAcceleration, domain.FeatAmountDeviation,
		domain.FeatCustomerAmount30d, domain.FeatCustomerCount30d, domain.FeatCustomerAvg30d,
		domain.FeatStructuringScore, domain.FeatNearThresholdCount,
		domain.FeatCountryRisk, domain.FeatHighRiskCountry, domain.FeatSanctionsCountry,
		domain.FeatHighRiskJurisdiction, domain.FeatTaxHaven,
		domain.FeatRiskLevelLow, domain.FeatRiskLevelMedium, domain.FeatRiskLevelHigh, domain.FeatRiskLevelCritical,
		domain.FeatKYCGapScore, domain.FeatPEPExposure, domain.FeatAccountAgeScore, domain.FeatNewAccount,
		domain.FeatHourOfDay, domain.FeatIsWeekend, domain.FeatIsOffHours,
	}
	for _, name := range names {
		if _, ok := fv[name]; !ok {
			t.Errorf("missing feature %s", name)
		}
	}
}

func TestMagnitudeFeatures(t *testing.T) {
	tests := []struct {
		name    string
		amount  float64
		rounded float64
		over10k float64
		over50k float64
	}{
		{"SmallOdd", 753.20, 0, 0, 0},
		{"RoundThousand", 5000, 1, 0, 0},
		{"ExactlyTenK", 10000, 1, 1, 0},
		{"JustUnderTenK", 9999, 0, 0, 0},
		{"LargeRound", 250000, 1, 1, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			comp, agg := testComputer()
			tx := makeTx("tx-"+tc.name, tc.amount, "US", base)
			record(t, agg, tx, "")

			fv, _, err := comp.Compute(tx, nil, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fv[domain.FeatAmount] != tc.amount {
				t.Errorf("amount: expected %f, got %f", tc.amount, fv[domain.FeatAmount])
			}
			if !closeTo(fv[domain.FeatAmountLog], math.Log1p(tc.amount)) {
				t.Errorf("amount_log: expected %f, got %f", math.Log1p(tc.amount), fv[domain.FeatAmountLog])
			}
			if fv[domain.FeatAmountRounded] != tc.rounded {
				t.Errorf("amount_rounded: expected %f, got %f", tc.rounded, fv[domain.FeatAmountRounded])
			}
			if fv[domain.FeatAmountOver10K] != tc.over10k {
				t.Errorf("amount_threshold_10k: expected %f, got %f", tc.over10k, fv[domain.FeatAmountOver10K])
			}
			if fv[domain.FeatAmountOver50K] != tc.over50k {
				t.Errorf("amount_threshold_50k: expected %f, got %f", tc.over50k, fv[domain.FeatAmountOver50K])
			}
		})
	}
}

func TestVelocityFeatures(t *testing.T) {
	comp, agg := testComputer()

	record(t, agg, makeTx("tx-1", 100, "US", base.Add(-1*day)), "")
	record(t, agg, makeTx("tx-2", 200, "US", base.Add(-2*day)), "")
	record(t, agg, makeTx("tx-3", 300, "US", base.Add(-10*day)), "")
	current := makeTx("tx-4", 400, "US", base)
	record(t, agg, current, "")

	fv, _, err := comp.Compute(current, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fv[domain.FeatCount7d] != 3 {
		t.Errorf("count_7d: expected 3, got %f", fv[domain.FeatCount7d])
	}
	if fv[domain.FeatAmount7d] != 700 {
		t.Errorf("amt_7d: expected 700, got %f", fv[domain.FeatAmount7d])
	}
	if fv[domain.FeatCount30d] != 4 {
		t.Errorf("count_30d: expected 4, got %f", fv[domain.FeatCount30d])
	}
	if fv[domain.FeatAmount30d] != 1000 {
		t.Errorf("amt_30d: expected 1000, got %f", fv[domain.FeatAmount30d])
	}
	if !closeTo(fv[domain.FeatAvgAmount30d], 250) {
		t.Errorf("avg_amt_30d: expected 250, got %f", fv[domain.FeatAvgAmount30d])
	}
	if !closeTo(fv[domain.FeatVelocityScore], 4.0/30.0) {
		t.Errorf("velocity_score: expected %f, got %f", 4.0/30.0, fv[domain.FeatVelocityScore])
	}
	// short avg (700/3) over long avg (250)
	if !closeTo(fv[domain.FeatVelocityAcceleration], (700.0/3.0)/250.0) {
		t.Errorf("velocity_acceleration: expected %f, got %f", (700.0/3.0)/250.0, fv[domain.FeatVelocityAcceleration])
	}
	if !closeTo(fv[domain.FeatAmountDeviation], 150.0/250.0) {
		t.Errorf("amount_deviation: expected 0.6, got %f", fv[domain.FeatAmountDeviation])
	}
}

func TestVelocityFirstTransaction(t *testing.T) {
	comp, agg := testComputer()
	tx := makeTx("tx-1", 500, "US", base)
	record(t, agg, tx, "")

	fv, _, err := comp.Compute(tx, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fv[domain.FeatCount30d] != 1 {
		t.Errorf("count_30d: expected 1, got %f", fv[domain.FeatCount30d])
	}
	// Deviation against an average equal to the amount itself is zero.
	if fv[domain.FeatAmountDeviation] != 0 {
		t.Errorf("amount_deviation: expected 0, got %f", fv[domain.FeatAmountDeviation])
	}
	if fv[domain.FeatVelocityAcceleration] != 1 {
		t.Errorf("velocity_acceleration: expected 1, got %f", fv[domain.FeatVelocityAcceleration])
	}
}

func TestStructuringSequence(t *testing.T) {
	comp, agg := testComputer()

	record(t, agg, makeTx("tx-1", 9800, "US", base.Add(-3*day)), "")
	record(t, agg, makeTx("tx-2", 9500, "US", base.Add(-2*day)), "")
	current := makeTx("tx-3", 9500, "US", base)
	record(t, agg, current, "")

	fv, _, err := comp.Compute(current, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fv[domain.FeatNearThresholdCount] != 3 {
		t.Errorf("near_threshold_count: expected 3, got %f", fv[domain.FeatNearThresholdCount])
	}
	if fv[domain.FeatStructuringScore] != 1.0 {
		t.Errorf("structuring_score: expected 1.0, got %f", fv[domain.FeatStructuringScore])
	}
	if fv[domain.FeatAmountOver10K] != 0 {
		t.Errorf("amount_threshold_10k: expected 0 for 9500, got %f", fv[domain.FeatAmountOver10K])
	}
}

func TestStructuringScoreMonotone(t *testing.T) {
	comp, agg := testComputer()

	prev := -1.0
	for i := 0; i < 5; i++ {
		tx := makeTx(
			"tx-near-"+string(rune('a'+i)),
			9400,
			"US",
			base.Add(time.Duration(i)*time.Hour),
		)
		record(t, agg, tx, "")

		fv, _, err := comp.Compute(tx, nil, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		score := fv[domain.FeatStructuringScore]
		if score < prev {
			t.Errorf("structuring_score decreased from %f to %f at %d entries", prev, score, i+1)
		}
		prev = score
	}
	if prev != 1.0 {
		t.Errorf("expected saturation at 1.0, got %f", prev)
	}
}

func TestGeographyFeatures(t *testing.T) {
	tests := []struct {
		name         string
		country      string
		risk         float64
		highRisk     float64
		sanctions    float64
		jurisdiction float64
		taxHaven     float64
		level        string
	}{
		{"LowRiskUS", "US", 0.1, 0, 0, 0, 0, domain.FeatRiskLevelLow},
		{"MediumChina", "CN", 0.45, 0, 0, 0, 0, domain.FeatRiskLevelMedium},
		{"TaxHavenCayman", "KY", 0.75, 1, 0, 1, 1, domain.FeatRiskLevelHigh},
		{"SanctionedIran", "IR", 0.9, 1, 1, 0, 0, domain.FeatRiskLevelCritical},
		{"HighRiskVenezuelaNotSanctioned", "VE", 0.8, 1, 0, 0, 0, domain.FeatRiskLevelHigh},
		{"SwissTaxHaven", "CH", 0.6, 1, 0, 1, 1, domain.FeatRiskLevelMedium},
		{"UnknownCodeDefaults", "XX", 0.5, 0, 0, 0, 0, domain.FeatRiskLevelMedium},
		{"LowercaseNormalized", "us", 0.1, 0, 0, 0, 0, domain.FeatRiskLevelLow},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			comp, agg := testComputer()
			tx := makeTx("tx-"+tc.name, 100, tc.country, base)
			record(t, agg, tx, "")

			fv, _, err := comp.Compute(tx, nil, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fv[domain.FeatCountryRisk] != tc.risk {
				t.Errorf("country_risk: expected %f, got %f", tc.risk, fv[domain.FeatCountryRisk])
			}
			if fv[domain.FeatHighRiskCountry] != tc.highRisk {
				t.Errorf("high_risk_country: expected %f, got %f", tc.highRisk, fv[domain.FeatHighRiskCountry])
			}
			if fv[domain.FeatSanctionsCountry] != tc.sanctions {
				t.Errorf("sanctions_country: expected %f, got %f", tc.sanctions, fv[domain.FeatSanctionsCountry])
			}
			if fv[domain.FeatHighRiskJurisdiction] != tc.jurisdiction {
				t.Errorf("high_risk_jurisdiction: expected %f, got %f", tc.jurisdiction, fv[domain.FeatHighRiskJurisdiction])
			}
			if fv[domain.FeatTaxHaven] != tc.taxHaven {
				t.Errorf("tax_haven: expected %f, got %f", tc.taxHaven, fv[domain.FeatTaxHaven])
			}
			if fv[tc.level] != 1 {
				t.Errorf("expected %s to be set for risk %f", tc.level, tc.risk)
			}
		})
	}
}

func TestCustomerFeatures(t *testing.T) {
	t.Run("KYCGapByLevel", func(t *testing.T) {
		levels := []struct {
			level domain.KYCLevel
			gap   float64
		}{
			{domain.KYCBasic, 1.0},
			{domain.KYCStandard, 0.5},
			{domain.KYCEnhanced, 0.0},
			{domain.KYCLevel("unknown"), 1.0},
		}
		for _, lc := range levels {
			comp, agg := testComputer()
			tx := makeTx("tx-"+string(lc.level), 100, "US", base)
			record(t, agg, tx, "cust-001")

			customer := &domain.Customer{ID: "cust-001", KYCLevel: lc.level}
			fv, _, err := comp.Compute(tx, customer, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fv[domain.FeatKYCGapScore] != lc.gap {
				t.Errorf("kyc_gap_score for %q: expected %f, got %f", lc.level, lc.gap, fv[domain.FeatKYCGapScore])
			}
		}
	})

	t.Run("PEPExposure", func(t *testing.T) {
		comp, agg := testComputer()
		tx := makeTx("tx-pep", 100, "US", base)
		record(t, agg, tx, "cust-001")

		customer := &domain.Customer{ID: "cust-001", KYCLevel: domain.KYCEnhanced, PEP: true}
		fv, _, err := comp.Compute(tx, customer, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if fv[domain.FeatPEPExposure] != 1 {
			t.Errorf("pep_exposure: expected 1, got %f", fv[domain.FeatPEPExposure])
		}
	})

	t.Run("AccountAge", func(t *testing.T) {
		ages := []struct {
			name     string
			ageDays  float64
			ageScore float64
			isNew    float64
		}{
			{"Mature", 400, 1.0, 0},
			{"OneYear", 365, 1.0, 0},
			{"ThirtySixDays", 36, 36.0 / 365.0, 1},
			{"ThirtySevenDays", 37, 37.0 / 365.0, 0},
			{"Fresh", 1, 1.0 / 365.0, 1},
		}
		for _, ac := range ages {
			t.Run(ac.name, func(t *testing.T) {
				comp, agg := testComputer()
				tx := makeTx("tx-age", 100, "US", base)
				record(t, agg, tx, "cust-001")

				account := &domain.Account{
					ID:         "acc-001",
					CustomerID: "cust-001",
					OpenedAt:   base.Add(-time.Duration(ac.ageDays*24) * time.Hour),
				}
				fv, _, err := comp.Compute(tx, nil, account)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if !closeTo(fv[domain.FeatAccountAgeScore], ac.ageScore) {
					t.Errorf("account_age_score: expected %f, got %f", ac.ageScore, fv[domain.FeatAccountAgeScore])
				}
				if fv[domain.FeatNewAccount] != ac.isNew {
					t.Errorf("new_account: expected %f, got %f", ac.isNew, fv[domain.FeatNewAccount])
				}
			})
		}
	})

	t.Run("DegradedWithoutReferences", func(t *testing.T) {
		comp, agg := testComputer()
		tx := makeTx("tx-degraded", 100, "US", base)
		record(t, agg, tx, "")

		fv, degraded, err := comp.Compute(tx, nil, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !degraded {
			t.Error("expected degraded without reference data")
		}
		if fv[domain.FeatKYCGapScore] != 1.0 {
			t.Errorf("degraded kyc_gap_score: expected 1.0, got %f", fv[domain.FeatKYCGapScore])
		}
		if fv[domain.FeatPEPExposure] != 0 {
			t.Errorf("degraded pep_exposure: expected 0, got %f", fv[domain.FeatPEPExposure])
		}
		if fv[domain.FeatAccountAgeScore] != 0.5 {
			t.Errorf("degraded account_age_score: expected 0.5, got %f", fv[domain.FeatAccountAgeScore])
		}
		if fv[domain.FeatNewAccount] != 0 {
			t.Errorf("degraded new_account: expected 0, got %f", fv[domain.FeatNewAccount])
		}
	})

	t.Run("DegradedWithCustomerOnly", func(t *testing.T) {
		comp, agg := testComputer()
		tx := makeTx("tx-partial", 100, "US", base)
		record(t, agg, tx, "cust-001")

		customer := &domain.Customer{ID: "cust-001", KYCLevel: domain.KYCEnhanced}
		_, degraded, err := comp.Compute(tx, customer, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !degraded {
			t.Error("expected degraded with missing account")
		}
	})
}

func TestCustomerWindowUnion(t *testing.T) {
	comp, agg := testComputer()

	// Same customer moves money through two accounts.
	agg.Record("tenant-001", "acc-001", "cust-001", "tx-1", base.Add(-1*day), 100)
	agg.Record("tenant-001", "acc-002", "cust-001", "tx-2", base.Add(-2*day), 200)
	current := makeTx("tx-3", 300, "US", base)
	record(t, agg, current, "cust-001")

	customer := &domain.Customer{ID: "cust-001", KYCLevel: domain.KYCStandard}
	fv, _, err := comp.Compute(current, customer, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fv[domain.FeatCount30d] != 2 {
		t.Errorf("count_30d: expected 2 for acc-001, got %f", fv[domain.FeatCount30d])
	}
	if fv[domain.FeatCustomerCount30d] != 3 {
		t.Errorf("cust_count_30d: expected 3 across accounts, got %f", fv[domain.FeatCustomerCount30d])
	}
	if fv[domain.FeatCustomerAmount30d] != 600 {
		t.Errorf("cust_amt_30d: expected 600, got %f", fv[domain.FeatCustomerAmount30d])
	}
}

func TestTemporalFeatures(t *testing.T) {
	tests := []struct {
		name     string
		ts       time.Time
		hour     float64
		weekend  float64
		offHours float64
	}{
		{"MondayNoon", time.Date(2025, 6, 16, 12, 0, 0, 0, time.UTC), 12, 0, 0},
		{"SaturdayNoon", time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC), 12, 1, 0},
		{"SundayNight", time.Date(2025, 6, 15, 23, 30, 0, 0, time.UTC), 23, 1, 1},
		{"EarlyMorning", time.Date(2025, 6, 16, 7, 59, 0, 0, time.UTC), 7, 0, 1},
		{"EightSharp", time.Date(2025, 6, 16, 8, 0, 0, 0, time.UTC), 8, 0, 0},
		{"FivePM", time.Date(2025, 6, 16, 17, 59, 0, 0, time.UTC), 17, 0, 0},
		{"SixPM", time.Date(2025, 6, 16, 18, 0, 0, 0, time.UTC), 18, 0, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			comp, agg := testComputer()
			tx := makeTx("tx-"+tc.name, 100, "US", tc.ts)
			record(t, agg, tx, "")

			fv, _, err := comp.Compute(tx, nil, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fv[domain.FeatHourOfDay] != tc.hour {
				t.Errorf("hour_of_day: expected %f, got %f", tc.hour, fv[domain.FeatHourOfDay])
			}
			if fv[domain.FeatIsWeekend] != tc.weekend {
				t.Errorf("is_weekend: expected %f, got %f", tc.weekend, fv[domain.FeatIsWeekend])
			}
			if fv[domain.FeatIsOffHours] != tc.offHours {
				t.Errorf("is_off_hours: expected %f, got %f", tc.offHours, fv[domain.FeatIsOffHours])
			}
		})
	}
}

func TestComputeDeterministic(t *testing.T) {
	comp, agg := testComputer()
	record(t, agg, makeTx("tx-1", 9800, "VE", base.Add(-1*day)), "cust-001")
	current := makeTx("tx-2", 500000000, "VE", base.Add(22*time.Hour))
	record(t, agg, current, "cust-001")

	customer := &domain.Customer{ID: "cust-001", KYCLevel: domain.KYCBasic, PEP: true}
	account := &domain.Account{ID: "acc-001", CustomerID: "cust-001", OpenedAt: base.Add(-100 * day)}

	first, _, err := comp.Compute(current, customer, account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _, err := comp.Compute(current, customer, account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("expected identical vectors for identical input")
	}

	for name, v := range first {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("non-finite value for %s: %f", name, v)
		}
	}
}

func TestReloadTables(t *testing.T) {
	comp, agg := testComputer()
	tx := makeTx("tx-1", 100, "ZZ", base)
	record(t, agg, tx, "")

	fv, _, err := comp.Compute(tx, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fv[domain.FeatCountryRisk] != 0.5 {
		t.Errorf("expected default risk 0.5 before reload, got %f", fv[domain.FeatCountryRisk])
	}

	custom := DefaultTables()
	custom.Risk["ZZ"] = 0.95
	custom.Sanctions["ZZ"] = true
	comp.ReloadTables(custom)

	fv, _, err = comp.Compute(tx, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fv[domain.FeatCountryRisk] != 0.95 {
		t.Errorf("expected reloaded risk 0.95, got %f", fv[domain.FeatCountryRisk])
	}
	if fv[domain.FeatSanctionsCountry] != 1 {
		t.Errorf("expected reloaded sanctions flag, got %f", fv[domain.FeatSanctionsCountry])
	}

	view := comp.Countries()
	if view.Risk["ZZ"] != 0.95 {
		t.Errorf("expected view to reflect reload, got %f", view.Risk["ZZ"])
	}
}
