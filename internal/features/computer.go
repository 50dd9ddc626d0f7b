// Package features derives the scoring feature vector from a
// transaction, its reference snapshots and window state.
package features

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/window"
)

// FeatureCount is the size of a complete vector.
const FeatureCount = 35

// Computer turns transactions into feature vectors. Computation is
// deterministic: all temporal features derive from the transaction
// timestamp in UTC, never from the wall clock.
//
// Feature names are stable identifiers. Tuning the window horizons
// changes the windows behind amt_7d/amt_30d, not the names, so rule
// expressions and model weights keep resolving.
//
// Computer is safe for concurrent use; country tables are swapped
// atomically on reload.
type Computer struct {
	mu     sync.RWMutex
	tables *Tables

	agg *window.Aggregator

	short    time.Duration
	long     time.Duration
	longDays float64

	thresholds []float64
	bandFloor  float64
	bandCeil   float64
	saturation float64

	defaultRisk       float64
	highRiskThreshold float64
}

// NewComputer creates a feature computer over the given aggregator.
// Nil tables fall back to the built-in set.
func NewComputer(cfg *domain.Config, agg *window.Aggregator, tables *Tables) *Computer {
	if tables == nil {
		tables = DefaultTables()
	}

	windows := cfg.Windows
	if windows.ShortDays <= 0 {
		windows.ShortDays = 7
	}
	if windows.LongDays <= 0 {
		windows.LongDays = 30
	}

	structuring := cfg.Structuring
	if len(structuring.Thresholds) == 0 {
		structuring.Thresholds = []float64{10000, 5000, 3000, 1000}
	}
	if structuring.BandFloor <= 0 {
		structuring.BandFloor = 0.80
	}
	if structuring.BandCeil <= 0 {
		structuring.BandCeil = 0.99
	}
	if structuring.SaturationCount <= 0 {
		structuring.SaturationCount = 3
	}

	geo := cfg.Geo
	if geo.DefaultRisk <= 0 {
		geo.DefaultRisk = 0.5
	}
	if geo.HighRiskThreshold <= 0 {
		geo.HighRiskThreshold = 0.6
	}

	return &Computer{
		tables:            tables,
		agg:               agg,
		short:             windows.Short(),
		long:              windows.Long(),
		longDays:          float64(windows.LongDays),
		thresholds:        structuring.Thresholds,
		bandFloor:         structuring.BandFloor,
		bandCeil:          structuring.BandCeil,
		saturation:        float64(structuring.SaturationCount),
		defaultRisk:       geo.DefaultRisk,
		highRiskThreshold: geo.HighRiskThreshold,
	}
}

// Compute returns the full feature vector for a transaction. The
// aggregator must already contain the transaction so the windows cover
// it. Missing reference snapshots yield degraded defaults and
// degraded=true rather than an error.
func (c *Computer) Compute(tx *domain.Transaction, customer *domain.Customer, account *domain.Account) (domain.FeatureVector, bool, error) {
	c.mu.RLock()
	tables := c.tables
	c.mu.RUnlock()

	fv := make(domain.FeatureVector, FeatureCount)

	c.transactionFeatures(fv, tx)
	c.velocityFeatures(fv, tx, customer, account)
	c.geographyFeatures(fv, tables, tx)
	degraded := customerFeatures(fv, tx, customer, account)
	temporalFeatures(fv, tx)

	for name, v := range fv {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, degraded, &domain.ComputationError{
				Stage: "features",
				Err:   fmt.Errorf("non-finite value for %s", name),
			}
		}
	}
	return fv, degraded, nil
}

// ReloadTables swaps the country tables.
func (c *Computer) ReloadTables(t *Tables) {
	if t == nil {
		return
	}
	c.mu.Lock()
	c.tables = t
	c.mu.Unlock()
}

// Countries returns a serializable snapshot of the active tables.
func (c *Computer) Countries() *CountryView {
	c.mu.RLock()
	tables := c.tables
	c.mu.RUnlock()
	return tables.view(c.defaultRisk)
}

func (c *Computer) transactionFeatures(fv domain.FeatureVector, tx *domain.Transaction) {
	amount := tx.Amount
	fv[domain.FeatAmount] = amount
	fv[domain.FeatAmountLog] = math.Log1p(amount)
	fv[domain.FeatAmountRounded] = boolFeat(amount > 0 && math.Mod(amount, 1000) == 0)
	fv[domain.FeatAmountOver10K] = boolFeat(amount >= 10000)
	fv[domain.FeatAmountOver50K] = boolFeat(amount >= 50000)
}

func (c *Computer) velocityFeatures(fv domain.FeatureVector, tx *domain.Transaction, customer *domain.Customer, account *domain.Account) {
	asOf := tx.Timestamp

	short := c.agg.Query(tx.TenantID, tx.AccountID, c.short, asOf)
	long := c.agg.Query(tx.TenantID, tx.AccountID, c.long, asOf)

	fv[domain.FeatAmount7d] = short.Sum
	fv[domain.FeatCount7d] = float64(short.Count)
	fv[domain.FeatAvgAmount7d] = short.Average
	fv[domain.FeatAmount30d] = long.Sum
	fv[domain.FeatCount30d] = float64(long.Count)
	fv[domain.FeatAvgAmount30d] = long.Average

	fv[domain.FeatVelocityScore] = math.Min(float64(long.Count)/c.longDays, 1.0)

	accel := 0.0
	if long.Average > 0 {
		accel = short.Average / long.Average
	}
	fv[domain.FeatVelocityAcceleration] = accel

	deviation := 0.0
	if long.Average > 0 {
		deviation = math.Min(math.Abs(tx.Amount-long.Average)/long.Average, 5.0)
	}
	fv[domain.FeatAmountDeviation] = deviation

	near := c.agg.NearThresholdCount(tx.TenantID, tx.AccountID, c.long, asOf, c.thresholds, c.bandFloor, c.bandCeil)
	fv[domain.FeatNearThresholdCount] = float64(near)
	fv[domain.FeatStructuringScore] = math.Min(float64(near)/c.saturation, 1.0)

	customerID := ""
	if customer != nil {
		customerID = customer.ID
	} else if account != nil {
		customerID = account.CustomerID
	}
	if customerID != "" {
		cust := c.agg.QueryCustomer(tx.TenantID, customerID, c.long, asOf)
		fv[domain.FeatCustomerAmount30d] = cust.Sum
		fv[domain.FeatCustomerCount30d] = float64(cust.Count)
		fv[domain.FeatCustomerAvg30d] = cust.Average
	} else {
		// Without an owner link the account stream is the best view.
		fv[domain.FeatCustomerAmount30d] = long.Sum
		fv[domain.FeatCustomerCount30d] = float64(long.Count)
		fv[domain.FeatCustomerAvg30d] = long.Average
	}
}

func (c *Computer) geographyFeatures(fv domain.FeatureVector, tables *Tables, tx *domain.Transaction) {
	code := strings.ToUpper(tx.CounterpartyCountry)

	risk, ok := tables.Risk[code]
	if !ok {
		risk = c.defaultRisk
	}

	fv[domain.FeatCountryRisk] = risk
	fv[domain.FeatHighRiskCountry] = boolFeat(risk >= c.highRiskThreshold)
	fv[domain.FeatSanctionsCountry] = boolFeat(tables.Sanctions[code])
	fv[domain.FeatHighRiskJurisdiction] = boolFeat(tables.Jurisdictions[code])
	fv[domain.FeatTaxHaven] = boolFeat(tables.TaxHavens[code])
	fv[domain.FeatRiskLevelLow] = boolFeat(risk <= 0.2)
	fv[domain.FeatRiskLevelMedium] = boolFeat(risk > 0.2 && risk <= 0.6)
	fv[domain.FeatRiskLevelHigh] = boolFeat(risk > 0.6 && risk <= 0.8)
	fv[domain.FeatRiskLevelCritical] = boolFeat(risk > 0.8)
}

func customerFeatures(fv domain.FeatureVector, tx *domain.Transaction, customer *domain.Customer, account *domain.Account) bool {
	degraded := false

	if customer != nil {
		fv[domain.FeatKYCGapScore] = customer.KYCLevel.GapScore()
		fv[domain.FeatPEPExposure] = boolFeat(customer.PEP)
	} else {
		// Unknown customer scores as the maximum due-diligence gap.
		fv[domain.FeatKYCGapScore] = 1.0
		fv[domain.FeatPEPExposure] = 0.0
		degraded = true
	}

	if account != nil && !account.OpenedAt.IsZero() {
		ageDays := tx.Timestamp.Sub(account.OpenedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		ageScore := math.Min(ageDays/365.0, 1.0)
		fv[domain.FeatAccountAgeScore] = ageScore
		fv[domain.FeatNewAccount] = boolFeat(ageScore < 0.1)
	} else {
		fv[domain.FeatAccountAgeScore] = 0.5
		fv[domain.FeatNewAccount] = 0.0
		degraded = true
	}

	return degraded
}

func temporalFeatures(fv domain.FeatureVector, tx *domain.Transaction) {
	ts := tx.Timestamp.UTC()
	hour := ts.Hour()

	fv[domain.FeatHourOfDay] = float64(hour)
	wd := ts.Weekday()
	fv[domain.FeatIsWeekend] = boolFeat(wd == time.Saturday || wd == time.Sunday)
	fv[domain.FeatIsOffHours] = boolFeat(hour < 8 || hour >= 18)
}

func boolFeat(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
