package features

import "sort"

// Tables holds the country risk data a computer scores against.
// A Tables value is immutable once built; reloads swap the whole
// value, individual maps are never mutated in place.
type Tables struct {
	// Risk maps ISO 3166-1 alpha-2 codes to a risk score in [0,1].
	Risk map[string]float64

	// Sanctions lists sanctioned jurisdictions.
	Sanctions map[string]bool

	// Jurisdictions lists high-risk jurisdictions under enhanced
	// monitoring.
	Jurisdictions map[string]bool

	// TaxHavens lists recognized tax havens.
	TaxHavens map[string]bool
}

// DefaultTables returns the built-in country risk tables.
func DefaultTables() *Tables {
	return &Tables{
		Risk: map[string]float64{
			// Low risk (0.0 - 0.2)
			"US": 0.1, "GB": 0.1, "DE": 0.1, "FR": 0.1, "CA": 0.1, "AU": 0.1, "JP": 0.1,
			"NL": 0.1, "SE": 0.1, "NO": 0.1, "DK": 0.1, "FI": 0.1, "SG": 0.15, "HK": 0.15,

			// Medium-low risk (0.2 - 0.4)
			"SA": 0.3, "AE": 0.25, "QA": 0.25, "KW": 0.3, "BH": 0.25, "OM": 0.3,
			"BR": 0.35, "MX": 0.3, "AR": 0.35, "CL": 0.25, "CO": 0.4, "PE": 0.35,
			"IN": 0.3, "TH": 0.3, "MY": 0.25, "ID": 0.35, "PH": 0.4, "VN": 0.35,

			// Medium-high risk (0.4 - 0.6)
			"CN": 0.45, "RU": 0.55, "TR": 0.45, "EG": 0.5, "ZA": 0.4, "NG": 0.55,
			"KE": 0.45, "GH": 0.5, "UG": 0.5, "TZ": 0.45, "BD": 0.5, "PK": 0.55,

			// High risk (0.6 - 0.8), offshore centers and tax havens
			"CH": 0.6, "LU": 0.6, "MC": 0.65, "LI": 0.6, "AD": 0.6,
			"KY": 0.75, "BM": 0.7, "BS": 0.7, "BZ": 0.7, "PA": 0.65, "CR": 0.6,
			"VG": 0.75, "AI": 0.7, "TC": 0.7, "GG": 0.65, "JE": 0.65, "IM": 0.65,

			// Very high risk (0.8 - 1.0)
			"AF": 0.95, "IR": 0.9, "KP": 0.95, "SY": 0.9, "IQ": 0.85, "YE": 0.85,
			"SO": 0.9, "LY": 0.85, "SD": 0.85, "MM": 0.8, "BY": 0.8, "VE": 0.8,
			"CU": 0.8, "ZW": 0.85, "ER": 0.85, "CF": 0.85, "TD": 0.8, "ML": 0.8,
		},
		// VE carries very high risk but is not sanctions-listed.
		Sanctions: setOf("AF", "IR", "KP", "SY", "IQ", "YE", "SO", "LY", "SD", "MM", "BY", "CU"),
		Jurisdictions: setOf(
			"KY", "BM", "BS", "BZ", "PA", "CR", "VG", "AI", "TC", "GG", "JE", "IM",
			"CH", "LU", "MC", "LI", "AD",
		),
		TaxHavens: setOf("KY", "BM", "BS", "BZ", "PA", "CH", "LU", "MC", "LI", "AD"),
	}
}

// CountryView is the serializable snapshot served by the API.
type CountryView struct {
	Risk          map[string]float64 `json:"risk"`
	Sanctions     []string           `json:"sanctions"`
	Jurisdictions []string           `json:"highRiskJurisdictions"`
	TaxHavens     []string           `json:"taxHavens"`
	DefaultRisk   float64            `json:"defaultRisk"`
}

func (t *Tables) view(defaultRisk float64) *CountryView {
	risk := make(map[string]float64, len(t.Risk))
	for code, r := range t.Risk {
		risk[code] = r
	}
	return &CountryView{
		Risk:          risk,
		Sanctions:     sortedCodes(t.Sanctions),
		Jurisdictions: sortedCodes(t.Jurisdictions),
		TaxHavens:     sortedCodes(t.TaxHavens),
		DefaultRisk:   defaultRisk,
	}
}

func sortedCodes(set map[string]bool) []string {
	codes := make([]string, 0, len(set))
	for code := range set {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func setOf(codes ...string) map[string]bool {
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}
