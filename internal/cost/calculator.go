package cost

import (
	"sort"

	"github.com/sells-group/agency-core/internal/model"
)

// Rates holds per-provider pricing in USD per cost unit. Providers absent from
// PerUnit cost nothing (free tier).
type Rates struct {
	PerUnit map[string]float64 `yaml:"per_unit" mapstructure:"per_unit"`
}

// Calculator computes costs for provider usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates. A nil PerUnit map
// falls back to DefaultRates.
func NewCalculator(rates Rates) *Calculator {
	if rates.PerUnit == nil {
		rates = DefaultRates()
	}
	return &Calculator{rates: rates}
}

// Rate returns the USD price of one cost unit for the provider.
func (c *Calculator) Rate(providerID string) float64 {
	return c.rates.PerUnit[providerID]
}

// Units computes the USD cost of n cost units on the provider.
func (c *Calculator) Units(providerID string, n int64) float64 {
	if n <= 0 {
		return 0
	}
	return float64(n) * c.Rate(providerID)
}

// Attempt computes the USD cost of one call attempt. Non-billable attempts
// are free.
func (c *Calculator) Attempt(a model.CallAttempt) float64 {
	if !a.Billable {
		return 0
	}
	return c.Units(a.ProviderID, a.CostUnits)
}

// Total sums Attempt over a slice of attempts.
func (c *Calculator) Total(attempts []model.CallAttempt) float64 {
	var total float64
	for _, a := range attempts {
		total += c.Attempt(a)
	}
	return total
}

// Providers returns the ids with a non-zero rate, sorted.
func (c *Calculator) Providers() []string {
	ids := make([]string, 0, len(c.rates.PerUnit))
	for id, rate := range c.rates.PerUnit {
		if rate > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// DefaultRates returns list prices for the built-in catalog. Abstract and
// Apideck plans used here bill nothing per call inside their free tier.
func DefaultRates() Rates {
	return Rates{
		PerUnit: map[string]float64{
			"hunter_email_verifier": 0.0049,
			"zerobounce":            0.008,
			"clearbit_enrichment":   0.05,
		},
	}
}
