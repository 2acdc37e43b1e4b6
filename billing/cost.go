// Package billing implements the quota evaluator, cost calculator, usage
// recorder, and invoice builder (§4.G–§4.J): the metered-usage pipeline
// that sits between a usage-producing event and a tenant's invoice.
package billing

import (
	"math/big"

	"github.com/lookatitude/voxtenant/tenant"
)

// Metric is a unit of metered activity.
type Metric string

const (
	MetricSynthesisChars Metric = "synthesis-chars"
	MetricSMSMessages    Metric = "sms-messages"
	MetricCallMinutes    Metric = "call-minutes"
	MetricSearchQueries  Metric = "search-queries"
	MetricAPICalls       Metric = "api-calls"
	MetricStorageGBMonth Metric = "storage-gb-month"
	MetricBandwidthGB    Metric = "bandwidth-gb"
)

// PriceEntry is one row of the (metric, tier) price table described in §4.H.
type PriceEntry struct {
	PricePerUnit      *big.Rat
	IncludedPerMonth  *big.Rat
	OverageMultiplier *big.Rat
}

// PriceTable maps metric and tier to a PriceEntry.
type PriceTable map[Metric]map[tenant.Tier]PriceEntry

// Lookup returns the PriceEntry for (metric, tier), and whether one exists.
func (t PriceTable) Lookup(metric Metric, tier tenant.Tier) (PriceEntry, bool) {
	byTier, ok := t[metric]
	if !ok {
		return PriceEntry{}, false
	}
	e, ok := byTier[tier]
	return e, ok
}

// four fractional digits, expressed as a denominator for banker's rounding.
var centsScale = big.NewInt(10000)

// Calculate implements §4.H exactly: given cumulative-month usage before
// this event (used) and the additional quantity (add), it computes cost
// against the entry's included allotment and overage multiplier, rounding
// the final result to four fractional digits with banker's rounding
// (round-half-to-even).
func Calculate(entry PriceEntry, used, add *big.Rat) *big.Rat {
	inc := entry.IncludedPerMonth
	p := entry.PricePerUnit
	m := entry.OverageMultiplier

	total := new(big.Rat).Add(used, add)

	var cost *big.Rat
	switch {
	case total.Cmp(inc) <= 0:
		cost = new(big.Rat)
	case used.Cmp(inc) >= 0:
		cost = new(big.Rat).Mul(add, p)
		cost.Mul(cost, m)
	default:
		overage := new(big.Rat).Sub(total, inc)
		cost = new(big.Rat).Mul(overage, p)
		cost.Mul(cost, m)
	}

	return roundBankers(cost, 4)
}

// roundBankers rounds r to digits fractional digits using round-half-to-even.
func roundBankers(r *big.Rat, digits int) *big.Rat {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(scale))

	num := scaled.Num()
	den := scaled.Denom()

	quotient := new(big.Int)
	remainder := new(big.Int)
	quotient.QuoRem(num, den, remainder)

	if remainder.Sign() != 0 {
		twiceRemainder := new(big.Int).Mul(remainder.Abs(remainder), big.NewInt(2))
		cmp := twiceRemainder.Cmp(den)
		roundUp := false
		switch {
		case cmp > 0:
			roundUp = true
		case cmp == 0:
			// Exactly half: round to even.
			roundUp = quotient.Bit(0) == 1
		}
		if roundUp {
			if scaled.Sign() < 0 {
				quotient.Sub(quotient, big.NewInt(1))
			} else {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}

	result := new(big.Rat).SetFrac(quotient, scale)
	return result
}
