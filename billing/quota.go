package billing

import (
	"context"

	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/tenant"
)

// LimitClass names which horizon a quota decision was evaluated against.
type LimitClass string

const (
	LimitClassDaily   LimitClass = "daily"
	LimitClassMonthly LimitClass = "monthly"
	LimitClassTotal   LimitClass = "total"
	LimitClassNone    LimitClass = "none"
)

// Limits is one tier's quota configuration for one metric.
type Limits struct {
	DailyHard   float64 // 0 means unlimited
	MonthlyHard float64
	TotalHard   float64 // storage only
	SoftMonthlyPct float64 // e.g. 0.8 for the 80% warning threshold
}

// LimitTable maps metric and tier to its Limits.
type LimitTable map[Metric]map[tenant.Tier]Limits

func (t LimitTable) lookup(metric Metric, tier tenant.Tier) Limits {
	if byTier, ok := t[metric]; ok {
		return byTier[tier]
	}
	return Limits{}
}

// CounterReader reads current counter values. It is satisfied by
// counterstore.Store's MultiGet, kept as an interface here so billing does
// not import counterstore directly.
type CounterReader interface {
	MultiGet(ctx context.Context, keys []string) (map[string]float64, error)
}

// SoftCrossingRecorder is notified exactly once when a tenant/metric crosses
// the monthly soft-limit threshold, per §4.G.
type SoftCrossingRecorder interface {
	RecordSoftCrossing(ctx context.Context, tenantID string, metric Metric) error
}

// Decision is the outcome of a quota evaluation.
type Decision struct {
	Allowed       bool
	LimitClass    LimitClass
	CurrentValue  float64
	Residual      float64 // quantity still allowed before the breached limit
}

// Evaluator implements §4.G: daily → monthly → total hard-limit checks,
// plus a once-per-crossing soft-limit warning.
type Evaluator struct {
	limits  LimitTable
	counters CounterReader
	warnings SoftCrossingRecorder
	keyFn   func(tenantID string, metric Metric, horizon string) string
}

// NewEvaluator creates an Evaluator. keyFn builds the counter-store key for
// a (tenant, metric, horizon) triple; callers supply it so key layout stays
// under the counter store's control, not billing's.
func NewEvaluator(limits LimitTable, counters CounterReader, warnings SoftCrossingRecorder, keyFn func(tenantID string, metric Metric, horizon string) string) *Evaluator {
	return &Evaluator{limits: limits, counters: counters, warnings: warnings, keyFn: keyFn}
}

// Evaluate checks whether adding additionalQty of metric for tenantID at
// tier would breach the daily, monthly, or (storage-only) total hard limit.
// On counter-store unavailability it fails open and returns Allowed=true
// with LimitClass=none; callers are expected to audit this case themselves.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID string, tier tenant.Tier, metric Metric, additionalQty float64) (Decision, error) {
	limits := e.limits.lookup(metric, tier)

	dayKey := e.keyFn(tenantID, metric, "day")
	monthKey := e.keyFn(tenantID, metric, "month")
	lifetimeKey := e.keyFn(tenantID, metric, "lifetime")

	vals, err := e.counters.MultiGet(ctx, []string{dayKey, monthKey, lifetimeKey})
	if err != nil {
		return Decision{Allowed: true, LimitClass: LimitClassNone}, nil
	}

	day := vals[dayKey]
	month := vals[monthKey]
	lifetime := vals[lifetimeKey]

	if limits.DailyHard > 0 && day+additionalQty > limits.DailyHard {
		return Decision{Allowed: false, LimitClass: LimitClassDaily, CurrentValue: day, Residual: maxZero(limits.DailyHard - day)}, nil
	}
	if limits.MonthlyHard > 0 && month+additionalQty > limits.MonthlyHard {
		return Decision{Allowed: false, LimitClass: LimitClassMonthly, CurrentValue: month, Residual: maxZero(limits.MonthlyHard - month)}, nil
	}
	if metric == MetricStorageGBMonth && limits.TotalHard > 0 && lifetime+additionalQty > limits.TotalHard {
		return Decision{Allowed: false, LimitClass: LimitClassTotal, CurrentValue: lifetime, Residual: maxZero(limits.TotalHard - lifetime)}, nil
	}

	if limits.MonthlyHard > 0 && limits.SoftMonthlyPct > 0 {
		threshold := limits.MonthlyHard * limits.SoftMonthlyPct
		before := month
		after := month + additionalQty
		if before < threshold && after >= threshold && e.warnings != nil {
			_ = e.warnings.RecordSoftCrossing(ctx, tenantID, metric)
		}
	}

	residual := Decision{Allowed: true, LimitClass: LimitClassNone, CurrentValue: month}
	if limits.MonthlyHard > 0 {
		residual.Residual = maxZero(limits.MonthlyHard - month - additionalQty)
	}
	return residual, nil
}

func maxZero(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}

// QuotaExceededError is returned by the usage recorder when the quota
// evaluator denies an operation.
func QuotaExceededError(op string, d Decision) error {
	return core.NewError(op, core.ErrQuotaExceeded, "quota exceeded for "+string(d.LimitClass)+" limit", nil)
}
