package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/store"
)

// TenantLister supplies the tenant set a reconciliation pass must cover.
type TenantLister interface {
	ActiveTenantIDs(ctx context.Context) ([]string, error)
}

// CounterSetter corrects a counter to an absolute value. Implemented
// directly by *counterstore.Store.SetWithTTL.
type CounterSetter interface {
	SetWithTTL(ctx context.Context, key string, value float64, ttl time.Duration) error
}

// EventLister reads durable rows. Implemented directly by
// *store.Gateway.List, kept as an interface so reconcileOne's aggregation
// is testable without a live database.
type EventLister interface {
	List(ctx context.Context, table string, columns []string, filters []store.Filter, limit int) ([]map[string]any, error)
}

// Reconciler periodically re-derives day/month/lifetime usage and cost
// counters from durable usage_events rows and overwrites the ephemeral
// counter store, correcting the drift RecordUsage's step 5 tolerates when
// a counter increment fails. This is the owner spec.md §8's "sum of
// E.quantity ... equals the monthly counter value ± in-flight drift"
// invariant names but never assigns.
type Reconciler struct {
	events   EventLister
	counters CounterSetter
	tenants  TenantLister
	metrics  []Metric
	keyFn    func(tenantID string, metric Metric, horizon string) string
	dayTTL   time.Duration
	monthTTL time.Duration
	logger   *slog.Logger
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Events   EventLister
	Counters CounterSetter
	Tenants  TenantLister
	// Metrics defaults to every Metric constant when left empty.
	Metrics  []Metric
	KeyFn    func(tenantID string, metric Metric, horizon string) string
	DayTTL   time.Duration
	MonthTTL time.Duration
	Logger   *slog.Logger
}

var allMetrics = []Metric{
	MetricSynthesisChars,
	MetricSMSMessages,
	MetricCallMinutes,
	MetricSearchQueries,
	MetricAPICalls,
	MetricStorageGBMonth,
	MetricBandwidthGB,
}

// NewReconciler constructs a Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DayTTL <= 0 {
		cfg.DayTTL = 7 * 24 * time.Hour
	}
	if cfg.MonthTTL <= 0 {
		cfg.MonthTTL = 13 * 30 * 24 * time.Hour
	}
	metrics := cfg.Metrics
	if len(metrics) == 0 {
		metrics = allMetrics
	}
	return &Reconciler{
		events:   cfg.Events,
		counters: cfg.Counters,
		tenants:  cfg.Tenants,
		metrics:  metrics,
		keyFn:    cfg.KeyFn,
		dayTTL:   cfg.DayTTL,
		monthTTL: cfg.MonthTTL,
		logger:   logger,
	}
}

// ReconcileOnce runs one full pass over every active tenant and metric.
// It keeps going after a per-tenant/metric failure so one bad row or a
// transient store error does not abort the whole sweep; it returns the
// first error encountered, if any, after every pair has been attempted.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	tenantIDs, err := r.tenants.ActiveTenantIDs(ctx)
	if err != nil {
		return core.NewError("billing.ReconcileOnce", core.ErrStoreUnavailable, "tenant enumeration failed", err)
	}

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var firstErr error
	for _, tenantID := range tenantIDs {
		for _, metric := range r.metrics {
			if err := r.reconcileOne(ctx, tenantID, metric, dayStart, monthStart); err != nil {
				r.logger.WarnContext(ctx, "reconciliation failed for tenant/metric",
					"tenant", tenantID, "metric", metric, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

type usageSums struct {
	dayQty, dayCost     float64
	monthQty, monthCost float64
	lifeQty, lifeCost   float64
}

// sumUsageRows buckets already-fetched usage_events rows into day/month/
// lifetime quantity and cost totals. Kept free of I/O so it is directly
// unit-testable.
func sumUsageRows(rows []map[string]any, dayStart, monthStart time.Time) usageSums {
	var sums usageSums
	for _, row := range rows {
		qty, _ := row["quantity"].(float64)
		cost, _ := row["cost"].(float64)
		occurred, _ := row["occurred_at"].(time.Time)

		sums.lifeQty += qty
		sums.lifeCost += cost
		if !occurred.Before(monthStart) {
			sums.monthQty += qty
			sums.monthCost += cost
		}
		if !occurred.Before(dayStart) {
			sums.dayQty += qty
			sums.dayCost += cost
		}
	}
	return sums
}

func (r *Reconciler) reconcileOne(ctx context.Context, tenantID string, metric Metric, dayStart, monthStart time.Time) error {
	rows, err := r.events.List(ctx, "usage_events",
		[]string{"quantity", "cost", "occurred_at"},
		[]store.Filter{
			{Column: "tenant_id", Value: tenantID},
			{Column: "metric", Value: string(metric)},
		}, 0)
	if err != nil {
		return core.NewError("billing.reconcileOne", core.ErrStoreUnavailable, "usage_events list failed", err)
	}

	sums := sumUsageRows(rows, dayStart, monthStart)

	dayKey := r.keyFn(tenantID, metric, "day")
	monthKey := r.keyFn(tenantID, metric, "month")
	lifeKey := r.keyFn(tenantID, metric, "lifetime")

	corrections := []struct {
		key   string
		value float64
		ttl   time.Duration
	}{
		{dayKey + ":usage", sums.dayQty, r.dayTTL},
		{dayKey + ":cost", sums.dayCost, r.dayTTL},
		{monthKey + ":usage", sums.monthQty, r.monthTTL},
		{monthKey + ":cost", sums.monthCost, r.monthTTL},
		{lifeKey + ":usage", sums.lifeQty, 0},
		{lifeKey + ":cost", sums.lifeCost, 0},
	}
	for _, c := range corrections {
		if err := r.counters.SetWithTTL(ctx, c.key, c.value, c.ttl); err != nil {
			return core.NewError("billing.reconcileOne", core.ErrStoreUnavailable, "counter correction failed", err)
		}
	}
	return nil
}
