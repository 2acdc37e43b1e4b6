package billing

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/counterstore"
	"github.com/lookatitude/voxtenant/store"
	"github.com/lookatitude/voxtenant/tenant"
)

// CounterBatchWriter performs the pipelined batch increment §4.I step 5
// needs. Implemented directly by *counterstore.Store.
type CounterBatchWriter interface {
	Batch(ctx context.Context, ops []counterstore.BatchOp) error
}

// TierResolver supplies a tenant's current tier and cumulative-month usage
// for a metric, so the recorder doesn't need its own counter reads beyond
// what the quota evaluator already performs.
type TierResolver interface {
	Tier(ctx context.Context, tenantID string) (tenant.Tier, error)
	CumulativeMonthUsage(ctx context.Context, tenantID string, metric Metric) (*big.Rat, error)
}

// EventResult is returned by RecordUsage on success.
type EventResult struct {
	EventID  string
	Cost     *big.Rat
	Decision Decision
	Tier     tenant.Tier
}

// Recorder implements §4.I: the sole sanctioned entry point for metered
// activity, composing the quota evaluator, cost calculator, persistent
// store gateway, and counter store into one operation.
type Recorder struct {
	quota    *Evaluator
	prices   PriceTable
	gateway  *store.Gateway
	counters CounterBatchWriter
	tiers    TierResolver
	keyFn    func(tenantID string, metric Metric, horizon string) string
	dayTTL   time.Duration
	monthTTL time.Duration
	logger   *slog.Logger
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Quota    *Evaluator
	Prices   PriceTable
	Gateway  *store.Gateway
	Counters CounterBatchWriter
	Tiers    TierResolver
	KeyFn    func(tenantID string, metric Metric, horizon string) string
	DayTTL   time.Duration
	MonthTTL time.Duration
	Logger   *slog.Logger
}

// NewRecorder creates a Recorder. A nil Counters is permitted: step 5's
// increments are then simply skipped, same as if they failed.
func NewRecorder(cfg RecorderConfig) *Recorder {
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
	return &Recorder{
		quota:    cfg.Quota,
		prices:   cfg.Prices,
		gateway:  cfg.Gateway,
		counters: cfg.Counters,
		tiers:    cfg.Tiers,
		keyFn:    cfg.KeyFn,
		logger:   logger,
		dayTTL:   cfg.DayTTL,
		monthTTL: cfg.MonthTTL,
	}
}

// RecordUsage implements the seven-step algorithm of §4.I.
func (r *Recorder) RecordUsage(ctx context.Context, tenantID string, metric Metric, quantity *big.Rat, forceAllow bool) (*EventResult, error) {
	tier, err := r.tiers.Tier(ctx, tenantID)
	if err != nil {
		return nil, core.NewError("billing.RecordUsage", core.ErrStoreUnavailable, "tier lookup failed", err)
	}

	qtyFloat, _ := quantity.Float64()

	var decision Decision
	if !forceAllow {
		decision, err = r.quota.Evaluate(ctx, tenantID, tier, metric, qtyFloat)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			r.logger.WarnContext(ctx, "usage denied by quota", "tenant", tenantID, "metric", metric, "limit_class", decision.LimitClass)
			return nil, QuotaExceededError("billing.RecordUsage", decision)
		}
	}

	used, err := r.tiers.CumulativeMonthUsage(ctx, tenantID, metric)
	if err != nil {
		return nil, core.NewError("billing.RecordUsage", core.ErrStoreUnavailable, "usage lookup failed", err)
	}

	entry, ok := r.prices.Lookup(metric, tier)
	if !ok {
		return nil, core.NewError("billing.RecordUsage", core.ErrBusinessRule, "no price entry for metric/tier", nil)
	}
	cost := Calculate(entry, used, quantity)

	eventID := uuid.NewString()
	costFloat, _ := cost.Float64()

	// Step 4: durable write. Must succeed for the operation to count as recorded.
	writes := []store.Write{
		{Row: store.Row{Table: "usage_events", Columns: map[string]any{
			"id": eventID, "tenant_id": tenantID, "metric": string(metric),
			"quantity": qtyFloat, "cost": costFloat, "occurred_at": time.Now(),
		}}},
		{Row: store.Row{Table: "audit_records", Columns: map[string]any{
			"id": uuid.NewString(), "tenant_id": tenantID, "event_kind": "usage-recorded",
			"severity": "info", "correlation_id": eventID,
		}}},
	}
	if err := r.gateway.Transact(ctx, writes); err != nil {
		return nil, core.NewError("billing.RecordUsage", core.ErrStoreUnavailable, "durable write failed", err)
	}

	// Step 5: counter increments are best-effort; a failure here is logged
	// and tolerated, reconciled later from the durable events just written.
	if r.counters != nil {
		dayKey := r.keyFn(tenantID, metric, "day")
		monthKey := r.keyFn(tenantID, metric, "month")
		lifeKey := r.keyFn(tenantID, metric, "lifetime")
		ops := []counterstore.BatchOp{
			{Key: dayKey + ":usage", Delta: qtyFloat, TTL: r.dayTTL},
			{Key: monthKey + ":usage", Delta: qtyFloat, TTL: r.monthTTL},
			{Key: lifeKey + ":usage", Delta: qtyFloat},
			{Key: dayKey + ":cost", Delta: costFloat, TTL: r.dayTTL},
			{Key: monthKey + ":cost", Delta: costFloat, TTL: r.monthTTL},
			{Key: lifeKey + ":cost", Delta: costFloat},
		}
		if err := r.counters.Batch(ctx, ops); err != nil {
			r.logger.WarnContext(ctx, "counter increment failed, will reconcile from durable events", "error", err)
		}
	}

	// Steps 6-7 never fail the call.
	return &EventResult{EventID: eventID, Cost: cost, Decision: decision, Tier: tier}, nil
}
