package billing

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/tenant"
)

type fakeTiers struct {
	tier    tenant.Tier
	tierErr error
	used    *big.Rat
	usedErr error
}

func (f *fakeTiers) Tier(_ context.Context, _ string) (tenant.Tier, error) {
	return f.tier, f.tierErr
}

func (f *fakeTiers) CumulativeMonthUsage(_ context.Context, _ string, _ Metric) (*big.Rat, error) {
	return f.used, f.usedErr
}

// RecordUsage's success path requires a live *store.Gateway, which this
// package's tests cannot construct without a real database connection (same
// constraint documented in store_test.go). These tests exercise every path
// that returns before the durable write: tier lookup failure, quota denial,
// and missing price entries.

func TestRecordUsage_TierLookupFailure(t *testing.T) {
	eval := NewEvaluator(LimitTable{}, &fakeCounters{}, nil, testKeyFn)
	r := NewRecorder(RecorderConfig{
		Quota:  eval,
		Prices: PriceTable{},
		Tiers:  &fakeTiers{tierErr: errors.New("boom")},
	})

	_, err := r.RecordUsage(context.Background(), "t1", MetricCallMinutes, big.NewRat(1, 1), false)
	if err == nil {
		t.Fatal("expected an error")
	}
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Code != core.ErrStoreUnavailable {
		t.Errorf("err = %v, want ErrStoreUnavailable", err)
	}
}

func TestRecordUsage_QuotaDeniedReturnsQuotaExceeded(t *testing.T) {
	limits := LimitTable{
		MetricCallMinutes: {tenant.TierStarter: Limits{DailyHard: 10}},
	}
	counters := &fakeCounters{values: map[string]float64{"t1:call-minutes:day": 9}}
	eval := NewEvaluator(limits, counters, nil, testKeyFn)

	r := NewRecorder(RecorderConfig{
		Quota:  eval,
		Prices: PriceTable{},
		Tiers:  &fakeTiers{tier: tenant.TierStarter, used: big.NewRat(0, 1)},
	})

	_, err := r.RecordUsage(context.Background(), "t1", MetricCallMinutes, big.NewRat(5, 1), false)
	if err == nil {
		t.Fatal("expected quota-exceeded error")
	}
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Code != core.ErrQuotaExceeded {
		t.Errorf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestRecordUsage_ForceAllowSkipsQuotaCheck(t *testing.T) {
	limits := LimitTable{
		MetricCallMinutes: {tenant.TierStarter: Limits{DailyHard: 1}},
	}
	counters := &fakeCounters{values: map[string]float64{"t1:call-minutes:day": 999}}
	eval := NewEvaluator(limits, counters, nil, testKeyFn)

	r := NewRecorder(RecorderConfig{
		Quota:  eval,
		Prices: PriceTable{},
		Tiers:  &fakeTiers{tier: tenant.TierStarter, used: big.NewRat(0, 1)},
	})

	// forceAllow=true skips quota.Evaluate entirely, so it should fall through
	// to the missing-price-entry error rather than a quota denial.
	_, err := r.RecordUsage(context.Background(), "t1", MetricCallMinutes, big.NewRat(5, 1), true)
	if err == nil {
		t.Fatal("expected an error (no price entry configured)")
	}
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Code == core.ErrQuotaExceeded {
		t.Errorf("err = %v, force-allow must not surface a quota-exceeded error", err)
	}
}

func TestRecordUsage_MissingPriceEntry(t *testing.T) {
	eval := NewEvaluator(LimitTable{}, &fakeCounters{}, nil, testKeyFn)
	r := NewRecorder(RecorderConfig{
		Quota:  eval,
		Prices: PriceTable{},
		Tiers:  &fakeTiers{tier: tenant.TierStarter, used: big.NewRat(0, 1)},
	})

	_, err := r.RecordUsage(context.Background(), "t1", MetricCallMinutes, big.NewRat(1, 1), false)
	if err == nil {
		t.Fatal("expected an error")
	}
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Code != core.ErrBusinessRule {
		t.Errorf("err = %v, want ErrBusinessRule", err)
	}
}

func TestRecordUsage_UsageLookupFailure(t *testing.T) {
	eval := NewEvaluator(LimitTable{}, &fakeCounters{}, nil, testKeyFn)
	r := NewRecorder(RecorderConfig{
		Quota:  eval,
		Prices: PriceTable{},
		Tiers:  &fakeTiers{tier: tenant.TierStarter, usedErr: errors.New("boom")},
	})

	_, err := r.RecordUsage(context.Background(), "t1", MetricCallMinutes, big.NewRat(1, 1), false)
	if err == nil {
		t.Fatal("expected an error")
	}
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Code != core.ErrStoreUnavailable {
		t.Errorf("err = %v, want ErrStoreUnavailable", err)
	}
}
