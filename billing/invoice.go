package billing

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/store"
)

// InvoiceStatus is an invoice's lifecycle state, per §4.J.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceSent      InvoiceStatus = "sent"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
	InvoiceRefunded  InvoiceStatus = "refunded"
)

// LineItem is one metric's billed activity for an invoice's period.
type LineItem struct {
	Metric   Metric   `json:"metric"`
	Quantity *big.Rat `json:"-"`
	Subtotal *big.Rat `json:"-"`

	// QuantityStr and SubtotalStr carry the exact rational values through
	// JSON, since big.Rat does not round-trip through encoding/json on its
	// own.
	QuantityStr string `json:"quantity"`
	SubtotalStr string `json:"subtotal"`
}

// Invoice is a tenant's billing statement for one period, per §4.J.
type Invoice struct {
	ID          string
	TenantID    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Number      string
	Status      InvoiceStatus
	LineItems   []LineItem
	Subtotal    *big.Rat
	Discount    *big.Rat
	Tax         *big.Rat
	Total       *big.Rat
	PaymentRef  string
	CreatedAt   time.Time
	DueDate     time.Time
}

// UsageAggregator sums durable usage events into per-metric quantities for a
// tenant's billing period. Implementations back onto the store gateway's
// usage_events table.
type UsageAggregator interface {
	SumByMetric(ctx context.Context, tenantID string, periodStart, periodEnd time.Time) (map[Metric]*big.Rat, error)
}

// DiscountResolver supplies a tenant's current discount amount for a period,
// in the same currency unit as the price table.
type DiscountResolver interface {
	Discount(ctx context.Context, tenantID string, periodStart time.Time) (*big.Rat, error)
}

// TaxRateResolver supplies an externally-provided tax rate (e.g. 0.08 for
// 8%) applied to an invoice's net subtotal.
type TaxRateResolver interface {
	TaxRate(ctx context.Context, tenantID string) (*big.Rat, error)
}

// InvoiceBuilder implements §4.J: period-roll usage into line items, tax and
// discount application, and the draft → sent → paid/cancelled state machine
// with idempotent invoice numbering.
type InvoiceBuilder struct {
	gateway   *store.Gateway
	prices    PriceTable
	usage     UsageAggregator
	tiers     TierResolver
	discounts DiscountResolver
	taxRates  TaxRateResolver
}

// InvoiceBuilderConfig configures an InvoiceBuilder.
type InvoiceBuilderConfig struct {
	Gateway   *store.Gateway
	Prices    PriceTable
	Usage     UsageAggregator
	Tiers     TierResolver
	Discounts DiscountResolver
	TaxRates  TaxRateResolver
}

// NewInvoiceBuilder creates an InvoiceBuilder.
func NewInvoiceBuilder(cfg InvoiceBuilderConfig) *InvoiceBuilder {
	return &InvoiceBuilder{
		gateway:   cfg.Gateway,
		prices:    cfg.Prices,
		usage:     cfg.Usage,
		tiers:     cfg.Tiers,
		discounts: cfg.Discounts,
		taxRates:  cfg.TaxRates,
	}
}

// BuildDraft materializes (or returns the existing) invoice for tenantID's
// billing period. Concurrent callers for the same (tenant, period) converge
// on the same invoice number: the insert is attempted once, and a conflict
// error means another caller won the race, so the winning row is re-read.
func (b *InvoiceBuilder) BuildDraft(ctx context.Context, tenantID string, periodStart, periodEnd time.Time) (*Invoice, error) {
	if existing, err := b.findExisting(ctx, tenantID, periodStart); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	tier, err := b.tiers.Tier(ctx, tenantID)
	if err != nil {
		return nil, core.NewError("billing.BuildDraft", core.ErrStoreUnavailable, "tier lookup failed", err)
	}

	quantities, err := b.usage.SumByMetric(ctx, tenantID, periodStart, periodEnd)
	if err != nil {
		return nil, core.NewError("billing.BuildDraft", core.ErrStoreUnavailable, "usage aggregation failed", err)
	}

	subtotal := new(big.Rat)
	lineItems := make([]LineItem, 0, len(quantities))
	for metric, qty := range quantities {
		entry, ok := b.prices.Lookup(metric, tier)
		if !ok {
			continue
		}
		itemSubtotal := Calculate(entry, new(big.Rat), qty)
		subtotal.Add(subtotal, itemSubtotal)
		lineItems = append(lineItems, LineItem{
			Metric:      metric,
			Quantity:    qty,
			Subtotal:    itemSubtotal,
			QuantityStr: qty.RatString(),
			SubtotalStr: itemSubtotal.RatString(),
		})
	}

	discount := new(big.Rat)
	if b.discounts != nil {
		discount, err = b.discounts.Discount(ctx, tenantID, periodStart)
		if err != nil {
			return nil, core.NewError("billing.BuildDraft", core.ErrStoreUnavailable, "discount lookup failed", err)
		}
	}

	taxRate := new(big.Rat)
	if b.taxRates != nil {
		taxRate, err = b.taxRates.TaxRate(ctx, tenantID)
		if err != nil {
			return nil, core.NewError("billing.BuildDraft", core.ErrStoreUnavailable, "tax rate lookup failed", err)
		}
	}
	net := new(big.Rat).Sub(subtotal, discount)
	tax := new(big.Rat).Mul(net, taxRate)
	total := new(big.Rat).Add(net, tax)

	inv := &Invoice{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Number:      generateInvoiceNumber(periodStart),
		Status:      InvoiceDraft,
		LineItems:   lineItems,
		Subtotal:    subtotal,
		Discount:    discount,
		Tax:         tax,
		Total:       total,
		CreatedAt:   time.Now(),
	}

	if err := b.insert(ctx, inv); err != nil {
		if store.IsConflict(err) {
			existing, findErr := b.findExisting(ctx, tenantID, periodStart)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	return inv, nil
}

// Finalize transitions a draft invoice to sent, setting its due date to
// created + 30 days. Re-finalizing an already-sent (or later-state) invoice
// is a no-op that returns the existing record unchanged, per §4.J.
func (b *InvoiceBuilder) Finalize(ctx context.Context, invoiceID string) (*Invoice, error) {
	inv, err := b.get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != InvoiceDraft {
		return inv, nil
	}

	inv.Status = InvoiceSent
	inv.DueDate = inv.CreatedAt.Add(30 * 24 * time.Hour)
	if err := b.update(ctx, inv, map[string]any{"id": inv.ID}); err != nil {
		return nil, err
	}
	return inv, nil
}

// MarkPaid transitions an invoice to paid, recording ref. Idempotent: an
// invoice already paid is left unchanged.
func (b *InvoiceBuilder) MarkPaid(ctx context.Context, invoiceID, ref string) (*Invoice, error) {
	inv, err := b.get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == InvoicePaid {
		return inv, nil
	}
	inv.Status = InvoicePaid
	inv.PaymentRef = ref
	if err := b.update(ctx, inv, map[string]any{"id": inv.ID}); err != nil {
		return nil, err
	}
	return inv, nil
}

// Void cancels an invoice. Idempotent: an invoice already cancelled is left
// unchanged; reason is recorded in the audit trail rather than on the
// invoice itself.
func (b *InvoiceBuilder) Void(ctx context.Context, invoiceID, reason string) (*Invoice, error) {
	inv, err := b.get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == InvoiceCancelled {
		return inv, nil
	}
	inv.Status = InvoiceCancelled
	writes := []store.Write{
		{Row: store.Row{Table: "invoices", Columns: map[string]any{"status": string(InvoiceCancelled)}}, Where: map[string]any{"id": inv.ID}},
		{Row: store.Row{Table: "audit_records", Columns: map[string]any{
			"id": uuid.NewString(), "tenant_id": inv.TenantID, "event_kind": "invoice-voided",
			"severity": "info", "correlation_id": inv.ID, "reason": reason,
		}}},
	}
	if err := b.gateway.Transact(ctx, writes); err != nil {
		return nil, core.NewError("billing.Void", core.ErrStoreUnavailable, "void failed", err)
	}
	return inv, nil
}

func generateInvoiceNumber(period time.Time) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, 8)
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand.Read on the standard reader does not fail in practice;
		// fall back to a UUID-derived suffix rather than panicking.
		id := uuid.New()
		copy(raw, id[:8])
	}
	for i, b := range raw {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return fmt.Sprintf("INV-%04d-%02d-%s", period.Year(), period.Month(), buf)
}

func (b *InvoiceBuilder) insert(ctx context.Context, inv *Invoice) error {
	return b.gateway.Transact(ctx, []store.Write{{Row: invoiceToRow(inv)}})
}

func (b *InvoiceBuilder) update(ctx context.Context, inv *Invoice, where map[string]any) error {
	row := invoiceToRow(inv)
	return b.gateway.Transact(ctx, []store.Write{{Row: row, Where: where}})
}

func (b *InvoiceBuilder) get(ctx context.Context, invoiceID string) (*Invoice, error) {
	cols, err := b.gateway.Get(ctx, "invoices", "id", invoiceID, invoiceColumns)
	if err != nil {
		return nil, core.NewError("billing.get", core.ErrStoreUnavailable, "invoice lookup failed", err)
	}
	if cols == nil {
		return nil, core.NewError("billing.get", core.ErrNotFound, "invoice not found", nil)
	}
	return rowToInvoice(cols)
}

func (b *InvoiceBuilder) findExisting(ctx context.Context, tenantID string, periodStart time.Time) (*Invoice, error) {
	rows, err := b.gateway.List(ctx, "invoices", invoiceColumns, []store.Filter{
		{Column: "tenant_id", Value: tenantID},
		{Column: "period_start", Value: periodStart},
	}, 1)
	if err != nil {
		return nil, core.NewError("billing.findExisting", core.ErrStoreUnavailable, "invoice lookup failed", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rowToInvoice(rows[0])
}

var invoiceColumns = []string{
	"id", "tenant_id", "period_start", "period_end", "number", "status",
	"line_items", "subtotal", "discount", "tax", "total", "payment_ref",
	"created_at", "due_date",
}

func invoiceToRow(inv *Invoice) store.Row {
	lineItemsJSON, _ := json.Marshal(inv.LineItems)
	return store.Row{Table: "invoices", Columns: map[string]any{
		"id":           inv.ID,
		"tenant_id":    inv.TenantID,
		"period_start": inv.PeriodStart,
		"period_end":   inv.PeriodEnd,
		"number":       inv.Number,
		"status":       string(inv.Status),
		"line_items":   string(lineItemsJSON),
		"subtotal":     inv.Subtotal.RatString(),
		"discount":     inv.Discount.RatString(),
		"tax":          inv.Tax.RatString(),
		"total":        inv.Total.RatString(),
		"payment_ref":  inv.PaymentRef,
		"created_at":   inv.CreatedAt,
		"due_date":     inv.DueDate,
	}}
}

func rowToInvoice(cols map[string]any) (*Invoice, error) {
	inv := &Invoice{
		ID:         asString(cols["id"]),
		TenantID:   asString(cols["tenant_id"]),
		Number:     asString(cols["number"]),
		Status:     InvoiceStatus(asString(cols["status"])),
		PaymentRef: asString(cols["payment_ref"]),
	}
	if t, ok := cols["period_start"].(time.Time); ok {
		inv.PeriodStart = t
	}
	if t, ok := cols["period_end"].(time.Time); ok {
		inv.PeriodEnd = t
	}
	if t, ok := cols["created_at"].(time.Time); ok {
		inv.CreatedAt = t
	}
	if t, ok := cols["due_date"].(time.Time); ok {
		inv.DueDate = t
	}

	inv.Subtotal = ratOrZero(asString(cols["subtotal"]))
	inv.Discount = ratOrZero(asString(cols["discount"]))
	inv.Tax = ratOrZero(asString(cols["tax"]))
	inv.Total = ratOrZero(asString(cols["total"]))

	if raw := asString(cols["line_items"]); raw != "" {
		var items []LineItem
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, core.NewError("billing.rowToInvoice", core.ErrBusinessRule, "corrupt line items", err)
		}
		for i := range items {
			items[i].Quantity = ratOrZero(items[i].QuantityStr)
			items[i].Subtotal = ratOrZero(items[i].SubtotalStr)
		}
		inv.LineItems = items
	}
	return inv, nil
}

func ratOrZero(s string) *big.Rat {
	r := new(big.Rat)
	if s == "" {
		return r
	}
	r.SetString(s)
	return r
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
