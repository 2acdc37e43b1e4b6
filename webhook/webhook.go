// Package webhook implements the webhook dispatcher (§4.N): per-tenant
// event subscribers receive signed HTTP callbacks with bounded exponential
// backoff, and subscribers that fail repeatedly are automatically disabled
// pending operator reactivation.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/o11y"
	"github.com/lookatitude/voxtenant/resilience"
)

// maxNetFailures is the number of consecutive delivery failures (with no
// intervening success) after which a subscriber transitions to Failed.
const maxNetFailures = 10

// SubscriberStatus is a subscriber's operational state.
type SubscriberStatus string

const (
	SubscriberActive SubscriberStatus = "active"
	SubscriberFailed SubscriberStatus = "failed"
)

// Subscriber is a per-tenant webhook registration.
type Subscriber struct {
	ID          string
	TenantID    string
	TargetURL   string
	Secret      string
	EventKinds  []string // "*" matches every kind
	Headers     map[string]string
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration
	Status      SubscriberStatus

	Total            int64
	Success          int64
	Failure          int64
	LastSuccessAt    time.Time
	LastFailureAt    time.Time
	consecutiveFails int
}

func (s *Subscriber) matches(kind string) bool {
	for _, k := range s.EventKinds {
		if k == "*" || k == kind {
			return true
		}
	}
	return false
}

// Envelope is the payload wrapper delivered to every subscriber, per §6.
type Envelope struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	WebhookID string `json:"webhook-id"`
	Data      any    `json:"data"`
}

// Store persists subscriber records and their counters. Implementations back
// onto the persistent store gateway.
type Store interface {
	ListByTenant(ctx context.Context, tenantID string) ([]*Subscriber, error)
	Save(ctx context.Context, s *Subscriber) error
}

// Transport sends the signed HTTP request. The default implementation uses
// net/http; tests substitute a fake.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatcher fans out published events to matching subscribers.
type Dispatcher struct {
	store     Store
	transport Transport

	mu       sync.Mutex
	inFlight map[string]int // subscriber id -> count, enforces the per-subscriber cap
	cap      int
}

// Config configures a Dispatcher.
type Config struct {
	Store     Store
	Transport Transport
	// InFlightCap bounds concurrent deliveries per subscriber. Zero defaults
	// to 4.
	InFlightCap int
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultClient
	}
	if cfg.InFlightCap <= 0 {
		cfg.InFlightCap = 4
	}
	return &Dispatcher{
		store:     cfg.Store,
		transport: cfg.Transport,
		inFlight:  make(map[string]int),
		cap:       cfg.InFlightCap,
	}
}

// Publish delivers data to every subscriber of tenantID subscribed to kind
// (or "*"). Each subscriber is dispatched concurrently; Publish returns once
// all dispatches (including retries) have completed.
func (d *Dispatcher) Publish(ctx context.Context, tenantID, kind string, data any) error {
	ctx, span := o11y.StartSpan(ctx, "webhook.Publish", o11y.Attrs{"event": kind, "tenant_id": tenantID})
	defer span.End()

	subs, err := d.store.ListByTenant(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		return core.NewError("webhook.Publish", core.ErrStoreUnavailable, "subscriber lookup failed", err)
	}

	envelope := Envelope{
		Event:     kind,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		WebhookID: uuid.NewString(),
		Data:      data,
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		if s.Status != SubscriberActive || !s.matches(kind) {
			continue
		}
		if !d.tryAcquire(s.ID) {
			continue
		}
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			defer d.release(s.ID)
			d.deliver(ctx, s, envelope)
		}(s)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) tryAcquire(subID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[subID] >= d.cap {
		return false
	}
	d.inFlight[subID]++
	return true
}

func (d *Dispatcher) release(subID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight[subID]--
}

func (d *Dispatcher) deliver(ctx context.Context, s *Subscriber, envelope Envelope) {
	ctx, span := o11y.StartSpan(ctx, "webhook.deliver", o11y.Attrs{"subscriber_id": s.ID})
	defer span.End()

	payload, err := canonicalJSON(envelope)
	if err != nil {
		span.RecordError(err)
		return
	}
	sig := sign(payload, s.Secret)

	policy := resilience.RetryPolicy{
		MaxAttempts:    maxAttempts(s.MaxAttempts),
		InitialBackoff: retryDelay(s.RetryDelay),
		BackoffFactor:  2.0,
		Jitter:         true,
		RetryableErrors: []core.ErrorCode{
			core.ErrProviderDown,
			core.ErrTimeout,
		},
	}

	_, err = resilience.Retry(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.attempt(ctx, s, payload, sig)
	})

	s.Total++
	if err == nil {
		s.Success++
		s.LastSuccessAt = time.Now().UTC()
		s.consecutiveFails = 0
	} else {
		s.Failure++
		s.LastFailureAt = time.Now().UTC()
		s.consecutiveFails++
		if s.consecutiveFails >= maxNetFailures {
			s.Status = SubscriberFailed
		}
		span.RecordError(err)
	}

	if saveErr := d.store.Save(ctx, s); saveErr != nil {
		span.RecordError(saveErr)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, s *Subscriber, payload []byte, sig string) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.TargetURL, bytes.NewReader(payload))
	if err != nil {
		return core.NewError("webhook.attempt", core.ErrValidation, "invalid target URL", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.transport.Do(req)
	if err != nil {
		return core.NewError("webhook.attempt", core.ErrProviderDown, "delivery failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return core.NewError("webhook.attempt", core.ErrProviderDown,
			fmt.Sprintf("subscriber responded %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return core.NewError("webhook.attempt", core.ErrProviderError,
			fmt.Sprintf("subscriber responded %d", resp.StatusCode), nil)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload using secret, matching the
// signature verified against X-Webhook-Signature.
func Sign(payload []byte, secret string) string {
	return sign(payload, secret)
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig (as sent in X-Webhook-Signature, without the
// "sha256=" prefix) matches payload under secret.
func Verify(payload []byte, sig, secret string) bool {
	want := sign(payload, secret)
	return hmac.Equal([]byte(want), []byte(sig))
}

// canonicalJSON marshals v with sorted keys and no insignificant whitespace,
// per §6's "Canonical JSON = keys sorted, no insignificant whitespace."
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

func maxAttempts(n int) int {
	if n <= 0 {
		return 3
	}
	return n
}

func retryDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}

// Reactivate clears a Failed subscriber back to Active, for the operator
// reactivation path named in §4.N.
func Reactivate(s *Subscriber) {
	s.Status = SubscriberActive
	s.consecutiveFails = 0
}
