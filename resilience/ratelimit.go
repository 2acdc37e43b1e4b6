package resilience

import (
	"context"
	"sync"
	"time"
)

// ProviderLimits describes the rate and concurrency budget for a single
// upstream provider. A zero value for any field means unlimited.
type ProviderLimits struct {
	// RPM is the maximum requests per minute.
	RPM int

	// TPM is the maximum tokens per minute.
	TPM int

	// MaxConcurrent caps the number of in-flight requests.
	MaxConcurrent int

	// CooldownOnRetry is an extra delay Wait enforces before a retried call,
	// on top of any token-bucket wait.
	CooldownOnRetry time.Duration
}

// RateLimiter enforces a ProviderLimits budget using token buckets for RPM
// and TPM and a counting semaphore for concurrency. It is safe for
// concurrent use.
type RateLimiter struct {
	limits ProviderLimits

	mu         sync.Mutex
	rpmTokens  float64
	tpmTokens  float64
	lastRefill time.Time
	concurrent int
}

// NewRateLimiter creates a RateLimiter starting with full buckets.
func NewRateLimiter(limits ProviderLimits) *RateLimiter {
	return &RateLimiter{
		limits:     limits,
		rpmTokens:  float64(limits.RPM),
		tpmTokens:  float64(limits.TPM),
		lastRefill: time.Now(),
	}
}

func (rl *RateLimiter) refillLocked() {
	if rl.limits.RPM <= 0 && rl.limits.TPM <= 0 {
		return
	}
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.lastRefill = now
	if rl.limits.RPM > 0 {
		rl.rpmTokens += elapsed * (float64(rl.limits.RPM) / 60.0)
		if rl.rpmTokens > float64(rl.limits.RPM) {
			rl.rpmTokens = float64(rl.limits.RPM)
		}
	}
	if rl.limits.TPM > 0 {
		rl.tpmTokens += elapsed * (float64(rl.limits.TPM) / 60.0)
		if rl.tpmTokens > float64(rl.limits.TPM) {
			rl.tpmTokens = float64(rl.limits.TPM)
		}
	}
}

// Allow blocks until a request slot is available: one RPM token (if RPM is
// limited) and one concurrency slot (if MaxConcurrent is limited). It
// returns ctx.Err() if ctx is done before a slot frees up.
func (rl *RateLimiter) Allow(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		rl.mu.Lock()
		rl.refillLocked()
		rpmOK := rl.limits.RPM <= 0 || rl.rpmTokens >= 1
		concOK := rl.limits.MaxConcurrent <= 0 || rl.concurrent < rl.limits.MaxConcurrent
		if rpmOK && concOK {
			if rl.limits.RPM > 0 {
				rl.rpmTokens--
			}
			if rl.limits.MaxConcurrent > 0 {
				rl.concurrent++
			}
			rl.mu.Unlock()
			return nil
		}
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release returns a concurrency slot acquired by Allow. It is a no-op
// (clamped at zero) if called without a matching Allow.
func (rl *RateLimiter) Release() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.concurrent > 0 {
		rl.concurrent--
	}
}

// Wait blocks for CooldownOnRetry, honoring ctx cancellation. Providers use
// this between a failed attempt and its retry, independent of the token
// buckets Allow manages.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.limits.CooldownOnRetry <= 0 {
		return nil
	}
	timer := time.NewTimer(rl.limits.CooldownOnRetry)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ConsumeTokens blocks until count TPM tokens are available, then deducts
// them. A zero or negative count is always satisfied immediately.
func (rl *RateLimiter) ConsumeTokens(ctx context.Context, count int) error {
	if count <= 0 || rl.limits.TPM <= 0 {
		return nil
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		rl.mu.Lock()
		rl.refillLocked()
		if rl.tpmTokens >= float64(count) {
			rl.tpmTokens -= float64(count)
			rl.mu.Unlock()
			return nil
		}
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
