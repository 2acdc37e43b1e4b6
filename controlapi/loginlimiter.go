package controlapi

import (
	"context"
	"sync"
	"time"

	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/resilience"
)

// loginRateLimitGrace bounds how long a login request waits for a rate
// token before being rejected. It is short enough that a caller never
// notices it as added latency, but long enough to smooth a burst of
// concurrent requests arriving in the same instant.
const loginRateLimitGrace = 50 * time.Millisecond

// loginLimiter enforces the auth.login_rate_limit_per_minute and
// auth.max_failed_logins/lockout_minutes configuration keys (§6) against
// "issue token (login)" attempts. Both budgets are scoped per tenant slug
// (failed-login lockout further scoped per username within the tenant), so
// one tenant's brute-force attempt never throttles or locks out another
// tenant's legitimate logins.
type loginLimiter struct {
	rpm             int
	maxFailed       int
	lockoutDuration time.Duration

	mu       sync.Mutex
	limiters map[string]*resilience.RateLimiter
	failures map[string]*loginFailures
}

type loginFailures struct {
	count       int
	lockedUntil time.Time
}

// newLoginLimiter builds a loginLimiter from the raw config values. A
// non-positive rpm disables rate limiting; a non-positive maxFailedLogins
// disables lockout.
func newLoginLimiter(rpm, maxFailedLogins, lockoutMinutes int) *loginLimiter {
	return &loginLimiter{
		rpm:             rpm,
		maxFailed:       maxFailedLogins,
		lockoutDuration: time.Duration(lockoutMinutes) * time.Minute,
		limiters:        make(map[string]*resilience.RateLimiter),
		failures:        make(map[string]*loginFailures),
	}
}

// allow enforces the per-tenant login request-rate budget, rejecting with
// core.ErrRateLimit once the minute's budget is spent rather than queueing
// the HTTP request until the next token refills.
func (l *loginLimiter) allow(ctx context.Context, tenantSlug string) error {
	if l == nil || l.rpm <= 0 {
		return nil
	}

	l.mu.Lock()
	rl, ok := l.limiters[tenantSlug]
	if !ok {
		rl = resilience.NewRateLimiter(resilience.ProviderLimits{RPM: l.rpm})
		l.limiters[tenantSlug] = rl
	}
	l.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, loginRateLimitGrace)
	defer cancel()
	if err := rl.Allow(waitCtx); err != nil {
		return core.NewError("controlapi.handleIssueToken", core.ErrRateLimit, "login rate limit exceeded", err)
	}
	return nil
}

// lockedOut reports whether tenantSlug/username is currently within a
// lockout window accrued from prior failed attempts.
func (l *loginLimiter) lockedOut(tenantSlug, username string) bool {
	if l == nil || l.maxFailed <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fw, ok := l.failures[tenantSlug+"/"+username]
	return ok && time.Now().Before(fw.lockedUntil)
}

// recordFailure counts a failed login attempt, locking out tenantSlug/
// username for lockoutDuration once maxFailed consecutive failures accrue.
func (l *loginLimiter) recordFailure(tenantSlug, username string) {
	if l == nil || l.maxFailed <= 0 {
		return
	}
	key := tenantSlug + "/" + username
	l.mu.Lock()
	defer l.mu.Unlock()
	fw, ok := l.failures[key]
	if !ok {
		fw = &loginFailures{}
		l.failures[key] = fw
	}
	fw.count++
	if fw.count >= l.maxFailed {
		fw.lockedUntil = time.Now().Add(l.lockoutDuration)
		fw.count = 0
	}
}

// recordSuccess clears any accrued failure count for tenantSlug/username.
func (l *loginLimiter) recordSuccess(tenantSlug, username string) {
	if l == nil {
		return
	}
	key := tenantSlug + "/" + username
	l.mu.Lock()
	delete(l.failures, key)
	l.mu.Unlock()
}
