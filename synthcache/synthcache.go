// Package synthcache implements the synthesis cache (§4.K): a
// fingerprint-addressed store of synthesized audio with single-flight
// concurrent generation, size-bounded LRU eviction with per-entry TTL
// delegated to cache.Cache, and a pinned set of hot greeting/fallback
// artifacts that are never evicted.
package synthcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/lookatitude/voxtenant/cache"
)

// Metadata describes a synthesized artifact beyond its raw bytes.
type Metadata struct {
	DurationMS int64
	Quality    float64
	CreatedAt  time.Time
}

// Artifact is a cached synthesis result keyed by its fingerprint.
type Artifact struct {
	Fingerprint string
	Audio       []byte
	Metadata    Metadata
}

// Producer synthesizes the artifact for a fingerprint not yet cached. It
// runs independent of any one caller's context: a caller abandoning its
// get-or-build call does not cancel a producer still serving other waiters.
type Producer func(ctx context.Context) (*Artifact, error)

// Fingerprint computes the deterministic cache key for a (voice, tuning,
// language, text) tuple, per §3's Synthesis artifact definition.
func Fingerprint(voiceID, tuning, language, text string) string {
	h := sha256.New()
	for _, part := range []string{voiceID, tuning, language, text} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// flight tracks one in-progress producer call shared by every concurrent
// get-or-build waiter for the same fingerprint, per the design note in §9:
// an explicit state/waiters structure rather than a borrowed concurrent-map
// primitive.
type flight struct {
	done   chan struct{}
	result *Artifact
	err    error
}

// Cache implements §4.K. The zero value is not usable; construct with New.
type Cache struct {
	backend cache.Cache
	ttl     time.Duration

	mu      sync.Mutex
	pinned  map[string]*Artifact
	flights map[string]*flight
}

// New wraps backend (typically a cache.Cache from the inmemory provider,
// size-bounded via cache.Config.MaxSize) with single-flight coalescing and
// pinning. ttl is applied to every entry a producer run stores.
func New(backend cache.Cache, ttl time.Duration) *Cache {
	return &Cache{
		backend: backend,
		ttl:     ttl,
		pinned:  make(map[string]*Artifact),
		flights: make(map[string]*flight),
	}
}

// Pin marks a fingerprint's artifact as hot: it is served from an in-memory
// map that bypasses LRU eviction entirely, for greeting and fallback text
// that must never incur a cache miss.
func (c *Cache) Pin(fp string, a *Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[fp] = a
}

// Unpin removes a pin, returning the fingerprint to normal LRU handling.
func (c *Cache) Unpin(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinned, fp)
}

// Get returns the cached artifact for fp, or (nil, false, nil) on a miss.
func (c *Cache) Get(ctx context.Context, fp string) (*Artifact, bool, error) {
	if a, ok := c.pinnedGet(fp); ok {
		return a, true, nil
	}
	v, ok, err := c.backend.Get(ctx, fp)
	if err != nil || !ok {
		return nil, false, err
	}
	return v.(*Artifact), true, nil
}

func (c *Cache) pinnedGet(fp string) (*Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.pinned[fp]
	return a, ok
}

// GetOrBuild returns the cached artifact for fp, invoking produce exactly
// once even under concurrent callers sharing fp: the first caller starts
// the producer, every concurrent caller for the same fingerprint waits on
// its result instead of re-invoking it. On producer failure every waiter
// receives the same error and nothing is cached. The returned bool reports
// a cache hit: true when the artifact was already pinned or cached, false
// when it came from a producer run, including one another caller started.
func (c *Cache) GetOrBuild(ctx context.Context, fp string, produce Producer) (*Artifact, bool, error) {
	if a, ok := c.pinnedGet(fp); ok {
		return a, true, nil
	}
	if v, ok, err := c.backend.Get(ctx, fp); err == nil && ok {
		return v.(*Artifact), true, nil
	}

	c.mu.Lock()
	fl, inFlight := c.flights[fp]
	if !inFlight {
		fl = &flight{done: make(chan struct{})}
		c.flights[fp] = fl
		c.mu.Unlock()
		go c.run(fp, fl, produce)
	} else {
		c.mu.Unlock()
	}

	select {
	case <-fl.done:
		return fl.result, false, fl.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// run executes produce on a context detached from any single caller, so
// that a caller's cancellation never starves the other waiters still
// depending on this producer's result.
func (c *Cache) run(fp string, fl *flight, produce Producer) {
	artifact, err := produce(context.Background())

	if err == nil {
		_ = c.backend.Set(context.Background(), fp, artifact, c.ttl)
	}

	fl.result = artifact
	fl.err = err
	close(fl.done)

	c.mu.Lock()
	delete(c.flights, fp)
	c.mu.Unlock()
}
