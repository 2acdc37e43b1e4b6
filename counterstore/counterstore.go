// Package counterstore implements the ephemeral, atomic counter store used
// to track usage quantities across daily, monthly, and lifetime horizons.
// It is backed by Redis, exercised through go-redis/v9, and is deliberately
// thin: the store does not retry beyond one immediate round-trip, and
// callers decide whether an unavailable store fails open or closed.
package counterstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/resilience"
)

// breakerThreshold and breakerCooldown are the default circuit-breaker
// settings for infrastructure failures, per spec.md §7.
const (
	breakerThreshold = 5
	breakerCooldown  = 60 * time.Second
)

// Store is the atomic counter client used by the quota evaluator and usage
// recorder. All operations are bounded: on transport failure they attempt
// exactly one immediate retry before surfacing core.ErrCounterUnavailable,
// and repeated failures trip a circuit breaker that short-circuits further
// calls instead of hammering an unavailable Redis.
type Store struct {
	client  *redis.Client
	breaker *resilience.CircuitBreaker
}

// New wraps an existing go-redis client. Callers own the client's lifecycle
// (construction, pooling, and Close).
func New(client *redis.Client) *Store {
	return &Store{client: client, breaker: resilience.NewCircuitBreaker(breakerThreshold, breakerCooldown)}
}

// circuitErr reports a breaker trip, or any other failure, as
// core.ErrCounterUnavailable, matching the wrapping every operation in this
// package already applied before the breaker existed.
func circuitErr(op, msg string, err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return core.NewError(op, core.ErrCounterUnavailable, "circuit open: counter store unavailable", err)
	}
	return core.NewError(op, core.ErrCounterUnavailable, msg, fmt.Errorf("%w: %w", ErrUnavailable, err))
}

// IncrBy atomically adds delta to key's float value and returns the new
// total. If ttl is positive, the key's expiry is (re)set in the same
// round-trip via a pipeline.
func (s *Store) IncrBy(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	res, err := s.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		total, err := s.incrOnce(ctx, key, delta, ttl)
		if err != nil {
			total, err = s.incrOnce(ctx, key, delta, ttl)
		}
		return total, err
	})
	if err != nil {
		return 0, circuitErr("counterstore.IncrBy", "increment failed", err)
	}
	return res.(float64), nil
}

func (s *Store) incrOnce(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrByFloat(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// SetWithTTL sets key to value with the given TTL, overwriting any existing
// value. A zero or negative ttl means no expiration.
func (s *Store) SetWithTTL(ctx context.Context, key string, value float64, ttl time.Duration) error {
	_, err := s.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		err := s.client.Set(ctx, key, value, ttl).Err()
		if err != nil {
			err = s.client.Set(ctx, key, value, ttl).Err()
		}
		return nil, err
	})
	if err != nil {
		return circuitErr("counterstore.SetWithTTL", "set failed", err)
	}
	return nil
}

// MultiGet reads several keys in one round-trip. Missing keys are omitted
// from the result map rather than reported as zero, so callers can
// distinguish "never incremented" from "incremented to zero".
func (s *Store) MultiGet(ctx context.Context, keys []string) (map[string]float64, error) {
	if len(keys) == 0 {
		return map[string]float64{}, nil
	}
	res, err := s.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		vals, err := s.multiGetOnce(ctx, keys)
		if err != nil {
			vals, err = s.multiGetOnce(ctx, keys)
		}
		return vals, err
	})
	if err != nil {
		return nil, circuitErr("counterstore.MultiGet", "multi-get failed", err)
	}
	return res.(map[string]float64), nil
}

func (s *Store) multiGetOnce(ctx context.Context, keys []string) (map[string]float64, error) {
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(keys))
	for i, v := range raw {
		if v == nil {
			continue
		}
		f, ok := parseFloat(v)
		if !ok {
			continue
		}
		out[keys[i]] = f
	}
	return out, nil
}

func parseFloat(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// BatchOp is a single operation in a pipelined batch, used by the usage
// recorder to increment day/month/lifetime counters for usage and cost in
// one round-trip (§4.I step 5).
type BatchOp struct {
	Key   string
	Delta float64
	TTL   time.Duration
}

// Batch applies every op atomically within a single pipeline. Partial
// application never happens: either all ops are sent together and the
// pipeline round-trip succeeds, or the whole batch is reported as failed.
func (s *Store) Batch(ctx context.Context, ops []BatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := s.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		err := s.batchOnce(ctx, ops)
		if err != nil {
			err = s.batchOnce(ctx, ops)
		}
		return nil, err
	})
	if err != nil {
		return circuitErr("counterstore.Batch", "batch increment failed", err)
	}
	return nil
}

func (s *Store) batchOnce(ctx context.Context, ops []BatchOp) error {
	pipe := s.client.TxPipeline()
	for _, op := range ops {
		pipe.IncrByFloat(ctx, op.Key, op.Delta)
		if op.TTL > 0 {
			pipe.Expire(ctx, op.Key, op.TTL)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ErrUnavailable is returned (wrapped in a core.Error) when both the initial
// attempt and its single retry fail.
var ErrUnavailable = errors.New("counterstore: store unavailable")
