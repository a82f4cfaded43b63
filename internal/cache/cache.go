// Package cache is the Redis fast path: short-lived result copies keyed by
// the logical scan key, plus the operator stop signals and the single-flight
// lock used to collapse concurrent identical scans.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BSI-Bund/Katti/internal/store"
)

// ErrMiss is returned when a key holds no value.
var ErrMiss = errors.New("cache miss")

const (
	resultPrefix = "result:"
	policyPrefix = "caller:"
	stopAll      = "signal:stop:all"
	stopPrefix   = "signal:stop:"
)

// Cache wraps a Redis client with the engine's key schema.
type Cache struct {
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient) *Cache {
	return &Cache{rdb: rdb}
}

// Result returns the cached copy under key, or ErrMiss.
func (c *Cache) Result(ctx context.Context, key string) (*store.ScanResult, error) {
	raw, err := c.rdb.Get(ctx, resultPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	var r store.ScanResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("cache decode: %w", err)
	}
	return &r, nil
}

// PutResult stores a copy under key for ttl. A non-positive ttl skips the
// write; the store remains the durable copy either way.
func (c *Cache) PutResult(ctx context.Context, key string, r *store.ScanResult, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, resultPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// WaitForResult polls for a cached copy created at or after since until one
// appears or the deadline passes. Returns ErrMiss when the wait runs out. A
// stale entry keeps the wait going, the executor may still overwrite it.
func (c *Cache) WaitForResult(ctx context.Context, key string, maxWait, poll time.Duration, since time.Time) (*store.ScanResult, error) {
	deadline := time.Now().Add(maxWait)
	for {
		r, err := c.Result(ctx, key)
		if err == nil && !r.CreatedAt.Before(since) {
			return r, nil
		}
		if err != nil && !errors.Is(err, ErrMiss) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrMiss
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// CallerPolicy returns the cached access policy for owner, or ErrMiss.
func (c *Cache) CallerPolicy(ctx context.Context, owner string) (store.CallerPolicy, error) {
	raw, err := c.rdb.Get(ctx, policyPrefix+owner).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.CallerPolicy{}, ErrMiss
	}
	if err != nil {
		return store.CallerPolicy{}, fmt.Errorf("policy cache get: %w", err)
	}
	var p store.CallerPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return store.CallerPolicy{}, fmt.Errorf("policy cache decode: %w", err)
	}
	return p, nil
}

// PutCallerPolicy caches an access policy for ttl.
func (c *Cache) PutCallerPolicy(ctx context.Context, p store.CallerPolicy, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("policy cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, policyPrefix+p.Owner, raw, ttl).Err(); err != nil {
		return fmt.Errorf("policy cache set: %w", err)
	}
	return nil
}

// SetStop raises the stop signal for one task type, or for all workers when
// taskType is empty.
func (c *Cache) SetStop(ctx context.Context, taskType string) error {
	return c.rdb.Set(ctx, stopKey(taskType), "1", 0).Err()
}

// ClearStop lowers the stop signal.
func (c *Cache) ClearStop(ctx context.Context, taskType string) error {
	return c.rdb.Del(ctx, stopKey(taskType)).Err()
}

// Stopped reports whether the task type is stopped, either individually or
// via the global signal.
func (c *Cache) Stopped(ctx context.Context, taskType string) (bool, error) {
	n, err := c.rdb.Exists(ctx, stopAll, stopKey(taskType)).Result()
	if err != nil {
		return false, fmt.Errorf("stop signal check: %w", err)
	}
	return n > 0, nil
}

func stopKey(taskType string) string {
	if taskType == "" {
		return stopAll
	}
	return stopPrefix + taskType
}
