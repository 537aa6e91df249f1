package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/marketstream/internal/metrics"
)

// Config holds Cache settings.
type Config struct {
	Prefix       string
	MaxRetries   int           // Retries after the first attempt
	RetryBackoff time.Duration // Delay before the first retry; doubles each retry
	OpTimeout    time.Duration // Per-attempt timeout
	TTL          map[Kind]time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:       "ms",
		MaxRetries:   2,
		RetryBackoff: 100 * time.Millisecond,
		OpTimeout:    500 * time.Millisecond,
	}
}

// Stats reports cache counters.
type Stats struct {
	Hits       int64
	Misses     int64
	Stale      int64 // Reads rejected for exceeding the freshness window
	Errors     int64
	Writes     int64
	AvgLatency time.Duration
}

// SetOption customises a single write.
type SetOption func(*setOptions)

type setOptions struct {
	ttl time.Duration
}

// WithTTL overrides the kind's TTL for one write.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

// envelope is the stored representation of a value.
type envelope struct {
	Kind      string          `json:"kind"`
	WrittenAt int64           `json:"written_at"` // Unix milliseconds
	TTLMillis int64           `json:"ttl_ms"`
	Payload   json.RawMessage `json:"payload"`
}

// Cache is the shared, failure-tolerant market-data cache.
type Cache struct {
	store  Store
	cfg    Config
	ttls   map[Kind]time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	stats        Stats
	ops          int64
	totalLatency time.Duration
}

// New creates a Cache over store.
func New(store Store, cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	ttls := make(map[Kind]time.Duration, len(DefaultTTLs))
	for k, d := range DefaultTTLs {
		ttls[k] = d
	}
	for k, d := range cfg.TTL {
		if d > 0 {
			ttls[k] = d
		}
	}

	return &Cache{
		store:  store,
		cfg:    cfg,
		ttls:   ttls,
		logger: logger.With("component", "cache"),
		now:    time.Now,
	}
}

// TTL returns the TTL used for kind.
func (c *Cache) TTL(kind Kind) time.Duration {
	return c.ttls[kind]
}

// Get decodes the entry at key into dst. It returns false on miss, on a
// stale entry, or on any backend failure.
func (c *Cache) Get(ctx context.Context, key Key, dst any) bool {
	start := time.Now()
	defer c.observe("get", start)

	var raw []byte
	err := c.retry(ctx, "get", func(ctx context.Context) error {
		var err error
		raw, err = c.store.Get(ctx, key.render(c.cfg.Prefix))
		return err
	})
	if errors.Is(err, ErrMiss) {
		c.count("get", "miss")
		return false
	}
	if err != nil {
		c.fail("get", key, err)
		return false
	}

	payload, ok := c.open(raw, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		c.fail("get", key, fmt.Errorf("decode payload: %w", err))
		return false
	}
	c.count("get", "hit")
	return true
}

// Set stores v at key with the kind's TTL unless overridden.
func (c *Cache) Set(ctx context.Context, key Key, v any, opts ...SetOption) bool {
	start := time.Now()
	defer c.observe("set", start)

	data, ttl, err := c.seal(key, v, opts)
	if err != nil {
		c.fail("set", key, err)
		return false
	}

	err = c.retry(ctx, "set", func(ctx context.Context) error {
		return c.store.Set(ctx, key.render(c.cfg.Prefix), data, ttl)
	})
	if err != nil {
		c.fail("set", key, err)
		return false
	}
	c.count("set", "ok")
	return true
}

// Delete removes keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...Key) bool {
	if len(keys) == 0 {
		return true
	}
	start := time.Now()
	defer c.observe("delete", start)

	rendered := make([]string, len(keys))
	for i, k := range keys {
		rendered[i] = k.render(c.cfg.Prefix)
	}

	err := c.retry(ctx, "delete", func(ctx context.Context) error {
		return c.store.Del(ctx, rendered...)
	})
	if err != nil {
		c.fail("delete", keys[0], err)
		return false
	}
	c.count("delete", "ok")
	return true
}

// GetMany returns the raw payload of every fresh entry among keys.
// Missing and stale keys are absent from the result.
func (c *Cache) GetMany(ctx context.Context, keys []Key) map[Key]json.RawMessage {
	out := make(map[Key]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out
	}
	start := time.Now()
	defer c.observe("get_many", start)

	rendered := make([]string, len(keys))
	for i, k := range keys {
		rendered[i] = k.render(c.cfg.Prefix)
	}

	var vals [][]byte
	err := c.retry(ctx, "get_many", func(ctx context.Context) error {
		var err error
		vals, err = c.store.MGet(ctx, rendered...)
		return err
	})
	if err != nil {
		c.fail("get_many", keys[0], err)
		return out
	}

	for i, raw := range vals {
		if i >= len(keys) {
			break
		}
		if raw == nil {
			c.count("get_many", "miss")
			continue
		}
		if payload, ok := c.open(raw, keys[i]); ok {
			out[keys[i]] = payload
			c.count("get_many", "hit")
		}
	}
	return out
}

// GetManyAs decodes the fresh entries among keys into T.
func GetManyAs[T any](ctx context.Context, c *Cache, keys []Key) map[Key]T {
	raw := c.GetMany(ctx, keys)
	out := make(map[Key]T, len(raw))
	for k, payload := range raw {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			c.fail("get_many", k, fmt.Errorf("decode payload: %w", err))
			continue
		}
		out[k] = v
	}
	return out
}

// SetMany writes all entries in one batch. Each entry uses its kind's TTL.
func (c *Cache) SetMany(ctx context.Context, entries map[Key]any) bool {
	if len(entries) == 0 {
		return true
	}
	start := time.Now()
	defer c.observe("set_many", start)

	items := make([]Item, 0, len(entries))
	var first Key
	for k, v := range entries {
		first = k
		data, ttl, err := c.seal(k, v, nil)
		if err != nil {
			c.fail("set_many", k, err)
			continue
		}
		items = append(items, Item{Key: k.render(c.cfg.Prefix), Value: data, TTL: ttl})
	}

	err := c.retry(ctx, "set_many", func(ctx context.Context) error {
		return c.store.MSet(ctx, items)
	})
	if err != nil {
		c.fail("set_many", first, err)
		return false
	}
	c.count("set_many", "ok")
	return len(items) == len(entries)
}

// DeleteByPrefix removes every entry of kind owned by userID and returns
// the number of keys deleted.
func (c *Cache) DeleteByPrefix(ctx context.Context, kind Kind, userID string) int {
	start := time.Now()
	defer c.observe("delete_prefix", start)

	pattern := userPrefix(c.cfg.Prefix, kind, userID) + "*"
	var keys []string
	err := c.retry(ctx, "delete_prefix", func(ctx context.Context) error {
		var err error
		keys, err = c.store.Scan(ctx, pattern)
		return err
	})
	if err == nil && len(keys) > 0 {
		err = c.retry(ctx, "delete_prefix", func(ctx context.Context) error {
			return c.store.Del(ctx, keys...)
		})
	}
	if err != nil {
		c.fail("delete_prefix", Key{Kind: kind, UserID: userID}, err)
		return 0
	}
	c.count("delete_prefix", "ok")
	return len(keys)
}

// Ping checks the backend. Unlike other methods it reports the error.
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Close closes the backend.
func (c *Cache) Close() error {
	return c.store.Close()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	if c.ops > 0 {
		s.AvgLatency = c.totalLatency / time.Duration(c.ops)
	}
	return s
}

// seal wraps v in an envelope stamped with the current time.
func (c *Cache) seal(key Key, v any, opts []SetOption) ([]byte, time.Duration, error) {
	o := setOptions{ttl: c.ttls[key.Kind]}
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, 0, fmt.Errorf("encode payload: %w", err)
	}
	data, err := json.Marshal(envelope{
		Kind:      key.Kind.String(),
		WrittenAt: c.now().UnixMilli(),
		TTLMillis: o.ttl.Milliseconds(),
		Payload:   payload,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encode envelope: %w", err)
	}
	return data, o.ttl, nil
}

// open unwraps an envelope and applies the freshness check.
func (c *Cache) open(raw []byte, key Key) (json.RawMessage, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.fail("get", key, fmt.Errorf("decode envelope: %w", err))
		return nil, false
	}

	window := time.Duration(env.TTLMillis) * time.Millisecond
	if window <= 0 {
		window = c.ttls[key.Kind]
	}
	age := c.now().Sub(time.UnixMilli(env.WrittenAt))
	if age > window {
		c.mu.Lock()
		c.stats.Stale++
		c.stats.Misses++
		c.mu.Unlock()
		metrics.CacheOps.WithLabelValues("get", "stale").Inc()
		return nil, false
	}
	return env.Payload, true
}

// retry runs fn up to 1+MaxRetries times with exponential backoff.
// ErrMiss is returned immediately.
func (c *Cache) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := c.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		err := c.attempt(ctx, fn)
		if err == nil || errors.Is(err, ErrMiss) {
			return err
		}
		lastErr = err

		if attempt == c.cfg.MaxRetries {
			break
		}

		c.logger.Debug("cache op failed, retrying",
			"op", op,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return lastErr
}

func (c *Cache) attempt(ctx context.Context, fn func(context.Context) error) error {
	if c.cfg.OpTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	return fn(ctx)
}

func (c *Cache) count(op, result string) {
	c.mu.Lock()
	switch result {
	case "hit":
		c.stats.Hits++
	case "miss":
		c.stats.Misses++
	case "ok":
		if op == "set" || op == "set_many" {
			c.stats.Writes++
		}
	}
	c.mu.Unlock()
	metrics.CacheOps.WithLabelValues(op, result).Inc()
}

func (c *Cache) fail(op string, key Key, err error) {
	c.mu.Lock()
	c.stats.Errors++
	c.mu.Unlock()
	metrics.CacheOps.WithLabelValues(op, "error").Inc()

	c.logger.Warn("cache op failed",
		"op", op,
		"kind", key.Kind.String(),
		"user_id", key.UserID,
		"id", key.ID,
		"error", err,
	)
}

func (c *Cache) observe(op string, start time.Time) {
	elapsed := time.Since(start)
	c.mu.Lock()
	c.ops++
	c.totalLatency += elapsed
	c.mu.Unlock()
	metrics.CacheLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}
