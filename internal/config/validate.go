package config

import (
	"errors"
	"fmt"
	"strings"
)

var validKinds = map[string]bool{
	"quote":      true,
	"greeks":     true,
	"analytics":  true,
	"order":      true,
	"historical": true,
	"symbol_map": true,
}

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Upstream.MarketURL == "" {
		return errors.New("upstream.market_url is required")
	}
	if c.Upstream.HandshakeTimeout <= 0 {
		return errors.New("upstream.handshake_timeout must be > 0")
	}
	if c.Upstream.CloseTimeout <= 0 {
		return errors.New("upstream.close_timeout must be > 0")
	}
	if c.Upstream.BufferSize < 1 {
		return errors.New("upstream.buffer_size must be >= 1")
	}
	if c.Upstream.MaxBufferSize < c.Upstream.BufferSize {
		return fmt.Errorf("upstream.max_buffer_size (%d) cannot be less than buffer_size (%d)",
			c.Upstream.MaxBufferSize, c.Upstream.BufferSize)
	}
	if c.Upstream.SubscribeBatchSize < 1 {
		return errors.New("upstream.subscribe_batch_size must be >= 1")
	}

	if c.Sessions.MaxSubscriptions < 1 {
		return errors.New("sessions.max_subscriptions must be >= 1")
	}
	if c.Sessions.IdleTimeout <= c.Sessions.GracePeriod {
		return fmt.Errorf("sessions.idle_timeout (%s) must exceed grace_period (%s)",
			c.Sessions.IdleTimeout, c.Sessions.GracePeriod)
	}

	if strings.ContainsAny(c.Cache.KeyPrefix, "*?[]\\") {
		return fmt.Errorf("cache.key_prefix must not contain glob characters, got %q", c.Cache.KeyPrefix)
	}
	if c.Cache.MaxRetries < 0 {
		return errors.New("cache.max_retries must be >= 0")
	}
	for kind, ttl := range c.Cache.TTL {
		if !validKinds[kind] {
			return fmt.Errorf("cache.ttl has unknown kind %q", kind)
		}
		if ttl <= 0 {
			return fmt.Errorf("cache.ttl.%s must be > 0", kind)
		}
	}

	if err := c.Database.validate("database"); err != nil {
		return err
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats.enabled is true")
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
