// Package app assembles the streaming components from configuration.
//
// Both binaries build their session dependencies here so that the gateway and
// the readiness probe dial, cache and authenticate identically.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/cache"
	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/database"
	"github.com/rickgao/marketstream/internal/registry"
	"github.com/rickgao/marketstream/internal/router"
	"github.com/rickgao/marketstream/internal/session"
	"github.com/rickgao/marketstream/internal/subscription"
)

// MemoryCacheAddr is the cache address that selects the in-process store.
const MemoryCacheAddr = "memory"

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// Components holds the shared infrastructure. Close releases it.
type Components struct {
	Cache    *cache.Cache
	Provider auth.Provider
	Dialer   connection.Dialer
	Pool     *pgxpool.Pool // nil without a credential database
}

// Close releases the cache and database connections.
func (c *Components) Close() {
	if c.Cache != nil {
		c.Cache.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// Build connects the cache and credential store and creates the upstream dialer.
// A cache address of "memory" selects the in-process store; an empty database host
// selects a static credential provider seeded from STREAM_USER_ID and
// STREAM_ACCESS_TOKEN.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	comp := &Components{}

	store, err := openStore(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	cacheCfg, err := CacheConfig(cfg.Cache)
	if err != nil {
		store.Close()
		return nil, err
	}
	comp.Cache = cache.New(store, cacheCfg, logger)

	if cfg.Database.Host != "" {
		logger.Info("connecting to credential database",
			"host", cfg.Database.Host,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			comp.Close()
			return nil, fmt.Errorf("connect credential database: %w", err)
		}
		comp.Pool = pool
		if err := database.EnsureSchema(ctx, pool); err != nil {
			comp.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		comp.Provider = auth.NewPostgresProvider(pool)
	} else {
		static := auth.NewStaticProvider()
		if user, token := os.Getenv("STREAM_USER_ID"), os.Getenv("STREAM_ACCESS_TOKEN"); user != "" && token != "" {
			static.Put(auth.Credential{UserID: user, AccessToken: token})
		}
		logger.Warn("no credential database configured, using static provider")
		comp.Provider = static
	}

	comp.Dialer = connection.NewDialer(DialerConfig(cfg.Upstream), logger)
	return comp, nil
}

func openStore(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (cache.Store, error) {
	if cfg.Addr == MemoryCacheAddr {
		logger.Warn("using in-process cache store")
		return cache.NewMemoryStore(), nil
	}

	logger.Info("connecting to cache", "addr", cfg.Addr, "db", cfg.DB)
	store, err := cache.DialRedis(ctx, cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("connect cache: %w", err)
	}
	return store, nil
}

// CacheConfig translates the cache section.
func CacheConfig(cfg config.CacheConfig) (cache.Config, error) {
	out := cache.Config{
		Prefix:       cfg.KeyPrefix,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		OpTimeout:    cfg.OpTimeout,
	}
	if len(cfg.TTL) > 0 {
		out.TTL = make(map[cache.Kind]time.Duration, len(cfg.TTL))
		for name, ttl := range cfg.TTL {
			kind, ok := cache.ParseKind(name)
			if !ok {
				return cache.Config{}, fmt.Errorf("unknown cache kind %q", name)
			}
			out.TTL[kind] = ttl
		}
	}
	return out, nil
}

// DialerConfig translates the upstream section.
func DialerConfig(cfg config.UpstreamConfig) connection.DialerConfig {
	return connection.DialerConfig{
		MarketURL:  cfg.MarketURL,
		AccountURL: cfg.AccountURL,
		Client: connection.ClientConfig{
			HandshakeTimeout: cfg.HandshakeTimeout,
			PingInterval:     cfg.PingInterval,
			PingTimeout:      cfg.PingTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			BufferSize:       cfg.BufferSize,
		},
		Feed: connection.FeedConfig{
			CommandTimeout: cfg.CommandTimeout,
			Router: router.Config{
				BufferSize:    cfg.BufferSize,
				MaxBufferSize: cfg.MaxBufferSize,
			},
		},
	}
}

// SessionConfig translates the upstream and sessions sections.
func SessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		HandshakeTimeout:    cfg.Upstream.HandshakeTimeout,
		CloseTimeout:        cfg.Upstream.CloseTimeout,
		ListenerExitTimeout: cfg.Upstream.ListenerExitTimeout,
		ReconnectBaseDelay:  cfg.Upstream.ReconnectBaseDelay,
		ReconnectMaxDelay:   cfg.Upstream.ReconnectMaxDelay,
		Subscription: subscription.Config{
			MaxSubscriptions: cfg.Sessions.MaxSubscriptions,
			TTL:              cfg.Sessions.SubscriptionTTL,
			BatchSize:        cfg.Upstream.SubscribeBatchSize,
			Rate:             cfg.Upstream.SubscribeRate,
			Burst:            cfg.Upstream.SubscribeBurst,
		},
	}
}

// RegistryConfig translates the sessions section.
func RegistryConfig(cfg *config.Config) registry.Config {
	rc := registry.DefaultConfig()
	rc.GracePeriod = cfg.Sessions.GracePeriod
	rc.IdleTimeout = cfg.Sessions.IdleTimeout
	rc.SweepInterval = cfg.Sessions.SweepInterval
	rc.CleanupInterval = cfg.Sessions.CleanupInterval
	return rc
}

// NewRegistry builds a session registry whose sessions broadcast to out.
func NewRegistry(cfg *config.Config, comp *Components, out session.Broadcaster, logger *slog.Logger) *registry.Registry {
	deps := session.Deps{
		Provider: comp.Provider,
		Dialer:   comp.Dialer,
		Cache:    comp.Cache,
		Out:      out,
	}
	factory := registry.NewFactory(SessionConfig(cfg), deps, logger)
	return registry.New(RegistryConfig(cfg), factory, logger)
}
