package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultServerAddr          = ":8080"
	DefaultGRPCAddr            = ":9090"
	DefaultUserHeader          = "X-User-ID"
	DefaultSendBuffer          = 256
	DefaultHandshakeTimeout    = 30 * time.Second
	DefaultCloseTimeout        = 2 * time.Second
	DefaultListenerExitTimeout = 5 * time.Second
	DefaultCommandTimeout      = 10 * time.Second
	DefaultPingInterval        = 30 * time.Second
	DefaultPingTimeout         = 90 * time.Second
	DefaultWriteTimeout        = 10 * time.Second
	DefaultBufferSize          = 1024
	DefaultMaxBufferSize       = 65536
	DefaultSubscribeRate       = 20
	DefaultSubscribeBurst      = 5
	DefaultSubscribeBatchSize  = 100
	DefaultReconnectBaseDelay  = 1 * time.Second
	DefaultReconnectMaxDelay   = 60 * time.Second
	DefaultGracePeriod         = 5 * time.Minute
	DefaultIdleTimeout         = 45 * time.Minute
	DefaultSweepInterval       = 1 * time.Minute
	DefaultMaxSubscriptions    = 500
	DefaultSubscriptionTTL     = 1 * time.Hour
	DefaultCleanupInterval     = 5 * time.Minute
	DefaultReadyTimeout        = 15 * time.Second
	DefaultCacheAddr           = "localhost:6379"
	DefaultCacheKeyPrefix      = "ms"
	DefaultCacheMaxRetries     = 2
	DefaultCacheRetryBackoff   = 100 * time.Millisecond
	DefaultCacheOpTimeout      = 500 * time.Millisecond
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultNATSURL             = "nats://localhost:4222"
	DefaultNATSSubjectPrefix   = "marketstream"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
)

// ApplyDefaults fills every unset optional field with its default.
func (c *Config) ApplyDefaults() {
	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = DefaultGRPCAddr
	}
	if c.Server.UserHeader == "" {
		c.Server.UserHeader = DefaultUserHeader
	}
	if c.Server.SendBuffer == 0 {
		c.Server.SendBuffer = DefaultSendBuffer
	}

	// Upstream defaults
	u := &c.Upstream
	if u.HandshakeTimeout == 0 {
		u.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if u.CloseTimeout == 0 {
		u.CloseTimeout = DefaultCloseTimeout
	}
	if u.ListenerExitTimeout == 0 {
		u.ListenerExitTimeout = DefaultListenerExitTimeout
	}
	if u.CommandTimeout == 0 {
		u.CommandTimeout = DefaultCommandTimeout
	}
	if u.PingInterval == 0 {
		u.PingInterval = DefaultPingInterval
	}
	if u.PingTimeout == 0 {
		u.PingTimeout = DefaultPingTimeout
	}
	if u.WriteTimeout == 0 {
		u.WriteTimeout = DefaultWriteTimeout
	}
	if u.BufferSize == 0 {
		u.BufferSize = DefaultBufferSize
	}
	if u.MaxBufferSize == 0 {
		u.MaxBufferSize = DefaultMaxBufferSize
	}
	if u.SubscribeRate == 0 {
		u.SubscribeRate = DefaultSubscribeRate
	}
	if u.SubscribeBurst == 0 {
		u.SubscribeBurst = DefaultSubscribeBurst
	}
	if u.SubscribeBatchSize == 0 {
		u.SubscribeBatchSize = DefaultSubscribeBatchSize
	}
	if u.ReconnectBaseDelay == 0 {
		u.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if u.ReconnectMaxDelay == 0 {
		u.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	// Session defaults
	s := &c.Sessions
	if s.GracePeriod == 0 {
		s.GracePeriod = DefaultGracePeriod
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = DefaultSweepInterval
	}
	if s.MaxSubscriptions == 0 {
		s.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if s.SubscriptionTTL == 0 {
		s.SubscriptionTTL = DefaultSubscriptionTTL
	}
	if s.CleanupInterval == 0 {
		s.CleanupInterval = DefaultCleanupInterval
	}
	if s.ReadyTimeout == 0 {
		s.ReadyTimeout = DefaultReadyTimeout
	}

	// Cache defaults
	if c.Cache.Addr == "" {
		c.Cache.Addr = DefaultCacheAddr
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = DefaultCacheKeyPrefix
	}
	if c.Cache.MaxRetries == 0 {
		c.Cache.MaxRetries = DefaultCacheMaxRetries
	}
	if c.Cache.RetryBackoff == 0 {
		c.Cache.RetryBackoff = DefaultCacheRetryBackoff
	}
	if c.Cache.OpTimeout == 0 {
		c.Cache.OpTimeout = DefaultCacheOpTimeout
	}

	// Database defaults
	applyDBDefaults(&c.Database)

	// NATS defaults
	if c.NATS.URL == "" {
		c.NATS.URL = DefaultNATSURL
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = DefaultNATSSubjectPrefix
	}
	if c.NATS.Name == "" {
		c.NATS.Name = c.Instance.ID
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
