package config

import "time"

// Config is the root configuration for a streamgate instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Sessions SessionsConfig `yaml:"sessions"`
	Cache    CacheConfig    `yaml:"cache"`
	Database DBConfig       `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ServerConfig holds the downstream HTTP/WebSocket and health settings.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	GRPCAddr       string   `yaml:"grpc_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	UserHeader     string   `yaml:"user_header"` // Identity header set by the authenticating proxy
	SendBuffer     int      `yaml:"send_buffer"`
}

// UpstreamConfig holds the brokerage streaming endpoints and connection tuning.
type UpstreamConfig struct {
	MarketURL           string        `yaml:"market_url"`
	AccountURL          string        `yaml:"account_url"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	CloseTimeout        time.Duration `yaml:"close_timeout"`
	ListenerExitTimeout time.Duration `yaml:"listener_exit_timeout"`
	CommandTimeout      time.Duration `yaml:"command_timeout"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	PingTimeout         time.Duration `yaml:"ping_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	BufferSize          int           `yaml:"buffer_size"`
	MaxBufferSize       int           `yaml:"max_buffer_size"`
	SubscribeRate       float64       `yaml:"subscribe_rate"` // Upstream subscribe calls per second
	SubscribeBurst      int           `yaml:"subscribe_burst"`
	SubscribeBatchSize  int           `yaml:"subscribe_batch_size"`
	ReconnectBaseDelay  time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `yaml:"reconnect_max_delay"`
}

// SessionsConfig holds session lifecycle settings.
type SessionsConfig struct {
	GracePeriod      time.Duration `yaml:"grace_period"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	MaxSubscriptions int           `yaml:"max_subscriptions"`
	SubscriptionTTL  time.Duration `yaml:"subscription_ttl"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	ReadyTimeout     time.Duration `yaml:"ready_timeout"`
}

// CacheConfig holds the Redis cache settings.
type CacheConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	OpTimeout    time.Duration `yaml:"op_timeout"`

	// TTL overrides keyed by data kind (quote, greeks, analytics, order, historical, symbol_map).
	TTL map[string]time.Duration `yaml:"ttl"`
}

// DBConfig holds the credential store connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// NATSConfig holds the business-consumer bridge settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Name          string `yaml:"name"`
}
