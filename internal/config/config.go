package config

import "time"

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Processor ProcessorConfig `yaml:"processor"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Sources   SourcesConfig   `yaml:"sources"`
	Database  DatabaseConfig  `yaml:"database"`
	Journal   JournalConfig   `yaml:"journal"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds the client-facing WebSocket listener settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Path            string        `yaml:"path"`
	AccessToken     string        `yaml:"access_token"`
	AccessTokenFile string        `yaml:"access_token_file"` // read when access_token is empty
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ReadLimit       int64         `yaml:"read_limit"`
	CloseGrace      time.Duration `yaml:"close_grace"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProcessorConfig holds dispatch queue settings.
type ProcessorConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

// FanoutConfig holds event broadcast settings.
type FanoutConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// UpstreamConfig describes the OneBot implementation behind the relay.
type UpstreamConfig struct {
	HTTP UpstreamHTTPConfig `yaml:"http"`
	WS   UpstreamWSConfig   `yaml:"ws"`
}

// UpstreamHTTPConfig configures the action executor. Actions are answered
// locally by a stub when URL is empty.
type UpstreamHTTPConfig struct {
	URL         string        `yaml:"url"`
	AccessToken string        `yaml:"access_token"`
	TokenMethod string        `yaml:"token_method"` // header or query
	Timeout     time.Duration `yaml:"timeout"`
	SendMode    string        `yaml:"send_mode"` // json, form or query
	CallMode    string        `yaml:"call_mode"` // sync, async or rate_limited
	RateLimit   float64       `yaml:"rate_limit"` // requests per second, 0 disables
	Burst       int           `yaml:"burst"`
}

// UpstreamWSConfig configures the upstream event stream. Disabled when URL is empty.
type UpstreamWSConfig struct {
	URL                string        `yaml:"url"`
	AccessToken        string        `yaml:"access_token"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
}

// SourcesConfig holds the auxiliary event sources.
type SourcesConfig struct {
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Redis     RedisConfig     `yaml:"redis"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// HeartbeatConfig configures periodic meta_event heartbeats.
type HeartbeatConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	SelfID   int64         `yaml:"self_id"`
}

// RedisConfig configures the pub/sub event source. Disabled when URL is empty.
type RedisConfig struct {
	URL      string   `yaml:"url"`
	Channels []string `yaml:"channels"`
}

// WebhookConfig configures the HTTP POST event source. Disabled when Path is empty.
type WebhookConfig struct {
	Path   string `yaml:"path"`
	Secret string `yaml:"secret"`
}

// DatabaseConfig holds the Postgres connection used by the event journal.
type DatabaseConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection. URL wins over the discrete fields.
type DBConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// JournalConfig holds event journal batch settings.
type JournalConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds the ops HTTP server settings. Disabled when Port is 0.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
