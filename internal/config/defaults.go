package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8080
	DefaultPath               = "/ws"
	DefaultWriteTimeout       = 5 * time.Second
	DefaultReadLimit          = 1 << 20
	DefaultCloseGrace         = 1 * time.Second
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultQueueSize          = 100
	DefaultEnqueueTimeout     = 5 * time.Second
	DefaultFanoutBuffer       = 100
	DefaultUpstreamTimeout    = 30 * time.Second
	DefaultTokenMethod        = "header"
	DefaultSendMode           = "json"
	DefaultCallMode           = "sync"
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultPingTimeout        = 90 * time.Second
	DefaultHeartbeatInterval  = 15 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
	DefaultJournalBuffer      = 10000
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

func (c *RelayConfig) applyDefaults() {
	// Server defaults
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Path == "" {
		c.Server.Path = DefaultPath
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.ReadLimit == 0 {
		c.Server.ReadLimit = DefaultReadLimit
	}
	if c.Server.CloseGrace == 0 {
		c.Server.CloseGrace = DefaultCloseGrace
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Processor and fan-out defaults
	if c.Processor.QueueSize == 0 {
		c.Processor.QueueSize = DefaultQueueSize
	}
	if c.Processor.EnqueueTimeout == 0 {
		c.Processor.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if c.Fanout.BufferSize == 0 {
		c.Fanout.BufferSize = DefaultFanoutBuffer
	}

	// Upstream defaults
	if c.Upstream.HTTP.Timeout == 0 {
		c.Upstream.HTTP.Timeout = DefaultUpstreamTimeout
	}
	if c.Upstream.HTTP.TokenMethod == "" {
		c.Upstream.HTTP.TokenMethod = DefaultTokenMethod
	}
	if c.Upstream.HTTP.SendMode == "" {
		c.Upstream.HTTP.SendMode = DefaultSendMode
	}
	if c.Upstream.HTTP.CallMode == "" {
		c.Upstream.HTTP.CallMode = DefaultCallMode
	}
	if c.Upstream.WS.ReconnectBaseDelay == 0 {
		c.Upstream.WS.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Upstream.WS.ReconnectMaxDelay == 0 {
		c.Upstream.WS.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Upstream.WS.PingInterval == 0 {
		c.Upstream.WS.PingInterval = DefaultPingInterval
	}
	if c.Upstream.WS.PingTimeout == 0 {
		c.Upstream.WS.PingTimeout = DefaultPingTimeout
	}

	// Source defaults
	if c.Sources.Heartbeat.Interval == 0 {
		c.Sources.Heartbeat.Interval = DefaultHeartbeatInterval
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Journal defaults
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBuffer
	}

	// Metrics defaults
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
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
