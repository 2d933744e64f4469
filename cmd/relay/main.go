package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/onebot-relay/internal/api"
	"github.com/rickgao/onebot-relay/internal/auth"
	"github.com/rickgao/onebot-relay/internal/config"
	"github.com/rickgao/onebot-relay/internal/connection"
	"github.com/rickgao/onebot-relay/internal/database"
	"github.com/rickgao/onebot-relay/internal/fanout"
	"github.com/rickgao/onebot-relay/internal/metrics"
	"github.com/rickgao/onebot-relay/internal/processor"
	"github.com/rickgao/onebot-relay/internal/relay"
	"github.com/rickgao/onebot-relay/internal/source"
	"github.com/rickgao/onebot-relay/internal/version"
	"github.com/rickgao/onebot-relay/internal/writer"
)

// lifecycle is the Start/Stop contract shared by the event sources.
type lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "", "path to config file (defaults when empty)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the config")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env file: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadAndValidate(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("relay failed", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func run(cfg *config.RelayConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gin.SetMode(gin.ReleaseMode)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewRelay(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// Executor
	fallback, err := newExecutor(cfg.Upstream.HTTP, logger)
	if err != nil {
		return err
	}

	var (
		proc   *processor.Processor
		bc     *fanout.Broadcaster
		server *relay.Server
	)
	status := func() map[string]any {
		ps, fs := proc.Stats(), bc.Stats()
		return map[string]any{
			"sessions":    server.SessionCount(),
			"queued":      ps.Queued,
			"processed":   ps.Processed,
			"subscribers": fs.Subscribers,
			"published":   fs.Published,
			"lagged":      fs.Lagged,
		}
	}

	mux := processor.NewMux(fallback)
	processor.RegisterBuiltins(mux, status)

	proc = processor.New(processor.Config{
		QueueSize:      cfg.Processor.QueueSize,
		EnqueueTimeout: cfg.Processor.EnqueueTimeout,
	}, mux, m, logger.With("component", "processor"))
	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("start processor: %w", err)
	}

	bc = fanout.New(fanout.Config{BufferSize: cfg.Fanout.BufferSize}, m, logger.With("component", "fanout"))

	// Event journal
	var (
		pool    *pgxpool.Pool
		journal *writer.EventJournal
	)
	if cfg.Database.Enabled {
		pool, journal, err = startJournal(ctx, cfg, bc, m, logger)
		if err != nil {
			return err
		}
	}

	// Relay server
	var opts []relay.Option
	opts = append(opts, relay.WithLogger(logger.With("component", "relay")), relay.WithMetrics(m))
	if path := cfg.Sources.Webhook.Path; path != "" {
		hook := source.NewWebhook(source.WebhookConfig{Secret: cfg.Sources.Webhook.Secret}, bc, m, logger)
		opts = append(opts, relay.WithRoute(http.MethodPost, path, hook.Handler()))
	}

	server = relay.New(relay.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Path:        cfg.Server.Path,
		AccessToken: cfg.Server.AccessToken,
		Session: connection.SessionConfig{
			WriteTimeout: cfg.Server.WriteTimeout,
			ReadLimit:    cfg.Server.ReadLimit,
			CloseGrace:   cfg.Server.CloseGrace,
		},
	}, proc, bc, opts...)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start relay server: %w", err)
	}

	// Event sources
	sources, err := buildSources(cfg, bc, status, m, logger)
	if err != nil {
		return err
	}
	var started []lifecycle
	for _, src := range sources {
		if err := src.Start(ctx); err != nil {
			logger.Error("failed to start event source", "error", err)
			continue
		}
		started = append(started, src)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case err := <-server.Err():
			return fmt.Errorf("relay server: %w", err)
		case <-gctx.Done():
			return nil
		}
	})

	var ops *http.Server
	if cfg.Metrics.Port > 0 {
		ops = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           createOpsHandler(cfg.Metrics.Path, registry, pool, proc, bc, server),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting ops server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
	}

	logger.Info("relay running",
		"addr", server.Addr().String(),
		"path", cfg.Server.Path,
		"sources", len(started),
		"journal", journal != nil,
	)

	<-gctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	for _, src := range started {
		if err := src.Stop(shutdownCtx); err != nil {
			logger.Warn("event source stop failed", "error", err)
		}
	}
	if err := server.Stop(shutdownCtx, true); err != nil {
		logger.Warn("relay server stop failed", "error", err)
	}
	if err := proc.Stop(shutdownCtx); err != nil {
		logger.Warn("processor stop failed", "error", err)
	}
	bc.Close()
	if journal != nil {
		if err := journal.Stop(shutdownCtx); err != nil {
			logger.Warn("event journal stop failed", "error", err)
		}
	}
	if pool != nil {
		pool.Close()
	}
	if ops != nil {
		ops.Shutdown(shutdownCtx)
	}

	stop()
	return g.Wait()
}

// newExecutor returns the upstream HTTP client, or a stub when no upstream is configured.
func newExecutor(cfg config.UpstreamHTTPConfig, logger *slog.Logger) (processor.Executor, error) {
	if cfg.URL == "" {
		logger.Warn("no upstream http url configured, actions will be answered by the stub executor")
		return processor.StubExecutor{}, nil
	}

	method, err := auth.ParseMethod(cfg.TokenMethod)
	if err != nil {
		return nil, fmt.Errorf("upstream.http.token_method: %w", err)
	}
	sendMode, err := api.ParseSendMode(cfg.SendMode)
	if err != nil {
		return nil, fmt.Errorf("upstream.http.send_mode: %w", err)
	}
	callMode, err := api.ParseCallMode(cfg.CallMode)
	if err != nil {
		return nil, fmt.Errorf("upstream.http.call_mode: %w", err)
	}

	opts := []api.ClientOption{
		api.WithLogger(logger.With("component", "api")),
		api.WithTimeout(cfg.Timeout),
		api.WithSendMode(sendMode),
		api.WithCallMode(callMode),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, api.WithRateLimit(cfg.RateLimit, cfg.Burst))
	}

	logger.Info("forwarding actions upstream", "url", cfg.URL, "call_mode", cfg.CallMode)
	return api.NewClient(cfg.URL, auth.Token{Value: cfg.AccessToken, Method: method}, opts...), nil
}

// startJournal connects to Postgres and starts persisting the event stream.
func startJournal(
	ctx context.Context,
	cfg *config.RelayConfig,
	bc *fanout.Broadcaster,
	m *metrics.Relay,
	logger *slog.Logger,
) (*pgxpool.Pool, *writer.EventJournal, error) {
	logger.Info("connecting to database",
		"host", cfg.Database.Postgres.Host,
		"database", cfg.Database.Postgres.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	if err := writer.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	sub, err := bc.SubscribeSize(cfg.Journal.BufferSize)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("subscribe journal: %w", err)
	}

	journal := writer.NewEventJournal(writer.WriterConfig{
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.Journal.FlushInterval,
	}, sub, pool, m, logger.With("component", "journal"))
	if err := journal.Start(ctx); err != nil {
		sub.Close()
		pool.Close()
		return nil, nil, fmt.Errorf("start journal: %w", err)
	}

	logger.Info("database connected, event journal running")
	return pool, journal, nil
}

// buildSources creates every configured event source. Nothing is started.
func buildSources(
	cfg *config.RelayConfig,
	bc *fanout.Broadcaster,
	status func() map[string]any,
	m *metrics.Relay,
	logger *slog.Logger,
) ([]lifecycle, error) {
	var sources []lifecycle

	if ws := cfg.Upstream.WS; ws.URL != "" {
		sources = append(sources, source.NewWSSource(source.WSConfig{
			URL:                ws.URL,
			AccessToken:        ws.AccessToken,
			ReconnectBaseDelay: ws.ReconnectBaseDelay,
			ReconnectMaxDelay:  ws.ReconnectMaxDelay,
			PingInterval:       ws.PingInterval,
			PingTimeout:        ws.PingTimeout,
		}, bc, m, logger))
	}

	if rc := cfg.Sources.Redis; rc.URL != "" {
		src, err := source.NewRedisSource(source.RedisConfig{
			URL:      rc.URL,
			Channels: rc.Channels,
		}, bc, m, logger)
		if err != nil {
			return nil, fmt.Errorf("redis source: %w", err)
		}
		sources = append(sources, src)
	}

	if hb := cfg.Sources.Heartbeat; hb.Enabled {
		sources = append(sources, source.NewHeartbeat(source.HeartbeatConfig{
			Interval: hb.Interval,
			SelfID:   hb.SelfID,
		}, bc, func() any {
			st := status()
			st["online"] = true
			st["good"] = true
			return st
		}, m, logger))
	}

	return sources, nil
}

// createOpsHandler serves health and metrics for operators.
func createOpsHandler(
	metricsPath string,
	registry *prometheus.Registry,
	pool *pgxpool.Pool,
	proc *processor.Processor,
	bc *fanout.Broadcaster,
	server *relay.Server,
) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, metrics.Handler(registry))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Version    string         `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.String(),
			Components: make(map[string]any),
		}

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["postgres"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["postgres"] = "connected"
			}
		}

		ps := proc.Stats()
		health.Components["processor"] = map[string]any{
			"queued":    ps.Queued,
			"capacity":  ps.Capacity,
			"processed": ps.Processed,
			"dropped":   ps.Dropped,
			"rejected":  ps.Rejected,
		}
		if ps.Capacity > 0 && ps.Queued == ps.Capacity {
			health.Status = "degraded"
		}

		fs := bc.Stats()
		health.Components["fanout"] = map[string]any{
			"subscribers": fs.Subscribers,
			"published":   fs.Published,
			"lagged":      fs.Lagged,
		}
		health.Components["sessions"] = server.SessionCount()

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
