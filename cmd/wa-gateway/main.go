// Package main is the entry point for the WhatsApp gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/bridge"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/config"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/health"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/hub"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/metrics"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/state"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/whatsapp"
	"github.com/ihiteshgupta/whatsapp-gateway/pkg/api"
)

const shutdownTimeout = 15 * time.Second

var (
	configPath = flag.String("config", "config.yaml", "Path to config file")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	httpAddr   = flag.String("addr", "", "HTTP listen address (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Gateway stopped with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("WhatsApp gateway starting",
		"config", *configPath,
		"log_level", cfg.LogLevel,
		"http_addr", cfg.HTTPAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	if prev, err := db.State.GetState(ctx); err == nil {
		logger.Info("Previous run ended", "state", prev)
	}

	factory, err := whatsapp.NewFactory(ctx, cfg.SessionPath, cfg.ConnectTimeout, logger)
	if err != nil {
		return err
	}
	defer factory.Close()

	events := hub.New(cfg.AllowedOrigins, logger)
	defer events.Close()

	sm := state.NewMachine()
	monitor := health.NewMonitor(sm, db, nil)
	opts := []bridge.Option{
		bridge.WithMachine(sm),
		bridge.WithPolicy(cfg.Policy()),
		bridge.WithLogoutTimeout(cfg.LogoutTimeout),
		bridge.WithLogger(logger),
		bridge.WithObserver(monitor),
	}
	if cfg.MetricsEnabled {
		promMetrics := metrics.New(prometheus.DefaultRegisterer)
		promMetrics.Attach(sm)
		opts = append(opts, bridge.WithObserver(promMetrics))
	}

	sink := bridge.MultiSink{events, newQRPrinter(cfg.QRImagePath, logger)}
	manager := bridge.NewManager(factory, bridge.StoresOf(db), sink, opts...)
	defer manager.Close()

	handler := api.NewHandler(manager, db, monitor, api.NewSendLimiter(cfg.SendRateLimit, cfg.SendBurst))
	routes := api.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		Events:         events,
	}

	servers := []*http.Server{}
	if cfg.MetricsEnabled {
		if cfg.MetricsPort == 0 {
			routes.Metrics = promhttp.Handler()
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			servers = append(servers, &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			})
		}
	}
	servers = append(servers, &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(routes),
		ReadHeaderTimeout: 10 * time.Second,
	})

	errChan := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("HTTP server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	if cfg.AutoStart {
		if err := manager.Start(ctx); err != nil {
			logger.Error("Failed to start connection", "error", err)
		}
	}

	logger.Info("Gateway initialized",
		"store_path", cfg.StorePath,
		"session_path", cfg.SessionPath,
		"state", manager.State(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-errChan:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown", "addr", srv.Addr, "error", err)
		}
	}
	if err := manager.Close(); err != nil {
		logger.Warn("Connection manager shutdown", "error", err)
	}

	logger.Info("WhatsApp gateway stopped")
	return runErr
}
