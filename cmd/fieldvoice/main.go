// Command fieldvoice runs the session broker: it resolves callers, composes
// their conversation context and hands out signed ElevenLabs URLs.
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
	"syscall"
	"time"

	"github.com/pranicsoil/fieldvoice/internal/broker"
	"github.com/pranicsoil/fieldvoice/internal/broker/server"
	"github.com/pranicsoil/fieldvoice/internal/config"
	"github.com/pranicsoil/fieldvoice/internal/health"
	"github.com/pranicsoil/fieldvoice/internal/observe"
	"github.com/pranicsoil/fieldvoice/internal/resilience"
)

const defaultShutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "fieldvoice.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", "", "optional .env file loaded before the configuration")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	if err := config.LoadEnv(envFiles...); err != nil {
		fmt.Fprintf(os.Stderr, "fieldvoice: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.RequireBroker()
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "fieldvoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "fieldvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Server.LogLevel.Slog()})))

	slog.Info("fieldvoice starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "fieldvoice"
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: serviceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Dependencies ──────────────────────────────────────────────────────────
	breaker := resilience.New(resilience.Config{
		Name:         "elevenlabs",
		MaxFailures:  cfg.Broker.Breaker.MaxFailures,
		ResetTimeout: cfg.Broker.Breaker.ResetTimeout,
		HalfOpenMax:  cfg.Broker.Breaker.HalfOpenMax,
	})
	elOpts := []server.ElevenLabsOption{
		server.WithBreaker(breaker),
		server.WithElevenLabsMetrics(metrics),
	}
	if cfg.Broker.ElevenLabs.BaseURL != "" {
		elOpts = append(elOpts, server.WithBaseURL(cfg.Broker.ElevenLabs.BaseURL))
	}
	signer := server.NewElevenLabs(cfg.Broker.ElevenLabs.APIKey, cfg.Broker.ElevenLabs.AgentID, elOpts...)

	checkers := []health.Checker{{Name: "elevenlabs", Check: breaker.Check}}
	srvCfg := server.Config{SignedURLs: signer, Metrics: metrics}

	if cfg.Broker.PostgresDSN != "" {
		store, err := server.NewPostgres(ctx, cfg.Broker.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer store.Close()
		srvCfg.Store = store
		checkers = append(checkers, health.Checker{Name: "postgres", Check: store.Ping})
	} else {
		slog.Warn("broker.postgres_dsn is empty; profiles and conversations are not available")
	}

	if cfg.Broker.Supabase.URL != "" {
		auth, err := server.NewSupabaseAuth(cfg.Broker.Supabase.URL, cfg.Broker.Supabase.ServiceRoleKey)
		if err != nil {
			slog.Error("failed to create supabase client", "err", err)
			return 1
		}
		srvCfg.Auth = auth
	} else {
		slog.Warn("broker.supabase is not configured; every caller is treated as public")
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	probes := health.New(checkers...)
	mux := http.NewServeMux()
	server.New(srvCfg).Register(mux)
	probes.Register(mux)
	metricsPath := cfg.Telemetry.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux.Handle("GET "+metricsPath, observe.MetricsHandler())

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics, broker.FunctionPath, metricsPath)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	slog.Info("broker ready, press Ctrl+C to shut down", "route", broker.FunctionPath)

	select {
	case err := <-serveErr:
		if err != nil {
			slog.Error("http server error", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, draining")
	probes.SetDraining(true)

	timeout := cfg.Server.ShutdownTimeout
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := <-serveErr; err != nil {
		slog.Error("http server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
