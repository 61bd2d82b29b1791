// Package main is the entry point for the device agent. It owns the
// device-wide pieces (storage backend, connectivity monitor, status API)
// and opens a clinician session when a token is provisioned.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verdant-health/chartsync/internal/api"
	"github.com/verdant-health/chartsync/internal/auth"
	"github.com/verdant-health/chartsync/internal/config"
	"github.com/verdant-health/chartsync/internal/cryptobox"
	"github.com/verdant-health/chartsync/internal/health"
	"github.com/verdant-health/chartsync/internal/middleware"
	"github.com/verdant-health/chartsync/internal/network"
	"github.com/verdant-health/chartsync/internal/securestore"
	"github.com/verdant-health/chartsync/internal/session"
	syncpkg "github.com/verdant-health/chartsync/internal/sync"
	"github.com/verdant-health/chartsync/internal/tracing"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configFile := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("ChartSync Device Agent")
		fmt.Println()
		fmt.Println("Usage: agent [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configFile)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	tracerProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "chartsync-agent",
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		DeviceID:     cfg.DeviceID,
		ExporterType: "otlp-" + cfg.OTLPProtocol,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: 1.0,
		InsecureMode: !cfg.IsProduction(),
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	backend, err := securestore.OpenLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open storage backend", "error", err, "data_dir", cfg.DataDir)
		os.Exit(1)
	}
	defer backend.Close()

	deriver, err := cryptobox.NewDeriver([]byte(cfg.RootSecret))
	if err != nil {
		logger.Error("failed to initialize key derivation", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connectivity: a reachability probe against the authority feeds the
	// debounced monitor.
	monitor := network.NewMonitor(cfg.NetworkDebounce(), logger)
	remoteChecker := health.NewRemoteChecker(cfg.RemoteBaseURL, cfg.RemoteTimeout())
	go monitor.RunProbe(ctx, remoteChecker.Probe, cfg.ProbeInterval())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		logger.Error("failed to register HTTP metrics", "error", err)
		os.Exit(1)
	}

	// A session token may be provisioned by the launcher; without one
	// the agent runs headless and the UI opens the session later.
	var (
		syncSource  api.SyncSource
		chainSource api.ChainSource
		sess        *session.Session
	)
	if token := os.Getenv("CHARTSYNC_SESSION_TOKEN"); token != "" {
		sess, err = session.Open(token, session.Options{
			Backend:  backend,
			Deriver:  deriver,
			Verifier: auth.NewVerifierWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret),
			Remote:   syncpkg.NewHTTPRemote(cfg.RemoteBaseURL, token, cfg.RemoteTimeout()),
			Monitor:  monitor,
			SyncConfig: syncpkg.Config{
				BatchSize:    cfg.SyncBatchSize,
				BaseDelay:    cfg.SyncBaseDelay(),
				MaxDelay:     cfg.SyncMaxDelay(),
				JitterFactor: cfg.SyncJitterFactor,
			},
			Registry:      registry,
			LogoutTimeout: cfg.LogoutTimeout(),
			Logger:        logger,
		})
		if err != nil {
			logger.Error("failed to open session", "error", err)
			os.Exit(1)
		}
		syncSource = sess.Coordinator
		chainSource = sess.Ledger
		logger.Info("session opened from provisioned token", "did", sess.DID)
	}

	checks := map[string]api.HealthCheck{
		"storage": health.NewStorageChecker(backend).HealthCheck,
		"remote":  remoteChecker.HealthCheck,
	}
	handler := api.NewHandler(logger, monitor, syncSource, chainSource, checks)

	mux := handler.Routes()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Apply middleware: RequestID -> Logging -> HTTPMetrics
	chained := middleware.RequestID(middleware.Logging(logger)(middleware.HTTPMetrics(httpMetrics)(mux)))

	server := &http.Server{
		// Loopback only: the status API is for the local UI shell.
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.StatusPort),
		Handler:      chained,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting status server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down agent...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Close, not Logout: a process restart must keep queued writes and
	// chains on disk. Wiping is reserved for an explicit user logout.
	if sess != nil {
		if err := sess.Close(shutdownCtx); err != nil {
			logger.Error("session close on shutdown failed", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("status server forced to shutdown", "error", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", "error", err)
	}

	logger.Info("agent stopped")
}
