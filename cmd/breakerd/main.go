// Package main is the entry point for breakerd. It loads configuration,
// builds the breaker registry and health prober, starts the HTTP server
// for the admin, metrics, and health endpoints, and handles graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmwalsh/breakerkit/internal/admin"
	"github.com/dmwalsh/breakerkit/internal/breaker"
	"github.com/dmwalsh/breakerkit/internal/config"
	"github.com/dmwalsh/breakerkit/internal/logging"
	"github.com/dmwalsh/breakerkit/internal/metrics"
	"github.com/dmwalsh/breakerkit/internal/middleware"
	"github.com/dmwalsh/breakerkit/internal/probe"
	"github.com/dmwalsh/breakerkit/internal/ratelimit"
	"github.com/dmwalsh/breakerkit/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/breakerd.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"services", len(cfg.Services),
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"metrics_path", cfg.Metrics.Path,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Build the registry with daemon-wide defaults, then pre-create one
	// breaker per configured service so metrics and the admin API see the
	// full fleet from the first scrape.
	defaults, err := cfg.Defaults.ToBreaker()
	if err != nil {
		logger.Error("invalid breaker defaults", "error", err)
		os.Exit(1)
	}
	registry := breaker.NewRegistry(defaults, logger)
	for name := range cfg.Services {
		svcCfg, err := cfg.BreakerFor(name)
		if err != nil {
			logger.Error("invalid breaker config", "service", name, "error", err)
			os.Exit(1)
		}
		registry.Get(name, svcCfg)
	}

	prober := probe.New(registry, cfg.Services, logger)
	prober.Start()
	defer prober.Stop()

	limiter := ratelimit.New(cfg.Admin.RequestsPerSecond, cfg.Admin.BurstSize, logger)
	defer limiter.Stop()

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.Admin.RequestsPerSecond, newCfg.Admin.BurstSize)
		prober.Stop()
		prober.UpdateServices(newCfg.Services)
		prober.Start()
	})

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", probe.LivenessHandler())
	mux.Handle("GET /ready", probe.ReadinessHandler(registry))

	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, registry, limiter, cfg.Admin.IPAllowlist, cfg.Auth, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin API registered", "ip_allowlist", len(cfg.Admin.IPAllowlist))
	}

	// Middleware stack: Recovery → RequestID → Logging → mux. Metrics
	// scrapes are skipped from the access log.
	var handler http.Handler = mux
	handler = middleware.Logging(logger, cfg.Metrics.Path)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Server.TLS.Enabled() {
		certLoader, err := tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()
		srv.TLSConfig = &tls.Config{
			GetCertificate: certLoader.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}
	}

	go func() {
		logger.Info("starting breakerd", "addr", srv.Addr, "tls", cfg.Server.TLS.Enabled())
		var err error
		if cfg.Server.TLS.Enabled() {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("breakerd stopped gracefully")
}
