package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dlpgate/inspector/internal/audit"
	"github.com/dlpgate/inspector/internal/classifier"
	"github.com/dlpgate/inspector/internal/config"
	"github.com/dlpgate/inspector/internal/fileproc"
	"github.com/dlpgate/inspector/internal/gateway"
	"github.com/dlpgate/inspector/internal/mitm"
	"github.com/dlpgate/inspector/internal/monitoring"
	"github.com/dlpgate/inspector/internal/policy"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the inspection proxy",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logCloser, err := monitoring.SetupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(reg)

	cls, err := classifier.FromConfig(cfg.Classifier)
	if err != nil {
		return err
	}

	var (
		certs *mitm.CertCache
		caPEM []byte
	)
	if cfg.TLS.Intercept {
		ca, created, err := mitm.LoadOrCreateCA(cfg.TLS.CACertPath, cfg.TLS.CAKeyPath, config.DefaultCAValidity)
		if err != nil {
			return fmt.Errorf("interception CA: %w", err)
		}
		if created {
			log.Warn().
				Str("cert", cfg.TLS.CACertPath).
				Str("sha256", ca.Fingerprint()).
				Msg("generated a new interception CA; install it in client trust stores")
		}
		certs = mitm.NewCertCache(ca, cfg.TLS.CertTTL, metrics)
		caPEM = ca.CertPEM()
	}

	decider := policy.New(cfg.Backend, policy.WithMetrics(metrics))
	probeBackend(cmd.Context(), decider)

	files := fileproc.FromConfig(cfg.Backend)

	sink, err := audit.New(cfg.Audit, audit.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("audit sink: %w", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Error().Err(err).Msg("audit sink close failed")
		}
	}()

	gw := gateway.New(cfg, gateway.Deps{
		Classifier: cls,
		Decider:    decider,
		Files:      files,
		Audit:      sink,
		Metrics:    metrics,
	})
	inspector := mitm.New(mitm.Config{
		Intercept:       cfg.TLS.Intercept,
		ShouldIntercept: cls.InScope,
		Certs:           certs,
		Handler:         gw,
	})

	proxySrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           inspector,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	var adminSrv *http.Server
	if cfg.Admin.Enabled {
		admin := gateway.NewAdmin(gateway.AdminDeps{
			Gatherer: reg,
			Metrics:  metrics,
			Stats:    sink,
			Health:   decider,
			CAPEM:    caPEM,
			Version:  Version,
		})
		adminSrv = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           admin.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("proxy listening")
		if err := proxySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()
	if adminSrv != nil {
		go func() {
			log.Info().Str("addr", cfg.Admin.Addr).Msg("admin listening")
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("server failed, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked tunnels are invisible to Shutdown; close them explicitly.
	_ = inspector.Close()
	if err := proxySrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("proxy shutdown incomplete")
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("admin shutdown incomplete")
		}
	}
	return runErr
}

// probeBackend logs the policy backend's health once at startup. An unhealthy
// backend is not fatal: the failure policy decides what happens to traffic.
func probeBackend(ctx context.Context, c *policy.Client) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	h, err := c.Health(ctx)
	switch {
	case err != nil:
		log.Warn().Err(err).Bool("fail_closed", c.FailClosed()).Msg("policy backend unreachable at startup")
	case !h.Healthy():
		log.Warn().Str("status", h.Status).Bool("model_loaded", h.ModelLoaded).Msg("policy backend not ready")
	default:
		log.Info().Msg("policy backend healthy")
	}
}
