package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/torwatch/vanguard/internal/dispatch"
	"github.com/torwatch/vanguard/internal/driver"
	"github.com/torwatch/vanguard/internal/metrics"
	"github.com/torwatch/vanguard/pkg/autoconfig"
	"github.com/torwatch/vanguard/pkg/config"
	"github.com/torwatch/vanguard/pkg/controlchan"
	"github.com/torwatch/vanguard/pkg/logger"
)

// runVanguard loads configuration, wires the core, and serves the
// reconnect/dispatch loop until an OS interrupt signal flips the shutdown
// flag the loop checks between events (spec §5 "Cancellation and shutdown").
func runVanguard(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log := logger.New(level, os.Stderr)

	if cfg.ControlCookiePath == "" {
		if cookie, err := autoconfig.FindControlCookie(cfg.DataDirectory); err == nil {
			cfg.ControlCookiePath = cookie
		}
	}

	if cfg.Vanguards.StateFile != "" {
		if err := autoconfig.EnsureDataDir(cfg.DataDirectory); err != nil {
			log.Warn().Err(err).Msg("failed to prepare data directory")
		}
		if err := autoconfig.CleanupTempFiles(cfg.DataDirectory); err != nil {
			log.Warn().Err(err).Msg("failed to clean up stale state temp files")
		}
	}

	met := metrics.New()
	if cfg.MetricsAddress != "" {
		go serveMetrics(cfg.MetricsAddress, met, log)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attempts := 0
	session := func(sessionCtx context.Context) error {
		if attempts > 0 {
			met.ReconnectAttempts.Inc()
		}
		attempts++
		ch, err := controlchan.Dial(sessionCtx, cfg.ControlAddress)
		if err != nil {
			return err
		}
		d, err := dispatch.New(*cfg, log, met)
		if err != nil {
			ch.Close()
			return err
		}
		return d.RunSession(sessionCtx, ch)
	}

	driverCfg := driver.Config{
		RetryLimit:    cfg.RetryLimit,
		ReconnectWait: cfg.ReconnectWait,
	}
	return driver.Run(ctx, driverCfg, log, session)
}

// loadConfig resolves the effective configuration: a TOML file if --config
// names one, otherwise DefaultConfig, with CLI flags applied as final
// overrides (spec §1 names "the CLI argument/TOML/environment configuration
// surface" as an external collaborator contract the core only ever sees
// through the resulting Config value).
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if cfgFile != "" {
		loaded, err := config.LoadFromFile(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	if controlAddress != "" {
		cfg.ControlAddress = controlAddress
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if metricsAddr != "" {
		cfg.MetricsAddress = metricsAddr
	}
	if oneShot {
		cfg.OneShot = true
	}
	return cfg, nil
}

func serveMetrics(addr string, met *metrics.Registry, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn().Err(err).Str("address", addr).Msg("metrics server stopped")
	}
}
