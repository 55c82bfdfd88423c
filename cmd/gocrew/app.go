package main

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/basket/go-crew/internal/audit"
	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/config"
	otelx "github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/telemetry"
)

// app holds the state shared by every subcommand of one invocation.
type app struct {
	stdout, stderr io.Writer

	home     string
	verbose  bool
	logLevel string

	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	tel     *otelx.Provider
	metrics *otelx.Metrics
	store   *persistence.Store

	closers []func() error
}

func (a *app) setup(ctx context.Context) error {
	var err error
	if a.home != "" {
		a.cfg, err = config.LoadFrom(a.home)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return failed("loading the configuration", err)
	}
	if a.logLevel != "" {
		a.cfg.LogLevel = a.logLevel
	}

	var console io.Writer
	if a.verbose {
		console = a.stderr
	}
	logger, logFile, err := telemetry.NewLogger(a.cfg.HomeDir, a.cfg.LogLevel, console)
	if err != nil {
		return failed("opening the log file", err)
	}
	a.logger = logger
	a.closers = append(a.closers, logFile.Close)

	if err := audit.Init(a.cfg.HomeDir); err != nil {
		return failed("opening the audit log", err)
	}
	a.closers = append(a.closers, audit.Close)

	a.tel, err = otelx.Init(ctx, a.cfg.OTel, otelx.Deployment{
		HomeDir:           a.cfg.HomeDir,
		DBPath:            a.cfg.DBPath,
		SchemaVersion:     persistence.LatestSchemaVersion,
		ConfigFingerprint: a.cfg.Fingerprint(),
	})
	if err != nil {
		return failed("initializing telemetry", err)
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.tel.Shutdown(shutdownCtx)
	})
	a.metrics, err = otelx.NewMetrics(a.tel.Meter)
	if err != nil {
		return failed("initializing telemetry", err)
	}

	a.bus = bus.New()
	a.logger.Debug("gocrew started", "home", a.cfg.HomeDir, "db", a.cfg.DBPath, "config", a.cfg.Fingerprint())
	return nil
}

// openStore opens the configured database once per invocation and routes
// audit records into it.
func (a *app) openStore() (*persistence.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := persistence.Open(a.cfg.DBPath, persistence.Options{
		VectorDimensions: a.cfg.VectorDimensions,
		Logger:           a.logger,
	})
	if err != nil {
		return nil, err
	}
	audit.SetDB(store.DB())
	a.store = store
	a.closers = append(a.closers, func() error {
		audit.SetDB(nil)
		return store.Close()
	})
	return store, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}
