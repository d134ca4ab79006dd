// Command opspiped is the task routing daemon: it owns the sqlite store,
// serves the REST API and websocket change feed, and runs the maintenance
// sweeps.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/opspipe/internal/analytics"
	"github.com/basket/opspipe/internal/audit"
	"github.com/basket/opspipe/internal/bus"
	"github.com/basket/opspipe/internal/config"
	"github.com/basket/opspipe/internal/cron"
	"github.com/basket/opspipe/internal/dispatch"
	"github.com/basket/opspipe/internal/fieldops"
	"github.com/basket/opspipe/internal/gateway"
	"github.com/basket/opspipe/internal/notify"
	otelPkg "github.com/basket/opspipe/internal/otel"
	"github.com/basket/opspipe/internal/persistence"
	"github.com/basket/opspipe/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	homeDir := flag.String("home", "", "data directory (default: ~/.opspipe, or OPSPIPE_HOME)")
	bindAddr := flag.String("addr", "", "listen address override")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("opspiped", Version)
		return
	}

	if *homeDir == "" {
		*homeDir = os.Getenv("OPSPIPE_HOME")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*homeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintln(os.Stderr, "audit init:", err)
		os.Exit(1)
	}
	defer func() { _ = audit.Close() }()

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken = uuid.NewString()
		logger.Info("generated ephemeral auth token; set auth_token in config.yaml to pin it")
		if isatty.IsTerminal(os.Stdout.Fd()) {
			fmt.Println("auth token:", authToken)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(1)
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		logger.Error("open store failed", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	notifier := notify.NewBusNotifier(eventBus)
	preserveCompleted := cfg.Dispatch.StepReplacePolicy != config.ReplaceAll
	dispatchEngine := dispatch.NewEngine(store, notifier, logger, metrics, preserveCompleted)
	fieldEngine := fieldops.NewEngine(store, logger, metrics)
	analyticsEngine := analytics.NewEngine(store, logger, metrics)

	gw, err := gateway.New(gateway.Config{
		Store:             store,
		Dispatch:          dispatchEngine,
		FieldOps:          fieldEngine,
		Analytics:         analyticsEngine,
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	if err != nil {
		logger.Error("gateway init failed", "error", err)
		os.Exit(1)
	}

	scheduler, err := cron.NewScheduler(cron.Config{
		Store:       store,
		Logger:      logger,
		Maintenance: cfg.Maintenance,
	})
	if err != nil {
		logger.Error("scheduler init failed", "error", err)
		os.Exit(1)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Watch config.yaml; a live rebind is not supported, so just tell the
	// operator a restart is needed when the fingerprint changes.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load(cfg.HomeDir)
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				if fresh.Fingerprint() != cfg.Fingerprint() {
					logger.Info("config changed on disk; restart to apply",
						"fingerprint", fresh.Fingerprint())
				}
			}
		}()
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "version", Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}
