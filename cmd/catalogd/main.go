// Command catalogd is the control-plane daemon: it assembles
// internal/runtime.Runtime, starts every background component (executor
// dispatch, scheduler, auto-materialize, trigger dispatcher, stale-run
// reclaim, analytics snapshots), and serves a thin HTTP route layer over
// it. Grounded on the teacher's cmd/conductord/main.go: stdlib flag parsing
// overriding a loaded config, then signal-driven graceful shutdown.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apphub/catalog/internal/api"
	"github.com/apphub/catalog/internal/config"
	"github.com/apphub/catalog/internal/log"
	"github.com/apphub/catalog/internal/runtime"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		databaseURL = flag.String("database-url", "", "Postgres connection string")
		httpAddr    = flag.String("addr", "", "HTTP listen address")
		instanceID  = flag.String("instance-id", "", "Instance ID for claim ownership and leader election")
		leaderElect = flag.Bool("leader-election", false, "Enable Postgres advisory-lock leader election")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("catalogd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if *databaseURL != "" {
		cfg.Store.ConnectionString = *databaseURL
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *instanceID != "" {
		cfg.Runtime.InstanceID = *instanceID
	}
	if *leaderElect {
		cfg.Runtime.LeaderElection = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := runtime.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to assemble runtime", slog.Any("error", err))
		os.Exit(1)
	}

	if err := rt.Start(ctx); err != nil {
		logger.Error("failed to start runtime", slog.Any("error", err))
		os.Exit(1)
	}

	router := api.NewRouter(api.RouterConfig{Version: version, Commit: commit, BuildDate: buildDate}, log.WithComponent(logger, "api"))
	api.NewDefinitionsHandler(rt.Backend(), rt).RegisterRoutes(router.Mux())
	api.NewRunsHandler(rt.Backend(), rt.Orchestrator()).RegisterRoutes(router.Mux())
	api.NewBundlesHandler(rt.Bundles(), rt.DownloadTokens()).RegisterRoutes(router.Mux())
	api.NewAssetsHandler(rt.Ledger()).RegisterRoutes(router.Mux())
	api.NewHistoryHandler(rt.History()).RegisterRoutes(router.Mux())
	router.SetMetricsHandler(promhttp.HandlerFor(rt.MetricsRegistry(), promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("catalogd listening", slog.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownGracePeriod)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Error("runtime shutdown error", slog.Any("error", err))
		os.Exit(1)
	}
}
