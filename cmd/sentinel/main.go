// Sentinel - real-time fraud scoring for mobile money transactions.
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
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/sentinel/internal/api"
	"github.com/opensource-finance/sentinel/internal/audit"
	"github.com/opensource-finance/sentinel/internal/bus"
	"github.com/opensource-finance/sentinel/internal/cache"
	"github.com/opensource-finance/sentinel/internal/config"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/repository"
	"github.com/opensource-finance/sentinel/internal/serving"
	"github.com/opensource-finance/sentinel/internal/traces"
	"github.com/opensource-finance/sentinel/internal/velocity"
	"github.com/opensource-finance/sentinel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to $SENTINEL_CONFIG)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sentinel %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting sentinel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"bundle", cfg.Artifacts.BundlePath,
		"reference", cfg.Reference.Source,
		"history", cfg.History.Counter,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := traces.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	history, err := velocity.New(cfg.History, cacheImpl, repo)
	if err != nil {
		slog.Error("failed to initialize history counter", "error", err)
		os.Exit(1)
	}

	manager := serving.NewManager(serving.BundleLoader(serving.LoaderConfig{
		Artifacts: cfg.Artifacts,
		Features:  cfg.Features,
		Decision:  cfg.Decision,
		Reference: cfg.Reference,
		Snapshot:  repo,
		History:   history,
	}), cfg.Artifacts)

	// A missing bundle is not fatal: the API answers 503 until a reload succeeds.
	if err := manager.Load(ctx); err != nil {
		slog.Error("initial artifact load failed", "bundle", cfg.Artifacts.BundlePath, "error", err)
	} else {
		st := manager.Status()
		slog.Info("artifacts loaded", "bundle_version", st.BundleVersion, "state", st.State)
	}

	recorder := audit.NewRecorder(cfg.Audit, repo, cacheImpl, busImpl)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, manager, recorder)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "topic", domain.TopicTransactionReceived)
		}
	}

	srv := api.NewServer(cfg.Server, api.Options{
		Manager:    manager,
		Recorder:   recorder,
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Version:    Version,
		RetryAfter: cfg.Artifacts.ReloadBackoff,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("sentinel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, manager.Status(), Version)

	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
	}
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("sentinel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
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
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, st serving.Status, version string) {
	bundle := st.BundleVersion
	if bundle == "" {
		bundle = "not loaded"
	}
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 SENTINEL                  |")
	fmt.Println("  |       Mobile Money Fraud Scoring          |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Bundle:   %s (%s)\n", bundle, st.State)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /predict             - Score a transaction")
	fmt.Println("    GET  /sample-transaction  - Example high-risk request")
	fmt.Println("    GET  /assessments/{id}    - Get a recorded assessment")
	fmt.Println("    GET  /model               - Serving bundle details")
	fmt.Println("    POST /artifacts/reload    - Reload the model bundle")
	fmt.Println("    GET  /health              - Health check")
	fmt.Println("    GET  /ready               - Readiness check")
	fmt.Println("    GET  /metrics             - Prometheus metrics")
	fmt.Println()
}
