// Refsync copies the customer and device tables of a model bundle into the
// SQL repository, for deployments that serve reference data from the database.
//
// Usage:
//
//	go run ./cmd/refsync -bundle models/bundle.json [-config sentinel.yaml]
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/sentinel/internal/config"
	"github.com/opensource-finance/sentinel/internal/model"
	"github.com/opensource-finance/sentinel/internal/reference"
	"github.com/opensource-finance/sentinel/internal/repository"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to $SENTINEL_CONFIG)")
	bundlePath := flag.String("bundle", "", "bundle to read (defaults to artifacts.bundle_path)")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall time limit")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	path := *bundlePath
	if path == "" {
		path = cfg.Artifacts.BundlePath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	b, err := model.LoadFile(path)
	if err != nil {
		slog.Error("failed to read bundle", "bundle", path, "error", err)
		os.Exit(1)
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	start := time.Now()
	customers, devices, err := reference.Seed(ctx, repo, b.Reference.Customers, b.Reference.Devices)
	if err != nil {
		slog.Error("reference sync failed",
			"bundle_version", b.Version,
			"customers", customers,
			"devices", devices,
			"error", err,
		)
		repo.Close()
		os.Exit(1)
	}
	slog.Info("reference tables synced",
		"bundle_version", b.Version,
		"driver", cfg.Repository.Driver,
		"customers", customers,
		"devices", devices,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
