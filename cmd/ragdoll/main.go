// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

// Command ragdoll runs the extension host: first-run setup, package
// discovery and loading, and the metrics endpoint.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/vokality/ragdoll/internal/bootstrap"
	"github.com/vokality/ragdoll/internal/config"
	"github.com/vokality/ragdoll/internal/extension"
	"github.com/vokality/ragdoll/internal/extension/capability"
	"github.com/vokality/ragdoll/internal/hostenv"
	"github.com/vokality/ragdoll/internal/installer"
	"github.com/vokality/ragdoll/internal/loader"
	"github.com/vokality/ragdoll/internal/logging"
	"github.com/vokality/ragdoll/internal/luart"
	"github.com/vokality/ragdoll/internal/observability"
	"github.com/vokality/ragdoll/internal/release"
	"github.com/vokality/ragdoll/internal/xdg"
	"github.com/vokality/ragdoll/pkg/errutil"
)

// version is stamped at build time.
var version = "dev"

func main() {
	if err := run(); err != nil {
		errutil.LogError(slog.Default(), "ragdoll host failed", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.SetDefault("ragdoll", version, cfg.Logging.Format, cfg.Logging.Level)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := xdg.EnsureDir(cfg.StoreDir); err != nil {
		return err
	}

	var ready atomic.Bool
	if cfg.Metrics.Enabled {
		metrics := observability.NewServer(cfg.Metrics.Addr, ready.Load)
		errCh, err := metrics.Start()
		if err != nil {
			return err
		}
		defer metrics.Stop(context.Background())
		go func() {
			if serveErr := <-errCh; serveErr != nil {
				errutil.LogError(logger, "metrics server failed", serveErr)
			}
		}()
		logger.Info("metrics server started", "addr", metrics.Addr())
	}

	var clientOpts []release.ClientOption
	if cfg.Release.APIBase != "" {
		clientOpts = append(clientOpts, release.WithAPIBase(cfg.Release.APIBase))
	}
	if cfg.Release.DownloadBase != "" {
		clientOpts = append(clientOpts, release.WithDownloadBase(cfg.Release.DownloadBase))
	}
	if cfg.Release.Token != "" {
		clientOpts = append(clientOpts, release.WithToken(cfg.Release.Token))
	}
	client := release.NewClient(clientOpts...)
	inst := installer.New(cfg.StoreDir, client, installer.WithLogger(logger))

	if err := runSetup(ctx, cfg, inst, logger); err != nil {
		return err
	}

	enforcer := capability.NewEnforcer()
	registry := extension.NewRegistry(
		extension.WithEnforcer(enforcer),
		extension.WithLogger(logger))
	defer registry.Destroy(context.Background())

	runtime := luart.NewRuntime(
		luart.WithEnforcer(enforcer),
		luart.WithLogger(logger))
	envs := hostenv.NewEnvironments(filepath.Join(cfg.StoreDir, "host"),
		hostenv.WithEnvLogger(logger))

	ld, err := loader.New(runtime, registry, envs, loader.WithLogger(logger))
	if err != nil {
		return err
	}

	roots := append([]string{filepath.Join(cfg.StoreDir, "extensions")}, cfg.SearchRoots...)
	results := ld.DiscoverAndLoad(ctx, roots, cfg.Loader.ContinueOnError)
	for _, result := range results {
		if result.Err != nil && !cfg.Loader.ContinueOnError {
			return result.Err
		}
	}
	ready.Store(true)
	logger.Info("extension host ready",
		"loaded", len(registry.Extensions()),
		"tools", len(registry.AllTools()))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// runSetup installs the curated extension list on first run.
func runSetup(ctx context.Context, cfg config.Config, inst *installer.Installer, logger *slog.Logger) error {
	items, err := bootstrap.LoadItems(cfg.SetupFile)
	if err != nil {
		// No setup list means nothing to bootstrap.
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	b := bootstrap.New(cfg.StoreDir, items, inst,
		bootstrap.WithLogger(logger),
		bootstrap.WithProgress(func(s bootstrap.Status) {
			logger.Info("setup progress",
				"progress", s.Progress, "current", s.CurrentOperation)
		}))
	if !b.NeedsSetup() {
		return nil
	}

	status, err := b.RunSetup(ctx)
	if err != nil {
		return err
	}
	if !status.IsComplete {
		logger.Warn("setup incomplete; failed items retry on next start")
	}
	return nil
}
