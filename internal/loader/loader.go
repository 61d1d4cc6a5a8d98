// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package loader

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/samber/oops"

	"github.com/vokality/ragdoll/internal/extension"
)

// Runtime turns an entry file into a live extension. The resolved config
// reaches factory-style exports at load time. Satisfied by the Lua
// runtime.
type Runtime interface {
	LoadFile(ctx context.Context, path string, config map[string]any) (extension.Extension, error)
}

// LoadResult is the outcome of one package load attempt. Failures carry
// their error here; the loader never panics on bad package content.
type LoadResult struct {
	Success     bool
	ExtensionID string
	Path        string
	Err         error
}

// Loader loads extension packages into the registry. Loading the same
// package twice is a no-op reporting success; different packages load
// independently and one bad package never stops the rest.
type Loader struct {
	runtime  Runtime
	registry *extension.Registry
	resolver extension.HostResolver
	logger   *slog.Logger

	mu       sync.Mutex
	loaded   map[string]string       // extension id -> package dir
	packages map[string]*PackageInfo // package dir -> discovery info
}

// LoaderOption configures the Loader.
type LoaderOption func(*Loader)

// WithLogger overrides the loader logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// New creates a loader. The resolver produces each extension's host
// environment and is required: a loader with nowhere to get environments
// from cannot activate anything.
func New(runtime Runtime, registry *extension.Registry, resolver extension.HostResolver, opts ...LoaderOption) (*Loader, error) {
	if runtime == nil {
		return nil, oops.In("loader").New("runtime is required")
	}
	if registry == nil {
		return nil, oops.In("loader").New("registry is required")
	}
	if resolver == nil {
		return nil, oops.In("loader").New("host resolver is required")
	}

	l := &Loader{
		runtime:  runtime,
		registry: registry,
		resolver: resolver,
		logger:   slog.Default(),
		loaded:   map[string]string{},
		packages: map[string]*PackageInfo{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// PackageInfo returns what discovery recorded for a package directory,
// whether or not its load succeeded.
func (l *Loader) PackageInfo(dir string) (*PackageInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.packages[dir]
	return info, ok
}

// Loaded returns the ids of currently loaded extensions mapped to their
// package directories.
func (l *Loader) Loaded() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]string, len(l.loaded))
	for id, dir := range l.loaded {
		out[id] = dir
	}
	return out
}

// LoadPackage loads one package directory: inspect metadata, run the
// entry file through the runtime, reconcile the id, and register. The
// caller config merges over the manifest's config defaults; the merged
// config reaches both factory exports and Activate. A package whose id
// is already loaded reports success without reloading.
func (l *Loader) LoadPackage(ctx context.Context, dir string, config map[string]any) LoadResult {
	info, ok := inspect(dir)
	if !ok {
		return LoadResult{Path: dir, Err: oops.In("loader").With("path", dir).
			Code("VALIDATION").Errorf("not an extension package")}
	}

	l.mu.Lock()
	l.packages[dir] = info
	if prev, already := l.loaded[info.Manifest.ID]; already {
		l.mu.Unlock()
		l.logger.Debug("extension already loaded",
			"extension", info.Manifest.ID, "path", prev)
		return LoadResult{Success: true, ExtensionID: info.Manifest.ID, Path: prev}
	}
	l.mu.Unlock()

	result := l.load(ctx, info, mergeConfig(info.Manifest.DefaultConfig(), config))
	if result.Err != nil {
		l.logger.Warn("extension load failed", "path", dir, "error", result.Err)
	} else {
		l.logger.Info("extension loaded", "extension", result.ExtensionID, "path", dir)
	}
	return result
}

// mergeConfig lays overrides over the manifest defaults. Either side may
// be nil; with no overrides the defaults map is returned as is.
func mergeConfig(defaults, overrides map[string]any) map[string]any {
	if len(overrides) == 0 {
		return defaults
	}
	merged := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func (l *Loader) load(ctx context.Context, info *PackageInfo, config map[string]any) LoadResult {
	entryPath := filepath.Join(info.Dir, info.Entry)
	ext, err := l.runtime.LoadFile(ctx, entryPath, config)
	if err != nil {
		return LoadResult{Path: info.Dir, Err: err}
	}

	// The package metadata owns the published identity. When the code's
	// own manifest disagrees, the metadata id wins so installs, loads, and
	// registry lookups all key the same way.
	if ext.Manifest().ID != info.Manifest.ID {
		ext = extension.WithID(ext, info.Manifest.ID)
	}

	host, err := l.resolver.ResolveHost(ext.Manifest())
	if err != nil {
		_ = ext.Deactivate(ctx)
		return LoadResult{Path: info.Dir, Err: err}
	}

	if err := l.registry.Register(ctx, ext, extension.RegisterOptions{Host: host, Config: config}); err != nil {
		_ = ext.Deactivate(ctx)
		return LoadResult{Path: info.Dir, Err: err}
	}

	l.mu.Lock()
	l.loaded[info.Manifest.ID] = info.Dir
	l.mu.Unlock()

	return LoadResult{Success: true, ExtensionID: info.Manifest.ID, Path: info.Dir}
}

// UnloadPackage unregisters a loaded extension by id. Returns false when
// the id is not loaded.
func (l *Loader) UnloadPackage(ctx context.Context, id string) bool {
	l.mu.Lock()
	_, ok := l.loaded[id]
	if ok {
		delete(l.loaded, id)
	}
	l.mu.Unlock()

	if !ok {
		return false
	}
	l.registry.Unregister(ctx, id)
	l.logger.Info("extension unloaded", "extension", id)
	return true
}

// ReloadPackage unloads an extension and loads its package directory
// again, picking up changed code and metadata. Unloading is a no-op when
// the id is not currently loaded; the load still proceeds as long as a
// package directory is known for the id, so a reload after an unload
// brings the extension back.
func (l *Loader) ReloadPackage(ctx context.Context, id string, config map[string]any) LoadResult {
	l.mu.Lock()
	dir, ok := l.loaded[id]
	if !ok {
		// Not loaded right now: fall back to whatever discovery or an
		// earlier load recorded for this id.
		for pkgDir, info := range l.packages {
			if info.Manifest.ID == id {
				dir, ok = pkgDir, true
				break
			}
		}
	}
	l.mu.Unlock()
	if !ok {
		return LoadResult{Err: oops.In("loader").With("extension", id).
			Errorf("no known package for extension")}
	}

	l.UnloadPackage(ctx, id)
	return l.LoadPackage(ctx, dir, config)
}

// DiscoverAndLoad discovers packages under the roots and loads each one.
// With continueOnError a failing package contributes a failed result and
// loading carries on; without it loading stops at the first failure and
// later packages are never attempted.
func (l *Loader) DiscoverAndLoad(ctx context.Context, roots []string, continueOnError bool) []LoadResult {
	infos := Discover(roots, l.logger)

	results := make([]LoadResult, 0, len(infos))
	for _, info := range infos {
		result := l.LoadPackage(ctx, info.Dir, nil)
		results = append(results, result)
		if result.Err != nil && !continueOnError {
			break
		}
	}
	return results
}
