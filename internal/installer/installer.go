// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

// Package installer fetches extension releases from a remote release
// registry and manages the on-disk extension store: install, update,
// uninstall, and update checks, with an installed.json registry document
// tracking what is present.
package installer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/samber/oops"

	"github.com/vokality/ragdoll/internal/archive"
	"github.com/vokality/ragdoll/internal/extension"
	"github.com/vokality/ragdoll/internal/observability"
	"github.com/vokality/ragdoll/internal/release"
)

// product is the identifying substring used to pick release assets.
const product = "ragdoll"

// Resolver is the release-resolution surface the installer depends on.
type Resolver interface {
	Resolve(ctx context.Context, ref release.Ref, product string) (*release.ResolvedAsset, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// InstallResult is the outcome of one install attempt. Failures are carried
// in Err; InstallFrom never panics and never returns a partial install.
type InstallResult struct {
	Success     bool
	ExtensionID string
	Name        string
	Version     string
	Err         error
}

// UpdateInfo is one row of an update check.
type UpdateInfo struct {
	ID             string
	CurrentVersion string
	LatestVersion  string
	HasUpdate      bool
	Err            error
}

// ErrNotInstalled reports an operation against an id with no install record.
var ErrNotInstalled = fmt.Errorf("extension not installed")

// Installer installs extension packages into a managed store.
//
// Callers must serialize operations targeting the same extension id;
// concurrent operations on different ids are safe because every install
// works in its own temp directory and the registry document is rewritten
// under an internal lock via read-modify-write per operation.
type Installer struct {
	storeDir string
	resolver Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the Installer.
type Option func(*Installer)

// WithLogger overrides the installer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Installer) {
		i.logger = logger
	}
}

// New creates an installer over a store directory.
func New(storeDir string, resolver Resolver, opts ...Option) *Installer {
	i := &Installer{
		storeDir: storeDir,
		resolver: resolver,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// extensionsDir is where installed extensions live, one directory per id.
func (i *Installer) extensionsDir() string {
	return filepath.Join(i.storeDir, "extensions")
}

// tmpDir is the scratch space for in-flight installs. Every install scopes
// its work to one directory under it and removes that directory on every
// exit path.
func (i *Installer) tmpDir() string {
	return filepath.Join(i.storeDir, "tmp")
}

// InstallPath returns the install directory for an extension id.
func (i *Installer) InstallPath(id string) string {
	return filepath.Join(i.extensionsDir(), id)
}

// InstallFrom resolves a source reference, downloads and unpacks the
// release archive, validates its manifest, and moves it into the store.
func (i *Installer) InstallFrom(ctx context.Context, source string) InstallResult {
	ref, err := release.ParseRef(source)
	if err != nil {
		observability.InstallsTotal.WithLabelValues("error").Inc()
		return InstallResult{Err: err}
	}

	result := i.install(ctx, ref, source)
	if result.Err != nil {
		observability.InstallsTotal.WithLabelValues("error").Inc()
		i.logger.Warn("extension install failed", "source", source, "error", result.Err)
		return result
	}

	observability.InstallsTotal.WithLabelValues("ok").Inc()
	i.logger.Info("extension installed",
		"extension", result.ExtensionID,
		"version", result.Version,
		"source", source)
	return result
}

func (i *Installer) install(ctx context.Context, ref release.Ref, source string) InstallResult {
	resolved, err := i.resolver.Resolve(ctx, ref, product)
	if err != nil {
		if ref.Tag != "" {
			return InstallResult{Err: oops.In("installer").With("source", source).
				Hint(fmt.Sprintf("Release not found for tag: %s", ref.Tag)).Wrap(err)}
		}
		return InstallResult{Err: err}
	}

	if err := os.MkdirAll(i.tmpDir(), 0o750); err != nil {
		return InstallResult{Err: oops.In("installer").With("path", i.tmpDir()).Wrap(err)}
	}
	tmp, err := os.MkdirTemp(i.tmpDir(), "install-*")
	if err != nil {
		return InstallResult{Err: oops.In("installer").Wrap(err)}
	}
	// The temp directory goes away on every exit path: success, validation
	// failure, or error partway through.
	defer func() {
		if rmErr := os.RemoveAll(tmp); rmErr != nil {
			i.logger.Warn("failed to remove install temp directory", "path", tmp, "error", rmErr)
		}
	}()

	data, err := i.resolver.Download(ctx, resolved.URL)
	if err != nil {
		return InstallResult{Err: err}
	}

	extractDir := filepath.Join(tmp, "pkg")
	if err := archive.Extract(data, extractDir); err != nil {
		return InstallResult{Err: err}
	}

	manifest, err := readManifest(extractDir)
	if err != nil {
		return InstallResult{Err: err}
	}

	version := ExtractVersion(resolved.Tag)
	if version == "" {
		version = manifest.Version
	}

	records, err := i.loadRecords()
	if err != nil {
		return InstallResult{Err: err}
	}

	dest := i.InstallPath(manifest.ID)
	// Old-version cleanup happens before the new directory moves into
	// place so the store never holds two copies of one id.
	if err := os.RemoveAll(dest); err != nil {
		return InstallResult{Err: oops.In("installer").With("path", dest).Wrap(err)}
	}
	if err := os.MkdirAll(i.extensionsDir(), 0o750); err != nil {
		return InstallResult{Err: oops.In("installer").With("path", i.extensionsDir()).Wrap(err)}
	}
	if err := os.Rename(extractDir, dest); err != nil {
		return InstallResult{Err: oops.In("installer").With("path", dest).
			Hint("failed to move extension into store").Wrap(err)}
	}

	records[manifest.ID] = Record{
		ID:          manifest.ID,
		Name:        manifest.Name,
		Version:     version,
		Description: manifest.Description,
		Path:        dest,
		Source:      source,
		InstalledAt: i.now().UTC(),
	}
	if err := i.saveRecords(records); err != nil {
		return InstallResult{Err: err}
	}

	return InstallResult{
		Success:     true,
		ExtensionID: manifest.ID,
		Name:        manifest.Name,
		Version:     version,
	}
}

// readManifest requires a package metadata document with the extension
// marker and a valid id at the extraction root.
func readManifest(dir string) (*extension.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, extension.MetaFileName)) //nolint:gosec // path scoped to extraction dir
	if err != nil {
		return nil, oops.In("installer").Code("VALIDATION").
			Errorf("invalid extension: no %s at archive root", extension.MetaFileName)
	}
	meta, err := extension.ParsePackageMeta(data)
	if err != nil {
		return nil, oops.In("installer").Code("VALIDATION").Wrap(err)
	}
	if !meta.IsExtension() {
		return nil, oops.In("installer").Code("VALIDATION").
			Errorf("invalid extension: package does not declare %s", extension.MarkerField)
	}
	manifest, err := meta.ExtensionManifest()
	if err != nil {
		return nil, oops.In("installer").Code("VALIDATION").Wrap(err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, oops.In("installer").Code("VALIDATION").Wrap(err)
	}
	return manifest, nil
}

// Uninstall removes an extension's install directory and registry record.
func (i *Installer) Uninstall(ctx context.Context, id string) error {
	_ = ctx

	records, err := i.loadRecords()
	if err != nil {
		return err
	}
	record, ok := records[id]
	if !ok {
		return oops.In("installer").With("extension", id).Wrap(ErrNotInstalled)
	}

	if err := os.RemoveAll(record.Path); err != nil {
		return oops.In("installer").With("extension", id).With("path", record.Path).Wrap(err)
	}
	delete(records, id)
	if err := i.saveRecords(records); err != nil {
		return err
	}

	i.logger.Info("extension uninstalled", "extension", id)
	return nil
}

// Installed returns the install registry rows, sorted by id.
func (i *Installer) Installed() ([]Record, error) {
	records, err := i.loadRecords()
	if err != nil {
		return nil, err
	}
	rows := make([]Record, 0, len(records))
	for _, r := range records {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].ID < rows[b].ID })
	return rows, nil
}

// CheckForUpdates resolves the latest release of every installed
// extension's recorded source and compares versions. A failing row carries
// its error; the check continues past it.
func (i *Installer) CheckForUpdates(ctx context.Context) ([]UpdateInfo, error) {
	records, err := i.Installed()
	if err != nil {
		return nil, err
	}

	infos := make([]UpdateInfo, 0, len(records))
	for _, record := range records {
		info := UpdateInfo{ID: record.ID, CurrentVersion: record.Version}

		ref, err := release.ParseRef(record.Source)
		if err != nil {
			info.Err = err
			infos = append(infos, info)
			continue
		}

		// Pinned tags stay pinned; everything else re-resolves latest.
		resolved, err := i.resolver.Resolve(ctx, ref, product)
		if err != nil {
			info.Err = err
			infos = append(infos, info)
			continue
		}

		info.LatestVersion = ExtractVersion(resolved.Tag)
		info.HasUpdate = CompareVersions(info.LatestVersion, record.Version) > 0
		infos = append(infos, info)
	}
	return infos, nil
}

// Update reinstalls an extension from its originally recorded source.
func (i *Installer) Update(ctx context.Context, id string) InstallResult {
	records, err := i.loadRecords()
	if err != nil {
		return InstallResult{Err: err}
	}
	record, ok := records[id]
	if !ok {
		return InstallResult{Err: oops.In("installer").With("extension", id).Wrap(ErrNotInstalled)}
	}
	return i.InstallFrom(ctx, record.Source)
}
