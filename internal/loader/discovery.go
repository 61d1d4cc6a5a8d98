// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

// Package loader discovers extension packages on disk and drives them
// through the Lua runtime into the capability registry.
package loader

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/vokality/ragdoll/internal/extension"
)

// dependencyRootNames are directory basenames treated as dependency roots:
// their children (and @scope grandchildren) are candidate packages rather
// than the directory itself.
var dependencyRootNames = map[string]bool{
	"packages":     true,
	"node_modules": true,
}

// PackageInfo is what discovery learned about one candidate directory.
// It is recorded whether or not the package later loads successfully.
type PackageInfo struct {
	Dir      string
	Meta     *extension.PackageMeta
	Manifest *extension.Manifest
	Entry    string
}

// Discover walks the given roots and returns every valid extension
// package found, deduplicated by extension id (first occurrence wins).
//
// A root whose basename is a dependency root name contributes its child
// directories; children named like @scope expand one level further. Any
// other root contributes its children directly. Directories without the
// package marker, or with invalid metadata, are skipped silently: search
// roots routinely hold unrelated packages.
func Discover(roots []string, logger *slog.Logger) []*PackageInfo {
	if logger == nil {
		logger = slog.Default()
	}

	var found []*PackageInfo
	seen := map[string]bool{}

	for _, root := range roots {
		for _, dir := range candidateDirs(root) {
			info, ok := inspect(dir)
			if !ok {
				continue
			}
			if seen[info.Manifest.ID] {
				logger.Debug("skipping duplicate extension package",
					"extension", info.Manifest.ID, "path", dir)
				continue
			}
			seen[info.Manifest.ID] = true
			found = append(found, info)
		}
	}
	return found
}

// candidateDirs expands one search root into candidate package dirs.
func candidateDirs(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	expandScopes := dependencyRootNames[filepath.Base(root)]

	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		child := filepath.Join(root, name)

		if expandScopes && strings.HasPrefix(name, "@") {
			scoped, err := os.ReadDir(child)
			if err != nil {
				continue
			}
			for _, s := range scoped {
				if s.IsDir() {
					dirs = append(dirs, filepath.Join(child, s.Name()))
				}
			}
			continue
		}
		dirs = append(dirs, child)
	}
	return dirs
}

// inspect reads a candidate directory's metadata. The directory is a
// package only when the metadata parses, carries the extension marker,
// and yields a valid manifest.
func inspect(dir string) (*PackageInfo, bool) {
	data, err := os.ReadFile(filepath.Join(dir, extension.MetaFileName)) //nolint:gosec // dir comes from configured search roots
	if err != nil {
		return nil, false
	}
	meta, err := extension.ParsePackageMeta(data)
	if err != nil || !meta.IsExtension() {
		return nil, false
	}
	manifest, err := meta.ExtensionManifest()
	if err != nil {
		return nil, false
	}
	if err := manifest.Validate(); err != nil {
		return nil, false
	}
	return &PackageInfo{
		Dir:      dir,
		Meta:     meta,
		Manifest: manifest,
		Entry:    meta.EntryPoint(),
	}, true
}
