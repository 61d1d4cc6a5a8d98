// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package installer_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vokality/ragdoll/internal/archive/archivetest"
	"github.com/vokality/ragdoll/internal/installer"
	"github.com/vokality/ragdoll/internal/release"
)

// fakeResolver serves canned releases and archives keyed by repository.
type fakeResolver struct {
	tags     map[string]string // owner/repo -> latest tag
	archives map[string][]byte // download URL -> archive bytes
	failures map[string]error  // download URL -> forced error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		tags:     map[string]string{},
		archives: map[string][]byte{},
		failures: map[string]error{},
	}
}

func (f *fakeResolver) serve(repo, tag string, data []byte) {
	f.tags[repo] = tag
	f.archives[repo+"@"+tag] = data
}

func (f *fakeResolver) Resolve(_ context.Context, ref release.Ref, _ string) (*release.ResolvedAsset, error) {
	tag := ref.Tag
	if tag == "" {
		latest, ok := f.tags[ref.Repository()]
		if !ok {
			return nil, fmt.Errorf("lookup %s: %w", ref.Repository(), release.ErrNotFound)
		}
		tag = latest
	}
	url := ref.Repository() + "@" + tag
	if _, ok := f.archives[url]; !ok {
		if _, failing := f.failures[url]; !failing {
			return nil, fmt.Errorf("lookup %s: %w", url, release.ErrNotFound)
		}
	}
	return &release.ResolvedAsset{Tag: tag, Name: "ragdoll-ext.tar.gz", URL: url}, nil
}

func (f *fakeResolver) Download(_ context.Context, url string) ([]byte, error) {
	if err, ok := f.failures[url]; ok {
		return nil, err
	}
	data, ok := f.archives[url]
	if !ok {
		return nil, errors.New("download failed with status 404")
	}
	return data, nil
}

func extensionArchive(id, version string, extra map[string]string) []byte {
	files := map[string]string{
		"package.json": fmt.Sprintf(
			`{"name":%q,"version":%q,"description":"test extension","ragdollExtension":true}`,
			id, version),
		"init.lua": "return {}",
	}
	for k, v := range extra {
		files[k] = v
	}
	return archivetest.Build(files)
}

func assertNoTempDirs(t *testing.T, storeDir string) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(storeDir, "tmp"))
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp directories may remain after an install attempt")
}

func TestInstaller_InstallFrom(t *testing.T) {
	store := t.TempDir()
	resolver := newFakeResolver()
	resolver.serve("vokality/ragdoll-clock", "v1.0.0",
		extensionArchive("clock", "1.0.0", map[string]string{"assets/icon.svg": "<svg/>"}))

	inst := installer.New(store, resolver)
	result := inst.InstallFrom(context.Background(), "vokality/ragdoll-clock")
	require.NoError(t, result.Err)
	require.True(t, result.Success)
	assert.Equal(t, "clock", result.ExtensionID)
	assert.Equal(t, "1.0.0", result.Version)

	// Files landed in the store, keyed by id.
	_, err := os.Stat(filepath.Join(inst.InstallPath("clock"), "assets", "icon.svg"))
	assert.NoError(t, err)

	records, err := inst.Installed()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "clock", records[0].ID)
	assert.Equal(t, "vokality/ragdoll-clock", records[0].Source)
	assert.False(t, records[0].InstalledAt.IsZero())

	assertNoTempDirs(t, store)
}

func TestInstaller_ReinstallSameID(t *testing.T) {
	store := t.TempDir()
	resolver := newFakeResolver()
	inst := installer.New(store, resolver)

	resolver.serve("vokality/ragdoll-clock", "v1.0.0",
		extensionArchive("clock", "1.0.0", map[string]string{"old-only.txt": "stale"}))
	result := inst.InstallFrom(context.Background(), "vokality/ragdoll-clock")
	require.NoError(t, result.Err)

	resolver.serve("vokality/ragdoll-clock", "v2.0.0",
		extensionArchive("clock", "2.0.0", map[string]string{"new-only.txt": "fresh"}))
	result = inst.InstallFrom(context.Background(), "vokality/ragdoll-clock")
	require.NoError(t, result.Err)
	assert.Equal(t, "2.0.0", result.Version)

	// Exactly one install directory for the id, holding only v2 files.
	entries, err := os.ReadDir(filepath.Join(store, "extensions"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = os.Stat(filepath.Join(inst.InstallPath("clock"), "old-only.txt"))
	assert.True(t, os.IsNotExist(err), "old version files must be gone")
	_, err = os.Stat(filepath.Join(inst.InstallPath("clock"), "new-only.txt"))
	assert.NoError(t, err)

	records, err := inst.Installed()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "2.0.0", records[0].Version)
}

func TestInstaller_InstallFailuresCleanTempDir(t *testing.T) {
	store := t.TempDir()
	resolver := newFakeResolver()
	inst := installer.New(store, resolver)
	ctx := context.Background()

	// Release lookup failure.
	result := inst.InstallFrom(ctx, "vokality/absent")
	require.Error(t, result.Err)
	assertNoTempDirs(t, store)

	// Download failure.
	resolver.tags["vokality/broken-dl"] = "v1.0.0"
	resolver.failures["vokality/broken-dl@v1.0.0"] = errors.New("connection reset")
	result = inst.InstallFrom(ctx, "vokality/broken-dl")
	require.Error(t, result.Err)
	assertNoTempDirs(t, store)

	// Decode failure: asset is not a gzip archive.
	resolver.serve("vokality/not-archive", "v1.0.0", []byte("plain text"))
	result = inst.InstallFrom(ctx, "vokality/not-archive")
	require.Error(t, result.Err)
	assertNoTempDirs(t, store)

	// Missing manifest.
	resolver.serve("vokality/no-manifest", "v1.0.0",
		archivetest.Build(map[string]string{"init.lua": "return {}"}))
	result = inst.InstallFrom(ctx, "vokality/no-manifest")
	require.Error(t, result.Err)
	assertNoTempDirs(t, store)

	// Manifest without marker.
	resolver.serve("vokality/no-marker", "v1.0.0",
		archivetest.Build(map[string]string{"package.json": `{"name":"x","version":"1.0.0"}`}))
	result = inst.InstallFrom(ctx, "vokality/no-marker")
	require.Error(t, result.Err)
	assertNoTempDirs(t, store)

	// Nothing was ever installed.
	records, err := inst.Installed()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestInstaller_Uninstall(t *testing.T) {
	store := t.TempDir()
	resolver := newFakeResolver()
	resolver.serve("vokality/ragdoll-clock", "v1.0.0", extensionArchive("clock", "1.0.0", nil))

	inst := installer.New(store, resolver)
	ctx := context.Background()
	require.NoError(t, inst.InstallFrom(ctx, "vokality/ragdoll-clock").Err)

	require.NoError(t, inst.Uninstall(ctx, "clock"))

	_, err := os.Stat(inst.InstallPath("clock"))
	assert.True(t, os.IsNotExist(err))

	records, err := inst.Installed()
	require.NoError(t, err)
	assert.Empty(t, records)

	err = inst.Uninstall(ctx, "clock")
	assert.True(t, errors.Is(err, installer.ErrNotInstalled))
}

func TestInstaller_CheckForUpdates(t *testing.T) {
	store := t.TempDir()
	resolver := newFakeResolver()
	inst := installer.New(store, resolver)
	ctx := context.Background()

	resolver.serve("vokality/ragdoll-clock", "v1.0.0", extensionArchive("clock", "1.0.0", nil))
	resolver.serve("vokality/ragdoll-timer", "v3.1.0", extensionArchive("timer", "3.1.0", nil))
	require.NoError(t, inst.InstallFrom(ctx, "vokality/ragdoll-clock").Err)
	require.NoError(t, inst.InstallFrom(ctx, "vokality/ragdoll-timer").Err)

	// Clock gets a newer release; timer stays current.
	resolver.serve("vokality/ragdoll-clock", "v1.1.0", extensionArchive("clock", "1.1.0", nil))

	infos, err := inst.CheckForUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byID := map[string]installer.UpdateInfo{}
	for _, info := range infos {
		byID[info.ID] = info
	}
	assert.True(t, byID["clock"].HasUpdate)
	assert.Equal(t, "1.1.0", byID["clock"].LatestVersion)
	assert.False(t, byID["timer"].HasUpdate)
	assert.Equal(t, "3.1.0", byID["timer"].CurrentVersion)
}

func TestInstaller_Update(t *testing.T) {
	store := t.TempDir()
	resolver := newFakeResolver()
	inst := installer.New(store, resolver)
	ctx := context.Background()

	resolver.serve("vokality/ragdoll-clock", "v1.0.0", extensionArchive("clock", "1.0.0", nil))
	require.NoError(t, inst.InstallFrom(ctx, "vokality/ragdoll-clock").Err)

	resolver.serve("vokality/ragdoll-clock", "v2.0.0", extensionArchive("clock", "2.0.0", nil))
	result := inst.Update(ctx, "clock")
	require.NoError(t, result.Err)
	assert.Equal(t, "2.0.0", result.Version)

	result = inst.Update(ctx, "ghost")
	assert.True(t, errors.Is(result.Err, installer.ErrNotInstalled))
}

func TestInstaller_ManifestOverrideID(t *testing.T) {
	store := t.TempDir()
	resolver := newFakeResolver()
	data := archivetest.Build(map[string]string{
		"package.json": `{"name":"ragdoll-clock-pkg","version":"1.0.0","ragdollExtension":{"id":"clock","name":"Clock"}}`,
		"init.lua":     "return {}",
	})
	resolver.serve("vokality/ragdoll-clock", "v1.0.0", data)

	inst := installer.New(store, resolver)
	result := inst.InstallFrom(context.Background(), "vokality/ragdoll-clock")
	require.NoError(t, result.Err)
	assert.Equal(t, "clock", result.ExtensionID, "store is keyed by manifest id, not package name")
	_, err := os.Stat(inst.InstallPath("clock"))
	assert.NoError(t, err)
}
