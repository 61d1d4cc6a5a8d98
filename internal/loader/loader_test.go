// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package loader_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vokality/ragdoll/internal/extension"
	"github.com/vokality/ragdoll/internal/hostenv"
	"github.com/vokality/ragdoll/internal/loader"
	"github.com/vokality/ragdoll/internal/luart"
)

func validLua(id string) string {
	return `return {
	manifest = { id = "` + id + `", name = "` + id + `", version = "1.0.0" },
	activate = function() end,
	tools = {
		{ name = "` + id + `.ping", handler = function() return "pong", nil end },
	},
}`
}

func writePackage(t *testing.T, dir, id, meta, code string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(meta), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "init.lua"), []byte(code), 0o600))
	return dir
}

func simplePackage(t *testing.T, root, id string) string {
	t.Helper()
	meta := `{"name":"` + id + `","version":"1.0.0","ragdollExtension":true}`
	return writePackage(t, filepath.Join(root, id), id, meta, validLua(id))
}

func newLoader(t *testing.T) (*loader.Loader, *extension.Registry) {
	t.Helper()
	registry := extension.NewRegistry()
	t.Cleanup(func() { registry.Destroy(context.Background()) })

	envs := hostenv.NewEnvironments(t.TempDir())
	l, err := loader.New(luart.NewRuntime(), registry, envs)
	require.NoError(t, err)
	return l, registry
}

func TestNew_RequiresCollaborators(t *testing.T) {
	registry := extension.NewRegistry()
	defer registry.Destroy(context.Background())
	envs := hostenv.NewEnvironments(t.TempDir())
	rt := luart.NewRuntime()

	_, err := loader.New(nil, registry, envs)
	assert.Error(t, err)
	_, err = loader.New(rt, nil, envs)
	assert.Error(t, err)
	_, err = loader.New(rt, registry, nil)
	assert.Error(t, err, "a loader must have somewhere to resolve host environments from")
}

func TestDiscover_Roots(t *testing.T) {
	flat := t.TempDir()
	simplePackage(t, flat, "alpha")

	deps := filepath.Join(t.TempDir(), "node_modules")
	simplePackage(t, deps, "beta")
	writePackage(t, filepath.Join(deps, "@vokality", "gamma"), "gamma",
		`{"name":"gamma","version":"1.0.0","ragdollExtension":true}`, validLua("gamma"))

	// Noise that must be skipped silently: a plain package without the
	// marker, a directory without metadata, and a file.
	writePackage(t, filepath.Join(flat, "library"), "library",
		`{"name":"library","version":"1.0.0"}`, "return {}")
	require.NoError(t, os.MkdirAll(filepath.Join(flat, "empty"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(flat, "README.md"), []byte("hi"), 0o600))

	infos := loader.Discover([]string{flat, deps, "/does/not/exist"}, nil)

	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.Manifest.ID)
	}
	assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, ids)
}

func TestDiscover_DeduplicatesByID(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	simplePackage(t, first, "alpha")
	simplePackage(t, second, "alpha")

	infos := loader.Discover([]string{first, second}, nil)
	require.Len(t, infos, 1)
	assert.Equal(t, filepath.Join(first, "alpha"), infos[0].Dir, "first occurrence wins")
}

func TestLoadPackage(t *testing.T) {
	root := t.TempDir()
	dir := simplePackage(t, root, "alpha")

	l, registry := newLoader(t)
	result := l.LoadPackage(context.Background(), dir, nil)
	require.NoError(t, result.Err)
	require.True(t, result.Success)
	assert.Equal(t, "alpha", result.ExtensionID)

	assert.True(t, registry.HasTool("alpha.ping"))
	res := registry.ExecuteTool(context.Background(), "alpha.ping", nil)
	require.True(t, res.Success)
	assert.Equal(t, "pong", res.Data)
}

func TestLoadPackage_Idempotent(t *testing.T) {
	root := t.TempDir()
	dir := simplePackage(t, root, "alpha")

	l, registry := newLoader(t)
	require.True(t, l.LoadPackage(context.Background(), dir, nil).Success)
	again := l.LoadPackage(context.Background(), dir, nil)
	require.NoError(t, again.Err)
	assert.True(t, again.Success)

	assert.Len(t, registry.Extensions(), 1)
}

func TestLoadPackage_MetadataIDWins(t *testing.T) {
	// The code's manifest says "inner"; the package metadata overrides the
	// id to "outer". Everything keys by the metadata id.
	meta := `{"name":"pkg","version":"1.0.0","ragdollExtension":{"id":"outer","name":"Outer"}}`
	dir := writePackage(t, filepath.Join(t.TempDir(), "pkg"), "outer", meta, `return {
	manifest = { id = "inner", name = "Inner", version = "1.0.0" },
	activate = function() end,
}`)

	l, registry := newLoader(t)
	result := l.LoadPackage(context.Background(), dir, nil)
	require.NoError(t, result.Err)
	assert.Equal(t, "outer", result.ExtensionID)
	assert.Equal(t, []string{"outer"}, registry.Extensions())
}

func TestLoadPackage_RecordsInfoOnFailure(t *testing.T) {
	meta := `{"name":"broken","version":"1.0.0","ragdollExtension":true}`
	dir := writePackage(t, filepath.Join(t.TempDir(), "broken"), "broken", meta, `return {{{`)

	l, _ := newLoader(t)
	result := l.LoadPackage(context.Background(), dir, nil)
	require.Error(t, result.Err)
	assert.False(t, result.Success)

	// Discovery info is still available for diagnostics.
	info, ok := l.PackageInfo(dir)
	require.True(t, ok)
	assert.Equal(t, "broken", info.Manifest.ID)
	assert.Equal(t, "init.lua", info.Entry)
}

func TestDiscoverAndLoad_ContinuesPastFailures(t *testing.T) {
	root := t.TempDir()
	simplePackage(t, root, "alpha")
	writePackage(t, filepath.Join(root, "broken"), "broken",
		`{"name":"broken","version":"1.0.0","ragdollExtension":true}`, `error("boom")`)
	simplePackage(t, root, "gamma")

	l, registry := newLoader(t)
	results := l.DiscoverAndLoad(context.Background(), []string{root}, true)
	require.Len(t, results, 3)

	var failed, succeeded int
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, failed)

	// The packages after the failure still registered.
	assert.ElementsMatch(t, []string{"alpha", "gamma"}, registry.Extensions())
}

func TestDiscoverAndLoad_StopsAtFirstFailure(t *testing.T) {
	root := t.TempDir()
	simplePackage(t, root, "alpha")
	writePackage(t, filepath.Join(root, "broken"), "broken",
		`{"name":"broken","version":"1.0.0","ragdollExtension":true}`, `error("boom")`)
	simplePackage(t, root, "gamma")

	l, registry := newLoader(t)
	results := l.DiscoverAndLoad(context.Background(), []string{root}, false)

	// Discovery walks directories in name order: alpha loads, broken
	// fails, and gamma is never attempted.
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	require.Error(t, results[1].Err)
	assert.Equal(t, []string{"alpha"}, registry.Extensions())
}

func TestLoadPackage_ConfigMerging(t *testing.T) {
	// The manifest's config defaults reach a factory export, and caller
	// config overrides them field by field.
	meta := `{"name":"greeter","version":"1.0.0","ragdollExtension":{
		"id":"greeter",
		"configSchema":{
			"greeting":{"type":"string","default":"hello"},
			"punct":{"type":"string","default":"!"}
		}
	}}`
	code := `function create_extension(config)
		local line = config.greeting .. config.punct
		return {
			manifest = { id = "greeter", name = "Greeter", version = "1.0.0" },
			activate = function() end,
			tools = {
				{ name = "greeter.line", handler = function() return line, nil end },
			},
		}
	end`

	line := func(t *testing.T, config map[string]any) any {
		t.Helper()
		dir := writePackage(t, filepath.Join(t.TempDir(), "greeter"), "greeter", meta, code)
		l, registry := newLoader(t)
		require.True(t, l.LoadPackage(context.Background(), dir, config).Success)
		res := registry.ExecuteTool(context.Background(), "greeter.line", nil)
		require.True(t, res.Success)
		return res.Data
	}

	assert.Equal(t, "hello!", line(t, nil), "defaults alone")
	assert.Equal(t, "hej!", line(t, map[string]any{"greeting": "hej"}),
		"caller config wins, untouched defaults survive")
}

func TestUnloadAndReload(t *testing.T) {
	root := t.TempDir()
	dir := simplePackage(t, root, "alpha")

	l, registry := newLoader(t)
	ctx := context.Background()
	require.True(t, l.LoadPackage(ctx, dir, nil).Success)

	require.True(t, l.UnloadPackage(ctx, "alpha"))
	assert.Empty(t, registry.Extensions())
	assert.False(t, registry.HasTool("alpha.ping"))
	assert.False(t, l.UnloadPackage(ctx, "alpha"), "second unload reports not loaded")

	// Load again, then reload after the code changes.
	require.True(t, l.LoadPackage(ctx, dir, nil).Success)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "init.lua"), []byte(`return {
	manifest = { id = "alpha", name = "alpha", version = "2.0.0" },
	activate = function() end,
	tools = {
		{ name = "alpha.pong", handler = function() return "ping", nil end },
	},
}`), 0o600))

	result := l.ReloadPackage(ctx, "alpha", nil)
	require.NoError(t, result.Err)
	assert.False(t, registry.HasTool("alpha.ping"))
	assert.True(t, registry.HasTool("alpha.pong"))

	m, ok := registry.ManifestFor("alpha")
	require.True(t, ok)
	assert.Equal(t, "2.0.0", m.Version)

	result = l.ReloadPackage(ctx, "ghost", nil)
	assert.Error(t, result.Err, "reload of an id with no known package fails")
}

func TestReloadPackage_AfterUnload(t *testing.T) {
	// Reload is unload-then-load even when the unload half is a no-op:
	// once a package directory is known for the id, reload brings the
	// extension back.
	root := t.TempDir()
	dir := simplePackage(t, root, "alpha")

	l, registry := newLoader(t)
	ctx := context.Background()
	require.True(t, l.LoadPackage(ctx, dir, nil).Success)
	require.True(t, l.UnloadPackage(ctx, "alpha"))
	require.Empty(t, registry.Extensions())

	result := l.ReloadPackage(ctx, "alpha", nil)
	require.NoError(t, result.Err)
	assert.True(t, result.Success)
	assert.Equal(t, "alpha", result.ExtensionID)
	assert.True(t, registry.HasTool("alpha.ping"))
}

func TestLoadPackage_NotAPackage(t *testing.T) {
	l, _ := newLoader(t)
	result := l.LoadPackage(context.Background(), t.TempDir(), nil)
	require.Error(t, result.Err)
	assert.False(t, result.Success)
}
