// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vokality/ragdoll/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", "/data")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "/data/ragdoll/store", cfg.StoreDir)
	assert.True(t, cfg.Loader.ContinueOnError)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`store_dir: /opt/ragdoll
search_roots:
  - /opt/ragdoll/dev-packages
release:
  api_base: https://git.internal.example/api/v3
  token: secret
logging:
  format: text
  level: debug
metrics:
  enabled: true
  addr: 127.0.0.1:9200
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/ragdoll", cfg.StoreDir)
	assert.Equal(t, []string{"/opt/ragdoll/dev-packages"}, cfg.SearchRoots)
	assert.Equal(t, "https://git.internal.example/api/v3", cfg.Release.APIBase)
	assert.Equal(t, "secret", cfg.Release.Token)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9200", cfg.Metrics.Addr)

	// Keys absent from the file keep their defaults.
	assert.True(t, cfg.Loader.ContinueOnError)
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store_dir: [unclosed"), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}
