// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

// Package config loads the host configuration file.
package config

import (
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"

	"github.com/vokality/ragdoll/internal/xdg"
)

// FileName is the config document under the XDG config directory.
const FileName = "config.yaml"

// Config is the host configuration. Zero values fall back to Default().
type Config struct {
	// StoreDir is where installed extensions and the install registry
	// live.
	StoreDir string `koanf:"store_dir"`
	// SearchRoots are extra directories scanned for extension packages,
	// on top of the store's own extensions directory.
	SearchRoots []string `koanf:"search_roots"`
	// SetupFile is the YAML list of extensions installed on first run.
	SetupFile string `koanf:"setup_file"`

	Release Release `koanf:"release"`
	Loader  Loader  `koanf:"loader"`
	Logging Logging `koanf:"logging"`
	Metrics Metrics `koanf:"metrics"`
}

// Release configures the release registry client.
type Release struct {
	APIBase      string `koanf:"api_base"`
	DownloadBase string `koanf:"download_base"`
	// Token authenticates API requests; optional, raises rate limits.
	Token string `koanf:"token"`
}

// Loader configures package loading.
type Loader struct {
	// ContinueOnError keeps loading remaining packages when one fails.
	ContinueOnError bool `koanf:"continue_on_error"`
}

// Logging configures the structured logger.
type Logging struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// Metrics configures the observability endpoint.
type Metrics struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		StoreDir:  filepath.Join(xdg.DataDir(), "store"),
		SetupFile: filepath.Join(xdg.ConfigDir(), "setup.yaml"),
		Loader:    Loader{ContinueOnError: true},
		Logging:   Logging{Format: "json", Level: "info"},
		Metrics:   Metrics{Enabled: false, Addr: "127.0.0.1:9102"},
	}
}

// Load reads a YAML config file over the defaults. An empty path loads
// the default location; a missing file at the default location is fine,
// a missing explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(xdg.ConfigDir(), FileName)
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, oops.In("config").With("path", path).Wrap(err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return cfg, oops.In("config").With("path", path).Hint("invalid config file").Wrap(err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, oops.In("config").With("path", path).Wrap(err)
	}
	return cfg, nil
}
