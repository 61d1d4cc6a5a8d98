// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

// Package bootstrap drives first-run setup: installing a curated set of
// extensions sequentially and recording completion so later starts skip
// the whole phase.
package bootstrap

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/vokality/ragdoll/internal/installer"
)

// markerFileName records completed setup inside the data directory.
const markerFileName = "setup-complete.json"

// State is one setup item's position in the install lifecycle.
type State string

// Setup item states.
const (
	StatePending    State = "pending"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateFailed     State = "failed"
)

// Item is one extension to install during setup.
type Item struct {
	ID     string `yaml:"id" json:"id"`
	Source string `yaml:"source" json:"source"`
}

// LoadItems reads a YAML setup list.
func LoadItems(path string) ([]Item, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.In("bootstrap").With("path", path).Wrap(err)
	}
	var doc struct {
		Extensions []Item `yaml:"extensions"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, oops.In("bootstrap").With("path", path).Hint("invalid setup list").Wrap(err)
	}
	return doc.Extensions, nil
}

// ItemStatus is one item's current state.
type ItemStatus struct {
	Item
	State State
	Err   error
}

// Status is a point-in-time view of setup.
type Status struct {
	// IsComplete is true only when every item installed and the marker
	// was written. A run with failures is never complete.
	IsComplete bool
	// Progress is the percentage of items installed, 0 to 100.
	Progress int
	// CurrentOperation names the item being installed, empty when idle.
	CurrentOperation string
	Items            []ItemStatus
}

// ExtInstaller is the installing surface setup depends on.
type ExtInstaller interface {
	InstallFrom(ctx context.Context, source string) installer.InstallResult
}

// Bootstrapper installs the setup items one at a time. A second RunSetup
// retries only items that have not installed yet, so a flaky network run
// converges instead of reinstalling everything.
type Bootstrapper struct {
	items      []Item
	installer  ExtInstaller
	markerPath string
	logger     *slog.Logger
	progressFn func(Status)

	states  map[string]State
	errs    map[string]error
	current string
}

// Option configures the Bootstrapper.
type Option func(*Bootstrapper)

// WithProgress registers a callback invoked on every state change.
func WithProgress(fn func(Status)) Option {
	return func(b *Bootstrapper) {
		b.progressFn = fn
	}
}

// WithLogger overrides the bootstrap logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bootstrapper) {
		b.logger = logger
	}
}

// New creates a bootstrapper. The marker lives under dataDir.
func New(dataDir string, items []Item, inst ExtInstaller, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		items:      items,
		installer:  inst,
		markerPath: filepath.Join(dataDir, markerFileName),
		logger:     slog.Default(),
		states:     map[string]State{},
		errs:       map[string]error{},
	}
	for _, item := range items {
		b.states[item.ID] = StatePending
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NeedsSetup reports whether setup has never completed.
func (b *Bootstrapper) NeedsSetup() bool {
	_, err := os.Stat(b.markerPath)
	return os.IsNotExist(err)
}

// Status returns the current setup view.
func (b *Bootstrapper) Status() Status {
	installed := 0
	items := make([]ItemStatus, 0, len(b.items))
	for _, item := range b.items {
		state := b.states[item.ID]
		if state == StateInstalled {
			installed++
		}
		items = append(items, ItemStatus{Item: item, State: state, Err: b.errs[item.ID]})
	}

	complete := !b.NeedsSetup()
	progress := 100
	if len(b.items) > 0 && !complete {
		progress = int(math.Round(100 * float64(installed) / float64(len(b.items))))
	}

	return Status{
		IsComplete:       complete,
		Progress:         progress,
		CurrentOperation: b.current,
		Items:            items,
	}
}

// RunSetup installs every item not yet installed, sequentially and in
// list order. Items that fail stay failed and the run continues; the
// completion marker is written only when every item has installed. The
// returned status reflects the end of the run.
func (b *Bootstrapper) RunSetup(ctx context.Context) (Status, error) {
	if !b.NeedsSetup() {
		return b.Status(), nil
	}

	for _, item := range b.items {
		if b.states[item.ID] == StateInstalled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return b.Status(), oops.In("bootstrap").Wrap(err)
		}

		b.setState(item.ID, StateInstalling, nil)

		result := b.installer.InstallFrom(ctx, item.Source)
		if result.Err != nil {
			b.logger.Warn("setup item failed",
				"extension", item.ID, "source", item.Source, "error", result.Err)
			b.setState(item.ID, StateFailed, result.Err)
			continue
		}
		b.setState(item.ID, StateInstalled, nil)
	}

	status := b.finish()
	return status, nil
}

// setState records a transition and notifies the progress callback.
func (b *Bootstrapper) setState(id string, state State, err error) {
	b.states[id] = state
	b.errs[id] = err
	if state == StateInstalling {
		b.current = id
	} else {
		b.current = ""
	}
	if b.progressFn != nil {
		b.progressFn(b.Status())
	}
}

// finish writes the completion marker when nothing is left to install.
func (b *Bootstrapper) finish() Status {
	for _, item := range b.items {
		if b.states[item.ID] != StateInstalled {
			return b.Status()
		}
	}

	marker := struct {
		CompletedAt time.Time `json:"completedAt"`
		Items       []Item    `json:"items"`
	}{
		CompletedAt: time.Now().UTC(),
		Items:       b.items,
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		b.logger.Error("failed to encode setup marker", "error", err)
		return b.Status()
	}
	if err := os.MkdirAll(filepath.Dir(b.markerPath), 0o750); err != nil {
		b.logger.Error("failed to create data directory", "error", err)
		return b.Status()
	}
	if err := os.WriteFile(b.markerPath, data, 0o600); err != nil {
		b.logger.Error("failed to write setup marker", "path", b.markerPath, "error", err)
	}

	b.logger.Info("setup complete", "items", len(b.items))
	return b.Status()
}
