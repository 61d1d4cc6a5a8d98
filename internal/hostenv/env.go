// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package hostenv

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/vokality/ragdoll/internal/extension"
)

// Environments resolves a host environment per extension manifest. All
// extensions share the bus and notifier; storage namespaces and data
// directories are private per id.
type Environments struct {
	store           *FileStore
	bus             *MemoryBus
	notifier        extension.Notifier
	logger          *slog.Logger
	dataRoot        string
	schedulePersist func()
}

// EnvOption configures Environments.
type EnvOption func(*Environments)

// WithNotifier replaces the default log-backed notifier.
func WithNotifier(n extension.Notifier) EnvOption {
	return func(e *Environments) {
		e.notifier = n
	}
}

// WithEnvLogger sets the base logger for per-extension loggers.
func WithEnvLogger(logger *slog.Logger) EnvOption {
	return func(e *Environments) {
		e.logger = logger
	}
}

// WithSchedulePersist sets the persistence hint callback handed to every
// extension environment.
func WithSchedulePersist(fn func()) EnvOption {
	return func(e *Environments) {
		e.schedulePersist = fn
	}
}

// NewEnvironments creates an environment resolver rooted at dataRoot.
// Storage documents live under dataRoot/storage, extension data directories
// under dataRoot/data/<id>.
func NewEnvironments(dataRoot string, opts ...EnvOption) *Environments {
	e := &Environments{
		store:           NewFileStore(filepath.Join(dataRoot, "storage")),
		bus:             NewMemoryBus(),
		logger:          slog.Default(),
		dataRoot:        dataRoot,
		schedulePersist: func() {},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = NewLogNotifier(e.logger)
	}
	return e
}

// Bus returns the shared bus, for host-side subscriptions.
func (e *Environments) Bus() *MemoryBus {
	return e.bus
}

// ResolveHost implements extension.HostResolver.
func (e *Environments) ResolveHost(m *extension.Manifest) (*extension.HostEnvironment, error) {
	if m == nil || m.ID == "" {
		return nil, oops.In("hostenv").Code("VALIDATION").Errorf("manifest with id required")
	}

	dataDir := filepath.Join(e.dataRoot, "data", m.ID)
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, oops.In("hostenv").With("extension", m.ID).With("path", dataDir).Wrap(err)
	}

	return &extension.HostEnvironment{
		Storage:         e.store.Namespace(m.ID),
		Notifier:        e.notifier,
		Logger:          e.logger.With("extension", m.ID),
		Bus:             e.bus,
		DataDir:         dataDir,
		SchedulePersist: e.schedulePersist,
	}, nil
}

var _ extension.HostResolver = (*Environments)(nil)
