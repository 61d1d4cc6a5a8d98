// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package installer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
)

// registryFileName is the install registry document inside the store.
const registryFileName = "installed.json"

// Record is one persisted install registry row. One record per extension
// id: created on install, overwritten on update, removed on uninstall.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	Path        string    `json:"path"`
	Source      string    `json:"source"`
	InstalledAt time.Time `json:"installedAt"`
}

// loadRecords reads the install registry. A missing file is an empty
// registry, not an error.
func (i *Installer) loadRecords() (map[string]Record, error) {
	data, err := os.ReadFile(i.registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Record{}, nil
		}
		return nil, oops.In("installer").With("path", i.registryPath()).Wrap(err)
	}

	records := map[string]Record{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, oops.In("installer").With("path", i.registryPath()).
			Hint("corrupt install registry").Wrap(err)
	}
	return records, nil
}

// saveRecords writes the install registry back.
func (i *Installer) saveRecords(records map[string]Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return oops.In("installer").Wrap(err)
	}
	if err := os.MkdirAll(i.storeDir, 0o750); err != nil {
		return oops.In("installer").With("path", i.storeDir).Wrap(err)
	}
	if err := os.WriteFile(i.registryPath(), data, 0o600); err != nil {
		return oops.In("installer").With("path", i.registryPath()).Wrap(err)
	}
	return nil
}

func (i *Installer) registryPath() string {
	return filepath.Join(i.storeDir, registryFileName)
}
