// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

// Package hostenv builds the capability-scoped host environments handed to
// extensions at registration time: namespaced storage, notifications, a
// publish/subscribe bus, and per-extension data directories.
package hostenv

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"

	"github.com/vokality/ragdoll/internal/extension"
)

// FileStore is JSON-file-backed key-value storage, one document per
// namespace. Namespaces are extension ids; an extension only ever receives
// a view onto its own namespace.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Namespace returns the storage view for one extension id.
func (s *FileStore) Namespace(id string) extension.Storage {
	return &namespaceView{store: s, namespace: id}
}

func (s *FileStore) path(namespace string) string {
	return filepath.Join(s.dir, namespace+".json")
}

func (s *FileStore) load(namespace string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path(namespace)) //nolint:gosec // namespace is a validated extension id
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, oops.In("hostenv").With("namespace", namespace).Wrap(err)
	}
	values := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, oops.In("hostenv").With("namespace", namespace).
			Hint("corrupt storage document").Wrap(err)
	}
	return values, nil
}

func (s *FileStore) save(namespace string, values map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return oops.In("hostenv").With("namespace", namespace).Wrap(err)
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return oops.In("hostenv").With("path", s.dir).Wrap(err)
	}
	if err := os.WriteFile(s.path(namespace), data, 0o600); err != nil {
		return oops.In("hostenv").With("namespace", namespace).Wrap(err)
	}
	return nil
}

// namespaceView scopes FileStore operations to one namespace.
type namespaceView struct {
	store     *FileStore
	namespace string
}

// Get returns the stored value for key, nil when absent.
func (v *namespaceView) Get(_ context.Context, key string) ([]byte, error) {
	v.store.mu.Lock()
	defer v.store.mu.Unlock()

	values, err := v.store.load(v.namespace)
	if err != nil {
		return nil, err
	}
	raw, ok := values[key]
	if !ok {
		return nil, nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, oops.In("hostenv").With("namespace", v.namespace).With("key", key).Wrap(err)
	}
	return []byte(value), nil
}

// Set stores a value under key.
func (v *namespaceView) Set(_ context.Context, key string, value []byte) error {
	v.store.mu.Lock()
	defer v.store.mu.Unlock()

	values, err := v.store.load(v.namespace)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(string(value))
	if err != nil {
		return oops.In("hostenv").With("namespace", v.namespace).With("key", key).Wrap(err)
	}
	values[key] = raw
	return v.store.save(v.namespace, values)
}

// Delete removes key. Deleting an absent key is a no-op.
func (v *namespaceView) Delete(_ context.Context, key string) error {
	v.store.mu.Lock()
	defer v.store.mu.Unlock()

	values, err := v.store.load(v.namespace)
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return v.store.save(v.namespace, values)
}
