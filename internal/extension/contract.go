// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package extension

import (
	"context"
	"log/slog"
	"sync"
)

// ToolHandler executes one tool invocation with already-validated arguments.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a named, schema-validated operation an extension exposes for
// invocation by the host.
type Tool struct {
	Name        string
	Description string
	// Schema is a JSON Schema for the tool's arguments. Nil means the tool
	// accepts any arguments.
	Schema  map[string]any
	Handler ToolHandler
}

// ToolResult is the outcome of executing a tool. Unknown tools and handler
// failures are results, never panics.
type ToolResult struct {
	Success bool
	Data    any
	Error   string
}

// SlotState is the mutable state container behind one UI slot contribution.
type SlotState struct {
	mu    sync.RWMutex
	value any
}

// NewSlotState creates a slot state container with an initial value.
func NewSlotState(initial any) *SlotState {
	return &SlotState{value: initial}
}

// Get returns the current slot state.
func (s *SlotState) Get() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Set replaces the slot state.
func (s *SlotState) Set(value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
}

// Slot is a UI contribution point an extension uses to request host-rendered
// UI without owning rendering itself.
type Slot struct {
	ID       string
	Label    string
	Icon     string
	Priority int
	State    *SlotState
}

// StateChannel is a named, subscribable piece of extension-owned state the
// host can observe without polling.
type StateChannel struct {
	ID       string
	GetState func() any
	// Subscribe registers an observer and returns its unsubscribe func.
	Subscribe func(fn func(any)) (unsubscribe func())
}

// Extension is the contract a loaded extension presents to the registry.
type Extension interface {
	Manifest() *Manifest
	Activate(ctx context.Context, host *HostEnvironment, config map[string]any) error
	Deactivate(ctx context.Context) error
	Tools() []Tool
	Slots() []Slot
	StateChannels() []StateChannel
}

// Storage is key-value storage namespaced to exactly one extension id.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Notifier emits user-facing notifications on an extension's behalf.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// Bus is the IPC-like publish/subscribe surface handed to extensions.
type Bus interface {
	Publish(topic string, payload any)
	Subscribe(topic string, fn func(payload any)) (unsubscribe func())
}

// HostEnvironment is the capability-scoped set of services injected into
// exactly one extension at registration time. The storage namespace and
// data directory are keyed by extension id; an extension cannot reach
// another extension's namespace through its environment.
type HostEnvironment struct {
	Storage  Storage
	Notifier Notifier
	Logger   *slog.Logger
	Bus      Bus
	// DataDir is this extension's private data directory.
	DataDir string
	// SchedulePersist hints the host that extension state changed and
	// should be flushed soon.
	SchedulePersist func()
}

// HostResolver produces a host environment for one manifest. The loader
// resolves an environment per extension; a shared environment is modeled
// as a resolver that ignores the manifest.
type HostResolver interface {
	ResolveHost(m *Manifest) (*HostEnvironment, error)
}

// HostResolverFunc adapts a function to HostResolver.
type HostResolverFunc func(m *Manifest) (*HostEnvironment, error)

// ResolveHost implements HostResolver.
func (f HostResolverFunc) ResolveHost(m *Manifest) (*HostEnvironment, error) {
	return f(m)
}

// StaticHost returns a resolver that hands every extension the same
// environment.
func StaticHost(env *HostEnvironment) HostResolver {
	return HostResolverFunc(func(*Manifest) (*HostEnvironment, error) {
		return env, nil
	})
}
