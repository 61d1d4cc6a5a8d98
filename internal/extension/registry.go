// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package extension

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vokality/ragdoll/internal/extension/capability"
	"github.com/vokality/ragdoll/internal/observability"
)

// EventType classifies registry events.
type EventType string

// Registry event types.
const (
	EventExtensionRegistered   EventType = "extension.registered"
	EventExtensionUnregistered EventType = "extension.unregistered"
	EventCapabilityRegistered  EventType = "capability.registered"
)

// CapabilityKind names the kind of contribution a capability event carries.
type CapabilityKind string

// Contribution kinds.
const (
	KindTool         CapabilityKind = "tool"
	KindSlot         CapabilityKind = "slot"
	KindStateChannel CapabilityKind = "stateChannel"
)

// Event describes a registry mutation.
type Event struct {
	Type        EventType
	ExtensionID string
	Kind        CapabilityKind
	Name        string
	// Tools/Slots/Channels carry contribution counts on extension-level
	// events.
	Tools    int
	Slots    int
	Channels int
}

// RegisterOptions carries the per-extension context for registration.
type RegisterOptions struct {
	// Host is the capability-scoped environment handed to the extension's
	// activation hook. Required.
	Host *HostEnvironment
	// Config is the merged extension configuration.
	Config map[string]any
}

// toolBinding ties a registered tool name to its owning extension and its
// compiled argument schema.
type toolBinding struct {
	extensionID string
	tool        Tool
	compiled    *jschema.Schema
}

// registration is the registry's record of one loaded extension.
type registration struct {
	ext      Extension
	manifest *Manifest
	tools    []Tool
	slots    []Slot
	channels []StateChannel
}

// Registry owns the live set of loaded extensions and their contributed
// tools, UI slots, and state channels. Registration and unregistration are
// expected from a single extension-management context; tool execution may
// happen concurrently from many callers.
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]*registration
	tools          map[string]toolBinding
	slots          map[string]Slot
	channels       map[string]StateChannel
	toolListeners  map[string]func()
	eventListeners map[string]func(Event)
	enforcer       *capability.Enforcer
	logger         *slog.Logger
	destroyed      bool
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithEnforcer wires a capability enforcer; each registered extension's
// required capabilities become its grants for the lifetime of the
// registration.
func WithEnforcer(e *capability.Enforcer) RegistryOption {
	return func(r *Registry) {
		r.enforcer = e
	}
}

// WithLogger overrides the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty capability registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:        make(map[string]*registration),
		tools:          make(map[string]toolBinding),
		slots:          make(map[string]Slot),
		channels:       make(map[string]StateChannel),
		toolListeners:  make(map[string]func()),
		eventListeners: make(map[string]func(Event)),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates and stores an extension's contributions, activates the
// extension against its host environment, and emits registration events.
// Validation failures reject the extension atomically: no tools, slots,
// channels, or grants are left behind.
func (r *Registry) Register(ctx context.Context, ext Extension, opts RegisterOptions) error {
	manifest := ext.Manifest()
	if manifest == nil {
		return oops.In("registry").New("extension has no manifest")
	}
	if err := manifest.Validate(); err != nil {
		return oops.In("registry").With("extension", manifest.ID).Wrap(err)
	}
	if opts.Host == nil {
		return oops.In("registry").With("extension", manifest.ID).
			New("no host environment resolved for extension")
	}

	tools := ext.Tools()
	compiled := make([]*jschema.Schema, len(tools))
	seen := make(map[string]bool, len(tools))
	for i, tool := range tools {
		if tool.Name == "" {
			return oops.In("registry").With("extension", manifest.ID).
				New("tool with empty name")
		}
		if seen[tool.Name] {
			return r.collision(manifest.ID, tool.Name)
		}
		seen[tool.Name] = true

		sch, err := CompileToolSchema(tool)
		if err != nil {
			return oops.In("registry").With("extension", manifest.ID).Wrap(err)
		}
		compiled[i] = sch
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return oops.In("registry").New("registry destroyed")
	}
	if _, exists := r.entries[manifest.ID]; exists {
		r.mu.Unlock()
		return oops.In("registry").With("extension", manifest.ID).
			Code("ALREADY_REGISTERED").Errorf("extension %s already registered", manifest.ID)
	}
	for _, tool := range tools {
		if _, exists := r.tools[tool.Name]; exists {
			r.mu.Unlock()
			return r.collision(manifest.ID, tool.Name)
		}
	}
	r.mu.Unlock()

	grants := make([]string, 0, len(manifest.Capabilities)+len(manifest.RequiredCapabilities))
	grants = append(grants, manifest.Capabilities...)
	grants = append(grants, manifest.RequiredCapabilities...)
	if r.enforcer != nil && len(grants) > 0 {
		if err := r.enforcer.SetGrants(manifest.ID, grants); err != nil {
			return oops.In("registry").With("extension", manifest.ID).Wrap(err)
		}
	}

	if err := ext.Activate(ctx, opts.Host, opts.Config); err != nil {
		if r.enforcer != nil {
			r.enforcer.RemoveGrants(manifest.ID)
		}
		return oops.In("registry").With("extension", manifest.ID).
			Code("ACTIVATION_FAILED").Wrap(err)
	}

	slots := ext.Slots()
	channels := ext.StateChannels()

	r.mu.Lock()
	// Re-check collisions: another registration may have landed while the
	// extension activated.
	for _, tool := range tools {
		if _, exists := r.tools[tool.Name]; exists {
			r.mu.Unlock()
			r.rollbackActivation(ctx, ext, manifest.ID)
			return r.collision(manifest.ID, tool.Name)
		}
	}

	entry := &registration{
		ext:      ext,
		manifest: manifest,
		tools:    tools,
		slots:    slots,
		channels: channels,
	}
	r.entries[manifest.ID] = entry
	for i, tool := range tools {
		r.tools[tool.Name] = toolBinding{extensionID: manifest.ID, tool: tool, compiled: compiled[i]}
	}
	for _, slot := range slots {
		r.slots[slot.ID] = slot
	}
	for _, ch := range channels {
		r.channels[ch.ID] = ch
	}
	r.mu.Unlock()

	observability.ExtensionsLoaded.Inc()
	r.logger.Info("extension registered",
		"extension", manifest.ID,
		"version", manifest.Version,
		"tools", len(tools),
		"slots", len(slots),
		"state_channels", len(channels))

	r.emit(Event{
		Type:        EventExtensionRegistered,
		ExtensionID: manifest.ID,
		Tools:       len(tools),
		Slots:       len(slots),
		Channels:    len(channels),
	})
	for _, tool := range tools {
		r.emit(Event{Type: EventCapabilityRegistered, ExtensionID: manifest.ID, Kind: KindTool, Name: tool.Name})
	}
	for _, slot := range slots {
		r.emit(Event{Type: EventCapabilityRegistered, ExtensionID: manifest.ID, Kind: KindSlot, Name: slot.ID})
	}
	for _, ch := range channels {
		r.emit(Event{Type: EventCapabilityRegistered, ExtensionID: manifest.ID, Kind: KindStateChannel, Name: ch.ID})
	}

	if len(tools) > 0 {
		r.notifyToolsChanged()
	}
	return nil
}

// Unregister removes an extension and all of its contributions, invoking
// its deactivation hook. Returns false if the id was never registered.
func (r *Registry) Unregister(ctx context.Context, id string) bool {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	for _, tool := range entry.tools {
		delete(r.tools, tool.Name)
	}
	for _, slot := range entry.slots {
		delete(r.slots, slot.ID)
	}
	for _, ch := range entry.channels {
		delete(r.channels, ch.ID)
	}
	r.mu.Unlock()

	if err := entry.ext.Deactivate(ctx); err != nil {
		r.logger.Warn("extension deactivation failed", "extension", id, "error", err)
	}
	if r.enforcer != nil {
		r.enforcer.RemoveGrants(id)
	}

	observability.ExtensionsLoaded.Dec()
	r.logger.Info("extension unregistered", "extension", id)
	r.emit(Event{Type: EventExtensionUnregistered, ExtensionID: id})
	if len(entry.tools) > 0 {
		r.notifyToolsChanged()
	}
	return true
}

// Extensions returns the ids of all registered extensions, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ManifestFor returns the manifest of a registered extension.
func (r *Registry) ManifestFor(id string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return entry.manifest, true
}

// AllTools enumerates every registered tool, sorted by name.
func (r *Registry) AllTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, binding := range r.tools {
		tools = append(tools, binding.tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// HasTool reports whether a tool name is registered.
func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// ValidateTool schema-checks arguments for a tool without executing it.
func (r *Registry) ValidateTool(name string, args map[string]any) error {
	r.mu.RLock()
	binding, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return oops.In("registry").With("tool", name).
			Code("UNKNOWN_TOOL").Errorf("unknown tool: %s", name)
	}
	if err := validateArgs(binding.compiled, args); err != nil {
		return oops.In("registry").With("tool", name).Wrap(err)
	}
	return nil
}

// ExecuteTool validates arguments and invokes the owning extension's bound
// handler. Unknown tools and handler failures come back as error results,
// never as panics.
func (r *Registry) ExecuteTool(ctx context.Context, name string, args map[string]any) ToolResult {
	r.mu.RLock()
	binding, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		observability.ToolExecutions.WithLabelValues(name, "unknown").Inc()
		return ToolResult{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}
	}

	if err := validateArgs(binding.compiled, args); err != nil {
		observability.ToolExecutions.WithLabelValues(name, "invalid_args").Inc()
		return ToolResult{Success: false, Error: err.Error()}
	}

	data, err := r.invoke(ctx, binding, args)
	if err != nil {
		observability.ToolExecutions.WithLabelValues(name, "error").Inc()
		r.logger.Warn("tool execution failed",
			"tool", name, "extension", binding.extensionID, "error", err)
		return ToolResult{Success: false, Error: err.Error()}
	}

	observability.ToolExecutions.WithLabelValues(name, "ok").Inc()
	return ToolResult{Success: true, Data: data}
}

// invoke shields callers from panicking handlers.
func (r *Registry) invoke(ctx context.Context, binding toolBinding, args map[string]any) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = oops.In("registry").With("tool", binding.tool.Name).
				Errorf("tool handler panicked: %v", rec)
		}
	}()
	return binding.tool.Handler(ctx, args)
}

// StateChannels enumerates all registered state channels, sorted by id.
func (r *Registry) StateChannels() []StateChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]StateChannel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	return channels
}

// StateChannel looks up one state channel by id.
func (r *Registry) StateChannel(id string) (StateChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Slots enumerates all registered UI slots, highest priority first.
func (r *Registry) Slots() []Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slots := make([]Slot, 0, len(r.slots))
	for _, slot := range r.slots {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Priority != slots[j].Priority {
			return slots[i].Priority > slots[j].Priority
		}
		return slots[i].ID < slots[j].ID
	})
	return slots
}

// Slot looks up one UI slot by id.
func (r *Registry) Slot(id string) (Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slots[id]
	return slot, ok
}

// OnToolsChanged registers a callback fired whenever the tool set changes.
func (r *Registry) OnToolsChanged(fn func()) (unsubscribe func()) {
	id := ulid.Make().String()
	r.mu.Lock()
	r.toolListeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.toolListeners, id)
		r.mu.Unlock()
	}
}

// OnEvent registers a callback for registry events.
func (r *Registry) OnEvent(fn func(Event)) (unsubscribe func()) {
	id := ulid.Make().String()
	r.mu.Lock()
	r.eventListeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.eventListeners, id)
		r.mu.Unlock()
	}
}

// Destroy unregisters every extension and clears all internal maps. Safe to
// call multiple times.
func (r *Registry) Destroy(ctx context.Context) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		r.Unregister(ctx, id)
	}

	r.mu.Lock()
	r.entries = make(map[string]*registration)
	r.tools = make(map[string]toolBinding)
	r.slots = make(map[string]Slot)
	r.channels = make(map[string]StateChannel)
	r.toolListeners = make(map[string]func())
	r.eventListeners = make(map[string]func(Event))
	r.mu.Unlock()
}

func (r *Registry) collision(extensionID, tool string) error {
	return oops.In("registry").With("extension", extensionID).With("tool", tool).
		Code("TOOL_COLLISION").Errorf("tool name already registered: %s", tool)
}

func (r *Registry) rollbackActivation(ctx context.Context, ext Extension, id string) {
	if err := ext.Deactivate(ctx); err != nil {
		r.logger.Warn("deactivation during rollback failed", "extension", id, "error", err)
	}
	if r.enforcer != nil {
		r.enforcer.RemoveGrants(id)
	}
}

func (r *Registry) notifyToolsChanged() {
	r.mu.RLock()
	listeners := make([]func(), 0, len(r.toolListeners))
	for _, fn := range r.toolListeners {
		listeners = append(listeners, fn)
	}
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}

func (r *Registry) emit(event Event) {
	r.mu.RLock()
	listeners := make([]func(Event), 0, len(r.eventListeners))
	for _, fn := range r.eventListeners {
		listeners = append(listeners, fn)
	}
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(event)
	}
}
