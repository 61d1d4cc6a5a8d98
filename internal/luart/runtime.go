// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package luart

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/vokality/ragdoll/internal/extension"
	"github.com/vokality/ragdoll/internal/extension/capability"
)

// Runtime loads Lua extension sources into sandboxed states and adapts
// them to the extension contract. Loading accepts four export shapes, in
// lookup order:
//
//  1. a global create_extension function, called to produce the table
//  2. a global extension table
//  3. the chunk returning a function, called to produce the table
//  4. the chunk returning the table directly
//
// Whatever the shape, the result must be a table carrying a manifest
// (id, name, version) and an activate function.
type Runtime struct {
	factory  *StateFactory
	enforcer *capability.Enforcer
	logger   *slog.Logger
}

// RuntimeOption configures the Runtime.
type RuntimeOption func(*Runtime)

// WithEnforcer shares a capability enforcer with the runtime. Host
// functions check it before touching anything sensitive; the registry
// must be built over the same instance so grants line up.
func WithEnforcer(enforcer *capability.Enforcer) RuntimeOption {
	return func(r *Runtime) {
		r.enforcer = enforcer
	}
}

// WithLogger overrides the runtime logger.
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// NewRuntime creates a Lua extension runtime. Without WithEnforcer it
// runs deny-by-default over its own empty enforcer.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		factory: NewStateFactory(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.enforcer == nil {
		r.enforcer = capability.NewEnforcer()
	}
	return r
}

// Enforcer returns the runtime's capability enforcer.
func (r *Runtime) Enforcer() *capability.Enforcer {
	return r.enforcer
}

// LoadFile loads an extension from its entry file on disk. Factory
// exports receive the resolved config.
func (r *Runtime) LoadFile(ctx context.Context, path string, config map[string]any) (extension.Extension, error) {
	code, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.In("luart").With("path", path).Hint("failed to read entry file").Wrap(err)
	}
	ext, err := r.LoadExtension(ctx, string(code), config)
	if err != nil {
		return nil, oops.In("luart").With("path", path).Wrap(err)
	}
	return ext, nil
}

// LoadExtension compiles and runs an extension source, extracts the
// extension table through the export conventions, and wraps it. Factory
// exports are invoked with the config as their single argument. The
// returned extension owns a live state until Deactivate closes it.
func (r *Runtime) LoadExtension(ctx context.Context, source string, config map[string]any) (extension.Extension, error) {
	L, err := r.factory.NewState(ctx)
	if err != nil {
		return nil, oops.In("luart").Hint("failed to create state").Wrap(err)
	}

	ext := &luaExtension{
		state:      L,
		logger:     r.logger,
		slotStates: map[string]*extension.SlotState{},
		chanSubs:   map[string]*subscriberSet{},
	}
	registerHostModule(L, ext, r.enforcer)

	root, manifest, err := r.extractRoot(ctx, L, source, config)
	if err != nil {
		L.Close()
		return nil, err
	}

	ext.root = root
	ext.manifest = manifest

	if err := ext.collectContributions(); err != nil {
		L.Close()
		return nil, err
	}

	r.logger.Debug("extension loaded",
		"extension", manifest.ID,
		"tools", len(ext.tools),
		"slots", len(ext.slots),
		"channels", len(ext.channels))
	return ext, nil
}

// extractRoot runs the chunk and walks the export conventions in order:
// a create_extension global, an extension global, a returned factory,
// then a returned table. The first candidate yielding a valid extension
// table wins; an invalid candidate is skipped and the next convention is
// tried.
func (r *Runtime) extractRoot(ctx context.Context, L *lua.LState, source string, config map[string]any) (*lua.LTable, *extension.Manifest, error) {
	L.SetContext(ctx)

	chunk, err := L.LoadString(source)
	if err != nil {
		return nil, nil, oops.In("luart").Code("VALIDATION").Hint("syntax error").Wrap(err)
	}
	if err := L.CallByParam(lua.P{Fn: chunk, NRet: 1, Protect: true}); err != nil {
		return nil, nil, oops.In("luart").Code("VALIDATION").Hint("chunk execution failed").Wrap(err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	type candidate struct {
		kind  string
		value lua.LValue
	}
	var candidates []candidate
	if factory := L.GetGlobal("create_extension"); factory.Type() == lua.LTFunction {
		candidates = append(candidates, candidate{"create_extension", factory})
	}
	if global := L.GetGlobal("extension"); global.Type() == lua.LTTable {
		candidates = append(candidates, candidate{"extension global", global})
	}
	switch ret.Type() {
	case lua.LTFunction:
		candidates = append(candidates, candidate{"returned factory", ret})
	case lua.LTTable:
		candidates = append(candidates, candidate{"returned table", ret})
	}

	var firstErr error
	for _, c := range candidates {
		root, manifest, err := r.resolveCandidate(L, c.kind, c.value, config)
		if err == nil {
			return root, manifest, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		r.logger.Debug("export candidate rejected", "export", c.kind, "error", err)
	}
	if firstErr != nil {
		return nil, nil, firstErr
	}
	return nil, nil, oops.In("luart").Code("VALIDATION").
		Errorf("invalid extension: no export found (expected create_extension, extension global, or returned table/factory)")
}

// resolveCandidate turns one export candidate into a validated extension
// table: factories are invoked with the config, and the resulting table
// must carry a valid manifest and an activate function.
func (r *Runtime) resolveCandidate(L *lua.LState, kind string, value lua.LValue, config map[string]any) (*lua.LTable, *extension.Manifest, error) {
	root, ok := value.(*lua.LTable)
	if !ok {
		t, err := r.callFactory(L, value, kind, config)
		if err != nil {
			return nil, nil, err
		}
		root = t
	}

	manifest, err := manifestFromTable(root)
	if err != nil {
		return nil, nil, err
	}
	if root.RawGetString("activate").Type() != lua.LTFunction {
		return nil, nil, oops.In("luart").Code("VALIDATION").
			With("extension", manifest.ID).
			Errorf("invalid extension: missing activate function")
	}
	return root, manifest, nil
}

// callFactory invokes a factory export with the config table, and the
// factory must return a table.
func (r *Runtime) callFactory(L *lua.LState, fn lua.LValue, kind string, config map[string]any) (*lua.LTable, error) {
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, goToLua(L, configValue(config))); err != nil {
		return nil, oops.In("luart").Code("VALIDATION").With("export", kind).Wrap(err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	t, ok := ret.(*lua.LTable)
	if !ok {
		return nil, oops.In("luart").Code("VALIDATION").With("export", kind).
			Errorf("invalid extension: factory returned %s, want table", ret.Type().String())
	}
	return t, nil
}

// configValue normalizes the load config so a factory always sees a
// table, never nil.
func configValue(config map[string]any) any {
	if config == nil {
		return map[string]any{}
	}
	return config
}

// manifestFromTable reads the manifest subtable of an extension table.
func manifestFromTable(root *lua.LTable) (*extension.Manifest, error) {
	mt, ok := root.RawGetString("manifest").(*lua.LTable)
	if !ok {
		return nil, oops.In("luart").Code("VALIDATION").
			Errorf("invalid extension: missing manifest table")
	}

	m := &extension.Manifest{
		ID:          stringField(mt, "id"),
		Name:        stringField(mt, "name"),
		Version:     stringField(mt, "version"),
		Description: stringField(mt, "description"),
	}
	if caps, ok := mt.RawGetString("capabilities").(*lua.LTable); ok {
		caps.ForEach(func(_, v lua.LValue) {
			m.Capabilities = append(m.Capabilities, v.String())
		})
	}
	if err := m.Validate(); err != nil {
		return nil, oops.In("luart").Code("VALIDATION").Wrapf(err, "invalid extension manifest")
	}
	return m, nil
}

func stringField(t *lua.LTable, key string) string {
	if v, ok := t.RawGetString(key).(lua.LString); ok {
		return string(v)
	}
	return ""
}

// collectContributions reads the tools, slots, and state_channels fields
// into the cached contribution lists. Runs once at load, before any
// concurrent access, so it touches the state without locking.
func (e *luaExtension) collectContributions() error {
	if tools, ok := e.root.RawGetString("tools").(*lua.LTable); ok {
		var err error
		tools.ForEach(func(_, v lua.LValue) {
			if err != nil {
				return
			}
			err = e.collectTool(v)
		})
		if err != nil {
			return err
		}
	}

	if slots, ok := e.root.RawGetString("slots").(*lua.LTable); ok {
		slots.ForEach(func(_, v lua.LValue) {
			st, ok := v.(*lua.LTable)
			if !ok {
				return
			}
			state := extension.NewSlotState(luaToGo(st.RawGetString("initial_state")))
			slot := extension.Slot{
				ID:       stringField(st, "id"),
				Label:    stringField(st, "label"),
				Icon:     stringField(st, "icon"),
				Priority: int(lua.LVAsNumber(st.RawGetString("priority"))),
				State:    state,
			}
			if slot.ID == "" {
				return
			}
			e.slotStates[slot.ID] = state
			e.slots = append(e.slots, slot)
		})
	}

	if channels, ok := e.root.RawGetString("state_channels").(*lua.LTable); ok {
		channels.ForEach(func(_, v lua.LValue) {
			ct, ok := v.(*lua.LTable)
			if !ok {
				return
			}
			id := stringField(ct, "id")
			if id == "" {
				return
			}
			getState := ct.RawGetString("get_state")
			subs := newSubscriberSet()
			e.chanSubs[id] = subs
			e.channels = append(e.channels, extension.StateChannel{
				ID: id,
				GetState: func() any {
					if getState.Type() != lua.LTFunction {
						return nil
					}
					rets, err := e.call(context.Background(), getState, 1)
					if err != nil {
						e.logger.Warn("state channel read failed",
							"extension", e.manifest.ID, "channel", id, "error", err)
						return nil
					}
					return luaToGo(rets[0])
				},
				Subscribe: subs.add,
			})
		})
	}

	return nil
}

// collectTool validates and wraps one entry of the tools field.
func (e *luaExtension) collectTool(v lua.LValue) error {
	tt, ok := v.(*lua.LTable)
	if !ok {
		return oops.In("luart").Code("VALIDATION").
			With("extension", e.manifest.ID).
			Errorf("invalid tool contribution: %s, want table", v.Type().String())
	}
	name := stringField(tt, "name")
	if name == "" {
		return oops.In("luart").Code("VALIDATION").
			With("extension", e.manifest.ID).
			Errorf("invalid tool contribution: missing name")
	}
	handler := tt.RawGetString("handler")
	if handler.Type() != lua.LTFunction {
		return oops.In("luart").Code("VALIDATION").
			With("extension", e.manifest.ID).With("tool", name).
			Errorf("invalid tool contribution: missing handler function")
	}

	var schema map[string]any
	if raw, ok := luaToGo(tt.RawGetString("schema")).(map[string]any); ok && len(raw) > 0 {
		schema = raw
	}

	e.tools = append(e.tools, extension.Tool{
		Name:        name,
		Description: stringField(tt, "description"),
		Schema:      schema,
		Handler:     e.toolHandler(name, handler),
	})
	return nil
}
