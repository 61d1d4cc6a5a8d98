// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package luart

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/vokality/ragdoll/internal/extension"
)

// luaExtension adapts one loaded Lua extension table to the extension
// contract. All calls into the Lua state go through mu: a state is not
// safe for concurrent use, so tool executions, activation, and state reads
// for one extension serialize. Different extensions hold different states
// and never contend.
type luaExtension struct {
	mu       sync.Mutex
	state    *lua.LState
	root     *lua.LTable
	manifest *extension.Manifest
	logger   *slog.Logger

	// env is nil until Activate; host functions that need it report
	// unavailable before then.
	env *extension.HostEnvironment

	tools      []extension.Tool
	slots      []extension.Slot
	channels   []extension.StateChannel
	slotStates map[string]*extension.SlotState
	chanSubs   map[string]*subscriberSet

	closed bool
}

// subscriberSet holds Go-side observers of one state channel. Deliveries
// come from publish_state calls inside the Lua state, so the set has its
// own lock rather than reusing the extension mutex.
type subscriberSet struct {
	mu   sync.Mutex
	subs map[string]func(any)
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subs: map[string]func(any){}}
}

func (s *subscriberSet) add(fn func(any)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := ulid.Make().String()
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *subscriberSet) deliver(payload any) {
	s.mu.Lock()
	fns := make([]func(any), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

// id is safe to call while the chunk is still executing at load time,
// before the manifest has been extracted.
func (e *luaExtension) id() string {
	if e.manifest == nil {
		return ""
	}
	return e.manifest.ID
}

// Manifest implements extension.Extension.
func (e *luaExtension) Manifest() *extension.Manifest {
	return e.manifest
}

// Activate stores the host environment and calls the extension's activate
// function with its configuration.
func (e *luaExtension) Activate(ctx context.Context, host *extension.HostEnvironment, config map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return oops.In("luart").With("extension", e.manifest.ID).Errorf("extension is deactivated")
	}
	e.env = host

	fn := e.root.RawGetString("activate")
	if fn.Type() != lua.LTFunction {
		return oops.In("luart").With("extension", e.manifest.ID).Errorf("extension has no activate function")
	}

	e.state.SetContext(ctx)
	if err := e.state.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, argsToTable(e.state, config)); err != nil {
		e.env = nil
		return oops.In("luart").With("extension", e.manifest.ID).With("operation", "activate").Wrap(err)
	}
	return nil
}

// Deactivate calls the optional deactivate function and closes the state.
// Further calls on the extension fail; Deactivate itself is idempotent.
func (e *luaExtension) Deactivate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var callErr error
	if fn := e.root.RawGetString("deactivate"); fn.Type() == lua.LTFunction {
		e.state.SetContext(ctx)
		if err := e.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
			callErr = oops.In("luart").With("extension", e.manifest.ID).With("operation", "deactivate").Wrap(err)
		}
	}

	e.state.Close()
	e.env = nil
	return callErr
}

// Tools implements extension.Extension.
func (e *luaExtension) Tools() []extension.Tool {
	return e.tools
}

// Slots implements extension.Extension.
func (e *luaExtension) Slots() []extension.Slot {
	return e.slots
}

// StateChannels implements extension.Extension.
func (e *luaExtension) StateChannels() []extension.StateChannel {
	return e.channels
}

// call invokes a Lua function under the extension lock with NRet results.
func (e *luaExtension) call(ctx context.Context, fn lua.LValue, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errors.New("extension is deactivated")
	}

	e.state.SetContext(ctx)
	if err := e.state.CallByParam(lua.P{
		Fn:      fn,
		NRet:    nret,
		Protect: true,
	}, args...); err != nil {
		return nil, err
	}

	rets := make([]lua.LValue, nret)
	for i := nret - 1; i >= 0; i-- {
		rets[i] = e.state.Get(-1)
		e.state.Pop(1)
	}
	return rets, nil
}

// toolHandler wraps one Lua tool function. The function receives the
// argument table and returns (result, err); a non-nil second return or a
// raised Lua error both surface as handler errors.
func (e *luaExtension) toolHandler(name string, fn lua.LValue) extension.ToolHandler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil, errors.New("extension is deactivated")
		}
		table := argsToTable(e.state, args)
		e.mu.Unlock()

		rets, err := e.call(ctx, fn, 2, table)
		if err != nil {
			return nil, oops.In("luart").
				With("extension", e.manifest.ID).
				With("tool", name).
				Wrap(err)
		}
		if rets[1] != lua.LNil {
			return nil, errors.New(rets[1].String())
		}
		return luaToGo(rets[0]), nil
	}
}

var _ extension.Extension = (*luaExtension)(nil)
