// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

// Package luart provides a sandboxed Lua runtime for extension execution.
package luart

import (
	"context"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

// sandboxLibs is the whitelist of libraries opened in an extension state:
// base, table, string, and math. Everything else (os, io, debug, package)
// stays closed.
var sandboxLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// blockedGlobals are base-library functions removed after opening: each one
// reads files or compiles arbitrary chunks, which the sandbox must not allow.
var blockedGlobals = []string{"dofile", "loadfile", "loadstring", "load"}

// StateFactory builds sandboxed Lua states. The zero value is usable.
type StateFactory struct{}

// NewStateFactory returns a factory producing whitelisted states.
func NewStateFactory() *StateFactory {
	return &StateFactory{}
}

// NewState returns a fresh state with only the whitelisted libraries and
// with chunk-loading globals removed. The context is accepted for symmetry
// with the rest of the runtime; state construction itself does not block.
func (f *StateFactory) NewState(_ context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range sandboxLibs {
		err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name))
		if err != nil {
			L.Close()
			return nil, oops.In("luart").
				With("library", lib.name).
				Wrapf(err, "opening lua library")
		}
	}

	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	return L, nil
}
