// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package luart

import (
	"context"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/vokality/ragdoll/internal/extension/capability"
)

// Host module exposed to extension code as the ragdoll global.
//
// Functions touching sensitive resources carry a capability check against
// the shared enforcer; an extension without the grant gets a raised Lua
// error. Logging, request ids, and the extension's own slot and channel
// state need no capability.
const hostModuleName = "ragdoll"

// Capability names checked by host functions.
const (
	capStorageRead  = "storage.read"
	capStorageWrite = "storage.write"
	capNotify       = "notifications.send"
	capBusPublish   = "bus.publish"
)

// registerHostModule installs the ragdoll module into an extension's state.
// Host functions execute inside Lua calls that already hold the extension
// lock, so they must never re-enter it; they reach shared structures
// through their own synchronization.
func registerHostModule(L *lua.LState, ext *luaExtension, enforcer *capability.Enforcer) {
	mod := L.NewTable()

	L.SetField(mod, "log", L.NewFunction(logFn(ext)))
	L.SetField(mod, "new_request_id", L.NewFunction(newRequestIDFn()))

	L.SetField(mod, "storage_get", L.NewFunction(guard(ext, enforcer, capStorageRead, storageGetFn(ext))))
	L.SetField(mod, "storage_set", L.NewFunction(guard(ext, enforcer, capStorageWrite, storageSetFn(ext))))
	L.SetField(mod, "storage_delete", L.NewFunction(guard(ext, enforcer, capStorageWrite, storageDeleteFn(ext))))

	L.SetField(mod, "notify", L.NewFunction(guard(ext, enforcer, capNotify, notifyFn(ext))))
	L.SetField(mod, "publish", L.NewFunction(guard(ext, enforcer, capBusPublish, publishFn(ext))))

	L.SetField(mod, "publish_state", L.NewFunction(publishStateFn(ext)))
	L.SetField(mod, "set_slot_state", L.NewFunction(setSlotStateFn(ext)))
	L.SetField(mod, "data_dir", L.NewFunction(dataDirFn(ext)))
	L.SetField(mod, "schedule_persist", L.NewFunction(schedulePersistFn(ext)))

	L.SetGlobal(hostModuleName, mod)
}

// guard wraps a host function with a capability check.
func guard(ext *luaExtension, enforcer *capability.Enforcer, capName string, fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if !enforcer.Check(ext.id(), capName) {
			L.RaiseError("capability denied: %s requires %s", ext.id(), capName)
			return 0
		}
		return fn(L)
	}
}

// pushError pushes nil followed by an error string and returns 2. This is
// the standard error shape for host functions.
func pushError(L *lua.LState, errMsg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(errMsg))
	return 2
}

// hostContext falls back to Background when the state carries no context.
func hostContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func logFn(ext *luaExtension) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		logger := ext.logger.With("extension", ext.id())
		switch level {
		case "debug":
			logger.Debug(message)
		case "info":
			logger.Info(message)
		case "warn":
			logger.Warn(message)
		case "error":
			logger.Error(message)
		default:
			logger.Info(message)
		}
		return 0
	}
}

func newRequestIDFn() lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LString(ulid.Make().String()))
		return 1
	}
}

func storageGetFn(ext *luaExtension) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)

		if ext.env == nil || ext.env.Storage == nil {
			return pushError(L, "storage not available before activation")
		}

		value, err := ext.env.Storage.Get(hostContext(L), key)
		if err != nil {
			return pushError(L, err.Error())
		}
		if value == nil {
			L.Push(lua.LNil)
			L.Push(lua.LNil) // No error, just not found
			return 2
		}

		L.Push(lua.LString(string(value)))
		L.Push(lua.LNil)
		return 2
	}
}

func storageSetFn(ext *luaExtension) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		value := L.CheckString(2)

		if ext.env == nil || ext.env.Storage == nil {
			L.Push(lua.LString("storage not available before activation"))
			return 1
		}
		if err := ext.env.Storage.Set(hostContext(L), key, []byte(value)); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		return 0
	}
}

func storageDeleteFn(ext *luaExtension) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)

		if ext.env == nil || ext.env.Storage == nil {
			L.Push(lua.LString("storage not available before activation"))
			return 1
		}
		if err := ext.env.Storage.Delete(hostContext(L), key); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		return 0
	}
}

func notifyFn(ext *luaExtension) lua.LGFunction {
	return func(L *lua.LState) int {
		title := L.CheckString(1)
		body := L.OptString(2, "")

		if ext.env == nil || ext.env.Notifier == nil {
			L.Push(lua.LString("notifier not available before activation"))
			return 1
		}
		if err := ext.env.Notifier.Notify(hostContext(L), title, body); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		return 0
	}
}

func publishFn(ext *luaExtension) lua.LGFunction {
	return func(L *lua.LState) int {
		topic := L.CheckString(1)
		payload := luaToGo(L.Get(2))

		if ext.env == nil || ext.env.Bus == nil {
			L.Push(lua.LString("bus not available before activation"))
			return 1
		}
		ext.env.Bus.Publish(topic, payload)
		return 0
	}
}

func publishStateFn(ext *luaExtension) lua.LGFunction {
	return func(L *lua.LState) int {
		channelID := L.CheckString(1)
		payload := luaToGo(L.Get(2))

		subs, ok := ext.chanSubs[channelID]
		if !ok {
			L.RaiseError("unknown state channel: %s", channelID)
			return 0
		}
		subs.deliver(payload)
		return 0
	}
}

func setSlotStateFn(ext *luaExtension) lua.LGFunction {
	return func(L *lua.LState) int {
		slotID := L.CheckString(1)
		value := luaToGo(L.Get(2))

		state, ok := ext.slotStates[slotID]
		if !ok {
			L.RaiseError("unknown slot: %s", slotID)
			return 0
		}
		state.Set(value)
		return 0
	}
}

func dataDirFn(ext *luaExtension) lua.LGFunction {
	return func(L *lua.LState) int {
		if ext.env == nil {
			L.Push(lua.LString(""))
			return 1
		}
		L.Push(lua.LString(ext.env.DataDir))
		return 1
	}
}

func schedulePersistFn(ext *luaExtension) lua.LGFunction {
	return func(L *lua.LState) int {
		if ext.env != nil && ext.env.SchedulePersist != nil {
			ext.env.SchedulePersist()
		}
		return 0
	}
}
