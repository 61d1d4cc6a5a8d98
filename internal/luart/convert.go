// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package luart

import (
	lua "github.com/yuin/gopher-lua"
)

// goToLua converts a Go value into its Lua representation. Maps become
// tables, slices become array tables, numbers become lua numbers.
// Unsupported kinds convert to nil.
func goToLua(L *lua.LState, value any) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case map[string]any:
		t := L.NewTable()
		for key, item := range v {
			t.RawSetString(key, goToLua(L, item))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, item := range v {
			t.Append(goToLua(L, item))
		}
		return t
	default:
		return lua.LNil
	}
}

// luaToGo converts a Lua value into a plain Go value. Tables with only
// positive integer keys become []any; every other table becomes
// map[string]any. Numbers come back as float64, matching JSON decoding.
func luaToGo(value lua.LValue) any {
	switch v := value.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return float64(v)
	case *lua.LTable:
		return tableToGo(v)
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable) any {
	if n := t.MaxN(); n > 0 {
		arr := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			arr = append(arr, luaToGo(t.RawGetInt(i)))
		}
		return arr
	}

	obj := map[string]any{}
	t.ForEach(func(key, item lua.LValue) {
		obj[key.String()] = luaToGo(item)
	})
	return obj
}

// argsToTable builds the Lua argument table handed to a tool handler.
func argsToTable(L *lua.LState, args map[string]any) *lua.LTable {
	t := L.NewTable()
	for key, item := range args {
		t.RawSetString(key, goToLua(L, item))
	}
	return t
}
