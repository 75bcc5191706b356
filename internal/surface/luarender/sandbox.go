package luarender

import (
	lua "github.com/yuin/gopher-lua"
)

// installSandbox locks down an LState for running untrusted layout scripts.
//
// The surface VM has no capabilities at all: no filesystem, no network, no
// process access, and no dynamic code loading. Only the pure computational
// stdlib modules survive.
func installSandbox(L *lua.LState) {
	// Dynamic loaders would let a script escape the preloaded environment.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	// Clear loader search paths so require cannot reach the disk.
	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(""))
		L.SetField(pkg, "cpath", lua.LString(""))

		safeLoaded := map[string]bool{
			"_G": true, "string": true, "table": true, "math": true,
			"package": true,
		}
		if loaded, ok := L.GetField(pkg, "loaded").(*lua.LTable); ok {
			var remove []string
			loaded.ForEach(func(k, _ lua.LValue) {
				if ks, ok := k.(lua.LString); ok && !safeLoaded[string(ks)] {
					remove = append(remove, string(ks))
				}
			})
			for _, key := range remove {
				loaded.RawSetString(key, lua.LNil)
			}
		}
	}

	safeModules := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
	}
	originalRequire := L.GetGlobal("require")

	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)
		if safeModules[modName] {
			L.Push(originalRequire)
			L.Push(lua.LString(modName))
			L.Call(1, 1)
			return 1
		}
		// L.RaiseError longjmps; the return is for the Go compiler.
		L.RaiseError("module %q is not available", modName)
		return 0
	}))

	// os and io never get registered (see newState), but a hostile chunk may
	// still probe the globals. Make the absence explicit.
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
}

// newState builds an LState with only the computational stdlib opened.
func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, open := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.LoadLibName, lua.OpenPackage},
		{lua.StringLibName, lua.OpenString},
		{lua.TabLibName, lua.OpenTable},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(open.fn))
		L.Push(lua.LString(open.name))
		L.Call(1, 0)
	}
	installSandbox(L)
	return L
}
