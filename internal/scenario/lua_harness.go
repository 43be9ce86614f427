//go:build !no_scenario

package scenario

import (
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"obc-harness/internal/i2c"
)

const maxHandlersPerScript = 100

// registerBusModule registers the `bus` global: fault injection and direct
// transactions on the simulated buses.
func registerBusModule(L *lua.LState, r *scriptRun) {
	ctrl := r.e.sys.Controller()
	mod := L.NewTable()

	mod.RawSetString("disable", L.NewFunction(func(L *lua.LState) int {
		if checkBus(L, 1) == i2c.SystemBus {
			ctrl.DisableBus()
		} else {
			ctrl.DisablePayload()
		}
		return 0
	}))
	mod.RawSetString("enable", L.NewFunction(func(L *lua.LState) int {
		if checkBus(L, 1) == i2c.SystemBus {
			ctrl.EnableBus()
		} else {
			ctrl.EnablePayload()
		}
		return 0
	}))
	mod.RawSetString("latch", L.NewFunction(func(L *lua.LState) int {
		ctrl.Latch(checkBus(L, 1))
		return 0
	}))
	mod.RawSetString("unlatch", L.NewFunction(func(L *lua.LState) int {
		ctrl.Unlatch(checkBus(L, 1))
		return 0
	}))
	mod.RawSetString("freeze", L.NewFunction(func(L *lua.LState) int {
		ctrl.Freeze(checkBus(L, 1))
		return 0
	}))
	mod.RawSetString("unfreeze", L.NewFunction(func(L *lua.LState) int {
		ctrl.Unfreeze(checkBus(L, 1))
		return 0
	}))
	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int {
		L.Push(goToLua(L, ctrl.State(checkBus(L, 1))))
		return 1
	}))

	// bus.enable_device(bus, addr, enabled)
	mod.RawSetString("enable_device", L.NewFunction(func(L *lua.LState) int {
		bus := checkBus(L, 1)
		addr := checkAddress(L, 2)
		ctrl.Enable(bus, []i2c.Address{addr}, L.OptBool(3, true))
		return 0
	}))

	// bus.transfer(bus, addr, mode, data, read_len) -> data|nil, code
	mod.RawSetString("transfer", L.NewFunction(func(L *lua.LState) int {
		tx := i2c.Transaction{
			Bus:     checkBus(L, 1),
			Address: checkAddress(L, 2),
			Mode:    checkMode(L, 3),
			Data:    []byte(L.OptString(4, "")),
			ReadLen: L.OptInt(5, 0),
		}
		resp := ctrl.Transfer(r.ctx, tx)
		return pushTransfer(L, resp.Data, resp.Code)
	}))

	L.SetGlobal("bus", mod)
}

// registerHarnessModule registers the `harness` global: logging, timing,
// events and assertions.
func registerHarnessModule(L *lua.LState, r *scriptRun) {
	mod := L.NewTable()

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		r.log(L.CheckString(1))
		return 0
	}))

	mod.RawSetString("restart", L.NewFunction(func(L *lua.LState) int {
		if err := r.e.sys.Restart(r.ctx); err != nil {
			L.RaiseError("restart: %v", err)
		}
		return 0
	}))

	// harness.sleep(seconds)
	mod.RawSetString("sleep", L.NewFunction(func(L *lua.LState) int {
		if _, err := r.wait(checkSeconds(L, 1), ""); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	}))

	// harness.on(type, fn); "*" matches every event.
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		eventType := L.CheckString(1)
		fn := L.CheckFunction(2)
		if len(r.handlers) >= maxHandlersPerScript {
			L.RaiseError("too many event handlers (max %d)", maxHandlersPerScript)
		}
		r.handlers = append(r.handlers, luaEventHandler{eventType: eventType, fn: fn})
		return 0
	}))

	// harness.event_count(type) -> number of events of type emitted so far
	mod.RawSetString("event_count", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(r.e.sys.Events().Count(L.CheckString(1))))
		return 1
	}))

	// harness.wait_event(type, timeout) -> event|nil
	mod.RawSetString("wait_event", L.NewFunction(func(L *lua.LState) int {
		eventType := L.CheckString(1)
		ev, err := r.wait(optSeconds(L, 2, 5*time.Second), eventType)
		if err != nil {
			L.RaiseError("%v", err)
		}
		if ev == nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(eventTable(L, *ev))
		return 1
	}))

	// harness.expect(cond, msg)
	mod.RawSetString("expect", L.NewFunction(func(L *lua.LState) int {
		if lua.LVAsBool(L.Get(1)) {
			return 0
		}
		L.RaiseError("expectation failed: %s", L.OptString(2, "condition is false"))
		return 0
	}))

	// harness.expect_eq(got, want, msg)
	mod.RawSetString("expect_eq", L.NewFunction(func(L *lua.LState) int {
		got, want := L.Get(1), L.Get(2)
		if L.Equal(got, want) {
			return 0
		}
		L.RaiseError("expectation failed: %s: got %s, want %s", L.OptString(3, "values differ"), got.String(), want.String())
		return 0
	}))

	mod.RawSetString("fail", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("%s", L.OptString(1, "scenario failed"))
		return 0
	}))

	mod.RawSetString("run_id", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(r.e.sys.RunID()))
		return 1
	}))

	L.SetGlobal("harness", mod)
}

func checkBus(L *lua.LState, n int) i2c.BusSelector {
	bus, err := i2c.ParseBus(L.CheckString(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return bus
}

func checkAddress(L *lua.LState, n int) i2c.Address {
	v := L.CheckInt(n)
	if v < 0 || v > int(i2c.MaxAddress) {
		L.ArgError(n, fmt.Sprintf("address %d out of 7-bit range", v))
	}
	return i2c.Address(v)
}

func checkMode(L *lua.LState, n int) i2c.Mode {
	mode, err := i2c.ParseMode(L.CheckString(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return mode
}

func checkSeconds(L *lua.LState, n int) time.Duration {
	return time.Duration(float64(L.CheckNumber(n)) * float64(time.Second))
}

func optSeconds(L *lua.LState, n int, def time.Duration) time.Duration {
	if L.Get(n) == lua.LNil {
		return def
	}
	return checkSeconds(L, n)
}

// pushTransfer returns the data (nil on a fault) and the numeric fault code.
func pushTransfer(L *lua.LState, data []byte, code i2c.FaultCode) int {
	if code != i2c.OK {
		L.Push(lua.LNil)
	} else {
		L.Push(lua.LString(data))
	}
	L.Push(lua.LNumber(code))
	return 2
}
