//go:build !no_scenario

package scenario

import (
	"errors"
	"time"

	lua "github.com/yuin/gopher-lua"

	"obc-harness/internal/frame"
	"obc-harness/internal/i2c"
	"obc-harness/internal/obc"
)

// registerOBCModule registers the `obc` global: the firmware control
// channel.
func registerOBCModule(L *lua.LState, r *scriptRun) {
	mod := L.NewTable()

	mustOBC := func(L *lua.LState) *obc.OBC {
		o, err := r.e.sys.OBC()
		if err != nil {
			L.RaiseError("%v", err)
		}
		return o
	}

	mod.RawSetString("ping", L.NewFunction(func(L *lua.LState) int {
		resp, err := mustOBC(L).Ping(r.ctx)
		if err != nil {
			L.RaiseError("ping: %v", err)
		}
		L.Push(lua.LString(resp))
		return 1
	}))

	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int {
		st, err := mustOBC(L).State(r.ctx)
		if err != nil {
			L.RaiseError("state: %v", err)
		}
		L.Push(lua.LNumber(st))
		return 1
	}))

	mod.RawSetString("reset", L.NewFunction(func(L *lua.LState) int {
		o := mustOBC(L)
		if err := o.Reset(r.ctx); err != nil {
			L.RaiseError("reset: %v", err)
		}
		if err := o.WaitToStart(r.ctx); err != nil {
			L.RaiseError("reset: %v", err)
		}
		return 0
	}))

	// obc.i2c(mode, bus, addr, data, read_len) -> data|nil, code
	mod.RawSetString("i2c", L.NewFunction(func(L *lua.LState) int {
		mode := checkMode(L, 1)
		bus := checkBus(L, 2)
		addr := checkAddress(L, 3)
		data := []byte(L.OptString(4, ""))
		out, err := mustOBC(L).I2CTransfer(r.ctx, mode, bus, addr, data, L.OptInt(5, 0))
		var fault *i2c.FaultError
		switch {
		case errors.As(err, &fault):
			return pushTransfer(L, nil, fault.Code)
		case err != nil:
			L.RaiseError("i2c: %v", err)
		}
		return pushTransfer(L, out, i2c.OK)
	}))

	mod.RawSetString("write_file", L.NewFunction(func(L *lua.LState) int {
		if err := mustOBC(L).WriteFile(r.ctx, L.CheckString(1), L.CheckString(2)); err != nil {
			L.RaiseError("write_file: %v", err)
		}
		return 0
	}))

	mod.RawSetString("read_file", L.NewFunction(func(L *lua.LState) int {
		content, err := mustOBC(L).ReadFile(r.ctx, L.CheckString(1))
		if err != nil {
			L.RaiseError("read_file: %v", err)
		}
		L.Push(lua.LString(content))
		return 1
	}))

	mod.RawSetString("list_files", L.NewFunction(func(L *lua.LState) int {
		files, err := mustOBC(L).ListFiles(r.ctx, L.OptString(1, "/"))
		if err != nil {
			L.RaiseError("list_files: %v", err)
		}
		L.Push(goToLua(L, files))
		return 1
	}))

	// obc.jump_to_time(seconds)
	mod.RawSetString("jump_to_time", L.NewFunction(func(L *lua.LState) int {
		if err := mustOBC(L).JumpToTime(r.ctx, checkSeconds(L, 1)); err != nil {
			L.RaiseError("jump_to_time: %v", err)
		}
		return 0
	}))

	mod.RawSetString("current_time", L.NewFunction(func(L *lua.LState) int {
		t, err := mustOBC(L).CurrentTime(r.ctx)
		if err != nil {
			L.RaiseError("current_time: %v", err)
		}
		L.Push(lua.LNumber(t.Seconds()))
		return 1
	}))

	mod.RawSetString("comm_auto", L.NewFunction(func(L *lua.LState) int {
		if err := mustOBC(L).CommAutoHandling(r.ctx, L.CheckBool(1)); err != nil {
			L.RaiseError("comm_auto: %v", err)
		}
		return 0
	}))

	mod.RawSetString("frames_count", L.NewFunction(func(L *lua.LState) int {
		n, err := mustOBC(L).FramesCount(r.ctx)
		if err != nil {
			L.RaiseError("frames_count: %v", err)
		}
		L.Push(lua.LNumber(n))
		return 1
	}))

	L.SetGlobal("obc", mod)
}

// registerCommModule registers the `comm` global: the ground side of the
// radio link.
func registerCommModule(L *lua.LState, r *scriptRun) {
	c := r.e.sys.Comm()
	mod := L.NewTable()
	var corr uint8

	nextCorr := func() uint8 {
		corr++
		return corr
	}

	// comm.send(apid, payload)
	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		apid := L.CheckInt(1)
		if apid < 0 || apid > 0xFF {
			L.ArgError(1, "apid out of range")
		}
		c.PutFrame(frame.Raw{ID: uint8(apid), Data: []byte(L.OptString(2, ""))})
		return 0
	}))

	// comm.get_frame(apid, timeout) -> frame|nil; a nil apid matches any.
	mod.RawSetString("get_frame", L.NewFunction(func(L *lua.LState) int {
		var match frame.Predicate = frame.Any
		if L.Get(1) != lua.LNil {
			match = frame.ByAPID(uint8(L.CheckInt(1)))
		}
		f, err := c.GetFrame(optSeconds(L, 2, 5*time.Second), match)
		if err != nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(frameTable(L, f))
		return 1
	}))

	mod.RawSetString("pending", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(c.Inbox().Len()))
		return 1
	}))

	// comm.ping(timeout) -> bool
	mod.RawSetString("ping", L.NewFunction(func(L *lua.LState) int {
		c.PutFrame(frame.Ping{})
		_, err := c.GetFrame(optSeconds(L, 1, 5*time.Second), frame.ByAPID(frame.APIDPong))
		L.Push(lua.LBool(err == nil))
		return 1
	}))

	// comm.beacon(timeout) -> values|nil
	mod.RawSetString("beacon", L.NewFunction(func(L *lua.LState) int {
		c.PutFrame(frame.SendBeacon{})
		f, err := c.GetFrame(optSeconds(L, 1, 5*time.Second), frame.ByAPID(frame.APIDBeacon))
		if err != nil {
			L.Push(lua.LNil)
			return 1
		}
		values, err := r.e.sys.Schemas().DecodeVersioned(f.Payload)
		if err != nil {
			L.RaiseError("beacon: %v", err)
		}
		L.Push(goToLua(L, map[string]any(values)))
		return 1
	}))

	// comm.set_bitrate(code, timeout) -> bool
	mod.RawSetString("set_bitrate", L.NewFunction(func(L *lua.LState) int {
		id := nextCorr()
		c.PutFrame(frame.SetBitrate{CorrelationID: id, Bitrate: uint8(L.CheckInt(1))})
		_, err := c.GetFrame(optSeconds(L, 2, 5*time.Second), frame.ByCorrelation(frame.APIDSetBitrateSuccess, id))
		L.Push(lua.LBool(err == nil))
		return 1
	}))

	// comm.download(path, parts, timeout) -> content|nil, err
	mod.RawSetString("download", L.NewFunction(func(L *lua.LState) int {
		tc := frame.DownloadFile{CorrelationID: nextCorr(), Path: L.CheckString(1)}
		for i := 0; i < L.OptInt(2, 1); i++ {
			tc.Parts = append(tc.Parts, uint32(i))
		}
		timeout := optSeconds(L, 3, 5*time.Second)
		data, err := c.DownloadFile(r.ctx, tc, timeout, timeout)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(data))
		return 1
	}))

	L.SetGlobal("comm", mod)
}
