//go:build !no_scenario

package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"obc-harness/internal/events"
	"obc-harness/internal/frame"
	"obc-harness/internal/harness"
)

// DefaultTimeout bounds one scenario when neither the engine config nor the
// script metadata set a timeout.
const DefaultTimeout = 60 * time.Second

// ErrBusy is returned when a scenario is started while another runs.
var ErrBusy = errors.New("scenario: another scenario is running")

// Config configures an Engine.
type Config struct {
	Timeout time.Duration
	// RestartBetween restarts the system before every scenario but the
	// first in RunAll.
	RestartBetween bool
}

// Result is the outcome of one scenario run.
type Result struct {
	Script   string   `json:"script"`
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a registered Lua callback for one event type.
type luaEventHandler struct {
	eventType string
	fn        *lua.LFunction
}

// scriptRun is the state of one executing scenario. Only the goroutine
// running the script touches the Lua state; harness events reach it through
// the events channel and are dispatched whenever the script blocks in
// harness.sleep or harness.wait_event, and once more after it returns.
type scriptRun struct {
	e        *Engine
	L        *lua.LState
	ctx      context.Context
	events   chan events.Event
	handlers []luaEventHandler
	logs     []string
}

// Engine runs scenarios one at a time.
type Engine struct {
	sys     *harness.System
	manager *Manager
	logger  *slog.Logger
	cfg     Config

	run sync.Mutex
}

// NewEngine creates a scenario engine for sys.
func NewEngine(sys *harness.System, mgr *Manager, logger *slog.Logger, cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Engine{
		sys:     sys,
		manager: mgr,
		logger:  logger.With("component", "scenario"),
		cfg:     cfg,
	}
}

// Manager returns the script store the engine reads from.
func (e *Engine) Manager() *Manager { return e.manager }

// Run executes the stored scenario id.
func (e *Engine) Run(ctx context.Context, id string) *Result {
	s, err := e.manager.Get(id)
	if err != nil {
		return &Result{Script: id, Error: "script not found: " + err.Error(), Duration: "0s"}
	}
	return e.runScript(ctx, s)
}

// RunCode executes code as a scenario named name.
func (e *Engine) RunCode(ctx context.Context, name, code string) *Result {
	return e.runScript(ctx, &Script{ID: name, Meta: ScriptMeta{Name: name}, LuaCode: code})
}

// RunAll executes every enabled scenario in ID order.
func (e *Engine) RunAll(ctx context.Context) ([]*Result, error) {
	return e.RunTagged(ctx, "")
}

// RunTagged executes the enabled scenarios carrying tag in ID order. An
// empty tag selects every enabled scenario.
func (e *Engine) RunTagged(ctx context.Context, tag string) ([]*Result, error) {
	scripts, err := e.manager.ListTagged(tag)
	if err != nil {
		return nil, err
	}
	var results []*Result
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		if len(results) > 0 && e.cfg.RestartBetween {
			if err := e.sys.Restart(ctx); err != nil {
				results = append(results, &Result{Script: s.ID, Error: "restart: " + err.Error(), Duration: "0s"})
				continue
			}
		}
		results = append(results, e.runScript(ctx, s))
	}
	return results, nil
}

// Passed reports whether every result is OK.
func Passed(results []*Result) bool {
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}

func (e *Engine) timeoutFor(s *Script) time.Duration {
	if s.Meta.Timeout != "" {
		d, err := time.ParseDuration(s.Meta.Timeout)
		if err == nil && d > 0 {
			return d
		}
		e.logger.Warn("invalid scenario timeout", "id", s.ID, "timeout", s.Meta.Timeout)
	}
	return e.cfg.Timeout
}

func (e *Engine) runScript(parent context.Context, s *Script) *Result {
	start := time.Now()
	if !e.run.TryLock() {
		return &Result{Script: s.ID, Error: ErrBusy.Error(), Duration: "0s"}
	}
	defer e.run.Unlock()

	timeout := e.timeoutFor(s)
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()

	// Sandbox
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	L.SetContext(ctx)

	r := &scriptRun{
		e:      e,
		L:      L,
		ctx:    ctx,
		events: make(chan events.Event, 256),
	}
	unsub := e.sys.Events().OnAll(func(ev events.Event) {
		select {
		case r.events <- ev:
		default:
			e.logger.Warn("scenario event queue full, dropping event", "type", ev.Type)
		}
	})
	defer unsub()

	registerBusModule(L, r)
	registerOBCModule(L, r)
	registerCommModule(L, r)
	registerHarnessModule(L, r)

	e.logger.Info("scenario started", "id", s.ID, "timeout", timeout)

	err := L.DoString(s.LuaCode)
	if err == nil {
		err = r.pump()
	}
	dur := time.Since(start)
	if err != nil {
		errStr := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || strings.Contains(errStr, "context deadline exceeded") {
			errStr = fmt.Sprintf("timeout (%s)", timeout)
		}
		e.logger.Warn("scenario failed", "id", s.ID, "err", errStr, "duration", dur)
		return &Result{Script: s.ID, Error: errStr, Logs: r.logs, Duration: dur.String()}
	}
	e.logger.Info("scenario passed", "id", s.ID, "logs", len(r.logs), "duration", dur)
	return &Result{Script: s.ID, OK: true, Logs: r.logs, Duration: dur.String()}
}

func (r *scriptRun) log(msg string) {
	r.logs = append(r.logs, msg)
	r.e.logger.Info("scenario log", "msg", msg)
}

// pump dispatches every queued event without blocking.
func (r *scriptRun) pump() error {
	for {
		select {
		case ev := <-r.events:
			if err := r.dispatch(ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// wait blocks for d, dispatching events as they arrive. If eventType is
// set, it returns the first event of that type.
func (r *scriptRun) wait(d time.Duration, eventType string) (*events.Event, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		case <-timer.C:
			return nil, nil
		case ev := <-r.events:
			if err := r.dispatch(ev); err != nil {
				return nil, err
			}
			if eventType != "" && ev.Type == eventType {
				return &ev, nil
			}
		}
	}
}

func (r *scriptRun) dispatch(ev events.Event) error {
	for _, h := range r.handlers {
		if h.eventType != ev.Type && h.eventType != "*" {
			continue
		}
		if err := r.L.CallByParam(lua.P{
			Fn:      h.fn,
			NRet:    0,
			Protect: true,
		}, eventTable(r.L, ev)); err != nil {
			return err
		}
	}
	return nil
}

// eventTable builds the Lua view of a harness event.
func eventTable(L *lua.LState, ev events.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(ev.Type))
	if f, ok := ev.Data.(frame.Frame); ok {
		t.RawSetString("data", frameTable(L, f))
	} else {
		t.RawSetString("data", goToLua(L, ev.Data))
	}
	return t
}

// frameTable exposes a frame with its payload as a raw Lua string.
func frameTable(L *lua.LState, f frame.Frame) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("apid", lua.LNumber(f.APID))
	t.RawSetString("seq", lua.LNumber(f.Seq))
	if corr, ok := f.Correlation(); ok {
		t.RawSetString("correlation_id", lua.LNumber(corr))
	}
	t.RawSetString("payload", lua.LString(f.Payload))
	return t
}

// goToLua converts a Go value to a Lua value. Structs and other composite
// values go through their JSON form.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, s := range val {
			t.RawSetInt(i+1, lua.LString(s))
		}
		return t
	}

	data, err := json.Marshal(v)
	if err != nil {
		return lua.LString(fmt.Sprintf("%v", v))
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return lua.LString(fmt.Sprintf("%v", v))
	}
	return goToLua(L, generic)
}
