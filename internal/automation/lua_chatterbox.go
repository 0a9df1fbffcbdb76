//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"math"
	"time"

	"chatterbox-go-home/internal/chatterbox"
	"chatterbox-go-home/internal/coordinator"

	lua "github.com/yuin/gopher-lua"
)

const (
	maxHandlersPerScript = 100
	commandTimeout       = 10 * time.Second
)

// registerChatterboxModule registers the `chatterbox` global table in a Lua state.
func registerChatterboxModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]func(*lua.LState) int{
		"on":      func(L *lua.LState) int { return luaOn(L, vm) },
		"state":   func(L *lua.LState) int { return luaState(L, vm, e) },
		"set":     func(L *lua.LState) int { return luaSet(L, vm, e) },
		"refresh": func(L *lua.LState) int { return luaRefresh(L, vm, e) },
		"zones":   func(L *lua.LState) int { return luaZones(L, vm, e) },
		"devices": func(L *lua.LState) int { return luaDevices(L, vm, e) },
		"after":   func(L *lua.LState) int { return luaAfter(L, vm, e) },
		"log":     func(L *lua.LState) int { return luaLog(L, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("chatterbox", mod)
}

// chatterbox.on(type, [filter], callback). type "*" matches every event;
// filter may name a device.
func luaOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}

	switch L.GetTop() {
	case 2:
		h.fn = L.CheckFunction(2)
	default:
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v := filter.RawGetString("device"); v != lua.LNil {
			h.device = v.String()
		}
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// checkScope rejects a device the script's scope does not cover.
func checkScope(vm *scriptVM, name string) error {
	if !inScope(vm.scope, name) {
		return fmt.Errorf("%w: %q", ErrOutOfScope, name)
	}
	return nil
}

func scopedDevice(vm *scriptVM, e *Engine, name string) (*chatterbox.Device, error) {
	if err := checkScope(vm, name); err != nil {
		return nil, err
	}
	return e.coord.Device(name)
}

// chatterbox.state(device) -> table | nil, err
func luaState(L *lua.LState, vm *scriptVM, e *Engine) int {
	dev, err := scopedDevice(vm, e, L.CheckString(1))
	if err != nil {
		return pushError(L, err)
	}
	L.Push(goToLua(L, toGeneric(dev.Snapshot())))
	return 1
}

// chatterbox.set(device, {hvac_mode=, power=, fan_mode=, temperature=,
// zone=, zone_enabled=, damper_position=}) -> true | nil, err
func luaSet(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	cmd, err := tableToCommand(L.CheckTable(2))
	if err != nil {
		return pushError(L, err)
	}
	if err := checkScope(vm, name); err != nil {
		return pushError(L, err)
	}

	ctx, cancel := context.WithTimeout(vm.ctx, commandTimeout)
	defer cancel()
	if _, err := e.coord.Apply(ctx, name, cmd); err != nil {
		e.logger.Warn("script command failed", "device", name, "err", err)
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// chatterbox.refresh(device) -> table | nil, err
func luaRefresh(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	if err := checkScope(vm, name); err != nil {
		return pushError(L, err)
	}
	ctx, cancel := context.WithTimeout(vm.ctx, commandTimeout)
	defer cancel()

	st, err := e.coord.Refresh(ctx, name)
	if err != nil {
		return pushError(L, err)
	}
	L.Push(goToLua(L, toGeneric(st)))
	return 1
}

// chatterbox.zones(device) -> {name, ...}
func luaZones(L *lua.LState, vm *scriptVM, e *Engine) int {
	dev, err := scopedDevice(vm, e, L.CheckString(1))
	if err != nil {
		return pushError(L, err)
	}
	L.Push(goToLua(L, dev.Zones()))
	return 1
}

// chatterbox.devices() -> {{name=, host=, online=}, ...} for the devices in
// the script's scope.
func luaDevices(L *lua.LState, vm *scriptVM, e *Engine) int {
	tbl := L.NewTable()
	for _, dev := range e.coord.Devices() {
		if !inScope(vm.scope, dev.Name()) {
			continue
		}
		status, err := e.coord.Status(dev.Name())
		if err != nil {
			continue
		}
		d := L.NewTable()
		d.RawSetString("name", lua.LString(status.Name))
		d.RawSetString("host", lua.LString(status.Host))
		d.RawSetString("online", lua.LBool(status.Online))
		tbl.Append(d)
	}
	L.Push(tbl)
	return 1
}

// chatterbox.after(seconds, callback)
func luaAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

func luaLog(L *lua.LState, e *Engine) int {
	e.logger.Info("script log", "msg", L.CheckString(1))
	return 0
}

func pushError(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

// tableToCommand reads a coordinator.Command out of a Lua table. Keys match
// the JSON command accepted over MQTT and HTTP.
func tableToCommand(t *lua.LTable) (coordinator.Command, error) {
	var cmd coordinator.Command
	var err error
	t.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		key := k.String()
		switch key {
		case "power":
			var b bool
			if b, err = luaBool(key, v); err == nil {
				cmd.Power = &b
			}
		case "zone_enabled":
			var b bool
			if b, err = luaBool(key, v); err == nil {
				cmd.ZoneEnabled = &b
			}
		case "hvac_mode":
			var s string
			if s, err = luaString(key, v); err == nil {
				m := chatterbox.HVACMode(s)
				cmd.HVACMode = &m
			}
		case "fan_mode":
			var s string
			if s, err = luaString(key, v); err == nil {
				f := chatterbox.FanMode(s)
				cmd.FanMode = &f
			}
		case "zone":
			cmd.Zone, err = luaString(key, v)
		case "temperature":
			var n float64
			if n, err = luaNumber(key, v); err == nil {
				cmd.Temperature = &n
			}
		case "damper_position":
			var n float64
			if n, err = luaNumber(key, v); err == nil {
				pos := int(math.Round(n))
				cmd.DamperPosition = &pos
			}
		default:
			err = fmt.Errorf("%w: unknown command field %q", chatterbox.ErrInvalidArgument, key)
		}
	})
	return cmd, err
}

func luaBool(key string, v lua.LValue) (bool, error) {
	if b, ok := v.(lua.LBool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("%w: %s must be a boolean", chatterbox.ErrInvalidArgument, key)
}

func luaString(key string, v lua.LValue) (string, error) {
	if s, ok := v.(lua.LString); ok {
		return string(s), nil
	}
	return "", fmt.Errorf("%w: %s must be a string", chatterbox.ErrInvalidArgument, key)
}

func luaNumber(key string, v lua.LValue) (float64, error) {
	if n, ok := v.(lua.LNumber); ok {
		return float64(n), nil
	}
	return 0, fmt.Errorf("%w: %s must be a number", chatterbox.ErrInvalidArgument, key)
}
