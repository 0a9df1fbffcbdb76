//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// SystemConfig holds configuration for the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // absolute paths scripts may run
	ExecTimeout   time.Duration // per command, 10s when zero
}

const (
	defaultExecTimeout = 10 * time.Second
	maxExecOutput      = 64 << 10
)

var errExecBlocked = errors.New("exec blocked")

// registerSystemModule installs the `system` table: clock helpers, device
// reachability for the script's scope, logging and allowlisted exec.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"datetime":     systemDatetime,
		"time_between": systemTimeBetween,
		"uptime": func(L *lua.LState) int {
			L.Push(lua.LNumber(time.Since(e.started).Truncate(time.Second).Seconds()))
			return 1
		},
		"scope":     func(L *lua.LState) int { return systemScope(L, vm, e) },
		"online":    func(L *lua.LState) int { return systemOnline(L, vm, e) },
		"last_seen": func(L *lua.LState) int { return systemLastSeen(L, vm, e) },
		"log":       func(L *lua.LState) int { return systemLog(L, vm, e) },
		"exec":      func(L *lua.LState) int { return systemExec(L, vm, e) },
	})
	L.SetGlobal("system", mod)
}

var datetimeParts = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.TimeOnly)) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.DateOnly)) },
}

// system.datetime(part) -> number | string
func systemDatetime(L *lua.LState) int {
	part := L.CheckString(1)
	fn, ok := datetimeParts[part]
	if !ok {
		L.ArgError(1, "unknown component: "+part)
		return 0
	}
	L.Push(fn(time.Now()))
	return 1
}

// system.time_between(from_hour, to_hour) is true when the local hour is in
// [from, to). from > to wraps past midnight.
func systemTimeBetween(L *lua.LState) int {
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), L.CheckInt(1), L.CheckInt(2))))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from > to {
		return hour >= from || hour < to
	}
	return from <= hour && hour < to
}

// system.scope() -> {name, ...} of the devices the script may use.
func systemScope(L *lua.LState, vm *scriptVM, e *Engine) int {
	names := vm.scope
	if len(names) == 0 {
		for _, dev := range e.coord.Devices() {
			names = append(names, dev.Name())
		}
	}
	L.Push(goToLua(L, names))
	return 1
}

// system.online(device) -> bool | nil, err
func systemOnline(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	if err := checkScope(vm, name); err != nil {
		return pushError(L, err)
	}
	status, err := e.coord.Status(name)
	if err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LBool(status.Online))
	return 1
}

// system.last_seen(device) -> unix seconds of the last good refresh, or nil
// before the first one.
func systemLastSeen(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	if err := checkScope(vm, name); err != nil {
		return pushError(L, err)
	}
	status, err := e.coord.Status(name)
	if err != nil {
		return pushError(L, err)
	}
	if status.LastSeen.IsZero() {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(status.LastSeen.Unix()))
	return 1
}

// system.log(level, msg)
func systemLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level, msg := L.CheckString(1), L.CheckString(2)
	log := e.logger.Info
	switch level {
	case "debug":
		log = e.logger.Debug
	case "warn":
		log = e.logger.Warn
	case "error":
		log = e.logger.Error
	}
	log("script log", "script", vm.id, "msg", msg)
	return 0
}

// system.exec(cmd) -> stdout | nil, err. Only absolute paths on the
// allowlist run; output is capped at 64 KiB.
func systemExec(L *lua.LState, vm *scriptVM, e *Engine) int {
	out, err := e.systemCfg.run(vm.ctx, L.CheckString(1))
	if err != nil {
		e.logger.Warn("script exec failed", "script", vm.id, "err", err)
		return pushError(L, err)
	}
	L.Push(lua.LString(out))
	return 1
}

func (c SystemConfig) run(parent context.Context, cmdline string) (string, error) {
	args := strings.Fields(cmdline)
	if len(args) == 0 {
		return "", fmt.Errorf("%w: empty command", errExecBlocked)
	}
	bin := args[0]
	if !filepath.IsAbs(bin) {
		return "", fmt.Errorf("%w: %s is not an absolute path", errExecBlocked, bin)
	}
	if !slices.Contains(c.ExecAllowlist, bin) {
		return "", fmt.Errorf("%w: %s is not allowlisted", errExecBlocked, bin)
	}

	timeout := c.ExecTimeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, args[1:]...).Output()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%s: timed out after %s", bin, timeout)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", bin, err)
	}
	if len(out) > maxExecOutput {
		out = out[:maxExecOutput]
	}
	return string(out), nil
}
